package syncer

import (
	"sync"

	"drmsync/go-sync-agent/internal/model"
)

// Notifier receives every status event in the order it happened.
type Notifier interface {
	Notify(ev model.StatusEvent)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(model.StatusEvent)

func (f NotifierFunc) Notify(ev model.StatusEvent) { f(ev) }

type hub struct {
	mu        sync.RWMutex
	next      int
	subs      map[int]chan model.StatusEvent
	notifiers []Notifier
}

func newHub() *hub {
	return &hub{subs: make(map[int]chan model.StatusEvent)}
}

func (h *hub) subscribe(buffer int) (<-chan model.StatusEvent, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan model.StatusEvent, buffer)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *hub) addNotifier(n Notifier) {
	h.mu.Lock()
	h.notifiers = append(h.notifiers, n)
	h.mu.Unlock()
}

func (h *hub) publish(ev model.StatusEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, n := range h.notifiers {
		notify(n, ev)
	}
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// notify isolates the drain from a misbehaving listener.
func notify(n Notifier, ev model.StatusEvent) {
	defer func() { _ = recover() }()
	n.Notify(ev)
}
