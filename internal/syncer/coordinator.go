// Package syncer drains the local submission queue to the collection service.
package syncer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"drmsync/go-sync-agent/internal/model"
)

const persistTimeout = 5 * time.Second

var (
	// ErrDrainInProgress is returned when a drain is requested while another is running.
	ErrDrainInProgress = errors.New("drain already in progress")
	// ErrOffline is returned when a drain is requested without connectivity.
	ErrOffline = errors.New("offline")
)

// Store is the durable queue the coordinator advances.
type Store interface {
	Append(ctx context.Context, sub model.Submission) error
	Update(ctx context.Context, id string, mutate func(*model.Submission)) (model.Submission, bool, error)
	Delete(ctx context.Context, id string) (bool, error)
	Snapshot() []model.Submission
	Get(id string) (model.Submission, bool)
}

// RemoteClient performs the two upload phases.
type RemoteClient interface {
	UploadImage(ctx context.Context, filename string, image io.Reader) (string, error)
	SubmitMetadata(ctx context.Context, payload model.MetadataPayload) error
}

// Connectivity reports reachability and its edges.
type Connectivity interface {
	Online() bool
	Transitions() <-chan bool
}

// Options tune the coordinator. Zero values pick the defaults.
type Options struct {
	// RequestTimeout bounds each remote call. Zero disables the bound.
	RequestTimeout time.Duration
	// AlwaysReupload re-runs the image upload on every retry even when a remote URL is
	// already known. The newest URL then replaces the previous one.
	AlwaysReupload bool
	ReadImage      func(path string) ([]byte, error)
	Now            func() time.Time
	NewID          func() string
}

// DrainResult counts the outcomes of one drain pass.
type DrainResult struct {
	Attempted int
	Sent      int
	Failed    int
}

// Coordinator owns the retry policy: it runs at most one drain at a time and moves each
// eligible submission through uploading to sent or failed.
type Coordinator struct {
	store  Store
	client RemoteClient
	conn   Connectivity
	logger *slog.Logger
	opts   Options

	sem      *semaphore.Weighted
	syncing  atomic.Bool
	triggers chan string
	hub      *hub
}

// New wires a coordinator. It does nothing until Run is called or Drain is invoked.
func New(store Store, client RemoteClient, conn Connectivity, logger *slog.Logger, opts Options) *Coordinator {
	if opts.ReadImage == nil {
		opts.ReadImage = os.ReadFile
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.NewString() }
	}
	return &Coordinator{
		store:    store,
		client:   client,
		conn:     conn,
		logger:   logger,
		opts:     opts,
		sem:      semaphore.NewWeighted(1),
		triggers: make(chan string, 1),
		hub:      newHub(),
	}
}

// Run is the coordinator's worker loop. It drains once at start when online, then on
// every offline-to-online edge and every accepted trigger, until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.RecoverInterrupted(ctx); err != nil {
		return err
	}
	if c.conn.Online() {
		c.runDrain(ctx, "startup")
	}

	edges := c.conn.Transitions()
	for {
		select {
		case <-ctx.Done():
			return nil
		case online, ok := <-edges:
			if !ok {
				edges = nil
				continue
			}
			if !online {
				c.logger.Info("connectivity lost; in-flight uploads continue")
				continue
			}
			c.runDrain(ctx, "reconnected")
		case reason := <-c.triggers:
			c.runDrain(ctx, reason)
		}
	}
}

// RecoverInterrupted marks records left in uploading by a previous process as failed so
// the next drain retries them. Only one coordinator owns a store, so any uploading
// record seen before the first drain was interrupted mid-flight.
func (c *Coordinator) RecoverInterrupted(ctx context.Context) error {
	for _, sub := range c.store.Snapshot() {
		if sub.Status != model.StatusUploading {
			continue
		}
		if _, err := c.transition(ctx, sub.ID, func(s *model.Submission) {
			s.Status = model.StatusFailed
			s.ErrorMessage = "upload interrupted"
		}); err != nil && !errors.Is(err, errRemoved) {
			return fmt.Errorf("recover %s: %w", sub.ID, err)
		}
		c.logger.Warn("recovered interrupted submission", "id", sub.ID)
	}
	return nil
}

func (c *Coordinator) runDrain(ctx context.Context, reason string) {
	res, err := c.Drain(ctx)
	switch {
	case errors.Is(err, ErrOffline):
		c.logger.Debug("drain skipped while offline", "reason", reason)
	case errors.Is(err, ErrDrainInProgress):
		c.logger.Debug("drain already running", "reason", reason)
	case err != nil:
		c.logger.Error("drain failed", "reason", reason, "error", err)
	default:
		c.logger.Info("drain finished", "reason", reason, "attempted", res.Attempted, "sent", res.Sent, "failed", res.Failed)
	}

	// Triggers that arrived while draining are dropped; the next one picks up new records.
	for {
		select {
		case <-c.triggers:
		default:
			return
		}
	}
}

// SyncNow asks the worker loop for a drain. It reports false when the request was
// dropped because a drain is running or one is already queued.
func (c *Coordinator) SyncNow() bool {
	return c.trigger("manual")
}

func (c *Coordinator) trigger(reason string) bool {
	if c.syncing.Load() {
		c.logger.Debug("drain trigger dropped", "reason", reason)
		return false
	}
	select {
	case c.triggers <- reason:
		return true
	default:
		return false
	}
}

// CreateSubmission queues a new pending record and, when online, requests a drain.
func (c *Coordinator) CreateSubmission(ctx context.Context, loc model.LocationPath, imagePath string) (model.Submission, error) {
	if err := loc.Validate(); err != nil {
		return model.Submission{}, err
	}
	if strings.TrimSpace(imagePath) == "" {
		return model.Submission{}, fmt.Errorf("%w: missing image path", model.ErrIncompleteSubmission)
	}
	loc.PollingStation.Name = model.StationDisplayName(loc.PollingStation.Code, loc.PollingStation.Name)

	sub := model.Submission{
		ID:        c.opts.NewID(),
		Location:  loc,
		ImagePath: imagePath,
		Status:    model.StatusPending,
		CreatedAt: c.opts.Now(),
	}
	if err := c.store.Append(ctx, sub); err != nil {
		return model.Submission{}, fmt.Errorf("queue submission: %w", err)
	}
	c.logger.Info("submission queued", "id", sub.ID, "station", loc.PollingStation.Code, "online", c.conn.Online())
	c.hub.publish(model.EventFor(sub, sub.CreatedAt))

	if c.conn.Online() {
		c.trigger("created")
	}
	return sub, nil
}

// DeleteSubmission removes a record on explicit request. It reports false for unknown ids.
func (c *Coordinator) DeleteSubmission(ctx context.Context, id string) (bool, error) {
	removed, err := c.store.Delete(ctx, id)
	if err != nil {
		return false, fmt.Errorf("delete submission: %w", err)
	}
	if removed {
		c.logger.Info("submission deleted", "id", id)
		c.hub.publish(model.StatusEvent{SubmissionID: id, Deleted: true, At: c.opts.Now()})
	}
	return removed, nil
}

// Drain attempts every pending or failed record once, oldest queued first, one at a time.
func (c *Coordinator) Drain(ctx context.Context) (DrainResult, error) {
	if !c.sem.TryAcquire(1) {
		return DrainResult{}, ErrDrainInProgress
	}
	defer c.sem.Release(1)

	if !c.conn.Online() {
		return DrainResult{}, ErrOffline
	}

	c.syncing.Store(true)
	defer c.syncing.Store(false)

	snapshot := c.store.Snapshot()
	var res DrainResult
	// The snapshot is newest first; walk it backwards to upload in queue order.
	for i := len(snapshot) - 1; i >= 0; i-- {
		sub := snapshot[i]
		if !sub.Status.Eligible() {
			continue
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}

		res.Attempted++
		if err := c.process(ctx, sub); err != nil {
			if !errors.Is(err, errRemoved) {
				res.Failed++
			}
			c.fail(ctx, sub.ID, err)
			continue
		}
		res.Sent++
	}
	return res, nil
}

func (c *Coordinator) process(ctx context.Context, sub model.Submission) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("internal error: %v", r)
		}
	}()

	if _, err := c.transition(ctx, sub.ID, func(s *model.Submission) {
		s.Status = model.StatusUploading
	}); err != nil {
		return err
	}

	imageURL := sub.RemoteImageURL
	if imageURL == "" || c.opts.AlwaysReupload {
		imageURL, err = c.uploadImage(ctx, sub)
		if err != nil {
			return err
		}
		saveCtx, cancel := persistContext(ctx)
		_, err = c.transition(saveCtx, sub.ID, func(s *model.Submission) {
			s.RemoteImageURL = imageURL
		})
		cancel()
		if err != nil {
			return err
		}
	} else {
		c.logger.Debug("reusing uploaded image", "id", sub.ID, "url", imageURL)
	}

	callCtx, cancel := c.callContext(ctx)
	defer cancel()
	if err := c.client.SubmitMetadata(callCtx, sub.Metadata(imageURL)); err != nil {
		return err
	}

	saveCtx, saveCancel := persistContext(ctx)
	defer saveCancel()
	if _, err := c.transition(saveCtx, sub.ID, func(s *model.Submission) {
		s.Status = model.StatusSent
		s.RemoteImageURL = imageURL
		s.ErrorMessage = ""
	}); err != nil {
		return err
	}
	c.logger.Info("submission sent", "id", sub.ID, "image_url", imageURL)
	return nil
}

func (c *Coordinator) uploadImage(ctx context.Context, sub model.Submission) (string, error) {
	data, err := c.opts.ReadImage(sub.ImagePath)
	if err != nil {
		return "", fmt.Errorf("read image %s: %w", sub.ImagePath, err)
	}

	callCtx, cancel := c.callContext(ctx)
	defer cancel()
	return c.client.UploadImage(callCtx, sub.ImagePath, bytes.NewReader(data))
}

func (c *Coordinator) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.opts.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.opts.RequestTimeout)
}

// persistContext is detached from ctx: outcomes the server already accepted and failures
// are written even after shutdown cancels the drain.
func persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
}

var errRemoved = errors.New("submission removed")

// transition persists a mutation and announces the resulting state.
func (c *Coordinator) transition(ctx context.Context, id string, mutate func(*model.Submission)) (model.Submission, error) {
	updated, ok, err := c.store.Update(ctx, id, mutate)
	if err != nil {
		return model.Submission{}, fmt.Errorf("persist %s: %w", id, err)
	}
	if !ok {
		return model.Submission{}, errRemoved
	}
	c.hub.publish(model.EventFor(updated, c.opts.Now()))
	return updated, nil
}

func (c *Coordinator) fail(ctx context.Context, id string, cause error) {
	if errors.Is(cause, errRemoved) {
		c.logger.Info("submission deleted during drain", "id", id)
		return
	}
	c.logger.Warn("submission failed", "id", id, "error", cause)

	saveCtx, cancel := persistContext(ctx)
	defer cancel()
	if _, err := c.transition(saveCtx, id, func(s *model.Submission) {
		s.Status = model.StatusFailed
		s.ErrorMessage = cause.Error()
	}); err != nil && !errors.Is(err, errRemoved) {
		c.logger.Error("failed to record submission failure", "id", id, "error", err)
	}
}

// Submissions returns the queue newest first.
func (c *Coordinator) Submissions() []model.Submission {
	return c.store.Snapshot()
}

// Get returns a single queued record.
func (c *Coordinator) Get(id string) (model.Submission, bool) {
	return c.store.Get(id)
}

// Syncing reports whether a drain is running.
func (c *Coordinator) Syncing() bool {
	return c.syncing.Load()
}

// Online reports the connectivity state the coordinator acts on.
func (c *Coordinator) Online() bool {
	return c.conn.Online()
}

// Status summarizes the queue. PendingCount includes records currently uploading.
func (c *Coordinator) Status() model.AgentStatus {
	st := model.AgentStatus{Online: c.conn.Online(), Syncing: c.syncing.Load()}
	for _, s := range c.store.Snapshot() {
		st.Total++
		switch s.Status {
		case model.StatusPending, model.StatusUploading:
			st.PendingCount++
		case model.StatusFailed:
			st.FailedCount++
		case model.StatusSent:
			st.SentCount++
		}
	}
	return st
}

// Subscribe returns a channel of status events. Slow subscribers miss events rather
// than stall the drain. Call cancel to release the subscription.
func (c *Coordinator) Subscribe(buffer int) (<-chan model.StatusEvent, func()) {
	return c.hub.subscribe(buffer)
}

// AddNotifier registers a synchronous listener invoked for every event.
func (c *Coordinator) AddNotifier(n Notifier) {
	c.hub.addNotifier(n)
}
