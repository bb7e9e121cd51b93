package syncer

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"drmsync/go-sync-agent/internal/model"
	"drmsync/go-sync-agent/internal/remote"
	"drmsync/go-sync-agent/internal/store"
)

type memKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *memKV) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return v, nil
}

func (m *memKV) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = make(map[string][]byte)
	}
	m.data[key] = append([]byte(nil), value...)
	return nil
}

type fakeConn struct {
	online atomic.Bool
	edges  chan bool
}

func newFakeConn(online bool) *fakeConn {
	c := &fakeConn{edges: make(chan bool, 4)}
	c.online.Store(online)
	return c
}

func (c *fakeConn) Online() bool             { return c.online.Load() }
func (c *fakeConn) Transitions() <-chan bool { return c.edges }

func (c *fakeConn) set(online bool) {
	if c.online.Swap(online) != online {
		c.edges <- online
	}
}

type fakeClient struct {
	mu        sync.Mutex
	uploads   []string
	submits   []model.MetadataPayload
	uploadFn  func(ctx context.Context, filename string) (string, error)
	submitFn  func(ctx context.Context, p model.MetadataPayload) error
	uploadHit chan string
}

func (f *fakeClient) UploadImage(ctx context.Context, filename string, image io.Reader) (string, error) {
	_, _ = io.ReadAll(image)
	f.mu.Lock()
	f.uploads = append(f.uploads, filename)
	fn := f.uploadFn
	f.mu.Unlock()
	if f.uploadHit != nil {
		f.uploadHit <- filename
	}
	if fn != nil {
		return fn(ctx, filename)
	}
	return "https://cdn/test.jpg", nil
}

func (f *fakeClient) SubmitMetadata(ctx context.Context, p model.MetadataPayload) error {
	f.mu.Lock()
	f.submits = append(f.submits, p)
	fn := f.submitFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, p)
	}
	return nil
}

func (f *fakeClient) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uploads), len(f.submits)
}

func (f *fakeClient) uploadOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.uploads...)
}

type harness struct {
	coord  *Coordinator
	store  *store.SubmissionStore
	conn   *fakeConn
	client *fakeClient
}

func newHarness(t *testing.T, online bool, opts Options) *harness {
	t.Helper()
	q := store.NewSubmissionStore(&memKV{})
	conn := newFakeConn(online)
	client := &fakeClient{}
	if opts.ReadImage == nil {
		opts.ReadImage = func(path string) ([]byte, error) { return []byte("img:" + path), nil }
	}
	var seq atomic.Int64
	if opts.NewID == nil {
		opts.NewID = func() string { return "S" + strconv.FormatInt(seq.Add(1), 10) }
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &harness{
		coord:  New(q, client, conn, logger, opts),
		store:  q,
		conn:   conn,
		client: client,
	}
}

func (h *harness) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.coord.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	// let the startup drain finish so later triggers are not dropped
	waitFor(t, "startup drain", func() bool { return !h.coord.Syncing() })
	time.Sleep(10 * time.Millisecond)
}

func location() model.LocationPath {
	return model.LocationPath{
		District:       model.Place{Code: "101", Name: "Kampala"},
		County:         model.Place{Code: "01", Name: "Kampala Central"},
		SubCounty:      model.Place{Code: "02", Name: "Nakawa"},
		Parish:         model.Place{Code: "03", Name: "Bukoto"},
		PollingStation: model.Place{Code: "04", Name: "Bukoto Primary School"},
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (h *harness) status(id string) model.Status {
	sub, _ := h.store.Get(id)
	return sub.Status
}

func TestCreateOfflineQueuesWithoutRemoteCalls(t *testing.T) {
	h := newHarness(t, false, Options{})
	h.run(t)

	sub, err := h.coord.CreateSubmission(context.Background(), location(), "/photos/s1.jpg")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sub.Status != model.StatusPending {
		t.Fatalf("expected pending, got %s", sub.Status)
	}

	time.Sleep(20 * time.Millisecond)
	if up, sm := h.client.counts(); up != 0 || sm != 0 {
		t.Fatalf("expected no remote calls, got uploads=%d submits=%d", up, sm)
	}
	if _, err := h.coord.Drain(context.Background()); !errors.Is(err, ErrOffline) {
		t.Fatalf("expected ErrOffline, got %v", err)
	}
	subs := h.coord.Submissions()
	if len(subs) != 1 || subs[0].Status != model.StatusPending {
		t.Fatalf("unexpected queue %+v", subs)
	}
}

func TestReconnectDrainsPendingSubmission(t *testing.T) {
	h := newHarness(t, false, Options{})
	events, cancel := h.coord.Subscribe(32)
	defer cancel()
	h.run(t)

	sub, err := h.coord.CreateSubmission(context.Background(), location(), "/photos/s1.jpg")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	h.conn.set(true)
	waitFor(t, "S1 sent", func() bool { return h.status(sub.ID) == model.StatusSent })

	got, _ := h.coord.Get(sub.ID)
	if got.RemoteImageURL != "https://cdn/test.jpg" {
		t.Fatalf("unexpected remote url %q", got.RemoteImageURL)
	}
	if got.ErrorMessage != "" {
		t.Fatalf("unexpected error message %q", got.ErrorMessage)
	}

	var seen []model.Status
	for done := false; !done; {
		select {
		case ev := <-events:
			if ev.SubmissionID != sub.ID {
				t.Fatalf("unexpected event for %s", ev.SubmissionID)
			}
			if len(seen) == 0 || seen[len(seen)-1] != ev.Status {
				seen = append(seen, ev.Status)
			}
			done = ev.Status == model.StatusSent
		case <-time.After(time.Second):
			t.Fatalf("missing events, saw %v", seen)
		}
	}
	want := []model.Status{model.StatusPending, model.StatusUploading, model.StatusSent}
	if len(seen) != len(want) {
		t.Fatalf("unexpected transitions %v", seen)
	}
	for i, s := range want {
		if seen[i] != s {
			t.Fatalf("unexpected transitions %v", seen)
		}
	}

	_, submits := h.client.counts()
	if submits != 1 {
		t.Fatalf("expected one metadata submission, got %d", submits)
	}
	h.client.mu.Lock()
	payload := h.client.submits[0]
	h.client.mu.Unlock()
	if payload.ImageURL != "https://cdn/test.jpg" || payload.PollingStationName != "Bukoto Primary School" || payload.Timestamp == "" {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestCreateOnlineDrainsExactlyOnce(t *testing.T) {
	h := newHarness(t, true, Options{})
	h.run(t)

	sub, err := h.coord.CreateSubmission(context.Background(), location(), "/photos/s2.jpg")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	waitFor(t, "sent", func() bool { return h.status(sub.ID) == model.StatusSent })

	time.Sleep(20 * time.Millisecond)
	if up, sm := h.client.counts(); up != 1 || sm != 1 {
		t.Fatalf("expected exactly one attempt, got uploads=%d submits=%d", up, sm)
	}
}

func TestImageUploadFailureSkipsMetadata(t *testing.T) {
	h := newHarness(t, true, Options{})
	h.client.uploadFn = func(context.Context, string) (string, error) {
		return "", &remote.StatusError{Op: "upload image", Code: 500}
	}
	h.run(t)

	sub, err := h.coord.CreateSubmission(context.Background(), location(), "/photos/s2.jpg")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	waitFor(t, "failed", func() bool { return h.status(sub.ID) == model.StatusFailed })

	got, _ := h.coord.Get(sub.ID)
	if got.ErrorMessage == "" {
		t.Fatal("expected error message")
	}
	if got.RemoteImageURL != "" {
		t.Fatalf("remote url must stay unset, got %q", got.RemoteImageURL)
	}
	if _, submits := h.client.counts(); submits != 0 {
		t.Fatalf("metadata must not be attempted, got %d calls", submits)
	}
}

func TestUnreadableImageFailsWithoutUpload(t *testing.T) {
	h := newHarness(t, true, Options{
		ReadImage: func(string) ([]byte, error) { return nil, fs.ErrNotExist },
	})
	ctx := context.Background()
	sub, err := h.coord.CreateSubmission(ctx, location(), "/photos/missing.jpg")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	res, err := h.coord.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if res.Attempted != 1 || res.Failed != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if up, sm := h.client.counts(); up != 0 || sm != 0 {
		t.Fatalf("expected no remote calls, got %d/%d", up, sm)
	}
	got, _ := h.coord.Get(sub.ID)
	if got.Status != model.StatusFailed || got.ErrorMessage == "" {
		t.Fatalf("unexpected record %+v", got)
	}
}

func TestDrainProcessesInQueueOrderAndIndependently(t *testing.T) {
	h := newHarness(t, true, Options{})
	ctx := context.Background()

	s3 := model.Submission{ID: "S3", Location: location(), ImagePath: "/photos/s3.jpg", Status: model.StatusFailed, ErrorMessage: "old", CreatedAt: time.Now()}
	s4 := model.Submission{ID: "S4", Location: location(), ImagePath: "/photos/s4.jpg", Status: model.StatusPending, CreatedAt: time.Now()}
	sent := model.Submission{ID: "S5", Location: location(), ImagePath: "/photos/s5.jpg", Status: model.StatusSent, RemoteImageURL: "u", CreatedAt: time.Now()}
	for _, s := range []model.Submission{s3, s4, sent} {
		if err := h.store.Append(ctx, s); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	h.client.uploadFn = func(_ context.Context, filename string) (string, error) {
		if filename == "/photos/s3.jpg" {
			return "", errors.New("connection reset")
		}
		return "https://cdn/" + filename, nil
	}

	res, err := h.coord.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if res.Attempted != 2 || res.Sent != 1 || res.Failed != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	order := h.client.uploadOrder()
	if len(order) != 2 || order[0] != "/photos/s3.jpg" || order[1] != "/photos/s4.jpg" {
		t.Fatalf("unexpected order %v", order)
	}
	if h.status("S3") != model.StatusFailed || h.status("S4") != model.StatusSent || h.status("S5") != model.StatusSent {
		t.Fatalf("unexpected statuses %s %s %s", h.status("S3"), h.status("S4"), h.status("S5"))
	}
	if got, _ := h.store.Get("S3"); got.ErrorMessage != "connection reset" {
		t.Fatalf("error message not overwritten: %q", got.ErrorMessage)
	}
}

func TestConcurrentDrainIsNoOp(t *testing.T) {
	h := newHarness(t, true, Options{})
	release := make(chan struct{})
	h.client.uploadHit = make(chan string, 4)
	h.client.uploadFn = func(ctx context.Context, _ string) (string, error) {
		<-release
		return "https://cdn/test.jpg", nil
	}
	ctx := context.Background()
	if _, err := h.coord.CreateSubmission(ctx, location(), "/photos/a.jpg"); err != nil {
		t.Fatalf("create: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := h.coord.Drain(ctx)
		done <- err
	}()
	<-h.client.uploadHit

	if !h.coord.Syncing() {
		t.Fatal("expected syncing")
	}
	before := h.coord.Submissions()
	if _, err := h.coord.Drain(ctx); !errors.Is(err, ErrDrainInProgress) {
		t.Fatalf("expected ErrDrainInProgress, got %v", err)
	}
	if h.coord.SyncNow() {
		t.Fatal("trigger mid-drain must be dropped")
	}
	after := h.coord.Submissions()
	if len(before) != len(after) || before[0].Status != after[0].Status {
		t.Fatalf("second drain changed state: %+v -> %+v", before, after)
	}
	if up, _ := h.client.counts(); up != 1 {
		t.Fatalf("expected a single upload call, got %d", up)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("drain: %v", err)
	}
	if h.coord.Syncing() {
		t.Fatal("syncing flag not cleared")
	}
}

func TestMetadataFailureKeepsImageURLAndRetryReusesIt(t *testing.T) {
	h := newHarness(t, true, Options{})
	ctx := context.Background()
	var fail atomic.Bool
	fail.Store(true)
	h.client.submitFn = func(context.Context, model.MetadataPayload) error {
		if fail.Load() {
			return &remote.StatusError{Op: "submit metadata", Code: 502}
		}
		return nil
	}

	sub, err := h.coord.CreateSubmission(ctx, location(), "/photos/a.jpg")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.coord.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	got, _ := h.coord.Get(sub.ID)
	if got.Status != model.StatusFailed || got.RemoteImageURL != "https://cdn/test.jpg" {
		t.Fatalf("unexpected record after phase B failure %+v", got)
	}

	fail.Store(false)
	if _, err := h.coord.Drain(ctx); err != nil {
		t.Fatalf("retry drain: %v", err)
	}
	got, _ = h.coord.Get(sub.ID)
	if got.Status != model.StatusSent || got.ErrorMessage != "" {
		t.Fatalf("unexpected record after retry %+v", got)
	}
	if up, sm := h.client.counts(); up != 1 || sm != 2 {
		t.Fatalf("expected image uploaded once and metadata twice, got %d/%d", up, sm)
	}
}

func TestAlwaysReuploadRestartsFromImage(t *testing.T) {
	h := newHarness(t, true, Options{AlwaysReupload: true})
	ctx := context.Background()
	var calls atomic.Int32
	h.client.uploadFn = func(context.Context, string) (string, error) {
		return "https://cdn/v" + strconv.Itoa(int(calls.Add(1))) + ".jpg", nil
	}
	var fail atomic.Bool
	fail.Store(true)
	h.client.submitFn = func(context.Context, model.MetadataPayload) error {
		if fail.Load() {
			return errors.New("timeout")
		}
		return nil
	}

	sub, _ := h.coord.CreateSubmission(ctx, location(), "/photos/a.jpg")
	_, _ = h.coord.Drain(ctx)
	fail.Store(false)
	_, _ = h.coord.Drain(ctx)

	got, _ := h.coord.Get(sub.ID)
	if got.Status != model.StatusSent || got.RemoteImageURL != "https://cdn/v2.jpg" {
		t.Fatalf("unexpected record %+v", got)
	}
	if up, _ := h.client.counts(); up != 2 {
		t.Fatalf("expected two uploads, got %d", up)
	}
}

func TestStalledCallTimesOutToFailed(t *testing.T) {
	h := newHarness(t, true, Options{RequestTimeout: 20 * time.Millisecond})
	h.client.uploadFn = func(ctx context.Context, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}
	ctx := context.Background()
	sub, _ := h.coord.CreateSubmission(ctx, location(), "/photos/a.jpg")

	if _, err := h.coord.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	got, _ := h.coord.Get(sub.ID)
	if got.Status != model.StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
}

func TestPanicInClientIsContained(t *testing.T) {
	h := newHarness(t, true, Options{})
	h.client.submitFn = func(context.Context, model.MetadataPayload) error { panic("nil map") }
	ctx := context.Background()
	sub, _ := h.coord.CreateSubmission(ctx, location(), "/photos/a.jpg")

	if _, err := h.coord.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if got, _ := h.coord.Get(sub.ID); got.Status != model.StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
}

func TestRecoverInterruptedUploads(t *testing.T) {
	h := newHarness(t, false, Options{})
	ctx := context.Background()
	stale := model.Submission{ID: "S9", Location: location(), ImagePath: "/p.jpg", Status: model.StatusUploading, CreatedAt: time.Now()}
	if err := h.store.Append(ctx, stale); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := h.coord.RecoverInterrupted(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if got, _ := h.store.Get("S9"); got.Status != model.StatusFailed || got.ErrorMessage == "" {
		t.Fatalf("unexpected record %+v", got)
	}
}

func TestCreateValidatesAndDefaultsStationName(t *testing.T) {
	h := newHarness(t, false, Options{})
	ctx := context.Background()

	loc := location()
	loc.Parish.Code = ""
	if _, err := h.coord.CreateSubmission(ctx, loc, "/p.jpg"); !errors.Is(err, model.ErrIncompleteSubmission) {
		t.Fatalf("expected incomplete error, got %v", err)
	}
	if _, err := h.coord.CreateSubmission(ctx, location(), " "); !errors.Is(err, model.ErrIncompleteSubmission) {
		t.Fatalf("expected incomplete error, got %v", err)
	}

	unnamed := []func(*model.LocationPath){
		func(l *model.LocationPath) { l.District.Name = "" },
		func(l *model.LocationPath) { l.County.Name = " " },
		func(l *model.LocationPath) { l.SubCounty.Name = "" },
		func(l *model.LocationPath) { l.Parish.Name = "" },
	}
	for i, blank := range unnamed {
		loc := location()
		blank(&loc)
		if _, err := h.coord.CreateSubmission(ctx, loc, "/p.jpg"); !errors.Is(err, model.ErrIncompleteSubmission) {
			t.Fatalf("case %d: expected incomplete error for missing name, got %v", i, err)
		}
	}
	if n := len(h.coord.Submissions()); n != 0 {
		t.Fatalf("rejected submissions were queued: %d", n)
	}

	loc = location()
	loc.PollingStation.Name = ""
	sub, err := h.coord.CreateSubmission(ctx, loc, "/p.jpg")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sub.Location.PollingStation.Name != "Station 04" {
		t.Fatalf("unexpected station name %q", sub.Location.PollingStation.Name)
	}
}

func TestDeleteAndStatus(t *testing.T) {
	h := newHarness(t, false, Options{})
	ctx := context.Background()
	events, cancel := h.coord.Subscribe(8)
	defer cancel()

	a, _ := h.coord.CreateSubmission(ctx, location(), "/a.jpg")
	b, _ := h.coord.CreateSubmission(ctx, location(), "/b.jpg")

	subs := h.coord.Submissions()
	if subs[0].ID != b.ID || subs[1].ID != a.ID {
		t.Fatalf("expected newest first, got %s,%s", subs[0].ID, subs[1].ID)
	}

	st := h.coord.Status()
	if st.Total != 2 || st.PendingCount != 2 || st.Online {
		t.Fatalf("unexpected status %+v", st)
	}

	removed, err := h.coord.DeleteSubmission(ctx, a.ID)
	if err != nil || !removed {
		t.Fatalf("delete: removed=%v err=%v", removed, err)
	}
	if removed, _ := h.coord.DeleteSubmission(ctx, a.ID); removed {
		t.Fatal("second delete should report false")
	}

	var last model.StatusEvent
	for i := 0; i < 3; i++ {
		last = <-events
	}
	if !last.Deleted || last.SubmissionID != a.ID {
		t.Fatalf("expected delete event, got %+v", last)
	}
}

func TestNotifiersSeeEveryEventAndPanicsAreIsolated(t *testing.T) {
	h := newHarness(t, false, Options{})
	ctx := context.Background()

	var (
		mu   sync.Mutex
		seen []model.Status
	)
	h.coord.AddNotifier(NotifierFunc(func(model.StatusEvent) { panic("listener bug") }))
	h.coord.AddNotifier(NotifierFunc(func(ev model.StatusEvent) {
		mu.Lock()
		seen = append(seen, ev.Status)
		mu.Unlock()
	}))

	sub, err := h.coord.CreateSubmission(ctx, location(), "/a.jpg")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	h.conn.set(true)
	if _, err := h.coord.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if got := h.status(sub.ID); got != model.StatusSent {
		t.Fatalf("expected sent, got %s", got)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []model.Status{model.StatusPending, model.StatusUploading, model.StatusUploading, model.StatusSent}
	if len(seen) != len(want) {
		t.Fatalf("unexpected events %v", seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("unexpected events %v", seen)
		}
	}
}

func TestAcceptedOutcomesPersistWhenDrainIsCancelled(t *testing.T) {
	tests := []struct {
		name         string
		cancelUpload bool
		wantStatus   model.Status
	}{
		// the metadata call then sees the cancelled context and fails
		{name: "during image upload", cancelUpload: true, wantStatus: model.StatusFailed},
		{name: "during metadata submit", wantStatus: model.StatusSent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, err := store.Open(filepath.Join(t.TempDir(), "agent.db"))
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			t.Cleanup(func() { _ = db.Close() })
			if err := db.InitSchema(context.Background()); err != nil {
				t.Fatalf("init schema: %v", err)
			}

			q := store.NewSubmissionStore(db)
			client := &fakeClient{}
			conn := newFakeConn(false)
			logger := slog.New(slog.NewTextHandler(io.Discard, nil))
			coord := New(q, client, conn, logger, Options{
				ReadImage: func(string) ([]byte, error) { return []byte("img"), nil },
				NewID:     func() string { return "S1" },
			})
			if _, err := coord.CreateSubmission(context.Background(), location(), "/a.jpg"); err != nil {
				t.Fatalf("create: %v", err)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			client.uploadFn = func(context.Context, string) (string, error) {
				if tt.cancelUpload {
					cancel()
				}
				return "https://cdn/a.jpg", nil
			}
			client.submitFn = func(callCtx context.Context, _ model.MetadataPayload) error {
				if err := callCtx.Err(); err != nil {
					return err
				}
				cancel()
				return nil
			}

			conn.online.Store(true)
			if _, err := coord.Drain(ctx); err != nil {
				t.Fatalf("drain: %v", err)
			}

			reloaded, err := store.NewSubmissionStore(db).LoadAll(context.Background())
			if err != nil {
				t.Fatalf("reload: %v", err)
			}
			if len(reloaded) != 1 {
				t.Fatalf("expected one record on disk, got %d", len(reloaded))
			}
			got := reloaded[0]
			if got.Status != tt.wantStatus || got.RemoteImageURL != "https://cdn/a.jpg" {
				t.Fatalf("unexpected persisted record %+v", got)
			}

			if tt.wantStatus == model.StatusFailed {
				client.submitFn = nil
				if _, err := coord.Drain(context.Background()); err != nil {
					t.Fatalf("retry drain: %v", err)
				}
				if sub, _ := q.Get("S1"); sub.Status != model.StatusSent {
					t.Fatalf("retry did not send: %+v", sub)
				}
			}
			if uploads, _ := client.counts(); uploads != 1 {
				t.Fatalf("expected the image to be uploaded once, got %d", uploads)
			}
		})
	}
}

func TestDeletedDuringDrainIsNotCountedAsFailed(t *testing.T) {
	h := newHarness(t, false, Options{})
	ctx := context.Background()

	sub, err := h.coord.CreateSubmission(ctx, location(), "/a.jpg")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	h.client.uploadFn = func(context.Context, string) (string, error) {
		if _, err := h.coord.DeleteSubmission(ctx, sub.ID); err != nil {
			t.Errorf("delete: %v", err)
		}
		return "https://cdn/a.jpg", nil
	}

	h.conn.online.Store(true)
	res, err := h.coord.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if res.Attempted != 1 || res.Sent != 0 || res.Failed != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if _, ok := h.store.Get(sub.ID); ok {
		t.Fatal("deleted record reappeared")
	}
	if _, submits := h.client.counts(); submits != 0 {
		t.Fatalf("metadata sent for a deleted record: %d", submits)
	}
}
