package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"drmsync/go-sync-agent/internal/connectivity"
	"drmsync/go-sync-agent/internal/model"
	"drmsync/go-sync-agent/internal/remote"
	"drmsync/go-sync-agent/internal/store"
	"drmsync/go-sync-agent/internal/syncer"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testCollector struct {
	repo     *Repository
	imageDir string
	srv      *httptest.Server
	client   *remote.Client
}

func newTestCollector(t *testing.T) *testCollector {
	t.Helper()
	dir := t.TempDir()

	repo, err := OpenRepository(filepath.Join(dir, "collector.db"))
	if err != nil {
		t.Fatalf("open repo: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	if err := repo.InitSchema(context.Background()); err != nil {
		t.Fatalf("init schema: %v", err)
	}

	imageDir := filepath.Join(dir, "images")
	tc := &testCollector{repo: repo, imageDir: imageDir}

	// The public URL depends on the listener address, so the store is built after it.
	disk := &DiskStore{Dir: imageDir}
	srv := httptest.NewServer(NewServer(repo, disk, imageDir, discardLogger()).Routes())
	t.Cleanup(srv.Close)
	disk.BaseURL = srv.URL + imagesRoutePath

	tc.srv = srv
	tc.client = remote.New(srv.URL, 5*time.Second)
	return tc
}

func payload(id, district string, created time.Time) model.MetadataPayload {
	return model.MetadataPayload{
		ID:                 id,
		DistrictCode:       district,
		DistrictName:       "District " + district,
		CountyCode:         "01",
		CountyName:         "Nakawa",
		SubCountyCode:      "02",
		SubCountyName:      "Nakawa Division",
		ParishCode:         "03",
		ParishName:         "Bukoto I",
		PollingStationCode: "04",
		PollingStationName: "Station 04",
		ImageURL:           "http://cdn/" + id + ".jpg",
		Timestamp:          created.UTC().Format(time.RFC3339Nano),
	}
}

func TestUploadImageStoresFileAndServesIt(t *testing.T) {
	tc := newTestCollector(t)

	url, err := tc.client.UploadImage(context.Background(), "form.png", strings.NewReader("png-bytes"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if !strings.HasPrefix(url, tc.srv.URL+"/images/drm/") || !strings.HasSuffix(url, ".png") {
		t.Fatalf("unexpected url %q", url)
	}

	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("fetch image: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "png-bytes" {
		t.Fatalf("unexpected image response %d %q", resp.StatusCode, body)
	}
}

func TestUploadImageWithoutFileIsBadRequest(t *testing.T) {
	tc := newTestCollector(t)

	resp, err := http.Post(tc.srv.URL+"/api/drm/upload-image", "text/plain", strings.NewReader("nope"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestCreateSubmissionValidatesFields(t *testing.T) {
	tc := newTestCollector(t)

	p := payload("s1", "101", time.Now())
	p.ParishName = ""
	raw, _ := json.Marshal(p)

	resp, err := http.Post(tc.srv.URL+"/api/drm/submissions", "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	var body map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if resp.StatusCode != http.StatusBadRequest || body["error"] != "Missing required field: parishName" {
		t.Fatalf("unexpected response %d %v", resp.StatusCode, body)
	}

	err = tc.client.SubmitMetadata(context.Background(), payload("s2", "101", time.Now()))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
}

func TestSubmitIsIdempotentPerID(t *testing.T) {
	tc := newTestCollector(t)
	ctx := context.Background()

	p := payload("dup", "101", time.Now())
	if err := tc.client.SubmitMetadata(ctx, p); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	p.ImageURL = "http://cdn/dup-v2.jpg"
	if err := tc.client.SubmitMetadata(ctx, p); err != nil {
		t.Fatalf("second submit: %v", err)
	}

	got, err := tc.repo.Find(ctx, "dup")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.ImageURL != "http://cdn/dup-v2.jpg" {
		t.Fatalf("expected replaced url, got %q", got.ImageURL)
	}
	stats, err := tc.client.Stats(ctx)
	if err != nil || stats.Total != 1 {
		t.Fatalf("expected one row, got %+v %v", stats, err)
	}
}

func TestListFilterAndStats(t *testing.T) {
	tc := newTestCollector(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	for i, p := range []model.MetadataPayload{
		payload("a", "101", base),
		payload("b", "101", base.Add(time.Minute)),
		payload("c", "102", base.Add(2*time.Minute)),
	} {
		if err := tc.client.SubmitMetadata(ctx, p); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	all, err := tc.client.ListSubmissions(ctx, remote.ListFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 || all[0].ID != "c" || all[2].ID != "a" {
		t.Fatalf("expected newest first, got %+v", all)
	}
	if all[0].UploadedAt == "" || all[0].CreatedAt != base.Add(2*time.Minute).Format(time.RFC3339Nano) {
		t.Fatalf("unexpected timestamps %+v", all[0])
	}

	filtered, err := tc.client.ListSubmissions(ctx, remote.ListFilter{DistrictCode: "101", Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("filtered list: %v", err)
	}
	if len(filtered) != 1 || filtered[0].ID != "a" {
		t.Fatalf("unexpected filtered page %+v", filtered)
	}

	stats, err := tc.client.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || len(stats.ByDistrict) != 2 || stats.ByDistrict[0].DistrictCode != "101" || stats.ByDistrict[0].Count != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestGetSubmission(t *testing.T) {
	tc := newTestCollector(t)
	ctx := context.Background()

	if err := tc.client.SubmitMetadata(ctx, payload("one", "101", time.Now())); err != nil {
		t.Fatalf("submit: %v", err)
	}

	resp, err := http.Get(tc.srv.URL + "/api/drm/submissions/one")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Success    bool                   `json:"success"`
		Submission model.RemoteSubmission `json:"submission"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Success || body.Submission.PollingStationName != "Station 04" {
		t.Fatalf("unexpected body %+v", body)
	}

	missing, err := http.Get(tc.srv.URL + "/api/drm/submissions/nope")
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", missing.StatusCode)
	}

	if _, err := tc.repo.Find(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestObjectName(t *testing.T) {
	now := time.UnixMilli(1714550400000)
	name := ObjectName("Photo.PNG", now)
	if !strings.HasPrefix(name, "drm/1714550400000-") || !strings.HasSuffix(name, ".png") {
		t.Fatalf("unexpected name %q", name)
	}
	if got := ObjectName("noext", now); !strings.HasSuffix(got, ".jpg") {
		t.Fatalf("expected jpg default, got %q", got)
	}
	if got := ObjectName("evil.j/pg", now); !strings.HasSuffix(got, ".jpg") {
		t.Fatalf("expected sanitized extension, got %q", got)
	}
}

// TestAgentDrainsIntoCollector runs the real queue, coordinator and client against the
// collector and checks that a record created offline arrives exactly once after reconnecting.
func TestAgentDrainsIntoCollector(t *testing.T) {
	tc := newTestCollector(t)
	dir := t.TempDir()

	db, err := store.Open(filepath.Join(dir, "agent.db"))
	if err != nil {
		t.Fatalf("open agent store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.InitSchema(context.Background()); err != nil {
		t.Fatalf("init agent schema: %v", err)
	}
	subs := store.NewSubmissionStore(db)
	if _, err := subs.LoadAll(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}

	image := filepath.Join(dir, "form.jpg")
	if err := os.WriteFile(image, []byte("jpeg-bytes"), 0o644); err != nil {
		t.Fatalf("write image: %v", err)
	}

	monitor := connectivity.NewMonitor(nil, time.Hour, discardLogger())
	coord := syncer.New(subs, tc.client, monitor, discardLogger(), syncer.Options{RequestTimeout: 5 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = coord.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	loc := model.LocationPath{
		District:       model.Place{Code: "101", Name: "Kampala"},
		County:         model.Place{Code: "01", Name: "Nakawa"},
		SubCounty:      model.Place{Code: "02", Name: "Nakawa Division"},
		Parish:         model.Place{Code: "03", Name: "Bukoto I"},
		PollingStation: model.Place{Code: "04"},
	}
	sub, err := coord.CreateSubmission(context.Background(), loc, image)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	monitor.Set(true)

	deadline := time.Now().Add(5 * time.Second)
	for {
		got, _ := coord.Get(sub.ID)
		if got.Status == model.StatusSent {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("submission not sent, status %s (%s)", got.Status, got.ErrorMessage)
		}
		time.Sleep(10 * time.Millisecond)
	}

	remoteSub, err := tc.repo.Find(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("find remote: %v", err)
	}
	if remoteSub.PollingStationName != "Station 04" || remoteSub.DistrictName != "Kampala" {
		t.Fatalf("unexpected remote record %+v", remoteSub)
	}

	got, _ := coord.Get(sub.ID)
	if got.RemoteImageURL == "" || got.RemoteImageURL != remoteSub.ImageURL {
		t.Fatalf("image url mismatch: local %q remote %q", got.RemoteImageURL, remoteSub.ImageURL)
	}

	stats, err := tc.repo.Stats(context.Background())
	if err != nil || stats.Total != 1 {
		t.Fatalf("expected exactly one remote record, got %+v %v", stats, err)
	}
}
