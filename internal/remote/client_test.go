package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"drmsync/go-sync-agent/internal/model"
)

func TestUploadImageSendsMultipartField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != uploadImagePath || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		file, header, err := r.FormFile("image")
		if err != nil {
			t.Errorf("form file: %v", err)
			http.Error(w, "bad", http.StatusBadRequest)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		if string(data) != "jpeg-bytes" || header.Filename != "photo.jpg" {
			t.Errorf("unexpected upload %q %q", header.Filename, data)
		}
		_, _ = w.Write([]byte(`{"success":true,"url":"https://cdn/test.jpg","filename":"drm/1.jpg"}`))
	}))
	defer srv.Close()

	url, err := New(srv.URL, time.Second).UploadImage(context.Background(), "/data/images/photo.jpg", strings.NewReader("jpeg-bytes"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if url != "https://cdn/test.jpg" {
		t.Fatalf("unexpected url %q", url)
	}
}

func TestUploadImageFailures(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		check  func(error) bool
	}{
		{"server error", http.StatusInternalServerError, `{"error":"Failed to upload image"}`, func(err error) bool {
			var se *StatusError
			return errors.As(err, &se) && se.Code == 500
		}},
		{"created is not ok", http.StatusCreated, `{"success":true,"url":"x"}`, func(err error) bool {
			var se *StatusError
			return errors.As(err, &se) && se.Code == 201
		}},
		{"success false", http.StatusOK, `{"success":false,"error":"nope"}`, func(err error) bool {
			return errors.Is(err, ErrRejected)
		}},
		{"missing url", http.StatusOK, `{"success":true}`, func(err error) bool {
			return errors.Is(err, ErrRejected)
		}},
		{"malformed body", http.StatusOK, `<html>`, func(err error) bool {
			return err != nil && strings.Contains(err.Error(), "decode response")
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := New(srv.URL, time.Second).UploadImage(context.Background(), "a.jpg", strings.NewReader("x"))
			if err == nil || !tc.check(err) {
				t.Fatalf("unexpected error %v", err)
			}
		})
	}
}

func TestSubmitMetadata(t *testing.T) {
	var got model.MetadataPayload
	var status atomic.Int32
	status.Store(http.StatusCreated)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("unexpected content type %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	payload := model.MetadataPayload{ID: "s1", DistrictCode: "101", ImageURL: "https://cdn/test.jpg", Timestamp: "2026-05-01T09:00:00Z"}
	if err := c.SubmitMetadata(context.Background(), payload); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got != payload {
		t.Fatalf("payload mismatch: %+v", got)
	}

	status.Store(http.StatusBadRequest)
	err := c.SubmitMetadata(context.Background(), payload)
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 status error, got %v", err)
	}
}

func TestTimeoutMapsToError(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	err := New(srv.URL, 50*time.Millisecond).SubmitMetadata(context.Background(), model.MetadataPayload{ID: "x"})
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestListSubmissionsAndStats(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case submissionsPath:
			if r.URL.Query().Get("district_code") != "101" || r.URL.Query().Get("limit") != "5" {
				t.Errorf("unexpected query %q", r.URL.RawQuery)
			}
			if r.URL.Query().Has("county_code") {
				t.Errorf("empty filters must not be sent")
			}
			_, _ = w.Write([]byte(`{"success":true,"submissions":[{"id":"s1","districtCode":"101","imageUrl":"u","createdAt":"2026-05-01T09:00:00Z"}]}`))
		case statsPath:
			_, _ = w.Write([]byte(`{"success":true,"total":3,"byDistrict":[{"districtCode":"101","districtName":"Kampala","count":3}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	subs, err := c.ListSubmissions(context.Background(), ListFilter{DistrictCode: "101", Limit: 5})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(subs) != 1 || subs[0].ID != "s1" || subs[0].CreatedAt == "" {
		t.Fatalf("unexpected submissions %+v", subs)
	}

	stats, err := c.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || len(stats.ByDistrict) != 1 || stats.ByDistrict[0].Count != 3 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}
