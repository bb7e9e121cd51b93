// Package collector is a development implementation of the remote collection service:
// it accepts image uploads and submission metadata and serves them back.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"drmsync/go-sync-agent/internal/model"
	"drmsync/go-sync-agent/internal/webutil"
)

const (
	drmBasePath      = "/api/drm"
	maxUploadBytes   = 20 << 20
	imageFormField   = "image"
	imagesRoutePath  = "/images"
	paramID          = "id"
	requestTimeLimit = 60 * time.Second
)

// Submissions is the persistence the server needs.
type Submissions interface {
	Save(ctx context.Context, p model.MetadataPayload) error
	List(ctx context.Context, f Filter) ([]model.RemoteSubmission, error)
	Find(ctx context.Context, id string) (model.RemoteSubmission, error)
	Stats(ctx context.Context) (model.Stats, error)
}

// Server exposes the /api/drm contract.
type Server struct {
	subs     Submissions
	images   ImageStore
	logger   *slog.Logger
	imageDir string
	now      func() time.Time
}

// NewServer builds a server. When imageDir is non-empty the files under it are served at
// /images/ for disk-backed image stores.
func NewServer(subs Submissions, images ImageStore, imageDir string, logger *slog.Logger) *Server {
	return &Server{subs: subs, images: images, logger: logger, imageDir: imageDir, now: time.Now}
}

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeLimit))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		webutil.RespondWithJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "drm-collector"})
	})

	r.Route(drmBasePath, func(r chi.Router) {
		r.Post("/upload-image", webutil.MakeHandler(s.logger, s.handleUploadImage))
		r.Route("/submissions", func(r chi.Router) {
			r.Post("/", webutil.MakeHandler(s.logger, s.handleCreateSubmission))
			r.Get("/", webutil.MakeHandler(s.logger, s.handleListSubmissions))
			r.Get("/{"+paramID+"}", webutil.MakeHandler(s.logger, s.handleGetSubmission))
		})
		r.Get("/stats", webutil.MakeHandler(s.logger, s.handleStats))
	})

	if s.imageDir != "" {
		fs := http.StripPrefix(imagesRoutePath+"/", http.FileServer(http.Dir(s.imageDir)))
		r.Get(imagesRoutePath+"/*", fs.ServeHTTP)
	}

	return r
}

func (s *Server) handleUploadImage(w http.ResponseWriter, r *http.Request) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return webutil.ErrBadRequestWrap("No image file provided", err)
	}
	file, header, err := r.FormFile(imageFormField)
	if err != nil {
		return webutil.ErrBadRequestWrap("No image file provided", err)
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = "image/jpeg"
	}

	name := ObjectName(header.Filename, s.now())
	url, err := s.images.Put(r.Context(), name, file, header.Size, contentType)
	if err != nil {
		return webutil.ErrInternalServerWrap("store image", err)
	}

	s.logger.Info("image stored", "name", name, "bytes", header.Size)
	webutil.RespondWithJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"url":      url,
		"filename": name,
	})
	return nil
}

func (s *Server) handleCreateSubmission(w http.ResponseWriter, r *http.Request) error {
	var p model.MetadataPayload
	if err := webutil.DecodeJSON(r, &p); err != nil {
		return err
	}
	if missing := p.Missing(); len(missing) > 0 {
		return webutil.ErrBadRequest("Missing required field: " + missing[0])
	}
	if _, err := time.Parse(time.RFC3339Nano, p.Timestamp); err != nil {
		return webutil.ErrBadRequestWrap("Invalid timestamp", err)
	}

	if err := s.subs.Save(r.Context(), p); err != nil {
		return webutil.ErrInternalServerWrap("save submission", err)
	}

	s.logger.Info("submission stored", "id", p.ID, "district", p.DistrictCode, "station", p.PollingStationCode)
	webutil.RespondWithJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"id":      p.ID,
		"message": "Submission created successfully",
	})
	return nil
}

func (s *Server) handleListSubmissions(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	f := Filter{
		DistrictCode:       q.Get("district_code"),
		CountyCode:         q.Get("county_code"),
		SubCountyCode:      q.Get("sub_county_code"),
		ParishCode:         q.Get("parish_code"),
		PollingStationCode: q.Get("polling_station_code"),
	}
	var err error
	if f.Limit, err = intParam(q.Get("limit"), defaultListLimit); err != nil {
		return webutil.ErrBadRequestWrap("limit must be an integer", err)
	}
	if f.Offset, err = intParam(q.Get("offset"), 0); err != nil {
		return webutil.ErrBadRequestWrap("offset must be an integer", err)
	}

	subs, err := s.subs.List(r.Context(), f)
	if err != nil {
		return webutil.ErrInternalServerWrap("list submissions", err)
	}

	webutil.RespondWithJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"count":       len(subs),
		"submissions": subs,
	})
	return nil
}

func (s *Server) handleGetSubmission(w http.ResponseWriter, r *http.Request) error {
	id := strings.TrimSpace(chi.URLParam(r, paramID))
	sub, err := s.subs.Find(r.Context(), id)
	if errors.Is(err, ErrNotFound) {
		return webutil.ErrNotFound("Submission not found")
	}
	if err != nil {
		return webutil.ErrInternalServerWrap("find submission", err)
	}
	webutil.RespondWithJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"submission": sub,
	})
	return nil
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) error {
	stats, err := s.subs.Stats(r.Context())
	if err != nil {
		return webutil.ErrInternalServerWrap("stats", err)
	}
	webutil.RespondWithJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"total":      stats.Total,
		"byDistrict": stats.ByDistrict,
	})
	return nil
}

func intParam(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", v, err)
	}
	return n, nil
}
