package app

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"drmsync/go-sync-agent/internal/locations"
	"drmsync/go-sync-agent/internal/model"
	"drmsync/go-sync-agent/internal/webutil"
)

const (
	apiBasePath         = "/api"
	submissionsBasePath = "/submissions"
	locationsBasePath   = "/locations"
	paramID             = "id"
	maxImageBytes       = 20 << 20
)

func (a *App) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(a.logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.handleHealthz)
	r.Get("/readyz", a.handleReadyz)

	h := func(fn webutil.AppHandler) http.HandlerFunc { return webutil.MakeHandler(a.logger, fn) }

	r.Route(apiBasePath, func(r chi.Router) {
		r.Get("/status", h(a.handleStatus))
		r.Post("/sync", h(a.handleSync))
		r.Post("/connectivity", h(a.handleConnectivity))

		r.Route(submissionsBasePath, func(r chi.Router) {
			r.Get("/", h(a.handleListSubmissions))
			r.Post("/", h(a.handleCreateSubmission))
			r.Get("/{"+paramID+"}", h(a.handleGetSubmission))
			r.Delete("/{"+paramID+"}", h(a.handleDeleteSubmission))
		})

		r.Route(locationsBasePath, func(r chi.Router) {
			r.Get("/districts", h(a.handleDistricts))
			r.Get("/districts/{district}/counties", h(a.handleCounties))
			r.Get("/districts/{district}/counties/{county}/sub-counties", h(a.handleSubCounties))
			r.Get("/districts/{district}/counties/{county}/sub-counties/{subCounty}/parishes", h(a.handleParishes))
			r.Get("/districts/{district}/counties/{county}/sub-counties/{subCounty}/parishes/{parish}/polling-stations", h(a.handlePollingStations))
		})
	})

	return r
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

func (a *App) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	webutil.RespondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !a.ready.Load() || a.store == nil || a.coord == nil {
		webutil.RespondWithJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	if err := a.store.Ping(r.Context()); err != nil {
		a.logger.Warn("readiness ping failed", "error", err)
		webutil.RespondWithJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "store unavailable"})
		return
	}
	webutil.RespondWithJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (a *App) handleStatus(w http.ResponseWriter, _ *http.Request) error {
	webutil.RespondWithJSON(w, http.StatusOK, a.coord.Status())
	return nil
}

// handleSync queues a drain. With ?probe=true connectivity is checked first, so a
// reconnect the periodic probe has not seen yet is picked up immediately.
func (a *App) handleSync(w http.ResponseWriter, r *http.Request) error {
	if raw := r.URL.Query().Get("probe"); raw != "" {
		probe, err := strconv.ParseBool(raw)
		if err != nil {
			return webutil.ErrBadRequestWrap("probe must be a boolean", err)
		}
		if probe {
			a.monitor.Check(r.Context())
		}
	}
	accepted := a.coord.SyncNow()
	webutil.RespondWithJSON(w, http.StatusAccepted, map[string]any{
		"accepted": accepted,
		"online":   a.coord.Online(),
		"syncing":  a.coord.Syncing(),
	})
	return nil
}

// handleConnectivity forces the observed state until the next probe.
func (a *App) handleConnectivity(w http.ResponseWriter, r *http.Request) error {
	var req struct {
		Online *bool `json:"online"`
	}
	if err := webutil.DecodeJSON(r, &req); err != nil {
		return err
	}
	if req.Online == nil {
		return webutil.ErrBadRequest("online is required")
	}
	a.monitor.Set(*req.Online)
	webutil.RespondWithJSON(w, http.StatusOK, a.coord.Status())
	return nil
}

func (a *App) handleListSubmissions(w http.ResponseWriter, r *http.Request) error {
	subs := a.coord.Submissions()

	if raw := r.URL.Query().Get("status"); raw != "" {
		want := model.Status(strings.ToLower(raw))
		if !want.Valid() {
			return webutil.ErrBadRequest(fmt.Sprintf("unknown status %q", raw))
		}
		filtered := subs[:0]
		for _, s := range subs {
			if s.Status == want {
				filtered = append(filtered, s)
			}
		}
		subs = filtered
	}

	webutil.RespondWithJSON(w, http.StatusOK, map[string]any{
		"count":       len(subs),
		"submissions": subs,
	})
	return nil
}

func (a *App) handleGetSubmission(w http.ResponseWriter, r *http.Request) error {
	sub, ok := a.coord.Get(chi.URLParam(r, paramID))
	if !ok {
		return webutil.ErrNotFound("submission not found")
	}
	webutil.RespondWithJSON(w, http.StatusOK, sub)
	return nil
}

func (a *App) handleDeleteSubmission(w http.ResponseWriter, r *http.Request) error {
	removed, err := a.coord.DeleteSubmission(r.Context(), chi.URLParam(r, paramID))
	if err != nil {
		return webutil.ErrInternalServerWrap("delete submission", err)
	}
	if !removed {
		return webutil.ErrNotFound("submission not found")
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

type createSubmissionRequest struct {
	Location           *model.LocationPath `json:"location,omitempty"`
	DistrictCode       string              `json:"district_code,omitempty"`
	CountyCode         string              `json:"county_code,omitempty"`
	SubCountyCode      string              `json:"sub_county_code,omitempty"`
	ParishCode         string              `json:"parish_code,omitempty"`
	PollingStationCode string              `json:"polling_station_code,omitempty"`
	ImagePath          string              `json:"image_path,omitempty"`
}

// handleCreateSubmission accepts either JSON naming an image already on disk, or a
// multipart form carrying the photo in field "image" plus the five location codes.
func (a *App) handleCreateSubmission(w http.ResponseWriter, r *http.Request) error {
	var (
		req   createSubmissionRequest
		saved string
	)

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		path, err := a.readMultipartSubmission(w, r, &req)
		if err != nil {
			return err
		}
		req.ImagePath = path
		saved = path
	} else if err := webutil.DecodeJSON(r, &req); err != nil {
		return err
	}

	loc, err := a.resolveLocation(req)
	if err != nil {
		removeUpload(saved)
		return err
	}

	sub, err := a.coord.CreateSubmission(r.Context(), loc, req.ImagePath)
	if err != nil {
		removeUpload(saved)
	}
	if errors.Is(err, model.ErrIncompleteSubmission) {
		return webutil.ErrBadRequestWrap(err.Error(), err)
	}
	if err != nil {
		return webutil.ErrInternalServerWrap("create submission", err)
	}

	webutil.RespondWithJSON(w, http.StatusCreated, sub)
	return nil
}

func (a *App) readMultipartSubmission(w http.ResponseWriter, r *http.Request, req *createSubmissionRequest) (string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxImageBytes)
	if err := r.ParseMultipartForm(maxImageBytes); err != nil {
		return "", webutil.ErrBadRequestWrap("invalid multipart form", err)
	}
	req.DistrictCode = r.FormValue("district_code")
	req.CountyCode = r.FormValue("county_code")
	req.SubCountyCode = r.FormValue("sub_county_code")
	req.ParishCode = r.FormValue("parish_code")
	req.PollingStationCode = r.FormValue("polling_station_code")

	file, header, err := r.FormFile("image")
	if err != nil {
		return "", webutil.ErrBadRequestWrap("image file is required", err)
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if ext == "" {
		ext = ".jpg"
	}
	dst := filepath.Join(a.cfg.ImageDir, uuid.NewString()+ext)

	out, err := os.Create(dst)
	if err != nil {
		return "", webutil.ErrInternalServerWrap("create image file", err)
	}
	if _, err := io.Copy(out, file); err != nil {
		out.Close()
		_ = os.Remove(dst)
		return "", webutil.ErrInternalServerWrap("write image file", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dst)
		return "", webutil.ErrInternalServerWrap("close image file", err)
	}
	return dst, nil
}

func removeUpload(path string) {
	if path != "" {
		_ = os.Remove(path)
	}
}

func (a *App) resolveLocation(req createSubmissionRequest) (model.LocationPath, error) {
	if req.Location != nil {
		return *req.Location, nil
	}
	if a.places == nil {
		return model.LocationPath{}, webutil.ErrBadRequest("location dataset not loaded; send a full location")
	}
	loc, err := a.places.Resolve(req.DistrictCode, req.CountyCode, req.SubCountyCode, req.ParishCode, req.PollingStationCode)
	if errors.Is(err, locations.ErrUnknownCode) {
		return model.LocationPath{}, webutil.ErrBadRequestWrap(err.Error(), err)
	}
	return loc, err
}

func (a *App) directory() (*locations.Directory, error) {
	if a.places == nil {
		return nil, webutil.ErrUnavailable("location dataset not loaded")
	}
	return a.places, nil
}

func (a *App) handleDistricts(w http.ResponseWriter, _ *http.Request) error {
	dir, err := a.directory()
	if err != nil {
		return err
	}
	webutil.RespondWithJSON(w, http.StatusOK, dir.Districts())
	return nil
}

func (a *App) handleCounties(w http.ResponseWriter, r *http.Request) error {
	dir, err := a.directory()
	if err != nil {
		return err
	}
	webutil.RespondWithJSON(w, http.StatusOK, nonNil(dir.Counties(chi.URLParam(r, "district"))))
	return nil
}

func (a *App) handleSubCounties(w http.ResponseWriter, r *http.Request) error {
	dir, err := a.directory()
	if err != nil {
		return err
	}
	places := dir.SubCounties(chi.URLParam(r, "district"), chi.URLParam(r, "county"))
	webutil.RespondWithJSON(w, http.StatusOK, nonNil(places))
	return nil
}

func (a *App) handleParishes(w http.ResponseWriter, r *http.Request) error {
	dir, err := a.directory()
	if err != nil {
		return err
	}
	places := dir.Parishes(chi.URLParam(r, "district"), chi.URLParam(r, "county"), chi.URLParam(r, "subCounty"))
	webutil.RespondWithJSON(w, http.StatusOK, nonNil(places))
	return nil
}

func (a *App) handlePollingStations(w http.ResponseWriter, r *http.Request) error {
	dir, err := a.directory()
	if err != nil {
		return err
	}
	stations := dir.PollingStations(
		chi.URLParam(r, "district"),
		chi.URLParam(r, "county"),
		chi.URLParam(r, "subCounty"),
		chi.URLParam(r, "parish"),
	)
	if stations == nil {
		stations = []locations.Station{}
	}
	webutil.RespondWithJSON(w, http.StatusOK, stations)
	return nil
}

func nonNil(p []model.Place) []model.Place {
	if p == nil {
		return []model.Place{}
	}
	return p
}
