// Package remote talks to the DR form collection service over HTTP.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"drmsync/go-sync-agent/internal/model"
)

const (
	uploadImagePath = "/api/drm/upload-image"
	submissionsPath = "/api/drm/submissions"
	statsPath       = "/api/drm/stats"

	maxErrorBody = 512
)

// ErrRejected is returned when the service answers 200 but reports failure.
var ErrRejected = errors.New("remote: request rejected")

// StatusError carries an unexpected HTTP status and a truncated response body.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.Code, e.Body)
}

// Client is the RemoteSubmissionClient for the /api/drm endpoints.
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a client rooted at baseURL. A zero timeout leaves calls bounded only by ctx.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// NewWithHTTPClient builds a client around an existing http.Client.
func NewWithHTTPClient(baseURL string, hc *http.Client) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

type uploadResponse struct {
	Success  bool   `json:"success"`
	URL      string `json:"url"`
	Filename string `json:"filename,omitempty"`
	Error    string `json:"error,omitempty"`
}

// UploadImage streams the image as multipart field "image" and returns its public URL.
func (c *Client) UploadImage(ctx context.Context, filename string, image io.Reader) (string, error) {
	const op = "upload image"

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename=%q`, filepath.Base(filename)))
	header.Set("Content-Type", imageContentType(filename))
	part, err := mw.CreatePart(header)
	if err != nil {
		return "", fmt.Errorf("%s: create part: %w", op, err)
	}
	if _, err := io.Copy(part, image); err != nil {
		return "", fmt.Errorf("%s: read image: %w", op, err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("%s: close multipart: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+uploadImagePath, &body)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", statusError(op, resp)
	}

	var out uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%s: decode response: %w", op, err)
	}
	if !out.Success {
		if out.Error != "" {
			return "", fmt.Errorf("%s: %w: %s", op, ErrRejected, out.Error)
		}
		return "", fmt.Errorf("%s: %w", op, ErrRejected)
	}
	if out.URL == "" {
		return "", fmt.Errorf("%s: %w: response missing url", op, ErrRejected)
	}
	return out.URL, nil
}

// SubmitMetadata posts the submission record. Any 2xx status is success.
func (c *Client) SubmitMetadata(ctx context.Context, payload model.MetadataPayload) error {
	const op = "submit metadata"

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: encode: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+submissionsPath, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(op, resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// ListFilter narrows GET /api/drm/submissions. Empty fields are not sent.
type ListFilter struct {
	DistrictCode       string
	CountyCode         string
	SubCountyCode      string
	ParishCode         string
	PollingStationCode string
	Limit              int
	Offset             int
}

func (f ListFilter) query() url.Values {
	q := url.Values{}
	set := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	set("district_code", f.DistrictCode)
	set("county_code", f.CountyCode)
	set("sub_county_code", f.SubCountyCode)
	set("parish_code", f.ParishCode)
	set("polling_station_code", f.PollingStationCode)
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Offset > 0 {
		q.Set("offset", strconv.Itoa(f.Offset))
	}
	return q
}

// ListSubmissions reads back what the service has stored.
func (c *Client) ListSubmissions(ctx context.Context, filter ListFilter) ([]model.RemoteSubmission, error) {
	var out struct {
		Success     bool                     `json:"success"`
		Submissions []model.RemoteSubmission `json:"submissions"`
	}
	u := c.baseURL + submissionsPath
	if q := filter.query().Encode(); q != "" {
		u += "?" + q
	}
	if err := c.getJSON(ctx, "list submissions", u, &out); err != nil {
		return nil, err
	}
	return out.Submissions, nil
}

// Stats returns per-district submission counts.
func (c *Client) Stats(ctx context.Context) (model.Stats, error) {
	var out struct {
		Success bool `json:"success"`
		model.Stats
	}
	if err := c.getJSON(ctx, "stats", c.baseURL+statsPath, &out); err != nil {
		return model.Stats{}, err
	}
	return out.Stats, nil
}

func (c *Client) getJSON(ctx context.Context, op, u string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(op, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func statusError(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{Op: op, Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
}

func imageContentType(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".png":
		return "image/png"
	case ".heic":
		return "image/heic"
	case ".webp":
		return "image/webp"
	default:
		return "image/jpeg"
	}
}
