package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the sync lifecycle state of a submission.
type Status string

const (
	StatusPending   Status = "pending"
	StatusUploading Status = "uploading"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
)

// Valid reports whether s is one of the four known states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusUploading, StatusSent, StatusFailed:
		return true
	}
	return false
}

// Eligible reports whether a drain should attempt a record in this state.
func (s Status) Eligible() bool {
	return s == StatusPending || s == StatusFailed
}

// ErrIncompleteSubmission is returned when a location level or the image path is missing.
var ErrIncompleteSubmission = errors.New("incomplete submission")

// Place is one level of the location hierarchy.
type Place struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// LocationPath is the district, county, sub-county, parish and polling station selection.
type LocationPath struct {
	District       Place `json:"district"`
	County         Place `json:"county"`
	SubCounty      Place `json:"sub_county"`
	Parish         Place `json:"parish"`
	PollingStation Place `json:"polling_station"`
}

// Validate checks that every level carries a code and that every level above the
// polling station carries a name. Unnamed stations get StationDisplayName.
func (p LocationPath) Validate() error {
	levels := []struct {
		name  string
		place Place
		named bool
	}{
		{"district", p.District, true},
		{"county", p.County, true},
		{"sub_county", p.SubCounty, true},
		{"parish", p.Parish, true},
		{"polling_station", p.PollingStation, false},
	}
	for _, l := range levels {
		if strings.TrimSpace(l.place.Code) == "" {
			return fmt.Errorf("%w: missing %s code", ErrIncompleteSubmission, l.name)
		}
		if l.named && strings.TrimSpace(l.place.Name) == "" {
			return fmt.Errorf("%w: missing %s name", ErrIncompleteSubmission, l.name)
		}
	}
	return nil
}

// StationDisplayName falls back to "Station <code>" for unnamed polling stations.
func StationDisplayName(code, name string) string {
	if strings.TrimSpace(name) == "" {
		return "Station " + code
	}
	return name
}

// Submission is one queued DR form: a location selection plus a local photo.
type Submission struct {
	ID             string       `json:"id"`
	Location       LocationPath `json:"location"`
	ImagePath      string       `json:"image_path"`
	RemoteImageURL string       `json:"remote_image_url,omitempty"`
	Status         Status       `json:"status"`
	CreatedAt      time.Time    `json:"created_at"`
	ErrorMessage   string       `json:"error_message,omitempty"`
}

// MetadataPayload is the JSON body accepted by POST /api/drm/submissions.
type MetadataPayload struct {
	ID                 string `json:"id"`
	DistrictCode       string `json:"districtCode"`
	DistrictName       string `json:"districtName"`
	CountyCode         string `json:"countyCode"`
	CountyName         string `json:"countyName"`
	SubCountyCode      string `json:"subCountyCode"`
	SubCountyName      string `json:"subCountyName"`
	ParishCode         string `json:"parishCode"`
	ParishName         string `json:"parishName"`
	PollingStationCode string `json:"pollingStationCode"`
	PollingStationName string `json:"pollingStationName"`
	ImageURL           string `json:"imageUrl"`
	Timestamp          string `json:"timestamp"`
}

// Metadata builds the wire payload for a submission whose image lives at imageURL.
func (s Submission) Metadata(imageURL string) MetadataPayload {
	return MetadataPayload{
		ID:                 s.ID,
		DistrictCode:       s.Location.District.Code,
		DistrictName:       s.Location.District.Name,
		CountyCode:         s.Location.County.Code,
		CountyName:         s.Location.County.Name,
		SubCountyCode:      s.Location.SubCounty.Code,
		SubCountyName:      s.Location.SubCounty.Name,
		ParishCode:         s.Location.Parish.Code,
		ParishName:         s.Location.Parish.Name,
		PollingStationCode: s.Location.PollingStation.Code,
		PollingStationName: s.Location.PollingStation.Name,
		ImageURL:           imageURL,
		Timestamp:          s.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// Missing returns the names of required metadata fields that are empty.
func (p MetadataPayload) Missing() []string {
	fields := []struct {
		name  string
		value string
	}{
		{"id", p.ID},
		{"districtCode", p.DistrictCode},
		{"districtName", p.DistrictName},
		{"countyCode", p.CountyCode},
		{"countyName", p.CountyName},
		{"subCountyCode", p.SubCountyCode},
		{"subCountyName", p.SubCountyName},
		{"parishCode", p.ParishCode},
		{"parishName", p.ParishName},
		{"pollingStationCode", p.PollingStationCode},
		{"pollingStationName", p.PollingStationName},
		{"imageUrl", p.ImageURL},
		{"timestamp", p.Timestamp},
	}
	var missing []string
	for _, f := range fields {
		if f.value == "" {
			missing = append(missing, f.name)
		}
	}
	return missing
}

// StatusEvent is emitted whenever a submission changes state.
type StatusEvent struct {
	SubmissionID   string    `json:"submission_id"`
	Status         Status    `json:"status"`
	RemoteImageURL string    `json:"remote_image_url,omitempty"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	Deleted        bool      `json:"deleted,omitempty"`
	At             time.Time `json:"at"`
}

// EventFor builds the event describing the current state of s.
func EventFor(s Submission, at time.Time) StatusEvent {
	return StatusEvent{
		SubmissionID:   s.ID,
		Status:         s.Status,
		RemoteImageURL: s.RemoteImageURL,
		ErrorMessage:   s.ErrorMessage,
		At:             at,
	}
}

// AgentStatus summarizes the local queue for the presentation layer.
type AgentStatus struct {
	Online       bool `json:"online"`
	Syncing      bool `json:"syncing"`
	Total        int  `json:"total"`
	PendingCount int  `json:"pending_count"`
	FailedCount  int  `json:"failed_count"`
	SentCount    int  `json:"sent_count"`
}

// RemoteSubmission is a record as listed by the collection service.
type RemoteSubmission struct {
	MetadataPayload
	CreatedAt  string `json:"createdAt,omitempty"`
	UploadedAt string `json:"uploadedAt,omitempty"`
}

// DistrictCount is one row of the collection service's per-district stats.
type DistrictCount struct {
	DistrictCode string `json:"districtCode"`
	DistrictName string `json:"districtName"`
	Count        int    `json:"count"`
}

// Stats is the aggregate returned by GET /api/drm/stats.
type Stats struct {
	Total      int             `json:"total"`
	ByDistrict []DistrictCount `json:"byDistrict"`
}
