package collector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"drmsync/go-sync-agent/internal/model"
	"drmsync/go-sync-agent/internal/store"
)

// ErrNotFound is returned when no submission has the requested id.
var ErrNotFound = errors.New("submission not found")

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Filter narrows List. Empty codes match everything.
type Filter struct {
	DistrictCode       string
	CountyCode         string
	SubCountyCode      string
	ParishCode         string
	PollingStationCode string
	Limit              int
	Offset             int
}

// Repository stores received submissions in SQLite.
type Repository struct {
	db *sql.DB
}

// OpenRepository opens (or creates) the collector database at path.
func OpenRepository(path string) (*Repository, error) {
	db, err := store.OpenDB(path)
	if err != nil {
		return nil, err
	}
	return &Repository{db: db}, nil
}

// Close releases the database handle.
func (r *Repository) Close() error {
	return r.db.Close()
}

// InitSchema creates the submissions table and its location indexes.
func (r *Repository) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS drm_submissions (
			id TEXT PRIMARY KEY,
			district_code TEXT NOT NULL,
			district_name TEXT NOT NULL,
			county_code TEXT NOT NULL,
			county_name TEXT NOT NULL,
			sub_county_code TEXT NOT NULL,
			sub_county_name TEXT NOT NULL,
			parish_code TEXT NOT NULL,
			parish_name TEXT NOT NULL,
			polling_station_code TEXT NOT NULL,
			polling_station_name TEXT NOT NULL,
			image_url TEXT NOT NULL,
			created_at TEXT NOT NULL,
			uploaded_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
		`CREATE INDEX IF NOT EXISTS idx_drm_district ON drm_submissions(district_code);`,
		`CREATE INDEX IF NOT EXISTS idx_drm_station ON drm_submissions(polling_station_code);`,
		`CREATE INDEX IF NOT EXISTS idx_drm_created ON drm_submissions(created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init collector schema: %w", err)
		}
	}
	return nil
}

// Save records p. Re-sending an id replaces the stored row, so a client that
// retries after losing the response does not wedge on a duplicate key.
func (r *Repository) Save(ctx context.Context, p model.MetadataPayload) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO drm_submissions (
			id, district_code, district_name, county_code, county_name,
			sub_county_code, sub_county_name, parish_code, parish_name,
			polling_station_code, polling_station_name, image_url, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			image_url = excluded.image_url,
			uploaded_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now');`,
		p.ID, p.DistrictCode, p.DistrictName, p.CountyCode, p.CountyName,
		p.SubCountyCode, p.SubCountyName, p.ParishCode, p.ParishName,
		p.PollingStationCode, p.PollingStationName, p.ImageURL, p.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("save submission %s: %w", p.ID, err)
	}
	return nil
}

const selectColumns = `id, district_code, district_name, county_code, county_name,
	sub_county_code, sub_county_name, parish_code, parish_name,
	polling_station_code, polling_station_name, image_url, created_at, uploaded_at`

// List returns matching submissions, newest first.
func (r *Repository) List(ctx context.Context, f Filter) ([]model.RemoteSubmission, error) {
	var (
		where []string
		args  []any
	)
	add := func(col, v string) {
		if v != "" {
			where = append(where, col+" = ?")
			args = append(args, v)
		}
	}
	add("district_code", f.DistrictCode)
	add("county_code", f.CountyCode)
	add("sub_county_code", f.SubCountyCode)
	add("parish_code", f.ParishCode)
	add("polling_station_code", f.PollingStationCode)

	query := `SELECT ` + selectColumns + ` FROM drm_submissions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?;`

	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	out := []model.RemoteSubmission{}
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate submissions: %w", err)
	}
	return out, nil
}

// Find returns one submission by id.
func (r *Repository) Find(ctx context.Context, id string) (model.RemoteSubmission, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM drm_submissions WHERE id = ?;`, id)
	s, err := scanSubmission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.RemoteSubmission{}, ErrNotFound
	}
	return s, err
}

// Stats counts submissions per district, largest first.
func (r *Repository) Stats(ctx context.Context) (model.Stats, error) {
	stats := model.Stats{ByDistrict: []model.DistrictCount{}}

	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM drm_submissions;`).Scan(&stats.Total); err != nil {
		return model.Stats{}, fmt.Errorf("count submissions: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT district_code, district_name, COUNT(*) AS n
		FROM drm_submissions
		GROUP BY district_code, district_name
		ORDER BY n DESC, district_code;`)
	if err != nil {
		return model.Stats{}, fmt.Errorf("district stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var dc model.DistrictCount
		if err := rows.Scan(&dc.DistrictCode, &dc.DistrictName, &dc.Count); err != nil {
			return model.Stats{}, fmt.Errorf("scan district stats: %w", err)
		}
		stats.ByDistrict = append(stats.ByDistrict, dc)
	}
	if err := rows.Err(); err != nil {
		return model.Stats{}, fmt.Errorf("iterate district stats: %w", err)
	}
	return stats, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubmission(row scanner) (model.RemoteSubmission, error) {
	var s model.RemoteSubmission
	err := row.Scan(
		&s.ID, &s.DistrictCode, &s.DistrictName, &s.CountyCode, &s.CountyName,
		&s.SubCountyCode, &s.SubCountyName, &s.ParishCode, &s.ParishName,
		&s.PollingStationCode, &s.PollingStationName, &s.ImageURL, &s.CreatedAt, &s.UploadedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.RemoteSubmission{}, err
		}
		return model.RemoteSubmission{}, fmt.Errorf("scan submission: %w", err)
	}
	s.Timestamp = s.CreatedAt
	return s, nil
}
