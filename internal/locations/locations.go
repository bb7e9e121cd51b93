// Package locations loads the nested polling-station reference dataset and answers the
// cascading district/county/sub-county/parish/station lookups.
package locations

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"drmsync/go-sync-agent/internal/model"
)

// ErrUnknownCode is returned when a code does not exist at the requested level.
var ErrUnknownCode = errors.New("unknown location code")

type metadata struct {
	Title        string `json:"title"`
	Source       string `json:"source"`
	TotalRecords int    `json:"total_records"`
}

type stationData struct {
	Code       string `json:"code"`
	Name       string `json:"name"`
	VoterCount int    `json:"voter_count"`
}

type parishData struct {
	Name            string        `json:"name"`
	PollingStations []stationData `json:"polling_stations"`
}

type subCountyData struct {
	Name     string                `json:"name"`
	Parishes map[string]parishData `json:"parishes"`
}

type countyData struct {
	Name        string                   `json:"name"`
	SubCounties map[string]subCountyData `json:"sub_counties"`
}

type districtData struct {
	Name     string                `json:"name"`
	Counties map[string]countyData `json:"counties"`
}

type dataset struct {
	Metadata  metadata                `json:"metadata"`
	Districts map[string]districtData `json:"districts"`
}

// Station is a polling station option with its registered voter count.
type Station struct {
	model.Place
	VoterCount int `json:"voter_count"`
}

// Directory answers lookups over a loaded dataset. It is read-only after Load.
type Directory struct {
	data dataset
}

// Load decodes a dataset from r.
func Load(r io.Reader) (*Directory, error) {
	var data dataset
	if err := json.NewDecoder(r).Decode(&data); err != nil {
		return nil, fmt.Errorf("decode locations: %w", err)
	}
	return &Directory{data: data}, nil
}

// LoadFile decodes the dataset stored at path.
func LoadFile(path string) (*Directory, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open locations: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// TotalRecords is the record count declared in the dataset metadata.
func (d *Directory) TotalRecords() int {
	return d.data.Metadata.TotalRecords
}

// Districts lists every district sorted by name.
func (d *Directory) Districts() []model.Place {
	out := make([]model.Place, 0, len(d.data.Districts))
	for code, v := range d.data.Districts {
		out = append(out, model.Place{Code: code, Name: v.Name})
	}
	return sortPlaces(out)
}

// Counties lists the counties of a district. Unknown codes yield an empty list.
func (d *Directory) Counties(district string) []model.Place {
	dist, ok := d.data.Districts[district]
	if !ok {
		return nil
	}
	out := make([]model.Place, 0, len(dist.Counties))
	for code, v := range dist.Counties {
		out = append(out, model.Place{Code: code, Name: v.Name})
	}
	return sortPlaces(out)
}

// SubCounties lists the sub-counties of a county.
func (d *Directory) SubCounties(district, county string) []model.Place {
	c, ok := d.county(district, county)
	if !ok {
		return nil
	}
	out := make([]model.Place, 0, len(c.SubCounties))
	for code, v := range c.SubCounties {
		out = append(out, model.Place{Code: code, Name: v.Name})
	}
	return sortPlaces(out)
}

// Parishes lists the parishes of a sub-county.
func (d *Directory) Parishes(district, county, subCounty string) []model.Place {
	sc, ok := d.subCounty(district, county, subCounty)
	if !ok {
		return nil
	}
	out := make([]model.Place, 0, len(sc.Parishes))
	for code, v := range sc.Parishes {
		out = append(out, model.Place{Code: code, Name: v.Name})
	}
	return sortPlaces(out)
}

// PollingStations lists the stations of a parish, sorted by display name.
func (d *Directory) PollingStations(district, county, subCounty, parish string) []Station {
	sc, ok := d.subCounty(district, county, subCounty)
	if !ok {
		return nil
	}
	p, ok := sc.Parishes[parish]
	if !ok {
		return nil
	}
	out := make([]Station, 0, len(p.PollingStations))
	for _, s := range p.PollingStations {
		out = append(out, Station{
			Place:      model.Place{Code: s.Code, Name: model.StationDisplayName(s.Code, s.Name)},
			VoterCount: s.VoterCount,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Resolve turns five codes into a fully named LocationPath.
func (d *Directory) Resolve(district, county, subCounty, parish, station string) (model.LocationPath, error) {
	dist, ok := d.data.Districts[district]
	if !ok {
		return model.LocationPath{}, fmt.Errorf("%w: district %q", ErrUnknownCode, district)
	}
	c, ok := dist.Counties[county]
	if !ok {
		return model.LocationPath{}, fmt.Errorf("%w: county %q", ErrUnknownCode, county)
	}
	sc, ok := c.SubCounties[subCounty]
	if !ok {
		return model.LocationPath{}, fmt.Errorf("%w: sub-county %q", ErrUnknownCode, subCounty)
	}
	p, ok := sc.Parishes[parish]
	if !ok {
		return model.LocationPath{}, fmt.Errorf("%w: parish %q", ErrUnknownCode, parish)
	}
	for _, s := range p.PollingStations {
		if s.Code != station {
			continue
		}
		return model.LocationPath{
			District:       model.Place{Code: district, Name: dist.Name},
			County:         model.Place{Code: county, Name: c.Name},
			SubCounty:      model.Place{Code: subCounty, Name: sc.Name},
			Parish:         model.Place{Code: parish, Name: p.Name},
			PollingStation: model.Place{Code: station, Name: model.StationDisplayName(s.Code, s.Name)},
		}, nil
	}
	return model.LocationPath{}, fmt.Errorf("%w: polling station %q", ErrUnknownCode, station)
}

func (d *Directory) county(district, county string) (countyData, bool) {
	dist, ok := d.data.Districts[district]
	if !ok {
		return countyData{}, false
	}
	c, ok := dist.Counties[county]
	return c, ok
}

func (d *Directory) subCounty(district, county, subCounty string) (subCountyData, bool) {
	c, ok := d.county(district, county)
	if !ok {
		return subCountyData{}, false
	}
	sc, ok := c.SubCounties[subCounty]
	return sc, ok
}

func sortPlaces(p []model.Place) []model.Place {
	sort.Slice(p, func(i, j int) bool {
		if p[i].Name == p[j].Name {
			return p[i].Code < p[j].Code
		}
		return p[i].Name < p[j].Name
	})
	return p
}
