// Package regions seeds the REGIONCD table from the standard region code
// export and derives the district (시군구) codes that drive the harvest.
package regions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/Sternrassler/rtms-harvester/pkg/client"
	"github.com/Sternrassler/rtms-harvester/pkg/schema"
	"github.com/Sternrassler/rtms-harvester/pkg/store"
	"github.com/Sternrassler/rtms-harvester/pkg/transform"
	"github.com/rs/zerolog/log"
)

// Row is one entry of the standard region code export.
type Row struct {
	SidoCd     string   `json:"sido_cd"`
	SggCd      string   `json:"sgg_cd"`
	UmdCd      string   `json:"umd_cd"`
	LocataddNm string   `json:"locatadd_nm"`
	Latitude   *float64 `json:"latitude,omitempty"`
	Longitude  *float64 `json:"longitude,omitempty"`
}

// Record returns the row as a raw record of the regionCd source.
func (r Row) Record() client.RawRecord {
	rec := client.RawRecord{
		"sido_cd":     r.SidoCd,
		"sgg_cd":      r.SggCd,
		"umd_cd":      r.UmdCd,
		"locatadd_nm": r.LocataddNm,
	}
	if r.Latitude != nil {
		rec["latitude"] = *r.Latitude
	}
	if r.Longitude != nil {
		rec["longitude"] = *r.Longitude
	}
	return rec
}

// Location is one entry of the district location file, keyed by locatadd_nm.
type Location struct {
	Latitude  float64 `json:"위도"`
	Longitude float64 `json:"경도"`
}

// ErrNoRows is returned when an export holds no region rows.
var ErrNoRows = errors.New("no region rows")

type rowsBlock struct {
	Row []Row `json:"row"`
}

// LoadFile reads a region code export. locationsPath is optional; when set,
// rows whose locatadd_nm appears in it get latitude and longitude attached.
//
// Both shapes of the export are accepted: {"StanReginCd": {"row": [...]}} and
// the API's {"StanReginCd": [{"head": [...]}, {"row": [...]}]}.
func LoadFile(path, locationsPath string) ([]Row, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read region file: %w", err)
	}
	rows, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if locationsPath == "" {
		return rows, nil
	}
	locData, err := os.ReadFile(locationsPath)
	if err != nil {
		return nil, fmt.Errorf("read location file: %w", err)
	}
	var locations map[string]Location
	if err := json.Unmarshal(locData, &locations); err != nil {
		return nil, fmt.Errorf("parse %s: %w", locationsPath, err)
	}
	return AttachLocations(rows, locations), nil
}

// Parse decodes a region code export.
func Parse(data []byte) ([]Row, error) {
	var doc struct {
		StanReginCd json.RawMessage `json:"StanReginCd"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	raw := bytes.TrimSpace(doc.StanReginCd)
	var rows []Row
	switch {
	case len(raw) == 0:
		return nil, ErrNoRows
	case raw[0] == '[':
		var blocks []rowsBlock
		if err := json.Unmarshal(raw, &blocks); err != nil {
			return nil, err
		}
		for _, b := range blocks {
			rows = append(rows, b.Row...)
		}
	default:
		var block rowsBlock
		if err := json.Unmarshal(raw, &block); err != nil {
			return nil, err
		}
		rows = block.Row
	}

	if len(rows) == 0 {
		return nil, ErrNoRows
	}
	return rows, nil
}

// AttachLocations returns rows with coordinates set from locations.
func AttachLocations(rows []Row, locations map[string]Location) []Row {
	out := make([]Row, len(rows))
	for i, r := range rows {
		if loc, ok := locations[strings.TrimSpace(r.LocataddNm)]; ok {
			lat, lng := loc.Latitude, loc.Longitude
			r.Latitude, r.Longitude = &lat, &lng
		}
		out[i] = r
	}
	return out
}

// Store is the subset of the loader used by this package.
type Store interface {
	DeleteAll(ctx context.Context, table string) (int64, error)
	BulkInsert(ctx context.Context, table string, columns []schema.Column, rows []schema.Row, batchSize int) (store.BulkResult, error)
	Select(ctx context.Context, table string, columns []string) ([]map[string]any, error)
}

// Seed replaces the content of REGIONCD with rows.
func Seed(ctx context.Context, s Store, rows []Row) (store.BulkResult, error) {
	logger := log.With().Str("component", "regions").Str("table", schema.RegionCd.Table()).Logger()

	if _, err := s.DeleteAll(ctx, schema.RegionCd.Table()); err != nil {
		return store.BulkResult{}, fmt.Errorf("clear region table: %w", err)
	}

	records := make([]client.RawRecord, len(rows))
	for i, r := range rows {
		records[i] = r.Record()
	}
	tuples := transform.Transform(records, schema.RegionCd, transform.Identity)

	res, err := s.BulkInsert(ctx, schema.RegionCd.Table(), schema.RegionCd.Columns(), tuples, min(store.DefaultBatchSize, max(len(tuples), 1)))
	if err != nil {
		return res, fmt.Errorf("insert regions: %w", err)
	}

	logger.Info().Int("rows", len(rows)).Int("inserted", res.Inserted).Int("failed", res.Failed).Msg("Region codes seeded")
	return res, nil
}

// Districts returns the 5-digit district codes stored in REGIONCD: rows below
// province level (SGG_CD != "000") that are not neighbourhoods (UMD_CD == "000").
// Codes are returned in table order without duplicates.
func Districts(ctx context.Context, s Store) ([]string, error) {
	rows, err := s.Select(ctx, schema.RegionCd.Table(), []string{"SIDO_CD", "SGG_CD", "UMD_CD"})
	if err != nil {
		return nil, fmt.Errorf("select regions: %w", err)
	}

	seen := make(map[string]bool)
	var codes []string
	for _, r := range rows {
		sido, sgg, umd := text(r["SIDO_CD"]), text(r["SGG_CD"]), text(r["UMD_CD"])
		if sgg == "000" || umd != "000" {
			continue
		}
		code := sido + sgg
		if !seen[code] {
			seen[code] = true
			codes = append(codes, code)
		}
	}
	return codes, nil
}

func text(v any) string {
	if v == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(v))
}
