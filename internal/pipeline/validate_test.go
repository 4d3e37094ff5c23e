package pipeline

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/Sternrassler/rtms-harvester/pkg/client"
	"github.com/Sternrassler/rtms-harvester/pkg/schema"
	"github.com/Sternrassler/rtms-harvester/pkg/transform"
)

func dandokSource(limit int) Source {
	conv, _ := transform.ConverterFor(client.SourceDandok)
	return Source{
		Type:       client.SourceDandok,
		URL:        "http://apis.data.go.kr/1613000/RTMSDataSvcSHRent/getRTMSDataSvcSHRent",
		DailyLimit: limit,
		Schema:     schema.Dandok,
		Converter:  conv,
	}
}

func codes(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = "11110"
	}
	return out
}

func TestValidateAPILimits(t *testing.T) {
	tests := []struct {
		name    string
		limit   int
		regions int
		periods int
		wantErr bool
	}{
		{"below limit", 1000, 250, 3, false},
		{"exactly at limit", 1000, 250, 4, false},
		{"one over limit", 1000, 143, 7, true},
		{"far over limit", 1000, 250, 12, true},
		{"empty regions", 1000, 0, 12, false},
		{"zero limit", 0, 1, 1, true},
		{"zero limit no keys", 0, 0, 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAPILimits(dandokSource(tt.limit), codes(tt.regions), codes(tt.periods))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateAPILimits() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrQuotaExceeded) {
				t.Errorf("error = %v, want ErrQuotaExceeded", err)
			}
		})
	}
}

func TestGenerateYearMonths(t *testing.T) {
	tests := []struct {
		name    string
		start   string
		end     string
		want    []string
		wantErr bool
	}{
		{"across year boundary", "202311", "202402", []string{"202311", "202312", "202401", "202402"}, false},
		{"single month", "202411", "202411", []string{"202411"}, false},
		{"full year", "202301", "202312", []string{
			"202301", "202302", "202303", "202304", "202305", "202306",
			"202307", "202308", "202309", "202310", "202311", "202312",
		}, false},
		{"reversed", "202402", "202311", nil, true},
		{"month out of range", "202313", "202401", nil, true},
		{"too short", "20231", "202401", nil, true},
		{"not numeric", "2023-11", "202401", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := GenerateYearMonths(tt.start, tt.end)
			if (err != nil) != tt.wantErr {
				t.Fatalf("GenerateYearMonths() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				if !errors.Is(err, ErrInvalidPeriod) {
					t.Errorf("error = %v, want ErrInvalidPeriod", err)
				}
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("GenerateYearMonths() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidateRegionCodes(t *testing.T) {
	tests := []struct {
		name    string
		regions []string
		wantErr bool
	}{
		{"valid", []string{"11110", "11170", "26110"}, false},
		{"empty", nil, true},
		{"four digits", []string{"1111"}, true},
		{"ten digit legal code", []string{"1111010100"}, true},
		{"letters", []string{"11a10"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRegionCodes(tt.regions)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateRegionCodes() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidRegionCode) {
				t.Errorf("error = %v, want ErrInvalidRegionCode", err)
			}
		})
	}
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Source)
		wantErr bool
	}{
		{"complete", func(*Source) {}, false},
		{"no type", func(s *Source) { s.Type = "" }, true},
		{"no url", func(s *Source) { s.URL = "" }, true},
		{"negative limit", func(s *Source) { s.DailyLimit = -1 }, true},
		{"zero limit", func(s *Source) { s.DailyLimit = 0 }, true},
		{"no schema", func(s *Source) { s.Schema = schema.FieldSchema{} }, true},
		{"no converter", func(s *Source) { s.Converter = nil }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := dandokSource(1000)
			tt.mutate(&src)
			err := ValidateConfig(src)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidSource) {
				t.Errorf("error = %v, want ErrInvalidSource", err)
			}
		})
	}
}

func TestValidateTableExists(t *testing.T) {
	src := dandokSource(1000)

	if err := ValidateTableExists(context.Background(), &recordingLoader{exists: true}, src); err != nil {
		t.Errorf("existing table: %v", err)
	}
	err := ValidateTableExists(context.Background(), &recordingLoader{}, src)
	if !errors.Is(err, ErrTableMissing) {
		t.Errorf("missing table: error = %v, want ErrTableMissing", err)
	}
}
