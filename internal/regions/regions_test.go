package regions

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/Sternrassler/rtms-harvester/pkg/schema"
	"github.com/Sternrassler/rtms-harvester/pkg/store"
)

const exportObject = `{"StanReginCd": {"row": [
  {"sido_cd": "11", "sgg_cd": "000", "umd_cd": "000", "locatadd_nm": "서울특별시"},
  {"sido_cd": "11", "sgg_cd": "110", "umd_cd": "000", "locatadd_nm": "서울특별시 종로구"},
  {"sido_cd": "11", "sgg_cd": "110", "umd_cd": "101", "locatadd_nm": "서울특별시 종로구 청운동"},
  {"sido_cd": "11", "sgg_cd": "170", "umd_cd": "000", "locatadd_nm": "서울특별시 용산구"}
]}}`

const exportArray = `{"StanReginCd": [
  {"head": [{"totalCount": 2}, {"RESULT": {"resultCode": "INFO-0"}}]},
  {"row": [
    {"sido_cd": "26", "sgg_cd": "110", "umd_cd": "000", "locatadd_nm": "부산광역시 중구"},
    {"sido_cd": "26", "sgg_cd": "110", "umd_cd": "101", "locatadd_nm": "부산광역시 중구 영주동"}
  ]}
]}`

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    int
		wantErr error
	}{
		{"object shape", exportObject, 4, nil},
		{"api array shape", exportArray, 2, nil},
		{"no rows", `{"StanReginCd": {"row": []}}`, 0, ErrNoRows},
		{"missing root", `{}`, 0, ErrNoRows},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, err := Parse([]byte(tt.data))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Parse() error = %v, want %v", err, tt.wantErr)
			}
			if len(rows) != tt.want {
				t.Errorf("len(rows) = %d, want %d", len(rows), tt.want)
			}
		})
	}
}

func TestLoadFile_AttachesLocations(t *testing.T) {
	dir := t.TempDir()
	regionPath := filepath.Join(dir, "regioncd.json")
	locPath := filepath.Join(dir, "locations.json")
	if err := os.WriteFile(regionPath, []byte(exportObject), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(locPath, []byte(`{"서울특별시 종로구": {"위도": 37.5735, "경도": 126.979}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	rows, err := LoadFile(regionPath, locPath)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if rows[1].Latitude == nil || *rows[1].Latitude != 37.5735 || *rows[1].Longitude != 126.979 {
		t.Errorf("종로구 location = %v/%v", rows[1].Latitude, rows[1].Longitude)
	}
	if rows[0].Latitude != nil {
		t.Error("rows without a location entry keep nil coordinates")
	}

	if _, err := LoadFile(filepath.Join(dir, "absent.json"), ""); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func newStore(t *testing.T) *store.Loader {
	t.Helper()
	cfg := store.DefaultConfig()
	cfg.Driver = store.DialectSQLite
	cfg.DSN = filepath.Join(t.TempDir(), "regions.db")

	pool, err := store.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(pool.Close)

	l := store.NewLoader(pool, store.NewAllowList(schema.TableRegionCd))
	if err := l.CreateTable(context.Background(), schema.RegionCd); err != nil {
		t.Fatalf("CreateTable() error = %v", err)
	}
	return l
}

func TestSeedAndDistricts(t *testing.T) {
	ctx := context.Background()
	l := newStore(t)

	rows, err := Parse([]byte(exportObject))
	if err != nil {
		t.Fatal(err)
	}

	// Seeding twice replaces rather than appends.
	for i := 0; i < 2; i++ {
		res, err := Seed(ctx, l, rows)
		if err != nil {
			t.Fatalf("Seed() error = %v", err)
		}
		if res.Inserted != 4 || res.Failed != 0 {
			t.Errorf("Seed() = %+v", res)
		}
	}

	codes, err := Districts(ctx, l)
	if err != nil {
		t.Fatalf("Districts() error = %v", err)
	}
	if len(codes) != 2 || codes[0] != "11110" || codes[1] != "11170" {
		t.Errorf("Districts() = %v, want [11110 11170]", codes)
	}
}

type failingStore struct{ Store }

func (failingStore) DeleteAll(context.Context, string) (int64, error) {
	return 0, store.ErrAcquireTimeout
}

func TestSeed_ClearFailure(t *testing.T) {
	_, err := Seed(context.Background(), failingStore{}, []Row{{SidoCd: "11"}})
	if !errors.Is(err, store.ErrAcquire) {
		t.Errorf("err = %v, want ErrAcquire", err)
	}
}
