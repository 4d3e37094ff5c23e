package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Sternrassler/rtms-harvester/internal/config"
	"github.com/Sternrassler/rtms-harvester/internal/testutil"
	"github.com/Sternrassler/rtms-harvester/pkg/schema"
	"github.com/Sternrassler/rtms-harvester/pkg/store"
)

func TestPeriodArgs(t *testing.T) {
	cfg := &config.Config{Period: config.PeriodConfig{Start: "202411", End: "202412"}}

	tests := []struct {
		name      string
		args      []string
		wantStart string
		wantEnd   string
	}{
		{"defaults", nil, "202411", "202412"},
		{"start only", []string{"202301"}, "202301", "202412"},
		{"both", []string{"202311", "202402"}, "202311", "202402"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end := periodArgs(tt.args, cfg)
			if start != tt.wantStart || end != tt.wantEnd {
				t.Errorf("periodArgs(%v) = %s, %s; want %s, %s", tt.args, start, end, tt.wantStart, tt.wantEnd)
			}
		})
	}
}

func TestRootCmd_RejectsExtraArgs(t *testing.T) {
	cmd := newRootCmd(&bytes.Buffer{})
	cmd.SetArgs([]string{"202311", "202312", "202401"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	if err := cmd.Execute(); err == nil {
		t.Error("expected an error for three arguments")
	}
}

func TestRun(t *testing.T) {
	mock := testutil.NewMockRTMS()
	defer mock.Close()
	mock.SetDataset("11170", "202311", testutil.DealItems("11170", "202311", 25))
	mock.FailPage("11170", "202311", 1, 1, testutil.NewServerErrorResponse())

	t.Setenv("RTMS_DATABASE_DRIVER", "sqlite")
	t.Setenv("RTMS_DATABASE_DSN", filepath.Join(t.TempDir(), "rtms.db"))
	t.Setenv("RTMS_SOURCES_DANDOK_URL", mock.URL())
	t.Setenv("RTMS_SOURCES_DANDOK_API_KEY", "test-key")
	t.Setenv("RTMS_SOURCES_YEONLIP_ENABLED", "false")
	t.Setenv("RTMS_SOURCES_OFFICEHOTEL_ENABLED", "false")
	t.Setenv("RTMS_REGIONS_CODES", "11170")
	t.Setenv("RTMS_FETCH_WAVE_DELAY", "10ms")
	t.Setenv("RTMS_RETRY_BATCH_DELAY", "10ms")
	t.Setenv("RTMS_RETRY_INITIAL_BACKOFF", "1ms")
	t.Setenv("RTMS_RETRY_MAX_BACKOFF", "1ms")

	cfg, err := config.Load(filepath.Join("testdata", "rtms.yaml"))
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}

	// Tables are provisioned outside the harvester.
	pool, err := store.Open(context.Background(), cfg.Database)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.NewLoader(pool, store.NewAllowList(schema.TableBuilding)).CreateTable(context.Background(), schema.Dandok); err != nil {
		t.Fatal(err)
	}
	pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var out bytes.Buffer
	if err := run(ctx, cfg, "202311", "202311", &out); err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if !strings.Contains(out.String(), "Rows inserted: 25") {
		t.Errorf("summary:\n%s", out.String())
	}
	if n := mock.PageRequests("11170", "202311", 1); n != 2 {
		t.Errorf("page 1 requested %d times, want 2", n)
	}
}
