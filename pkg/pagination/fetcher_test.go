package pagination

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/Sternrassler/rtms-harvester/pkg/client"
	"github.com/Sternrassler/rtms-harvester/pkg/ratelimit"
)

// fakePages serves total records in pages of size and fails the pages in failOn once each.
// A non-zero claimed overrides the reported totalCount.
type fakePages struct {
	mu       sync.Mutex
	total    int
	claimed  int
	size     int
	failOn   map[int]error
	requests []int
}

func (f *fakePages) PageSize() int { return f.size }

func (f *fakePages) FetchPage(_ context.Context, key client.FetchKey, pageNo int) (*client.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, pageNo)

	if err, ok := f.failOn[pageNo]; ok {
		delete(f.failOn, pageNo)
		return nil, err
	}

	var items []client.RawRecord
	for i := (pageNo - 1) * f.size; i < pageNo*f.size && i < f.total; i++ {
		items = append(items, client.RawRecord{"seq": i, "key": key.String()})
	}
	reported := f.total
	if f.claimed > 0 {
		reported = f.claimed
	}
	return &client.Page{Items: items, PageNo: pageNo, NumOfRows: f.size, TotalCount: reported}, nil
}

var key = client.FetchKey{SourceType: client.SourceDandok, RegionCode: "11170", Period: "202311"}

var errNetwork = &client.APIError{Class: client.ErrorClassNetwork, Message: "connection reset"}

func TestFetch_Fulfilled(t *testing.T) {
	tests := []struct {
		name      string
		total     int
		wantPages int
	}{
		{"empty result still requests page 1", 0, 1},
		{"single partial page", 7, 1},
		{"exact multiple", 30, 3},
		{"one extra record", 31, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pages := &fakePages{total: tt.total, size: 10}
			outcome := NewFetcher(pages, nil, DefaultConfig()).Fetch(context.Background(), key, 1)

			if outcome.Status != StatusFulfilled {
				t.Fatalf("Status = %s, want fulfilled (err = %v)", outcome.Status, outcome.Err)
			}
			if len(outcome.Items) != tt.total {
				t.Errorf("len(Items) = %d, want %d", len(outcome.Items), tt.total)
			}
			if len(pages.requests) != tt.wantPages {
				t.Errorf("requested %d pages, want %d", len(pages.requests), tt.wantPages)
			}
			for i, p := range pages.requests {
				if p != i+1 {
					t.Errorf("request %d was page %d, pages must be sequential", i, p)
				}
			}
		})
	}
}

func TestFetch_PartialOnLaterPageFailure(t *testing.T) {
	pages := &fakePages{total: 1037, size: 1000, failOn: map[int]error{2: errNetwork}}
	outcome := NewFetcher(pages, nil, DefaultConfig()).Fetch(context.Background(), key, 1)

	if outcome.Status != StatusPartial {
		t.Fatalf("Status = %s, want partial", outcome.Status)
	}
	p := outcome.Partial
	if p == nil {
		t.Fatal("Partial must be set")
	}
	if len(p.CollectedItems) != 1000 || p.LastSuccessfulPage != 1 || p.FailedPage != 2 || p.TotalCount != 1037 {
		t.Errorf("Partial = {items:%d last:%d failed:%d total:%d}, want {1000 1 2 1037}",
			len(p.CollectedItems), p.LastSuccessfulPage, p.FailedPage, p.TotalCount)
	}
	if outcome.ResumePage() != 2 {
		t.Errorf("ResumePage() = %d, want 2", outcome.ResumePage())
	}
	if client.ClassOf(outcome.Err) != client.ErrorClassNetwork {
		t.Errorf("Err class = %q, want network", client.ClassOf(outcome.Err))
	}
}

func TestFetch_RejectedOnFirstPageFailure(t *testing.T) {
	pages := &fakePages{total: 50, size: 10, failOn: map[int]error{1: errNetwork}}
	outcome := NewFetcher(pages, nil, DefaultConfig()).Fetch(context.Background(), key, 1)

	if outcome.Status != StatusRejected {
		t.Fatalf("Status = %s, want rejected", outcome.Status)
	}
	if outcome.Partial != nil || len(outcome.Items) != 0 {
		t.Error("a rejected outcome carries no items")
	}
	if outcome.ResumePage() != 1 {
		t.Errorf("ResumePage() = %d, want 1", outcome.ResumePage())
	}
	if outcome.Fatal() {
		t.Error("network failures are not fatal")
	}
}

func TestFetch_RejectedResumeKeepsStartPage(t *testing.T) {
	pages := &fakePages{total: 50, size: 10, failOn: map[int]error{3: errNetwork}}
	outcome := NewFetcher(pages, nil, DefaultConfig()).Fetch(context.Background(), key, 3)

	if outcome.Status != StatusRejected {
		t.Fatalf("Status = %s, want rejected", outcome.Status)
	}
	if outcome.ResumePage() != 3 {
		t.Errorf("ResumePage() = %d, want 3", outcome.ResumePage())
	}
}

func TestFetch_FatalFailure(t *testing.T) {
	fatal := &client.APIError{Class: client.ErrorClassUnregisteredKey, ReasonCode: "30"}
	pages := &fakePages{total: 50, size: 10, failOn: map[int]error{1: fatal}}
	outcome := NewFetcher(pages, nil, DefaultConfig()).Fetch(context.Background(), key, 1)

	if !outcome.Fatal() {
		t.Error("unregistered key must be fatal")
	}
}

// Resuming from LastSuccessfulPage+1 and concatenating yields the same
// sequence as an uninterrupted fetch.
func TestFetch_IdempotentResume(t *testing.T) {
	for failPage := 1; failPage <= 5; failPage++ {
		t.Run(fmt.Sprintf("fail page %d", failPage), func(t *testing.T) {
			full := NewFetcher(&fakePages{total: 47, size: 10}, nil, DefaultConfig()).Fetch(context.Background(), key, 1)

			pages := &fakePages{total: 47, size: 10, failOn: map[int]error{failPage: errNetwork}}
			fetcher := NewFetcher(pages, nil, DefaultConfig())

			first := fetcher.Fetch(context.Background(), key, 1)
			if first.Status == StatusFulfilled {
				t.Fatal("expected a failure")
			}
			second := fetcher.Fetch(context.Background(), key, first.ResumePage())
			if second.Status != StatusFulfilled {
				t.Fatalf("resume Status = %s", second.Status)
			}

			combined := append(append([]client.RawRecord{}, first.Items...), second.Items...)
			if len(combined) != len(full.Items) {
				t.Fatalf("combined %d items, want %d", len(combined), len(full.Items))
			}
			for i := range combined {
				if combined[i]["seq"] != full.Items[i]["seq"] {
					t.Fatalf("item %d seq = %v, want %v", i, combined[i]["seq"], full.Items[i]["seq"])
				}
			}
		})
	}
}

type refusingGate struct{ err error }

func (g refusingGate) Wait(context.Context, string) error { return g.err }

func TestFetch_GateRefusal(t *testing.T) {
	tests := []struct {
		name      string
		gateErr   error
		wantClass client.ErrorClass
	}{
		{"daily ledger exhausted", fmt.Errorf("%w: dandok", ratelimit.ErrDailyQuotaExhausted), client.ErrorClassQuotaDaily},
		{"cancelled", context.Canceled, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pages := &fakePages{total: 10, size: 10}
			outcome := NewFetcher(pages, refusingGate{tt.gateErr}, DefaultConfig()).Fetch(context.Background(), key, 1)

			if outcome.Status != StatusRejected {
				t.Fatalf("Status = %s, want rejected", outcome.Status)
			}
			if got := client.ClassOf(outcome.Err); got != tt.wantClass {
				t.Errorf("class = %q, want %q", got, tt.wantClass)
			}
			if !errors.Is(outcome.Err, tt.gateErr) && !errors.Is(outcome.Err, ratelimit.ErrDailyQuotaExhausted) {
				t.Errorf("Err should wrap the gate error, got %v", outcome.Err)
			}
			if len(pages.requests) != 0 {
				t.Error("no page may be requested when the gate refuses")
			}
		})
	}
}

func TestFetch_PageSizeStop(t *testing.T) {
	tests := []struct {
		name         string
		configured   int
		served       int
		total        int
		claimed      int
		wantRequests int
		wantItems    int
	}{
		{"configured matches served", 10, 10, 25, 0, 3, 25},
		{"upstream serves fewer rows than configured", 20, 10, 25, 0, 3, 25},
		{"configured below served keeps counting pages", 5, 10, 25, 0, 4, 25},
		{"empty page ends an overstated total", 10, 10, 25, 60, 4, 25},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pages := &fakePages{total: tt.total, claimed: tt.claimed, size: tt.served}
			outcome := NewFetcher(pages, nil, Config{PageSize: tt.configured}).Fetch(context.Background(), key, 1)

			if outcome.Status != StatusFulfilled {
				t.Fatalf("Status = %s", outcome.Status)
			}
			if len(pages.requests) != tt.wantRequests {
				t.Errorf("requested %d pages, want %d", len(pages.requests), tt.wantRequests)
			}
			if len(outcome.Items) != tt.wantItems {
				t.Errorf("collected %d items, want %d", len(outcome.Items), tt.wantItems)
			}
		})
	}
}
