package pipeline

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/rtms-harvester/pkg/store"
	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog"
)

// TableStats accumulates the loads of one table.
type TableStats struct {
	Inserted int
	Batches  int
	Failed   int
}

// Summary collects the results of a run. It is safe for concurrent use.
type Summary struct {
	mu      sync.Mutex
	start   time.Time
	tables  map[string]*TableStats
	sources []SourceReport
	pool    *store.Stats
}

// NewSummary starts a summary clocked from now.
func NewSummary() *Summary {
	return &Summary{start: time.Now(), tables: make(map[string]*TableStats)}
}

// RecordLoad folds one bulk insert result into the table totals.
func (s *Summary) RecordLoad(table string, res store.BulkResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts, ok := s.tables[table]
	if !ok {
		ts = &TableStats{}
		s.tables[table] = ts
	}
	ts.Inserted += res.Inserted
	ts.Batches += res.Batches
	ts.Failed += res.Failed
}

// AddSource records the report of one source type.
func (s *Summary) AddSource(r SourceReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources = append(s.sources, r)
}

// SetPoolStats records the final connection pool statistics.
func (s *Summary) SetPoolStats(st store.Stats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pool = &st
}

// Table returns the totals of table.
func (s *Summary) Table(table string) TableStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ts, ok := s.tables[table]; ok {
		return *ts
	}
	return TableStats{}
}

// Totals returns the totals over all tables.
func (s *Summary) Totals() TableStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	var t TableStats
	for _, ts := range s.tables {
		t.Inserted += ts.Inserted
		t.Batches += ts.Batches
		t.Failed += ts.Failed
	}
	return t
}

// Sources returns the source reports in the order they were added.
func (s *Summary) Sources() []SourceReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SourceReport(nil), s.sources...)
}

// Aborted reports whether any source type aborted.
func (s *Summary) Aborted() bool {
	for _, r := range s.Sources() {
		if r.Aborted {
			return true
		}
	}
	return false
}

// Elapsed returns the time since the summary was created.
func (s *Summary) Elapsed() time.Duration {
	return time.Since(s.start)
}

var summaryStyles = struct {
	Title lipgloss.Style
	Head  lipgloss.Style
	Cell  lipgloss.Style
	OK    lipgloss.Style
	Fail  lipgloss.Style
	Box   lipgloss.Style
}{
	Title: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86")),
	Head:  lipgloss.NewStyle().Bold(true).PaddingRight(2),
	Cell:  lipgloss.NewStyle().PaddingRight(2),
	OK:    lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
	Fail:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196")),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("86")).
		Padding(0, 1),
}

// Render writes the summary to w.
func (s *Summary) Render(w io.Writer) error {
	total := s.Totals()
	sources := s.Sources()

	s.mu.Lock()
	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	tableRows := make([][]string, 0, len(names))
	for _, name := range names {
		ts := s.tables[name]
		tableRows = append(tableRows, []string{name, fmt.Sprint(ts.Inserted), fmt.Sprint(ts.Batches), fmt.Sprint(ts.Failed)})
	}
	pool := s.pool
	s.mu.Unlock()

	var b strings.Builder
	b.WriteString(summaryStyles.Title.Render("RTMS harvest summary"))
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Rows inserted: %d\nBatches:       %d\nFailed rows:   %d\nElapsed:       %s\n",
		total.Inserted, total.Batches, total.Failed, s.Elapsed().Round(time.Millisecond))

	if len(tableRows) > 0 {
		b.WriteString("\n")
		b.WriteString(grid([]string{"TABLE", "INSERTED", "BATCHES", "ERRORS"}, tableRows))
	}

	if len(sources) > 0 {
		rows := make([][]string, 0, len(sources))
		for _, r := range sources {
			status := summaryStyles.OK.Render("ok")
			if r.Aborted {
				status = summaryStyles.Fail.Render("aborted")
			}
			rows = append(rows, []string{
				string(r.Source),
				fmt.Sprint(r.Keys),
				fmt.Sprintf("%d/%d/%d", r.Tally.Fulfilled, r.Tally.Partial, r.Tally.Rejected),
				fmt.Sprint(r.Retry.Recovered),
				fmt.Sprint(len(r.Retry.Exhausted)),
				status,
			})
		}
		b.WriteString("\n")
		b.WriteString(grid([]string{"SOURCE", "KEYS", "OK/PARTIAL/FAILED", "RECOVERED", "EXHAUSTED", "STATUS"}, rows))
	}

	if pool != nil {
		fmt.Fprintf(&b, "\nPool: max %d, acquired %d, timeouts %d, queue full %d\n",
			pool.MaxConns, pool.Acquired, pool.Timeouts, pool.QueueFull)
	}

	_, err := fmt.Fprintln(w, summaryStyles.Box.Render(strings.TrimRight(b.String(), "\n")))
	return err
}

// grid lays out rows as left-aligned columns.
func grid(header []string, rows [][]string) string {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, r := range rows {
		for i, c := range r {
			widths[i] = max(widths[i], lipgloss.Width(c))
		}
	}

	var b strings.Builder
	line := func(cells []string, style lipgloss.Style) {
		parts := make([]string, len(cells))
		for i, c := range cells {
			parts[i] = style.Width(widths[i] + 2).Render(c)
		}
		b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, parts...))
		b.WriteString("\n")
	}
	line(header, summaryStyles.Head)
	for _, r := range rows {
		line(r, summaryStyles.Cell)
	}
	return b.String()
}

// Log writes the summary as structured log events.
func (s *Summary) Log(logger zerolog.Logger) {
	total := s.Totals()
	logger.Info().
		Int("inserted", total.Inserted).
		Int("batches", total.Batches).
		Int("failed", total.Failed).
		Dur("elapsed", s.Elapsed()).
		Bool("aborted", s.Aborted()).
		Msg("Run finished")

	s.mu.Lock()
	defer s.mu.Unlock()
	for name, ts := range s.tables {
		logger.Info().
			Str("table", name).
			Int("inserted", ts.Inserted).
			Int("batches", ts.Batches).
			Int("failed", ts.Failed).
			Msg("Table totals")
	}
}
