package aggregation

import (
	"context"
	"sync"
	"time"

	"litellm-exporter/internal/domain/usage"
)

// fakeReader serves canned rows. Events are filtered by the requested window;
// windowed results are returned as configured.
type fakeReader struct {
	mu sync.Mutex

	events      []usage.Event
	daily       []usage.DailyAggregate
	teams       []usage.Team
	timePattern []usage.TimePatternBucket
	performance []usage.PerformanceGroup
	efficiency  []usage.CostEfficiencyGroup

	errs    map[string]error
	windows [][2]time.Time
}

func newFakeReader() *fakeReader {
	return &fakeReader{errs: make(map[string]error)}
}

func (f *fakeReader) fail(query string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[query] = err
}

func (f *fakeReader) addEvents(events ...usage.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, events...)
}

func (f *fakeReader) err(query string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.errs[query]
}

func (f *fakeReader) DailyAggregates(ctx context.Context, historyDays int) ([]usage.DailyAggregate, error) {
	if err := f.err("daily_aggregates"); err != nil {
		return nil, err
	}
	return append([]usage.DailyAggregate(nil), f.daily...), nil
}

func (f *fakeReader) Teams(ctx context.Context) ([]usage.Team, error) {
	if err := f.err("teams"); err != nil {
		return nil, err
	}
	return append([]usage.Team(nil), f.teams...), nil
}

func (f *fakeReader) Events(ctx context.Context, from, to time.Time) ([]usage.Event, error) {
	if err := f.err("events"); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.windows = append(f.windows, [2]time.Time{from, to})

	var out []usage.Event
	for _, ev := range f.events {
		if !ev.StartTime.Before(from) && ev.StartTime.Before(to) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeReader) TimePatterns(ctx context.Context, since time.Time, loc *time.Location) ([]usage.TimePatternBucket, error) {
	if err := f.err("time_patterns"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]usage.TimePatternBucket(nil), f.timePattern...), nil
}

func (f *fakeReader) Performance(ctx context.Context, since time.Time) ([]usage.PerformanceGroup, error) {
	if err := f.err("performance"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]usage.PerformanceGroup(nil), f.performance...), nil
}

func (f *fakeReader) CostEfficiency(ctx context.Context, since time.Time) ([]usage.CostEfficiencyGroup, error) {
	if err := f.err("cost_efficiency"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]usage.CostEfficiencyGroup(nil), f.efficiency...), nil
}

type staticWatermark struct {
	wm time.Time
	ok bool
}

func (s staticWatermark) LoadWatermark(context.Context) (time.Time, bool) {
	return s.wm, s.ok
}
