package feed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"icalfeed/internal/ics"
	appLog "icalfeed/internal/log"
	"icalfeed/internal/model"
)

const (
	// DefaultMinInterval is the minimum spacing between two refreshes of the
	// same source when Options.MinInterval is zero.
	DefaultMinInterval = 120 * time.Second

	// DefaultRefreshTimeout bounds one refresh when Options.Timeout is zero.
	DefaultRefreshTimeout = 30 * time.Second
)

// Fetcher is the network side of a refresh. *ics.Fetcher implements it.
type Fetcher interface {
	Fetch(ctx context.Context, src ics.Source) (ics.FetchResult, error)
}

// Options configures one Source.
type Options struct {
	// Days is the window length starting at local midnight today. Zero means 1.
	Days int
	// Zone is the canonical zone. Nil means time.Local.
	Zone *time.Location

	Pairing        ics.Pairing
	MaxOccurrences int

	// MinInterval throttles refreshes. Zero means DefaultMinInterval; a
	// negative value disables throttling.
	MinInterval time.Duration

	// Timeout bounds a refresh. Zero means DefaultRefreshTimeout.
	Timeout time.Duration

	// Now overrides the clock; used by tests and the -at flag.
	Now func() time.Time
}

// RefreshResult describes the outcome of one Refresh call.
type RefreshResult struct {
	// Skipped is true when the call fell inside the throttle window and no
	// fetch was made. State then holds the previous snapshot.
	Skipped bool
	// Shared is true when the call joined a refresh already in flight.
	Shared bool

	Stats ics.CollectStats
	State *model.FeedState
}

// Source owns a single calendar subscription: its fetcher, its store and
// the refresh throttle. Sources share no state with each other.
type Source struct {
	src     ics.Source
	fetcher Fetcher
	store   *Store
	opts    Options
	log     appLog.Logger

	group singleflight.Group

	mu          sync.Mutex
	lastSuccess time.Time
}

// NewSource wires a calendar to its fetcher and a fresh Store.
func NewSource(src ics.Source, fetcher Fetcher, opts Options) *Source {
	if opts.Days <= 0 {
		opts.Days = 1
	}
	if opts.Zone == nil {
		opts.Zone = time.Local
	}
	if opts.MinInterval == 0 {
		opts.MinInterval = DefaultMinInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultRefreshTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Source{
		src:     src,
		fetcher: fetcher,
		store:   NewStore(),
		opts:    opts,
		log:     appLog.With("calendar", src.Name),
	}
}

// Name returns the calendar name.
func (s *Source) Name() string { return s.src.Name }

// Store returns the store this source publishes into.
func (s *Source) Store() *Store { return s.store }

// Zone returns the canonical zone of the calendar.
func (s *Source) Zone() *time.Location { return s.opts.Zone }

// Now returns the source's notion of the current time.
func (s *Source) Now() time.Time { return s.opts.Now() }

// Refresh fetches, parses and collects the feed, then swaps the result into
// the store.
//
// Overlapping calls collapse into one execution. A call made sooner than
// MinInterval after the last successful refresh is a no-op with
// RefreshResult.Skipped set. On failure the previous state is kept and the
// error (a *ics.FetchError or *ics.FeedParseError) is returned.
//
// The shared execution is detached from ctx cancellation so that one caller
// going away does not fail the others; it is bounded by Options.Timeout.
func (s *Source) Refresh(ctx context.Context) (RefreshResult, error) {
	v, err, shared := s.group.Do(s.src.Name, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.Timeout)
		defer cancel()
		return s.refresh(rctx)
	})
	res, _ := v.(RefreshResult)
	res.Shared = shared
	return res, err
}

func (s *Source) refresh(ctx context.Context) (RefreshResult, error) {
	now := s.opts.Now()

	s.mu.Lock()
	last := s.lastSuccess
	s.mu.Unlock()
	if s.opts.MinInterval > 0 && !last.IsZero() && now.Sub(last) < s.opts.MinInterval {
		s.log.Debug("refresh throttled", "last_success", last.Format(time.RFC3339), "min_interval", s.opts.MinInterval.String())
		return RefreshResult{Skipped: true, State: s.store.State()}, nil
	}

	started := time.Now()
	fetched, err := s.fetcher.Fetch(ctx, s.src)
	if err != nil {
		s.log.Error("refresh failed; keeping previous state", err)
		return RefreshResult{}, fmt.Errorf("refresh %s: %w", s.src.Name, err)
	}

	components, err := ics.ParseFeed(s.src.Name, fetched.Body)
	if err != nil {
		s.log.Error("refresh failed; keeping previous state", err, "from_cache", fetched.FromCache)
		return RefreshResult{}, fmt.Errorf("refresh %s: %w", s.src.Name, err)
	}

	window := ics.NewWindow(now, s.opts.Days, s.opts.Zone)
	occurrences, stats := ics.Collect(components, window, ics.CollectOptions{
		Zone:           s.opts.Zone,
		Pairing:        s.opts.Pairing,
		MaxOccurrences: s.opts.MaxOccurrences,
		Logger:         s.log,
	})

	state := &model.FeedState{
		Occurrences: occurrences,
		WindowFrom:  window.From,
		WindowTo:    window.To,
		RefreshedAt: now,
		FromCache:   fetched.FromCache,
	}
	if next, ok := ics.PickNext(occurrences, now); ok {
		state.Next = &next
	}
	s.store.Replace(state)

	s.mu.Lock()
	s.lastSuccess = now
	s.mu.Unlock()

	s.log.Info("refresh completed",
		"components", stats.Components,
		"recurring", stats.Recurring,
		"skipped", stats.Skipped,
		"occurrences", stats.Occurrences,
		"from_cache", fetched.FromCache,
		"window_from", window.From.Format(time.RFC3339),
		"window_to", window.To.Format(time.RFC3339),
		"elapsed", time.Since(started).String(),
	)
	return RefreshResult{Stats: stats, State: state}, nil
}
