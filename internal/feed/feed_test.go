package feed

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"icalfeed/internal/ics"
	"icalfeed/internal/model"
)

var zone = time.FixedZone("CET", 3600)

const weeklyFeed = "BEGIN:VCALENDAR\nVERSION:2.0\nPRODID:-//icalfeed//test//EN\n" +
	"BEGIN:VEVENT\nUID:weekly\nSUMMARY:Weekly\nDTSTART:20240101T090000\nDTEND:20240101T100000\nRRULE:FREQ=WEEKLY;COUNT=3\nEND:VEVENT\n" +
	"BEGIN:VEVENT\nUID:broken\nSUMMARY:Broken\nDTSTART:20240102T090000\nRRULE:INTERVAL=2\nEND:VEVENT\n" +
	"END:VCALENDAR\n"

type stubFetcher struct {
	mu    sync.Mutex
	body  string
	err   error
	calls atomic.Int32
	gate  chan struct{}
}

func (f *stubFetcher) Fetch(ctx context.Context, src ics.Source) (ics.FetchResult, error) {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	if err := ctx.Err(); err != nil {
		return ics.FetchResult{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return ics.FetchResult{}, f.err
	}
	return ics.FetchResult{Source: src, Body: []byte(f.body)}, nil
}

func (f *stubFetcher) set(body string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.body, f.err = body, err
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestSource(name string, f Fetcher, c *clock, minInterval time.Duration) *Source {
	return NewSource(ics.Source{Name: name, URL: "https://example.com/" + name + ".ics", VerifySSL: true}, f, Options{
		Days:        21,
		Zone:        zone,
		MinInterval: minInterval,
		Now:         c.Now,
	})
}

func TestStore_Empty(t *testing.T) {
	s := NewStore()
	assert.Nil(t, s.State())
	assert.Empty(t, s.Events(time.Now(), time.Now().Add(time.Hour)))
	_, ok := s.Next(time.Now())
	assert.False(t, ok)
}

func TestStore_EventsReturnsWholeCachedList(t *testing.T) {
	base := time.Date(2024, 1, 1, 9, 0, 0, 0, zone)
	occs := []model.Occurrence{
		{Summary: "a", Start: base, End: base.Add(time.Hour)},
		{Summary: "b", Start: base.AddDate(0, 0, 3), End: base.AddDate(0, 0, 3).Add(time.Hour)},
	}
	s := NewStore()
	s.Replace(&model.FeedState{Occurrences: occs})

	// A query range covering neither occurrence still yields the cached list.
	got := s.Events(base.AddDate(0, 1, 0), base.AddDate(0, 2, 0))
	require.Len(t, got, 2)

	got[0].Summary = "changed"
	assert.Equal(t, "a", s.State().Occurrences[0].Summary)
}

func TestStore_NextIsRecomputedOnAccess(t *testing.T) {
	base := time.Date(2024, 1, 1, 9, 0, 0, 0, zone)
	s := NewStore()
	s.Replace(&model.FeedState{Occurrences: []model.Occurrence{
		{Summary: "first", Start: base, End: base.Add(time.Hour)},
		{Summary: "second", Start: base.Add(2 * time.Hour), End: base.Add(3 * time.Hour)},
	}})

	next, ok := s.Next(base.Add(30 * time.Minute))
	require.True(t, ok)
	assert.Equal(t, "first", next.Summary)

	next, ok = s.Next(base.Add(90 * time.Minute))
	require.True(t, ok)
	assert.Equal(t, "second", next.Summary)

	_, ok = s.Next(base.Add(4 * time.Hour))
	assert.False(t, ok)
}

func TestSource_RefreshPublishesState(t *testing.T) {
	c := &clock{now: time.Date(2024, 1, 1, 8, 0, 0, 0, zone)}
	src := newTestSource("team", &stubFetcher{body: weeklyFeed}, c, 0)

	res, err := src.Refresh(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, 2, res.Stats.Components)
	assert.Equal(t, 1, res.Stats.Skipped)

	st := src.Store().State()
	require.NotNil(t, st)
	assert.Same(t, res.State, st)
	require.Len(t, st.Occurrences, 3)
	assert.True(t, st.WindowFrom.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, zone)))
	assert.True(t, st.WindowTo.Equal(time.Date(2024, 1, 22, 0, 0, 0, 0, zone)))
	require.NotNil(t, st.Next)
	assert.True(t, st.Next.Start.Equal(time.Date(2024, 1, 1, 9, 0, 0, 0, zone)))
	assert.Equal(t, "team", src.Name())
}

func TestSource_ThrottlesWithinMinInterval(t *testing.T) {
	c := &clock{now: time.Date(2024, 1, 1, 8, 0, 0, 0, zone)}
	f := &stubFetcher{body: weeklyFeed}
	src := newTestSource("team", f, c, 2*time.Minute)

	_, err := src.Refresh(context.Background())
	require.NoError(t, err)
	first := src.Store().State()

	c.Advance(time.Minute)
	res, err := src.Refresh(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Same(t, first, res.State)
	assert.EqualValues(t, 1, f.calls.Load())

	c.Advance(2 * time.Minute)
	res, err = src.Refresh(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.EqualValues(t, 2, f.calls.Load())
	assert.NotSame(t, first, src.Store().State())
}

func TestSource_FailureKeepsPreviousState(t *testing.T) {
	c := &clock{now: time.Date(2024, 1, 1, 8, 0, 0, 0, zone)}
	f := &stubFetcher{body: weeklyFeed}
	src := newTestSource("team", f, c, -1)

	_, err := src.Refresh(context.Background())
	require.NoError(t, err)
	before := src.Store().State()

	f.set("", &ics.FetchError{Source: "team", StatusCode: 503, Err: errors.New("unavailable")})
	_, err = src.Refresh(context.Background())
	require.Error(t, err)
	var fetchErr *ics.FetchError
	assert.ErrorAs(t, err, &fetchErr)
	assert.Same(t, before, src.Store().State())

	f.set("this is not a calendar", nil)
	_, err = src.Refresh(context.Background())
	require.Error(t, err)
	var parseErr *ics.FeedParseError
	assert.ErrorAs(t, err, &parseErr)
	assert.Same(t, before, src.Store().State())
}

func TestSource_FailureIsNotThrottled(t *testing.T) {
	c := &clock{now: time.Date(2024, 1, 1, 8, 0, 0, 0, zone)}
	f := &stubFetcher{err: errors.New("down")}
	src := newTestSource("team", f, c, time.Hour)

	_, err := src.Refresh(context.Background())
	require.Error(t, err)

	f.set(weeklyFeed, nil)
	res, err := src.Refresh(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.NotNil(t, src.Store().State())
}

func TestSource_OverlappingRefreshesFetchOnce(t *testing.T) {
	c := &clock{now: time.Date(2024, 1, 1, 8, 0, 0, 0, zone)}
	f := &stubFetcher{body: weeklyFeed, gate: make(chan struct{})}
	src := newTestSource("team", f, c, 0)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = src.Refresh(context.Background())
		}()
	}

	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	close(f.gate)
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	// Late callers either joined the flight or hit the throttle.
	assert.EqualValues(t, 1, f.calls.Load())
	assert.NotNil(t, src.Store().State())
}

func TestSource_RefreshSurvivesCallerCancellation(t *testing.T) {
	c := &clock{now: time.Date(2024, 1, 1, 8, 0, 0, 0, zone)}
	f := &stubFetcher{body: weeklyFeed, gate: make(chan struct{})}
	src := newTestSource("team", f, c, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := src.Refresh(ctx)
		done <- err
	}()

	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	close(f.gate)

	require.NoError(t, <-done)
	require.NotNil(t, src.Store().State())
	assert.Len(t, src.Store().State().Occurrences, 3)
}

func TestRefreshAll_SourcesAreIndependent(t *testing.T) {
	c := &clock{now: time.Date(2024, 1, 1, 8, 0, 0, 0, zone)}
	good := newTestSource("good", &stubFetcher{body: weeklyFeed}, c, 0)
	bad := newTestSource("bad", &stubFetcher{err: errors.New("boom")}, c, 0)

	err := RefreshAll(context.Background(), []*Source{bad, good})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refresh bad")

	assert.NotNil(t, good.Store().State())
	assert.Nil(t, bad.Store().State())
}

func TestNewScheduler_RejectsBadSchedule(t *testing.T) {
	c := &clock{now: time.Now()}
	_, err := NewScheduler("every now and then", []*Source{newTestSource("team", &stubFetcher{}, c, 0)})
	require.Error(t, err)
}

func TestScheduler_StartRefreshesImmediately(t *testing.T) {
	c := &clock{now: time.Date(2024, 1, 1, 8, 0, 0, 0, zone)}
	f := &stubFetcher{body: weeklyFeed}
	src := newTestSource("team", f, c, 0)

	s, err := NewScheduler("@every 1h", []*Source{src})
	require.NoError(t, err)

	s.Start(context.Background())
	defer s.Stop()

	assert.EqualValues(t, 1, f.calls.Load())
	require.NotNil(t, src.Store().State())
	assert.Len(t, src.Store().State().Occurrences, 3)
}
