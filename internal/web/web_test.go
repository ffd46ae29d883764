package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"icalfeed/internal/config"
	"icalfeed/internal/feed"
	"icalfeed/internal/ics"
)

var zone = time.FixedZone("CET", 3600)

const standupFeed = "BEGIN:VCALENDAR\nVERSION:2.0\nPRODID:-//icalfeed//test//EN\n" +
	"BEGIN:VEVENT\nUID:standup\nSUMMARY:Standup !!-10\nDTSTART:20240101T090000\nDTEND:20240101T091500\nRRULE:FREQ=WEEKLY;COUNT=3\nEND:VEVENT\n" +
	"END:VCALENDAR\n"

type staticFetcher struct{ body string }

func (f staticFetcher) Fetch(_ context.Context, src ics.Source) (ics.FetchResult, error) {
	return ics.FetchResult{Source: src, Body: []byte(f.body)}, nil
}

func newCalendar(name string) Calendar {
	now := time.Date(2024, 1, 1, 8, 55, 0, 0, zone)
	src := feed.NewSource(ics.Source{Name: name, URL: "https://example.com/" + name + ".ics"}, staticFetcher{body: standupFeed}, feed.Options{
		Days:        21,
		Zone:        zone,
		MinInterval: -1,
		Now:         func() time.Time { return now },
	})
	return Calendar{Source: src, Days: 21, MaxEvents: 2}
}

func newTestServer(t *testing.T, auth *config.BasicAuthConfig, calendars ...Calendar) http.Handler {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.BasicAuth = auth
	return NewServer(cfg, calendars).Handler()
}

func do(t *testing.T, h http.Handler, method, target string, out any) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	if out != nil && rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec
}

func TestHealth(t *testing.T) {
	h := newTestServer(t, &config.BasicAuthConfig{Username: "u", Password: "p"})
	rec := do(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestBasicAuth(t *testing.T) {
	h := newTestServer(t, &config.BasicAuthConfig{Username: "u", Password: "p"}, newCalendar("team"))

	rec := do(t, h, http.MethodGet, "/api/calendars", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic")

	req := httptest.NewRequest(http.MethodGet, "/api/calendars", nil)
	req.SetBasicAuth("u", "wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/calendars", nil)
	req.SetBasicAuth("u", "p")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCalendars(t *testing.T) {
	team := newCalendar("team")
	h := newTestServer(t, nil, team, newCalendar("home"))

	var before []calendarDTO
	do(t, h, http.MethodGet, "/api/calendars", &before)
	require.Len(t, before, 2)
	assert.False(t, before[0].Ready)

	_, err := team.Source.Refresh(context.Background())
	require.NoError(t, err)

	var after []calendarDTO
	do(t, h, http.MethodGet, "/api/calendars", &after)
	require.Len(t, after, 2)
	assert.Equal(t, "team", after[0].Name)
	assert.True(t, after[0].Ready)
	assert.Equal(t, 3, after[0].Occurrences)
	require.NotNil(t, after[0].Next)
	assert.Equal(t, "Standup !!-10", after[0].Next.Summary)
	assert.False(t, after[1].Ready)
}

func TestEvents(t *testing.T) {
	team := newCalendar("team")
	_, err := team.Source.Refresh(context.Background())
	require.NoError(t, err)
	h := newTestServer(t, nil, team)

	var resp eventsResponse
	rec := do(t, h, http.MethodGet, "/api/events?start=2024-01-05&end=2024-01-06", &resp)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "team", resp.Calendar)
	assert.Equal(t, 3, resp.Total)
	require.Len(t, resp.Events, 2)
	assert.True(t, resp.Events[0].Start.Before(resp.Events[1].Start))
	assert.True(t, resp.RangeStart.Equal(time.Date(2024, 1, 5, 0, 0, 0, 0, zone)))
	assert.True(t, resp.RangeEnd.Equal(time.Date(2024, 1, 6, 0, 0, 0, 0, zone)))

	resp = eventsResponse{}
	do(t, h, http.MethodGet, "/api/events?calendar=team&limit=0", &resp)
	assert.Len(t, resp.Events, 3)
	assert.True(t, resp.RangeStart.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, zone)))
	assert.True(t, resp.RangeEnd.Equal(time.Date(2024, 1, 22, 0, 0, 0, 0, zone)))
}

func TestEvents_BadRequests(t *testing.T) {
	h := newTestServer(t, nil, newCalendar("team"), newCalendar("home"))

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/events", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/events?calendar=nope", nil).Code)
	assert.Equal(t, http.StatusBadRequest,
		do(t, h, http.MethodGet, "/api/events?calendar=team&start=2024-01-05&end=2024-01-01", nil).Code)
}

func TestNext(t *testing.T) {
	team := newCalendar("team")
	h := newTestServer(t, nil, team)

	var empty nextResponse
	do(t, h, http.MethodGet, "/api/next", &empty)
	assert.Nil(t, empty.Event)

	_, err := team.Source.Refresh(context.Background())
	require.NoError(t, err)

	var resp nextResponse
	rec := do(t, h, http.MethodGet, "/api/next?calendar=team", &resp)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, resp.Event)
	assert.Equal(t, "Standup", resp.Event.Summary)
	assert.Equal(t, "-10m0s", resp.Event.Offset)
	assert.True(t, resp.Event.OffsetReached)
	assert.True(t, resp.Event.Start.Equal(time.Date(2024, 1, 1, 9, 0, 0, 0, zone)))
}

func TestRefresh(t *testing.T) {
	team := newCalendar("team")
	h := newTestServer(t, nil, team, newCalendar("home"))

	var resp refreshResponse
	rec := do(t, h, http.MethodPost, "/api/refresh?calendar=team", &resp)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "team", resp.Calendar)
	assert.False(t, resp.Skipped)
	assert.Equal(t, 3, resp.Occurrences)

	var all map[string]int
	rec = do(t, h, http.MethodPost, "/api/refresh", &all)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, all["refreshed"])

	assert.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodGet, "/api/refresh", nil).Code)
}
