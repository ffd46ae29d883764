package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"icalfeed/internal/config"
	"icalfeed/internal/feed"
	"icalfeed/internal/ics"
	appLog "icalfeed/internal/log"
	"icalfeed/internal/present"
	"icalfeed/internal/timeparse"
	"icalfeed/internal/web"
)

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	listen     string
	once       bool
	at         string
	debug      bool
}

func main() {
	flags := parseFlags()
	if err := flags.validate(); err != nil {
		appLog.Error("invalid flags", err)
		os.Exit(2)
	}

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	// CLI --listen overrides config file listen if provided.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}

	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))
	if flags.debug {
		appLog.SetLevel(appLog.LevelDebug)
	}

	appLog.Info("icalfeed starting", "version", "0.1.0")

	if err := conf.Validate(); err != nil {
		appLog.Error("invalid config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"refresh", conf.RefreshCron,
		"min_refresh_seconds", conf.MinRefreshSeconds,
		"calendar_count", len(conf.Calendars),
		"once", flags.once,
	)

	cacheDir := conf.CacheDir
	if flags.debug && cacheDir != "" {
		cacheDir = "./cache/ics-cache"
	}
	fetcher := ics.NewFetcher(cacheDir, conf.FetchTimeout())

	now := time.Now
	if flags.at != "" {
		loc, _ := timeparse.LoadLocation(conf.Timezone)
		at, err := timeparse.ParseInstant(flags.at, time.Now(), loc)
		if err != nil {
			appLog.Error("invalid -at value", err, "at", flags.at)
			os.Exit(2)
		}
		appLog.Info("using fixed reference time", "at", at.Format(time.RFC3339))
		now = func() time.Time { return at }
	}

	calendars := buildCalendars(conf, fetcher, now)

	if flags.once {
		if err := runOnce(context.Background(), calendars); err != nil {
			os.Exit(1)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sources := make([]*feed.Source, 0, len(calendars))
	for _, c := range calendars {
		sources = append(sources, c.Source)
	}
	sched, err := feed.NewScheduler(conf.RefreshCron, sources)
	if err != nil {
		appLog.Error("invalid refresh schedule", err, "refresh", conf.RefreshCron)
		os.Exit(1)
	}
	sched.Start(ctx)
	defer sched.Stop()

	srv := web.NewServer(conf, calendars)
	if err := srv.Run(ctx); err != nil {
		appLog.Error("HTTP server failed", err, "listen", conf.Listen)
		sched.Stop()
		os.Exit(1)
	}
	appLog.Info("icalfeed exiting")
}

func buildCalendars(conf *config.Config, fetcher *ics.Fetcher, now func() time.Time) []web.Calendar {
	out := make([]web.Calendar, 0, len(conf.Calendars))
	for _, cal := range conf.Calendars {
		// Validate has already rejected unknown values.
		pairing, _ := ics.ParsePairing(cal.Pairing)
		src := feed.NewSource(ics.Source{
			Name:      cal.Name,
			URL:       cal.URL,
			VerifySSL: cal.VerifySSL == nil || *cal.VerifySSL,
		}, fetcher, feed.Options{
			Days:        cal.Days,
			Zone:        conf.Location(cal),
			Pairing:     pairing,
			MinInterval: conf.MinRefreshInterval(),
			Timeout:     2 * conf.FetchTimeout(),
			Now:         now,
		})
		out = append(out, web.Calendar{Source: src, Days: cal.Days, MaxEvents: cal.MaxEvents})
	}
	return out
}

type onceOutput struct {
	Calendar  string             `json:"calendar"`
	Events    []present.Event    `json:"events"`
	Total     int                `json:"total"`
	Next      *present.NextEvent `json:"next,omitempty"`
	FromCache bool               `json:"from_cache"`
}

// runOnce refreshes every calendar and prints the results as JSON.
func runOnce(ctx context.Context, calendars []web.Calendar) error {
	sources := make([]*feed.Source, 0, len(calendars))
	for _, c := range calendars {
		sources = append(sources, c.Source)
	}
	refreshErr := feed.RefreshAll(ctx, sources)
	if refreshErr != nil {
		appLog.Error("refresh failed for one or more calendars", refreshErr)
	}

	out := make([]onceOutput, 0, len(calendars))
	for _, c := range calendars {
		st := c.Source.Store().State()
		if st == nil {
			continue
		}
		entry := onceOutput{
			Calendar:  c.Source.Name(),
			Events:    present.Events(present.Truncate(st.Occurrences, c.MaxEvents)),
			Total:     len(st.Occurrences),
			FromCache: st.FromCache,
		}
		now := c.Source.Now()
		if occ, ok := c.Source.Store().Next(now); ok {
			next := present.Next(occ, now)
			entry.Next = &next
		}
		out = append(out, entry)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		appLog.Error("failed to write output", err)
		return err
	}
	return refreshErr
}

// validate rejects unsupported flag combinations. -at freezes the clock and
// is only valid with -once.
func (f flagConfig) validate() error {
	if f.at != "" && !f.once {
		return errors.New("-at requires -once")
	}
	return nil
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/icalfeed/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Refresh every calendar once, print JSON and exit")
	flag.StringVar(&cfg.at, "at", "", `Reference time for -once, e.g. "2024-01-05T09:00:00Z" or "tomorrow 9am"`)
	flag.BoolVar(&cfg.debug, "debug", false, "Debug logging and a local ./cache directory")

	flag.Parse()

	return cfg
}
