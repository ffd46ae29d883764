package ics

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	appLog "icalfeed/internal/log"
)

const defaultFetchTimeout = 15 * time.Second

// Source is one feed subscription.
type Source struct {
	// Name identifies the calendar in logs and the API.
	Name string
	// URL is the ICS endpoint.
	URL string
	// VerifySSL toggles TLS certificate verification.
	VerifySSL bool
}

// FetchResult contains the outcome of fetching a single ICS source.
type FetchResult struct {
	Source    Source
	Body      []byte // ICS payload (either freshly fetched or from cache)
	FromCache bool   // true if we reused the cached body
}

// cacheEntry holds HTTP cache metadata for a single ICS URL.
type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Fetcher retrieves ICS feeds with HTTP caching (ETag / Last-Modified) and a
// disk-backed copy of the last good body.
type Fetcher struct {
	client   *http.Client
	insecure *http.Client
	cacheDir string
}

// NewFetcher creates a Fetcher that keeps per-URL cache directories under
// cacheDir. An empty cacheDir disables the disk cache. A zero timeout means
// 15 seconds.
func NewFetcher(cacheDir string, timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	insecureTransport := http.DefaultTransport.(*http.Transport).Clone()
	insecureTransport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in per calendar

	return &Fetcher{
		client:   &http.Client{Timeout: timeout},
		insecure: &http.Client{Timeout: timeout, Transport: insecureTransport},
		cacheDir: cacheDir,
	}
}

// Fetch retrieves a single source. Network errors and non-OK statuses fall
// back to the cached body when one exists; otherwise they are *FetchError.
func (f *Fetcher) Fetch(ctx context.Context, src Source) (FetchResult, error) {
	if strings.TrimSpace(src.URL) == "" {
		return FetchResult{}, &FetchError{Source: src.Name, Err: errors.New("source URL is empty")}
	}

	cachePath := f.cachePathForURL(src.URL)
	var (
		meta       cacheEntry
		cachedBody []byte
	)
	if cachePath != "" {
		if err := os.MkdirAll(cachePath, 0o700); err != nil {
			appLog.Error("ics cache dir unavailable", err, "calendar", src.Name)
			cachePath = ""
		} else {
			meta, _ = loadCacheMeta(cachePath)
			cachedBody, _ = loadCacheBody(cachePath)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return FetchResult{}, &FetchError{Source: src.Name, Err: err}
	}
	req.Header.Set("Accept", "text/calendar, */*;q=0.5")

	// Conditional headers only make sense when we can serve the cached body.
	if len(cachedBody) > 0 {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	appLog.Debug("ics fetch start", "calendar", src.Name, "url", RedactURL(src.URL))

	client := f.client
	if !src.VerifySSL {
		client = f.insecure
	}

	resp, err := client.Do(req)
	if err != nil {
		if len(cachedBody) > 0 {
			appLog.Error("ics fetch network error, using cached body", err, "calendar", src.Name, "url", RedactURL(src.URL))
			return FetchResult{Source: src, Body: cachedBody, FromCache: true}, nil
		}
		return FetchResult{}, &FetchError{Source: src.Name, Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return FetchResult{}, &FetchError{Source: src.Name, StatusCode: resp.StatusCode, Err: readErr}
		}

		if cachePath != "" {
			newMeta := cacheEntry{
				URL:          src.URL,
				ETag:         resp.Header.Get("ETag"),
				LastModified: resp.Header.Get("Last-Modified"),
			}
			if err := saveCache(cachePath, newMeta, body); err != nil {
				appLog.Error("ics cache save failed", err, "calendar", src.Name, "url", RedactURL(src.URL))
			}
		}

		appLog.Info("ics fetch success", "calendar", src.Name, "url", RedactURL(src.URL), "bytes", len(body))
		return FetchResult{Source: src, Body: body}, nil

	case http.StatusNotModified:
		if len(cachedBody) == 0 {
			return FetchResult{}, &FetchError{
				Source:     src.Name,
				StatusCode: resp.StatusCode,
				Err:        errors.New("not modified but no cached body available"),
			}
		}
		appLog.Info("ics fetch not modified; using cache", "calendar", src.Name, "url", RedactURL(src.URL))
		return FetchResult{Source: src, Body: cachedBody, FromCache: true}, nil

	default:
		statusErr := fmt.Errorf("unexpected status %s", resp.Status)
		if len(cachedBody) > 0 {
			appLog.Error("ics fetch non-OK, using cached body", statusErr, "calendar", src.Name, "url", RedactURL(src.URL))
			return FetchResult{Source: src, Body: cachedBody, FromCache: true}, nil
		}
		return FetchResult{}, &FetchError{Source: src.Name, StatusCode: resp.StatusCode, Err: statusErr}
	}
}

func (f *Fetcher) cachePathForURL(url string) string {
	if f.cacheDir == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(url))
	// First 16 hex chars are enough to keep URLs apart.
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8]))
}

func loadCacheMeta(cachePath string) (cacheEntry, error) {
	var meta cacheEntry
	data, err := os.ReadFile(filepath.Join(cachePath, "meta.json"))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return cacheEntry{}, err
	}
	return meta, nil
}

func loadCacheBody(cachePath string) ([]byte, error) {
	return os.ReadFile(filepath.Join(cachePath, "body.ics"))
}

func saveCache(cachePath string, meta cacheEntry, body []byte) error {
	// Write body first so meta never points at a missing body.
	if err := os.WriteFile(filepath.Join(cachePath, "body.ics"), body, 0o600); err != nil {
		return fmt.Errorf("write cached body: %w", err)
	}

	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cache meta: %w", err)
	}
	if err := os.WriteFile(filepath.Join(cachePath, "meta.json"), data, 0o600); err != nil {
		return fmt.Errorf("write cache meta: %w", err)
	}
	return nil
}

// RedactURL hides the path and query of a feed URL for logging; private
// calendar links usually carry their secret there.
//
//	https://example.com/path/to/private.ics?token=abcd -> https://example.com/...(redacted)
func RedactURL(u string) string {
	const redactedSuffix = "/...(redacted)"

	scheme, rest, ok := strings.Cut(u, "://")
	if !ok {
		return "ics://...(redacted)"
	}
	host, _, _ := strings.Cut(rest, "/")
	host, _, _ = strings.Cut(host, "?")
	if at := strings.LastIndex(host, "@"); at >= 0 {
		host = host[at+1:]
	}
	return scheme + "://" + host + redactedSuffix
}
