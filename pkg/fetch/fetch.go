package fetch

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
)

// Fetcher retrieves the raw bytes of a source image. One attempt per call, no retries.
type Fetcher interface {
	Fetch(ctx context.Context, sourceURL string) ([]byte, error)
}

// FetchError is returned for any failure to get source bytes: unreachable host, non-2xx status,
// transfer errors, oversized bodies, disallowed hosts.
type FetchError struct {
	URL  string
	Code int // Upstream status code, 0 when no response was received
	Err  error
}

func (e *FetchError) Error() string {
	if e.Code != 0 && e.Err != nil {
		return fmt.Sprintf("fetch %s: received non-2xx code: %d: %v", e.URL, e.Code, e.Err)
	}
	if e.Code != 0 {
		return "fetch " + e.URL + ": received non-2xx code: " + strconv.Itoa(e.Code)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

func (e *FetchError) Is(tgt error) bool {
	_, ok := tgt.(*FetchError)
	return ok
}

// SchemeFetcher dispatches to a Fetcher registered for the URL scheme.
type SchemeFetcher struct {
	fetchers map[string]Fetcher
}

var _ Fetcher = &SchemeFetcher{}

func NewSchemeFetcher() *SchemeFetcher {
	return &SchemeFetcher{fetchers: make(map[string]Fetcher)}
}

// Register sets f as the fetcher for each of the given schemes.
func (s *SchemeFetcher) Register(f Fetcher, schemes ...string) {
	for _, scheme := range schemes {
		s.fetchers[scheme] = f
	}
}

func (s *SchemeFetcher) Fetch(ctx context.Context, sourceURL string) ([]byte, error) {
	u, err := url.Parse(sourceURL)
	if err != nil {
		return nil, &FetchError{URL: sourceURL, Err: err}
	}
	f, ok := s.fetchers[u.Scheme]
	if !ok {
		return nil, &FetchError{URL: sourceURL, Err: fmt.Errorf("unsupported scheme %q", u.Scheme)}
	}
	return f.Fetch(ctx, sourceURL)
}
