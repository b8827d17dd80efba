package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultTimeout        = 5 * time.Second
	DefaultMaxSourceBytes = 15 * 1024 * 1024
	DefaultUserAgent      = "thumbcache/1.0"
)

var errTooLarge = errors.New("source exceeds size limit")

type HTTPFetcher struct {
	Client         *http.Client
	Timeout        time.Duration
	MaxSourceBytes int64
	UserAgent      string
	// AllowedHosts restricts which hosts may be fetched. Entries are exact hostnames
	// or "*.example.com" wildcards. Empty allows every host.
	AllowedHosts []string
	Logger       *zap.Logger
}

var _ Fetcher = &HTTPFetcher{}

func NewHTTPFetcher(logger *zap.Logger) *HTTPFetcher {
	return &HTTPFetcher{
		Client:         &http.Client{},
		Timeout:        DefaultTimeout,
		MaxSourceBytes: DefaultMaxSourceBytes,
		UserAgent:      DefaultUserAgent,
		Logger:         logger,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, sourceURL string) ([]byte, error) {
	u, err := url.Parse(sourceURL)
	if err != nil {
		return nil, &FetchError{URL: sourceURL, Err: err}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, &FetchError{URL: sourceURL, Err: fmt.Errorf("unsupported scheme %q", u.Scheme)}
	}
	if !f.hostAllowed(u.Hostname()) {
		return nil, &FetchError{URL: sourceURL, Err: fmt.Errorf("host %q is not allowed", u.Hostname())}
	}

	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, &FetchError{URL: sourceURL, Err: err}
	}
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}
	req.Header.Set("Accept", "image/*")

	if f.Logger != nil {
		f.Logger.Debug("fetching source", zap.String("url", sourceURL))
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: sourceURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4*1024))
		return nil, &FetchError{URL: sourceURL, Code: resp.StatusCode}
	}

	limit := f.MaxSourceBytes
	if limit <= 0 {
		limit = DefaultMaxSourceBytes
	}
	if resp.ContentLength > limit {
		return nil, &FetchError{URL: sourceURL, Err: errTooLarge}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, &FetchError{URL: sourceURL, Err: fmt.Errorf("failed to read body: %w", err)}
	}
	if int64(len(data)) > limit {
		return nil, &FetchError{URL: sourceURL, Err: errTooLarge}
	}

	return data, nil
}

func (f *HTTPFetcher) hostAllowed(host string) bool {
	if len(f.AllowedHosts) == 0 {
		return true
	}
	host = strings.ToLower(host)
	for _, allowed := range f.AllowedHosts {
		allowed = strings.ToLower(allowed)
		if suffix, ok := strings.CutPrefix(allowed, "*."); ok {
			if strings.HasSuffix(host, "."+suffix) {
				return true
			}
			continue
		}
		if host == allowed {
			return true
		}
	}
	return false
}
