package service

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sepich/thumbcache/pkg/cache"
	"github.com/sepich/thumbcache/pkg/fetch"
	"github.com/sepich/thumbcache/pkg/model"
	"github.com/sepich/thumbcache/pkg/transform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingFetcher struct {
	calls atomic.Int32
	data  []byte
	err   error
	gate  chan struct{} // when set, Fetch blocks until closed or ctx is done
}

func (f *countingFetcher) Fetch(ctx context.Context, sourceURL string) ([]byte, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, &fetch.FetchError{URL: sourceURL, Err: ctx.Err()}
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.data, nil
}

func jpegFixture(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	buf := &bytes.Buffer{}
	require.NoError(t, jpeg.Encode(buf, img, &jpeg.Options{Quality: 90}))
	return buf.Bytes()
}

func newTestService(t *testing.T, f fetch.Fetcher) (*ImageService, *cache.MemoryCache) {
	t.Helper()
	c, err := cache.NewMemoryCache(64, 64*1024*1024)
	require.NoError(t, err)
	return NewImageService(Options{Fetcher: f, Cache: c, Workers: 2}), c
}

func TestGetImageCaches(t *testing.T) {
	f := &countingFetcher{data: jpegFixture(t, 640, 480)}
	svc, c := newTestService(t, f)
	req := &model.TransformRequest{SourceURL: "https://example.com/a.jpg", Width: 160, Format: model.FormatWebP, Quality: 80}

	first, outcome, err := svc.GetImage(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeMiss, outcome)
	assert.Equal(t, "image/webp", first.MimeType)
	assert.Equal(t, int32(1), f.calls.Load())

	second, outcome, err := svc.GetImage(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeHit, outcome)
	assert.Equal(t, first.Bytes, second.Bytes)
	assert.Equal(t, first.MimeType, second.MimeType)
	assert.Equal(t, int32(1), f.calls.Load(), "hit must not fetch")
	assert.Equal(t, 1, c.Len())
}

func TestGetImageKeyDiscrimination(t *testing.T) {
	f := &countingFetcher{data: jpegFixture(t, 320, 240)}
	svc, c := newTestService(t, f)

	base := model.TransformRequest{SourceURL: "https://example.com/a.jpg", Width: 160, Format: model.FormatJPEG, Quality: 80}
	q90 := base
	q90.Quality = 90
	w80 := base
	w80.Width = 80
	png := base
	png.Format = model.FormatPNG
	other := base
	other.SourceURL = "https://example.com/b.jpg"

	r80, _, err := svc.GetImage(context.Background(), &base)
	require.NoError(t, err)

	r90, outcome, err := svc.GetImage(context.Background(), &q90)
	require.NoError(t, err)
	assert.Equal(t, OutcomeMiss, outcome)
	assert.NotEqual(t, r80.Bytes, r90.Bytes)

	for _, req := range []*model.TransformRequest{&w80, &png, &other} {
		_, outcome, err := svc.GetImage(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, OutcomeMiss, outcome, req.String())
	}

	assert.Equal(t, int32(5), f.calls.Load())
	assert.Equal(t, 5, c.Len())
}

func TestGetImageFailuresNotCached(t *testing.T) {
	testCases := []struct {
		name    string
		fetcher *countingFetcher
		is      error
	}{
		{
			name:    "fetch failure",
			fetcher: &countingFetcher{err: &fetch.FetchError{URL: "https://example.com/a.jpg", Code: http.StatusNotFound}},
			is:      &fetch.FetchError{},
		},
		{
			name:    "plain fetch error is wrapped",
			fetcher: &countingFetcher{err: errors.New("connection reset")},
			is:      &fetch.FetchError{},
		},
		{
			name:    "transform failure",
			fetcher: &countingFetcher{data: []byte("<html>definitely not an image</html>")},
			is:      &transform.TransformError{},
		},
	}

	for _, tC := range testCases {
		t.Run(tC.name, func(t *testing.T) {
			svc, c := newTestService(t, tC.fetcher)
			req := &model.TransformRequest{SourceURL: "https://example.com/a.jpg", Width: 160, Format: model.FormatWebP, Quality: 80}

			_, _, err := svc.GetImage(context.Background(), req)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tC.is))
			assert.Equal(t, http.StatusInternalServerError, HTTPStatus(err))
			assert.Equal(t, MessageProcessingFailed, PublicMessage(err))
			assert.Equal(t, 0, c.Len())

			_, _, err = svc.GetImage(context.Background(), req)
			require.Error(t, err)
			assert.Equal(t, int32(2), tC.fetcher.calls.Load(), "failed requests are retried from scratch")
		})
	}
}

func TestGetImageMissingURL(t *testing.T) {
	f := &countingFetcher{}
	svc, _ := newTestService(t, f)

	_, _, err := svc.GetImage(context.Background(), &model.TransformRequest{Width: 160})
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(err))
	assert.Equal(t, int32(0), f.calls.Load())
}

func TestGetImageCoalescesConcurrentMisses(t *testing.T) {
	f := &countingFetcher{data: jpegFixture(t, 64, 64), gate: make(chan struct{})}
	svc, _ := newTestService(t, f)
	req := &model.TransformRequest{SourceURL: "https://example.com/a.jpg", Width: 32, Format: model.FormatPNG, Quality: 100}

	const n = 8
	var wg sync.WaitGroup
	results := make([]*model.TransformResult, n)
	outcomes := make([]Outcome, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], outcomes[i], errs[i] = svc.GetImage(context.Background(), req)
		}(i)
	}

	// wait for all requests to join the flight before releasing the fetch
	require.Eventually(t, func() bool {
		svc.mu.Lock()
		defer svc.mu.Unlock()
		fl, ok := svc.flights[req.CacheKey()]
		return ok && fl.waiters == n
	}, 2*time.Second, 5*time.Millisecond)
	close(f.gate)
	wg.Wait()

	assert.Equal(t, int32(1), f.calls.Load())
	misses, coalesced := 0, 0
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].Bytes, results[i].Bytes)
		switch outcomes[i] {
		case OutcomeMiss:
			misses++
		case OutcomeCoalesced:
			coalesced++
		}
	}
	assert.GreaterOrEqual(t, misses, 1)
	assert.Equal(t, n, misses+coalesced)
}

func TestGetImageCancellation(t *testing.T) {
	f := &countingFetcher{data: jpegFixture(t, 64, 64), gate: make(chan struct{})}
	svc, c := newTestService(t, f)
	req := &model.TransformRequest{SourceURL: "https://example.com/a.jpg", Width: 32, Format: model.FormatWebP, Quality: 80}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, _, err := svc.GetImage(ctx, req)
		done <- err
	}()

	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, MessageCanceled, PublicMessage(err))
	case <-time.After(2 * time.Second):
		t.Fatal("GetImage did not return after cancel")
	}

	// flight context is canceled once the only waiter left, so the fetch unblocks without the gate
	require.Eventually(t, func() bool {
		svc.mu.Lock()
		defer svc.mu.Unlock()
		return len(svc.flights) == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, c.Len())
}

// slowUnwindFetcher blocks until its ctx is done, then takes a while to return. Later calls succeed at once.
type slowUnwindFetcher struct {
	calls   atomic.Int32
	data    []byte
	started chan struct{}
}

func (f *slowUnwindFetcher) Fetch(ctx context.Context, sourceURL string) ([]byte, error) {
	if f.calls.Add(1) > 1 {
		return f.data, nil
	}
	close(f.started)
	<-ctx.Done()
	time.Sleep(300 * time.Millisecond)
	return nil, &fetch.FetchError{URL: sourceURL, Err: ctx.Err()}
}

func TestGetImageAfterCancelStartsFreshFlight(t *testing.T) {
	f := &slowUnwindFetcher{data: jpegFixture(t, 64, 64), started: make(chan struct{})}
	svc, c := newTestService(t, f)
	req := &model.TransformRequest{SourceURL: "https://example.com/a.jpg", Width: 32, Format: model.FormatWebP, Quality: 80}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, _, err := svc.GetImage(ctx, req)
		done <- err
	}()
	<-f.started
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	// the canceled fetch is still unwinding, the next caller must not see its error
	res, outcome, err := svc.GetImage(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeMiss, outcome)
	assert.Equal(t, "image/webp", res.MimeType)
	assert.Equal(t, int32(2), f.calls.Load())
	assert.Equal(t, 1, c.Len())
}

func TestGetImageNativeFormatMime(t *testing.T) {
	f := &countingFetcher{data: jpegFixture(t, 64, 64)}
	svc, _ := newTestService(t, f)
	req := &model.TransformRequest{SourceURL: "https://example.com/a.jpg", Width: 32, Format: model.Format("tiff"), Quality: 80}

	res, outcome, err := svc.GetImage(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeMiss, outcome)
	assert.Equal(t, "image/jpeg", res.MimeType)

	res, outcome, err = svc.GetImage(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeHit, outcome)
	assert.Equal(t, "image/jpeg", res.MimeType)
}
