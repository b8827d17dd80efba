package service

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/sepich/thumbcache/pkg/cache"
	"github.com/sepich/thumbcache/pkg/fetch"
	"github.com/sepich/thumbcache/pkg/metrics"
	"github.com/sepich/thumbcache/pkg/model"
	"github.com/sepich/thumbcache/pkg/transform"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

type Outcome string

const (
	OutcomeHit       Outcome = "HIT"
	OutcomeMiss      Outcome = "MISS"
	OutcomeCoalesced Outcome = "COALESCED" // miss served by another request's fetch+transform
)

type Service interface {
	GetImage(ctx context.Context, req *model.TransformRequest) (*model.TransformResult, Outcome, error)
}

type ImageService struct {
	fetcher     fetch.Fetcher
	transformer transform.Transformer
	cache       cache.ResultCache
	metrics     *metrics.Metrics
	logger      *zap.Logger

	workers *semaphore.Weighted
	group   singleflight.Group

	mu      sync.Mutex
	flights map[string]*flight
}

var _ Service = &ImageService{}

// flight holds the context shared by all requests coalesced on one key.
// It is canceled once the last waiter is gone.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

type Options struct {
	Fetcher     fetch.Fetcher
	Transformer transform.Transformer
	Cache       cache.ResultCache
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
	// Workers bounds concurrent transforms, defaults to GOMAXPROCS
	Workers int
}

func NewImageService(opts Options) *ImageService {
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	if opts.Transformer == nil {
		opts.Transformer = &transform.ImageTransformer{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(opts.Cache)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &ImageService{
		fetcher:     opts.Fetcher,
		transformer: opts.Transformer,
		cache:       opts.Cache,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		workers:     semaphore.NewWeighted(int64(opts.Workers)),
		flights:     make(map[string]*flight),
	}
}

func (s *ImageService) GetImage(ctx context.Context, req *model.TransformRequest) (*model.TransformResult, Outcome, error) {
	if req == nil || req.SourceURL == "" {
		s.metrics.Requests.WithLabelValues(metrics.OutcomeInvalid).Inc()
		return nil, "", &model.InvalidRequestError{Param: "url", Reason: "image url is required"}
	}

	key := req.CacheKey()
	if data, ok := s.cache.Lookup(key); ok {
		s.logger.Debug("serving from cache", zap.String("key", key))
		s.metrics.Requests.WithLabelValues(metrics.OutcomeHit).Inc()
		return &model.TransformResult{Bytes: data, MimeType: mimeType(req, data)}, OutcomeHit, nil
	}

	fl := s.join(ctx, key)
	leader := false
	ch := s.group.DoChan(key, func() (interface{}, error) {
		leader = true
		defer s.finish(key, fl)
		return s.produce(fl.ctx, req, key)
	})

	select {
	case res := <-ch:
		s.leave(key, fl)
		if res.Err != nil {
			s.metrics.Requests.WithLabelValues(metrics.OutcomeError).Inc()
			return nil, "", res.Err
		}
		outcome := OutcomeMiss
		if res.Shared && !leader {
			outcome = OutcomeCoalesced
			s.metrics.Requests.WithLabelValues(metrics.OutcomeCoalesced).Inc()
		} else {
			s.metrics.Requests.WithLabelValues(metrics.OutcomeMiss).Inc()
		}
		return res.Val.(*model.TransformResult), outcome, nil
	case <-ctx.Done():
		s.leave(key, fl)
		s.metrics.Requests.WithLabelValues(metrics.OutcomeError).Inc()
		return nil, "", ctx.Err()
	}
}

// produce runs MISS -> FETCHING -> TRANSFORMING -> CACHE_INSERT for one flight.
func (s *ImageService) produce(ctx context.Context, req *model.TransformRequest, key string) (*model.TransformResult, error) {
	// a flight that just finished may have filled the cache
	if data, ok := s.cache.Lookup(key); ok {
		return &model.TransformResult{Bytes: data, MimeType: mimeType(req, data)}, nil
	}

	s.logger.Debug("fetching new image", zap.String("url", req.SourceURL))
	start := time.Now()
	data, err := s.fetcher.Fetch(ctx, req.SourceURL)
	if err != nil {
		s.metrics.FetchDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		s.logger.Error("failed to fetch image", zap.String("url", req.SourceURL), zap.Error(err))
		if !errors.Is(err, &fetch.FetchError{}) {
			err = &fetch.FetchError{URL: req.SourceURL, Err: err}
		}
		return nil, err
	}
	s.metrics.FetchDuration.WithLabelValues("ok").Observe(time.Since(start).Seconds())
	s.metrics.FetchBytes.Observe(float64(len(data)))

	if err := s.workers.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	start = time.Now()
	result, err := s.transformer.Transform(ctx, data, req)
	s.workers.Release(1)
	if err != nil {
		s.logger.Error("failed to transform image",
			zap.String("url", req.SourceURL),
			zap.Int("width", req.Width),
			zap.String("format", string(req.Format)),
			zap.Int("quality", req.Quality),
			zap.Error(err))
		if !errors.Is(err, &transform.TransformError{}) && ctx.Err() == nil {
			err = &transform.TransformError{Op: "transform", Err: err}
		}
		return nil, err
	}
	s.metrics.TransformDuration.WithLabelValues(string(req.Format.Canonical())).Observe(time.Since(start).Seconds())

	s.cache.Insert(key, result.Bytes)
	s.logger.Debug("image cached", zap.String("key", key), zap.Int("bytes", len(result.Bytes)))
	return result, nil
}

func (s *ImageService) join(ctx context.Context, key string) *flight {
	s.mu.Lock()
	defer s.mu.Unlock()
	fl, ok := s.flights[key]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		fl = &flight{ctx: fctx, cancel: cancel}
		s.flights[key] = fl
	}
	fl.waiters++
	return fl
}

// leave drops a waiter, canceling in-flight work when nobody is left to receive it.
func (s *ImageService) leave(key string, fl *flight) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fl.waiters--
	if fl.waiters > 0 {
		return
	}
	if s.flights[key] == fl {
		delete(s.flights, key)
		// the canceled call may take a while to unwind, new callers must not join it
		s.group.Forget(key)
	}
	fl.cancel()
}

// finish runs when the flight function returns, so late arrivals start a new flight.
func (s *ImageService) finish(key string, fl *flight) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flights[key] == fl {
		delete(s.flights, key)
	}
}

func mimeType(req *model.TransformRequest, data []byte) string {
	if req.Format.Known() {
		return req.Format.MimeType()
	}
	if native, ok := transform.Sniff(data); ok {
		return native.MimeType()
	}
	return "application/octet-stream"
}
