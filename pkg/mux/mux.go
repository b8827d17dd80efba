package mux

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sepich/thumbcache/pkg/model"
	"github.com/sepich/thumbcache/pkg/service"
	"go.uber.org/zap"
)

const cacheControlImmutable = "public, max-age=31536000, immutable"

type Options struct {
	Limits   model.Limits
	Gatherer prometheus.Gatherer // nil disables /metrics
	Logger   *zap.Logger
	// RateLimit is requests per second allowed on /api, 0 disables limiting
	RateLimit float64
	RateBurst int
}

func NewRouter(services service.Service, opts Options) *mux.Router {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := mux.NewRouter()
	r.Use(requestID, accessLog(logger))

	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "up"})
	}).Methods(http.MethodGet)

	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api").Subrouter()
	if opts.RateLimit > 0 {
		api.Use(rateLimit(opts.RateLimit, opts.RateBurst))
	}

	api.HandleFunc("/image", func(w http.ResponseWriter, r *http.Request) {
		req, err := model.ParseTransformRequest(r.URL.Query(), opts.Limits)
		if err != nil {
			writeError(w, http.StatusBadRequest, service.PublicMessage(err))
			return
		}

		result, outcome, err := services.GetImage(r.Context(), req)
		if err != nil {
			if !errors.Is(err, &model.InvalidRequestError{}) {
				logger.Debug("image request failed",
					zap.String("request_id", RequestID(r)),
					zap.String("url", req.SourceURL),
					zap.Error(err))
			}
			writeError(w, service.HTTPStatus(err), service.PublicMessage(err))
			return
		}

		cacheStatus := "MISS"
		if outcome == service.OutcomeHit {
			cacheStatus = "HIT"
		}
		w.Header().Set("Content-Type", result.MimeType)
		w.Header().Set("Content-Length", strconv.Itoa(len(result.Bytes)))
		w.Header().Set("Cache-Control", cacheControlImmutable)
		w.Header().Set("X-Cache", cacheStatus)
		w.WriteHeader(http.StatusOK)
		if r.Method != http.MethodHead {
			w.Write(result.Bytes)
		}
	}).Methods(http.MethodGet, http.MethodHead)

	return r
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
