package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultNamespace = "filerobot"

// Recorder exports collection cache, widget and media storage metrics.
// A nil *Recorder is valid and records nothing.
type Recorder struct {
	gatherer prometheus.Gatherer

	cacheLookups       *prometheus.CounterVec
	cacheInvalidations prometheus.Counter
	collectionsCreated *prometheus.CounterVec
	widgetRequests     *prometheus.CounterVec
	storageDuration    *prometheus.HistogramVec
	storageErrors      *prometheus.CounterVec
	uploadedBytes      prometheus.Counter
}

// NewRecorder registers all collectors on a fresh registry.
func NewRecorder() (*Recorder, error) {
	registry := prometheus.NewRegistry()
	return NewRecorderWithRegistry(defaultNamespace, registry, registry)
}

// NewRecorderWithRegistry registers collectors on the provided registerer.
// Collectors that are already registered are reused.
func NewRecorderWithRegistry(namespace string, registerer prometheus.Registerer, gatherer prometheus.Gatherer) (*Recorder, error) {
	if namespace == "" {
		namespace = defaultNamespace
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	recorder := &Recorder{
		gatherer: gatherer,
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collection_cache_lookups_total",
			Help:      "Namespace root cache lookups by result.",
		}, []string{"result"}),
		cacheInvalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collection_cache_invalidations_total",
			Help:      "Namespace root cache invalidations caused by collection writes.",
		}),
		collectionsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collections_created_total",
			Help:      "Collections created lazily, by purpose.",
		}, []string{"purpose"}),
		widgetRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "widget_requests_total",
			Help:      "Widget protocol requests by operation and outcome.",
		}, []string{"operation", "outcome"}),
		storageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "media_operation_duration_seconds",
			Help:      "Latency for media storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		storageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "media_operation_errors_total",
			Help:      "Count of media storage failures.",
		}, []string{"operation"}),
		uploadedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "media_uploaded_bytes_total",
			Help:      "Cumulative payload size written to media storage.",
		}),
	}

	var err error
	if recorder.cacheLookups, err = registerOrReuse(registerer, recorder.cacheLookups); err != nil {
		return nil, err
	}
	if recorder.cacheInvalidations, err = registerOrReuse(registerer, recorder.cacheInvalidations); err != nil {
		return nil, err
	}
	if recorder.collectionsCreated, err = registerOrReuse(registerer, recorder.collectionsCreated); err != nil {
		return nil, err
	}
	if recorder.widgetRequests, err = registerOrReuse(registerer, recorder.widgetRequests); err != nil {
		return nil, err
	}
	if recorder.storageDuration, err = registerOrReuse(registerer, recorder.storageDuration); err != nil {
		return nil, err
	}
	if recorder.storageErrors, err = registerOrReuse(registerer, recorder.storageErrors); err != nil {
		return nil, err
	}
	if recorder.uploadedBytes, err = registerOrReuse(registerer, recorder.uploadedBytes); err != nil {
		return nil, err
	}

	return recorder, nil
}

func registerOrReuse[T prometheus.Collector](registerer prometheus.Registerer, collector T) (T, error) {
	if err := registerer.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		var zero T
		return zero, fmt.Errorf("register metric: %w", err)
	}
	return collector, nil
}

// Handler serves the registered metrics in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}

// RecordCacheLookup counts a namespace root cache hit or miss.
func (r *Recorder) RecordCacheLookup(hit bool) {
	if r == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	r.cacheLookups.WithLabelValues(result).Inc()
}

// RecordCacheInvalidation counts an invalidation of the namespace root cache entry.
func (r *Recorder) RecordCacheInvalidation() {
	if r == nil {
		return
	}
	r.cacheInvalidations.Inc()
}

// RecordCollectionCreated counts a lazily created collection.
func (r *Recorder) RecordCollectionCreated(purpose string) {
	if r == nil {
		return
	}
	r.collectionsCreated.WithLabelValues(purpose).Inc()
}

// RecordWidgetRequest counts a widget protocol outcome.
func (r *Recorder) RecordWidgetRequest(operation, outcome string) {
	if r == nil {
		return
	}
	r.widgetRequests.WithLabelValues(operation, outcome).Inc()
}

// RecordStorage tracks media storage latency, failures and written bytes.
func (r *Recorder) RecordStorage(operation string, duration time.Duration, sizeBytes int64, err error) {
	if r == nil {
		return
	}
	r.storageDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		r.storageErrors.WithLabelValues(operation).Inc()
		return
	}
	if sizeBytes > 0 {
		r.uploadedBytes.Add(float64(sizeBytes))
	}
}
