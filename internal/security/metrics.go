package security

import (
	"database/sql"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chirino/chat-ledger/internal/model"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// StoreLatency records store operation latency.
	StoreLatency *prometheus.HistogramVec

	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter

	authzDecisionsTotal *prometheus.CounterVec
	quotaUnitsTotal     *prometheus.CounterVec
	modelLatency        *prometheus.HistogramVec
)

// Authorization outcomes recorded by RecordDecision.
const (
	OutcomeAllowed       = "allowed"
	OutcomeDisabled      = "disabled"
	OutcomeDenied        = "denied"
	OutcomeQuotaExceeded = "quota_exceeded"
	OutcomeFailed        = "failed"
)

var validLabelKey = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ParseMetricsLabels parses a comma-separated list of key=value pairs into
// Prometheus labels. Values support ${VAR} / $VAR environment variable expansion.
// Returns nil for an empty string.
func ParseMetricsLabels(s string) (prometheus.Labels, error) {
	s = strings.TrimSpace(os.Expand(s, os.Getenv))
	if s == "" {
		return nil, nil
	}
	labels := prometheus.Labels{}
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			return nil, fmt.Errorf("invalid label %q: expected key=value", pair)
		}
		if !validLabelKey.MatchString(k) {
			return nil, fmt.Errorf("invalid label key %q: must match [a-zA-Z_][a-zA-Z0-9_]*", k)
		}
		labels[k] = v
	}
	return labels, nil
}

var (
	initMetricsOnce sync.Once
	poolDB          atomic.Pointer[sql.DB]
)

// InitMetrics registers all Prometheus metrics with the given constant labels.
// Only the first call registers; recorders are no-ops until it runs.
func InitMetrics(constLabels prometheus.Labels) {
	initMetricsOnce.Do(func() {
		initMetricsInner(prometheus.WrapRegistererWith(constLabels, prometheus.DefaultRegisterer))
	})
}

func initMetricsInner(reg prometheus.Registerer) {
	f := promauto.With(reg)

	httpRequestsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_ledger_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "status"})

	httpRequestDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chat_ledger_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	StoreLatency = f.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chat_ledger_store_latency_seconds",
		Help:    "Store operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	CacheHitsTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "chat_ledger_toggle_cache_hits_total",
		Help: "Action toggle cache hits",
	})
	CacheMissesTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "chat_ledger_toggle_cache_misses_total",
		Help: "Action toggle cache misses",
	})

	authzDecisionsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_ledger_authz_decisions_total",
		Help: "Authorized action outcomes by action",
	}, []string{"action", "outcome"})

	quotaUnitsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_ledger_quota_units_consumed_total",
		Help: "Quota units consumed by action",
	}, []string{"action"})

	modelLatency = f.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chat_ledger_model_latency_seconds",
		Help:    "Chat model invocation latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"model", "outcome"})

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "chat_ledger_db_pool_open_connections",
		Help: "Number of open database connections",
	}, func() float64 {
		if db := poolDB.Load(); db != nil {
			return float64(db.Stats().OpenConnections)
		}
		return 0
	})
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "chat_ledger_db_pool_max_connections",
		Help: "Maximum number of database connections",
	}, func() float64 {
		if db := poolDB.Load(); db != nil {
			return float64(db.Stats().MaxOpenConnections)
		}
		return 0
	})
}

// ObserveDBPool makes db the source of the connection pool gauges.
func ObserveDBPool(db *sql.DB) {
	poolDB.Store(db)
}

// RecordDecision counts one authorized action outcome.
func RecordDecision(actionID int, outcome string) {
	if authzDecisionsTotal == nil {
		return
	}
	authzDecisionsTotal.WithLabelValues(model.ActionName(actionID), outcome).Inc()
}

// RecordQuotaUnits counts units charged against an action's quota.
func RecordQuotaUnits(actionID int, amount int64) {
	if quotaUnitsTotal == nil || amount <= 0 {
		return
	}
	quotaUnitsTotal.WithLabelValues(model.ActionName(actionID)).Add(float64(amount))
}

// ObserveModelCall records the latency of one chat model invocation.
func ObserveModelCall(modelName string, start time.Time, err error) {
	if modelLatency == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	modelLatency.WithLabelValues(modelName, outcome).Observe(time.Since(start).Seconds())
}

// RecordCacheLookup counts a toggle cache hit or miss.
func RecordCacheLookup(hit bool) {
	if CacheHitsTotal == nil {
		return
	}
	if hit {
		CacheHitsTotal.Inc()
	} else {
		CacheMissesTotal.Inc()
	}
}

// MetricsMiddleware records HTTP request metrics for Prometheus.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if httpRequestsTotal == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		httpRequestsTotal.WithLabelValues(c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method).Observe(time.Since(start).Seconds())
	}
}
