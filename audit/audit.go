// Package audit records revocation verdicts. Sinks implement
// revinfo.AuditSink and are attached with revinfo.WithAuditSink.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/go-kit/kit/metrics"
	kitprometheus "github.com/go-kit/kit/metrics/prometheus"
	"github.com/google/uuid"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	"github.com/georgepadayatti/gopkd/certvalidator/revinfo"
)

// Record is one audited revocation check.
type Record struct {
	ID      string           `json:"id"`
	Verdict *revinfo.Verdict `json:"verdict"`
}

// NewRecord stamps verdict with a fresh record ID.
func NewRecord(verdict *revinfo.Verdict) Record {
	return Record{ID: uuid.NewString(), Verdict: verdict}
}

// LogSink writes every verdict as a structured log line. REVOKED verdicts
// are logged at warn level, UNKNOWN at info and GOOD at debug.
type LogSink struct {
	logger log.Logger
}

// NewLogSink creates a LogSink writing to logger.
func NewLogSink(logger log.Logger) *LogSink {
	return &LogSink{logger: log.With(logger, "component", "revocation-audit")}
}

// RecordRevocationCheck implements revinfo.AuditSink.
func (s *LogSink) RecordRevocationCheck(_ context.Context, v *revinfo.Verdict) {
	if v == nil {
		return
	}
	rec := NewRecord(v)

	var logger log.Logger
	switch v.Status {
	case revinfo.StatusRevoked:
		logger = level.Warn(s.logger)
	case revinfo.StatusUnknown:
		logger = level.Info(s.logger)
	default:
		logger = level.Debug(s.logger)
	}

	keyvals := []interface{}{
		"msg", "revocation check",
		"record", rec.ID,
		"status", v.Status,
		"type", v.CertificateType,
		"serial", v.SerialHex,
		"issuer", v.IssuerDN,
		"took", v.Duration,
	}
	if v.CRLID != "" {
		keyvals = append(keyvals, "crl", v.CRLID)
	}
	if v.Status == revinfo.StatusRevoked {
		keyvals = append(keyvals, "reason", v.Reason)
	}
	if v.Cause != "" {
		keyvals = append(keyvals, "cause", v.Cause)
	}
	logger.Log(keyvals...)
}

// MetricsSink counts verdicts by status and certificate type and observes
// the check duration in seconds.
type MetricsSink struct {
	checks   metrics.Counter
	duration metrics.Histogram
}

// NewMetricsSink creates a MetricsSink. Both metrics must accept the label
// names "status" and "type".
func NewMetricsSink(checks metrics.Counter, duration metrics.Histogram) *MetricsSink {
	return &MetricsSink{checks: checks, duration: duration}
}

// NewPrometheusMetricsSink registers the revocation metrics with reg and
// returns a MetricsSink feeding them.
func NewPrometheusMetricsSink(reg stdprometheus.Registerer, namespace string) (*MetricsSink, error) {
	labels := []string{"status", "type"}
	checks := stdprometheus.NewCounterVec(stdprometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "revocation",
		Name:      "checks_total",
		Help:      "Number of revocation checks by outcome.",
	}, labels)
	duration := stdprometheus.NewHistogramVec(stdprometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "revocation",
		Name:      "check_duration_seconds",
		Help:      "Duration of revocation checks in seconds.",
		Buckets:   stdprometheus.DefBuckets,
	}, labels)

	for _, c := range []stdprometheus.Collector{checks, duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return NewMetricsSink(kitprometheus.NewCounter(checks), kitprometheus.NewHistogram(duration)), nil
}

// RecordRevocationCheck implements revinfo.AuditSink.
func (s *MetricsSink) RecordRevocationCheck(_ context.Context, v *revinfo.Verdict) {
	if v == nil {
		return
	}
	lvs := []string{"status", v.Status.String(), "type", v.CertificateType.String()}
	s.checks.With(lvs...).Add(1)
	s.duration.With(lvs...).Observe(v.Duration.Seconds())
}

// Collector keeps every verdict in memory, newest last.
type Collector struct {
	mu      sync.Mutex
	records []Record
}

// RecordRevocationCheck implements revinfo.AuditSink.
func (c *Collector) RecordRevocationCheck(_ context.Context, v *revinfo.Verdict) {
	if v == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, NewRecord(v))
}

// Records returns a copy of the collected records.
func (c *Collector) Records() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Record, len(c.records))
	copy(out, c.records)
	return out
}

// Since returns the records whose check started at or after t.
func (c *Collector) Since(t time.Time) []Record {
	var out []Record
	for _, r := range c.Records() {
		if !r.Verdict.CheckedAt.Before(t) {
			out = append(out, r)
		}
	}
	return out
}

// Multi fans a verdict out to several sinks in order. A panicking sink does
// not prevent the others from being called.
type Multi []revinfo.AuditSink

// RecordRevocationCheck implements revinfo.AuditSink.
func (m Multi) RecordRevocationCheck(ctx context.Context, v *revinfo.Verdict) {
	for _, sink := range m {
		if sink == nil {
			continue
		}
		func() {
			defer func() { _ = recover() }()
			sink.RecordRevocationCheck(ctx, v)
		}()
	}
}
