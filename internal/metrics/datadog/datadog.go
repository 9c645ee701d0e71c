// Package datadog implements a Datadog backend for the internal/metrics package.
//
// Conversion runs are long batch jobs, so a single submission at exit would
// show up as one spike. The backend therefore buffers updates in memory,
// submits them on a ticker (once a minute by default) and once more on Close.
//
// Concurrency: workers may call IncCounter/ObserveHistogram at any time.
// Flush swaps the buffers under the mutex and submits outside of it.
package datadog

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	dd "github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"

	"patentetl/internal/metrics"
)

// Prefix is prepended to every submitted metric name.
const Prefix = "patentetl"

// Options controls Datadog backend configuration.
type Options struct {
	// JobName becomes tag "job:<name>" on every metric. Defaults to "patentetl".
	JobName string

	// Tags are extra Datadog tags, e.g. []string{"env:prod", "corpus:ipg"}.
	Tags []string

	// FlushEvery controls how often buffered metrics are submitted.
	// Defaults to 60 seconds.
	FlushEvery time.Duration

	// Test seams; production leaves them nil.
	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker
	submitter metricsSubmitter
}

// metricsSubmitter is the part of *datadogV2.MetricsApi the backend uses.
type metricsSubmitter interface {
	SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error)
}

// buffers holds one collection window.
type buffers struct {
	documents map[string]float64   // stage\x00status -> count
	rows      map[string]float64   // table -> count
	files     map[string]float64   // status -> count
	durations map[string][]float64 // step\x00status -> samples
}

func newBuffers() buffers {
	return buffers{
		documents: make(map[string]float64),
		rows:      make(map[string]float64),
		files:     make(map[string]float64),
		durations: make(map[string][]float64),
	}
}

func (s buffers) isEmpty() bool {
	return len(s.documents) == 0 && len(s.rows) == 0 && len(s.files) == 0 && len(s.durations) == 0
}

// Backend implements metrics.Backend for Datadog.
type Backend struct {
	api metricsSubmitter
	ctx context.Context

	flushEvery time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}
	closeOnce  sync.Once

	baseTags []string

	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker

	mu  sync.Mutex
	buf buffers
}

var _ metrics.Backend = (*Backend)(nil)

func resolveEnvTag() string {
	if v := strings.TrimSpace(os.Getenv("ENV")); v != "" {
		return "env:" + v
	}
	if v := strings.TrimSpace(os.Getenv("DD_ENV")); v != "" {
		return "env:" + v
	}
	return "env:unknown"
}

// NewBackend constructs a Datadog backend using the official client and starts
// its flush loop. Credentials and site come from the usual DD_* environment
// variables; network errors surface from Flush, not here.
func NewBackend(parent context.Context, opts Options) (*Backend, error) {
	if parent == nil {
		return nil, wrapInitErr(fmt.Errorf("nil context"))
	}

	job := opts.JobName
	if job == "" {
		job = "patentetl"
	}
	flushEvery := opts.FlushEvery
	if flushEvery <= 0 {
		flushEvery = 60 * time.Second
	}

	baseTags := make([]string, 0, 2+len(opts.Tags))
	baseTags = append(baseTags, resolveEnvTag(), "job:"+job)
	baseTags = append(baseTags, opts.Tags...)

	nowFn := opts.now
	if nowFn == nil {
		nowFn = time.Now
	}
	newTicker := opts.newTicker
	if newTicker == nil {
		newTicker = time.NewTicker
	}
	submitter := opts.submitter
	if submitter == nil {
		submitter = datadogV2.NewMetricsApi(dd.NewAPIClient(dd.NewConfiguration()))
	}

	b := &Backend{
		api:        submitter,
		ctx:        dd.NewDefaultContext(parent),
		flushEvery: flushEvery,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		baseTags:   baseTags,
		now:        nowFn,
		newTicker:  newTicker,
		buf:        newBuffers(),
	}
	go b.loop()
	return b, nil
}

func (b *Backend) loop() {
	defer close(b.doneCh)

	t := b.newTicker(b.flushEvery)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			_ = b.Flush()
		case <-b.stopCh:
			return
		}
	}
}

// Close stops the flush loop and performs one final Flush. Calling Close more
// than once only flushes again.
func (b *Backend) Close() error {
	b.closeOnce.Do(func() {
		close(b.stopCh)
		<-b.doneCh
	})
	return b.Flush()
}

// IncCounter implements metrics.Backend. Unknown names are ignored.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch name {
	case metrics.DocumentsTotal:
		b.buf.documents[pairKey(labels["stage"], labels["status"])] += delta
	case metrics.RowsTotal:
		tbl := labels["table"]
		if tbl == "" {
			return
		}
		b.buf.rows[tbl] += delta
	case metrics.FilesTotal:
		b.buf.files[orUnknown(labels["status"])] += delta
	}
}

// ObserveHistogram implements metrics.Backend. Unknown names are ignored.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if value < 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if name == metrics.StepDurationSeconds {
		k := pairKey(labels["step"], labels["status"])
		b.buf.durations[k] = append(b.buf.durations[k], value)
	}
}

func (b *Backend) snapshotAndReset() buffers {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.buf
	b.buf = newBuffers()
	return s
}

// Flush submits buffered metrics and resets the buffers, even when the
// submission fails. It returns nil when there is nothing to submit.
func (b *Backend) Flush() error {
	snap := b.snapshotAndReset()
	if snap.isEmpty() {
		return nil
	}

	payload := datadogV2.MetricPayload{Series: b.buildSeries(snap, b.now().Unix())}
	if _, _, err := b.api.SubmitMetrics(b.ctx, payload, *datadogV2.NewSubmitMetricsOptionalParameters()); err != nil {
		return fmt.Errorf("datadog submit: %w", err)
	}
	return nil
}

// buildSeries turns a snapshot into Datadog series stamped with nowUnix.
// Series are sorted by metric name then tags so payloads are stable.
func (b *Backend) buildSeries(s buffers, nowUnix int64) []datadogV2.MetricSeries {
	series := make([]datadogV2.MetricSeries, 0, len(s.documents)+len(s.rows)+len(s.files)+6*len(s.durations))

	for k, v := range s.documents {
		stage, status := splitPairKey(k)
		series = append(series, pointSeries(Prefix+".documents.total", datadogV2.METRICINTAKETYPE_COUNT, v,
			withTags(b.baseTags, "stage:"+orUnknown(stage), "status:"+status), nowUnix))
	}
	for tbl, v := range s.rows {
		series = append(series, pointSeries(Prefix+".rows.total", datadogV2.METRICINTAKETYPE_COUNT, v,
			withTags(b.baseTags, "table:"+tbl), nowUnix))
	}
	for status, v := range s.files {
		series = append(series, pointSeries(Prefix+".files.total", datadogV2.METRICINTAKETYPE_COUNT, v,
			withTags(b.baseTags, "status:"+status), nowUnix))
	}
	for k, samples := range s.durations {
		step, status := splitPairKey(k)
		addPercentiles(&series, Prefix+".step.duration_seconds", withTags(b.baseTags, "step:"+orUnknown(step), "status:"+status), samples, nowUnix)
	}

	sort.Slice(series, func(i, j int) bool {
		if series[i].Metric != series[j].Metric {
			return series[i].Metric < series[j].Metric
		}
		return strings.Join(series[i].Tags, ",") < strings.Join(series[j].Tags, ",")
	})
	return series
}

// addPercentiles appends p50/p90/p95/p99/max/samples gauges for samples.
// samples is not modified.
func addPercentiles(series *[]datadogV2.MetricSeries, prefix string, tags []string, samples []float64, nowUnix int64) {
	if len(samples) == 0 {
		return
	}
	cp := append([]float64(nil), samples...)
	sort.Float64s(cp)

	gauge := datadogV2.METRICINTAKETYPE_GAUGE
	*series = append(*series,
		pointSeries(prefix+".p50", gauge, percentileNearestRank(cp, 0.50), tags, nowUnix),
		pointSeries(prefix+".p90", gauge, percentileNearestRank(cp, 0.90), tags, nowUnix),
		pointSeries(prefix+".p95", gauge, percentileNearestRank(cp, 0.95), tags, nowUnix),
		pointSeries(prefix+".p99", gauge, percentileNearestRank(cp, 0.99), tags, nowUnix),
		pointSeries(prefix+".max", gauge, cp[len(cp)-1], tags, nowUnix),
		pointSeries(prefix+".samples", gauge, float64(len(cp)), tags, nowUnix),
	)
}

func pointSeries(metric string, typ datadogV2.MetricIntakeType, value float64, tags []string, nowUnix int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: metric,
		Type:   typ.Ptr(),
		Points: []datadogV2.MetricPoint{
			{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
		},
		Tags: tags,
	}
}

func pairKey(a, b string) string {
	return a + "\x00" + orUnknown(b)
}

func splitPairKey(k string) (string, string) {
	a, b, ok := strings.Cut(k, "\x00")
	if !ok {
		return k, "unknown"
	}
	return a, b
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func withTags(base []string, extras ...string) []string {
	out := make([]string, 0, len(base)+len(extras))
	out = append(out, base...)
	return append(out, extras...)
}

func percentileNearestRank(s []float64, p float64) float64 {
	n := len(s)
	if n == 0 {
		return 0
	}
	if p <= 0 {
		return s[0]
	}
	if p >= 1 {
		return s[n-1]
	}
	idx := int(p*float64(n-1) + 0.5)
	if idx >= n {
		idx = n - 1
	}
	return s[idx]
}

// ParseTagsCSV parses comma-separated tags like "env:prod,corpus:ipg".
func ParseTagsCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func wrapInitErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("datadog metrics init: %w", err)
}
