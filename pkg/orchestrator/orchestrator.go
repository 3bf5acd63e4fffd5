// Package orchestrator drives the concurrent, bounded-parallelism download
// of every slice in a replay range ahead of the Replay Iterator consuming
// them, per spec §4.4.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tardis-dev/tardis-go/pkg/cachepath"
	"github.com/tardis-dev/tardis-go/pkg/filter"
	"github.com/tardis-dev/tardis-go/pkg/upstream"
)

// Metrics holds the Prometheus collectors the Orchestrator reports to.
// Callers construct one per process and reuse it across Orchestrator runs.
type Metrics struct {
	InFlight    prometheus.Gauge
	Limit       prometheus.Gauge
	Throttled   prometheus.Counter
	Retries     prometheus.Counter
	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter
}

// NewMetrics registers and returns a Metrics set under reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tardis", Subsystem: "orchestrator", Name: "in_flight",
			Help: "Number of slice downloads currently in flight.",
		}),
		Limit: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tardis", Subsystem: "orchestrator", Name: "limit",
			Help: "Current adaptive concurrency limit.",
		}),
		Throttled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tardis", Subsystem: "orchestrator", Name: "throttled_total",
			Help: "Number of HTTP 429 responses observed.",
		}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tardis", Subsystem: "orchestrator", Name: "retries_total",
			Help: "Number of HTTP 429 responses seen by fetches; retries after other failures are not counted.",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tardis", Subsystem: "orchestrator", Name: "cache_hits_total",
			Help: "Number of slices already present in the cache at fetch time.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tardis", Subsystem: "orchestrator", Name: "cache_misses_total",
			Help: "Number of slices that required a network fetch.",
		}),
	}

	for _, c := range []prometheus.Collector{m.InFlight, m.Limit, m.Throttled, m.Retries, m.CacheHits, m.CacheMisses} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("error registering orchestrator metric: %w", err)
		}
	}

	return m, nil
}

// Plan describes the full range of slices to download.
type Plan struct {
	Endpoint    string
	Venue       string
	From        time.Time
	Minutes     int // number of one-minute slices, i.e. offsets 0..Minutes-1.
	Filters     []filter.Filter
	Fingerprint string
	APIKey      string
	CacheRoot   string
}

// Options configures one Orchestrator run.
type Options struct {
	Ceiling    int // the maximum the adaptive limit may grow back to.
	HTTPOpts   upstream.Options
	Metrics    *Metrics
}

// Orchestrator downloads every slice in a Plan with bounded, adaptively
// throttled parallelism, stopping at the first fatal error (spec §4.4,
// "first error cancels the whole plan").
type Orchestrator struct {
	fetcher *upstream.Fetcher
	limiter *adaptiveLimiter
	metrics *Metrics
}

// New constructs an Orchestrator. The returned Orchestrator is scoped to a
// single Run call.
func New(opts Options) (*Orchestrator, error) {
	fetcher, err := upstream.New(opts.HTTPOpts)
	if err != nil {
		return nil, fmt.Errorf("error constructing the fetcher: %w", err)
	}

	ceiling := opts.Ceiling
	if ceiling <= 0 {
		ceiling = defaultInitialLimit
	}

	return &Orchestrator{
		fetcher: fetcher,
		limiter: newAdaptiveLimiter(ceiling),
		metrics: opts.Metrics,
	}, nil
}

// Run downloads every slice named by plan into the cache, as concurrently as
// the adaptive limiter allows. It returns the first fatal or context error
// encountered; all other in-flight downloads are cancelled and awaited
// before Run returns (spec §4.4 invariant: no goroutine leaks past Run).
func (o *Orchestrator) Run(ctx context.Context, plan Plan) error {
	log := zerolog.Ctx(ctx).With().Str("venue", plan.Venue).Int("minutes", plan.Minutes).Logger()

	g, ctx := errgroup.WithContext(ctx)

	for offset := range plan.Minutes {
		g.Go(func() error {
			return o.fetchOne(ctx, log, plan, offset)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	return nil
}

func (o *Orchestrator) fetchOne(ctx context.Context, log zerolog.Logger, plan Plan, offset int) error {
	if err := o.limiter.Acquire(ctx); err != nil {
		return fmt.Errorf("error acquiring a download slot for offset %d: %w", offset, err)
	}

	if o.metrics != nil {
		o.metrics.InFlight.Inc()
		o.metrics.Limit.Set(float64(o.limiter.Current()))
	}

	req := upstream.Request{
		Endpoint:    plan.Endpoint,
		Venue:       plan.Venue,
		From:        plan.From,
		Offset:      offset,
		Filters:     plan.Filters,
		Fingerprint: plan.Fingerprint,
		APIKey:      plan.APIKey,
		CacheRoot:   plan.CacheRoot,
	}

	if o.metrics != nil {
		o.recordCacheState(plan, offset)
	}

	onThrottle := func() {
		o.limiter.OnThrottle(timeNow())

		if o.metrics != nil {
			o.metrics.Throttled.Inc()
			o.metrics.Retries.Inc()
			o.metrics.Limit.Set(float64(o.limiter.Current()))
		}
	}

	err := o.fetcher.Fetch(ctx, req, onThrottle)

	if o.metrics != nil {
		o.metrics.InFlight.Dec()
	}

	if err != nil {
		o.limiter.ReleaseWithoutGrowth()

		kind := upstream.Classify(err)
		log.Debug().Err(err).Int("offset", offset).Str("kind", kind.String()).Msg("slice fetch failed")

		if kind == upstream.KindCancelled {
			return fmt.Errorf("fetch for offset %d cancelled: %w", offset, err)
		}

		return fmt.Errorf("fetch for offset %d failed: %w", offset, err)
	}

	o.limiter.Release()

	if o.metrics != nil {
		o.metrics.Limit.Set(float64(o.limiter.Current()))
	}

	return nil
}

// recordCacheState reports whether the slice at offset is already committed
// to the cache, for the cache hit/miss counters. The fetcher performs the
// authoritative check itself; this is a best-effort duplicate solely for
// observability and never gates the actual fetch decision.
func (o *Orchestrator) recordCacheState(plan Plan, offset int) {
	req := upstream.Request{
		Venue:       plan.Venue,
		From:        plan.From,
		Offset:      offset,
		Fingerprint: plan.Fingerprint,
	}

	path, err := cachepath.Resolve(plan.CacheRoot, cachepath.Coordinate{
		Venue:       req.Venue,
		Minute:      req.Minute(),
		Fingerprint: req.Fingerprint,
	})
	if err != nil {
		return
	}

	if _, err := os.Stat(path); err == nil {
		o.metrics.CacheHits.Inc()
	} else {
		o.metrics.CacheMisses.Inc()
	}
}

// timeNow is a var so tests can override it; production code always uses
// the real clock.
var timeNow = time.Now //nolint:gochecknoglobals
