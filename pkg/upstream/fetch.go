// Package upstream performs one HTTP fetch of one slice at a time: issuing
// the GET, retrying with backoff, and committing the response atomically
// into the local cache.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tardis-dev/tardis-go/pkg/cachepath"
	"github.com/tardis-dev/tardis-go/pkg/filter"
)

const otelPackageName = "github.com/tardis-dev/tardis-go/pkg/upstream"

// maxAttempts bounds the fetcher to at most 5 attempts per slice (spec §4.3,
// §8 "Retry bound").
const maxAttempts = 5

const defaultHTTPTimeout = 60 * time.Second

const defaultDialerTimeout = 3 * time.Second

var tracer trace.Tracer //nolint:gochecknoglobals

//nolint:gochecknoinits
func init() {
	tracer = otel.Tracer(otelPackageName)
}

// Request describes one slice to fetch: which coordinate it belongs to in
// the cache, and the parameters needed to build the remote request URL.
type Request struct {
	Endpoint    string
	Venue       string
	From        time.Time // the overall range start; the URL's "from" parameter.
	Offset      int        // minutes since From; the URL's "offset" parameter.
	Filters     []filter.Filter
	Fingerprint string
	APIKey      string
	CacheRoot   string
}

// Minute returns the minute this request's slice covers.
func (r Request) Minute() time.Time {
	return r.From.UTC().Truncate(time.Minute).Add(time.Duration(r.Offset) * time.Minute)
}

func (r Request) coordinate() cachepath.Coordinate {
	return cachepath.Coordinate{Venue: r.Venue, Minute: r.Minute(), Fingerprint: r.Fingerprint}
}

// Options configures the Fetcher's HTTP client.
type Options struct {
	HTTPTimeout   time.Duration
	HTTPProxy     *url.URL
	DialerTimeout time.Duration
}

// Fetcher performs one GET per call to Fetch, with retry/backoff and
// atomic, crash-safe cache writes. A circuit breaker trips after repeated
// fatal upstream responses (e.g. a revoked API key) so a whole plan doesn't
// burn through every slice's retry budget against a upstream that will
// never succeed.
type Fetcher struct {
	httpClient *http.Client
	breaker    *breaker
}

// New creates a Fetcher whose HTTP client is scoped to one Orchestrator
// call; it is not shared across Replay calls.
func New(opts Options) (*Fetcher, error) {
	timeout := opts.HTTPTimeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}

	dt, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return nil, errors.New("unable to cast http.DefaultTransport to *http.Transport")
	}

	dt = dt.Clone()
	if opts.HTTPProxy != nil {
		dt.Proxy = http.ProxyURL(opts.HTTPProxy)
	}

	dialerTimeout := opts.DialerTimeout
	if dialerTimeout <= 0 {
		dialerTimeout = defaultDialerTimeout
	}

	dialer := &net.Dialer{Timeout: dialerTimeout, KeepAlive: 30 * time.Second}
	dt.DialContext = dialer.DialContext

	return &Fetcher{
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(dt),
			Timeout:   timeout,
		},
		breaker: newBreaker(DefaultBreakerThreshold, DefaultBreakerTimeout),
	}, nil
}

// Fetch ensures the slice identified by req exists, committed, in the
// cache. If it already exists, Fetch returns immediately without any
// network activity (spec §4.3 precondition 1). onThrottle, if non-nil, is
// invoked synchronously every time a 429 response is observed, so the
// Orchestrator's adaptive concurrency limiter can react even when the
// retry eventually succeeds.
func (f *Fetcher) Fetch(ctx context.Context, req Request, onThrottle func()) error {
	coord := req.coordinate()

	finalPath, err := cachepath.Resolve(req.CacheRoot, coord)
	if err != nil {
		return &LogicError{Err: fmt.Errorf("error resolving the cache path: %w", err)}
	}

	ctx, span := tracer.Start(
		ctx,
		"upstream.Fetch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("venue", req.Venue),
			attribute.Int("offset", req.Offset),
			attribute.String("final_path", finalPath),
		),
	)
	defer span.End()

	log := zerolog.Ctx(ctx).With().
		Str("venue", req.Venue).
		Int("offset", req.Offset).
		Str("final_path", finalPath).
		Logger()

	if _, err := os.Stat(finalPath); err == nil {
		log.Debug().Msg("cache hit, skipping download")

		return nil
	}

	if f.breaker.isOpen() {
		err := &LogicError{Err: fmt.Errorf("%w: too many recent fatal responses from %s", ErrCircuitOpen, req.Endpoint)}
		span.RecordError(err)

		return err
	}

	bo := newThrottleBackOff()

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		if ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(ctx.Err())
		}

		attemptErr := f.attempt(ctx, log, req, finalPath)
		if attemptErr == nil {
			return struct{}{}, nil
		}

		var httpErr *HTTPError
		if errors.As(attemptErr, &httpErr) {
			if httpErr.Kind() == KindFatal {
				f.breaker.recordOutcome(attemptErr)

				return struct{}{}, backoff.Permanent(attemptErr)
			}

			if httpErr.StatusCode == http.StatusTooManyRequests {
				bo.MarkThrottled()

				if onThrottle != nil {
					onThrottle()
				}
			}
		}

		log.Debug().Err(attemptErr).Msg("fetch attempt failed, will retry")

		return struct{}{}, attemptErr
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(maxAttempts))

	if err != nil {
		span.RecordError(err)

		return err
	}

	f.breaker.recordOutcome(nil)

	return nil
}

// attempt performs exactly one GET-and-commit cycle. It does not retry.
func (f *Fetcher) attempt(ctx context.Context, log zerolog.Logger, req Request, finalPath string) error {
	u := req.Endpoint + "/v1/data-feeds/" + req.Venue +
		"?from=" + url.QueryEscape(req.From.UTC().Format(time.RFC3339Nano)) +
		"&offset=" + strconv.Itoa(req.Offset)

	if len(req.Filters) > 0 {
		u += "&filters=" + filter.QueryEscape(req.Filters)
	}

	r, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return &LogicError{Err: fmt.Errorf("error creating the request: %w", err)}
	}

	r.Header.Set("User-Agent", "tardis-client/1.0.0 (+https://github.com/tardis-dev/tardis-python)")

	if req.APIKey != "" {
		r.Header.Set("Authorization", "Bearer "+req.APIKey)
	}

	log.Debug().Str("url", u).Msg("downloading slice from upstream")

	resp, err := f.httpClient.Do(r)
	if err != nil {
		return fmt.Errorf("error performing the request to %s: %w", u, err)
	}

	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

		return &HTTPError{StatusCode: resp.StatusCode, URL: u, Body: string(body)}
	}

	return writeAtomic(finalPath, resp.Body)
}

// writeAtomic streams body into a uniquely named temp file alongside
// finalPath, then renames it into place. If the rename fails because
// finalPath already exists (a concurrent fetcher of the same coordinate won
// the race), that is treated as success and the temp file is discarded. On
// every exit path, leftover temp files are removed.
func writeAtomic(finalPath string, body io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return fmt.Errorf("error creating the cache directories for %q: %w", finalPath, err)
	}

	tmpPath, err := cachepath.TempPath(finalPath)
	if err != nil {
		return &LogicError{Err: err}
	}

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("error creating the temp file %q: %w", tmpPath, err)
	}

	removeTemp := true

	defer func() {
		if removeTemp {
			os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(f, body); err != nil {
		f.Close()

		return fmt.Errorf("error writing the slice body to %q: %w", tmpPath, err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("error closing the temp file %q: %w", tmpPath, err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		if _, statErr := os.Stat(finalPath); statErr == nil {
			// A concurrent fetcher for the same coordinate committed first;
			// our payload is equally valid, so this is success, not failure.
			return nil
		}

		return fmt.Errorf("error committing %q to %q: %w", tmpPath, finalPath, err)
	}

	removeTemp = false

	return nil
}

