// Package client is the programmatic, venue-agnostic surface: Replay,
// ReconstructMarket, and ClearCache (spec §4.7, §6).
package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tardis-dev/tardis-go/pkg/filter"
	"github.com/tardis-dev/tardis-go/pkg/orchestrator"
	"github.com/tardis-dev/tardis-go/pkg/reconstruct"
	"github.com/tardis-dev/tardis-go/pkg/replay"
	"github.com/tardis-dev/tardis-go/pkg/upstream"
)

// defaultEndpoint is the public historical data-feeds service.
const defaultEndpoint = "https://api.tardis.dev"

// KnownVenues is the set of venue identifiers this client accepts. The
// per-venue channel catalogs themselves are out of scope (spec §1); this
// only gates which venue name is structurally valid.
var KnownVenues = map[string]struct{}{ //nolint:gochecknoglobals
	"bitmex":   {},
	"deribit":  {},
	"binance":  {},
	"bitfinex": {},
	"okex":     {},
	"bybit":    {},
}

var (
	// ErrUnknownVenue is returned when the venue argument isn't in KnownVenues.
	ErrUnknownVenue = errors.New("unknown venue")

	// ErrInvalidRange is returned when from is not strictly before to.
	ErrInvalidRange = errors.New("from must be strictly before to")
)

// Config configures a Client for its whole lifetime.
type Config struct {
	Endpoint    string
	CacheDir    string
	APIKey      string
	HTTPTimeout time.Duration
	HTTPProxy   *url.URL
	Concurrency int // the adaptive limiter's ceiling; 0 means the default (60).

	Metrics *orchestrator.Metrics
}

// Client is the façade described by spec §4.7. It is safe for concurrent
// use across independent Replay/ReconstructMarket calls; each call owns its
// own Orchestrator and Iterator.
type Client struct {
	cfg Config
}

// New validates cfg and returns a ready-to-use Client.
func New(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultEndpoint
	}

	if cfg.CacheDir == "" {
		cfg.CacheDir = filepath.Join(os.TempDir(), ".tardis-cache")
	}

	return &Client{cfg: cfg}, nil
}

// RangeRequest describes one replay or reconstruction request.
type RangeRequest struct {
	Venue   string
	From    time.Time
	To      time.Time
	Filters []filter.Filter
}

func (r RangeRequest) validate() error {
	if _, ok := KnownVenues[r.Venue]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownVenue, r.Venue)
	}

	if !r.From.Before(r.To) {
		return ErrInvalidRange
	}

	return nil
}

func (r RangeRequest) minutes() int {
	return int(r.To.Sub(r.From) / time.Minute)
}

// Replay validates req, then concurrently drives the Download Orchestrator
// as a background producer and the Replay Iterator as the foreground
// consumer, yielding each record in order to onMessage. onMessage's error,
// if any, stops the replay and is returned; an early stop cancels the
// Orchestrator and awaits every in-flight fetch before Replay returns (spec
// §4.7, §5 cancellation semantics).
func (c *Client) Replay(ctx context.Context, req RangeRequest, raw bool, onMessage func(replay.Message) error) error {
	if err := req.validate(); err != nil {
		return err
	}

	req.Filters = filter.Normalize(req.Filters)
	fingerprint := filter.Fingerprint(req.Filters)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	replayID := uuid.New().String()
	log := zerolog.Ctx(ctx).With().Str("replay_id", replayID).Str("venue", req.Venue).Logger()
	ctx = log.WithContext(ctx)
	log.Debug().Time("from", req.From).Time("to", req.To).Msg("starting replay")

	orch, err := orchestrator.New(orchestrator.Options{
		Ceiling: c.cfg.Concurrency,
		HTTPOpts: upstreamOptions(c.cfg),
		Metrics: c.cfg.Metrics,
	})
	if err != nil {
		return fmt.Errorf("error constructing the orchestrator: %w", err)
	}

	orchErrCh := make(chan error, 1)

	go func() {
		orchErrCh <- orch.Run(ctx, orchestrator.Plan{
			Endpoint:    c.cfg.Endpoint,
			Venue:       req.Venue,
			From:        req.From,
			Minutes:     req.minutes(),
			Filters:     req.Filters,
			Fingerprint: fingerprint,
			APIKey:      c.cfg.APIKey,
			CacheRoot:   c.cfg.CacheDir,
		})
	}()

	await := func(awaitCtx context.Context) error {
		select {
		case err := <-orchErrCh:
			orchErrCh <- err // let the trailing drain below observe it too.

			return err
		default:
			return nil
		}
	}

	it := replay.New(ctx, replay.Options{
		Venue:       req.Venue,
		From:        req.From,
		Minutes:     req.minutes(),
		Fingerprint: fingerprint,
		CacheRoot:   c.cfg.CacheDir,
		Raw:         raw,
		Await:       await,
	})
	defer it.Close()

	var consumeErr error

	for it.Next(ctx) {
		if err := onMessage(it.Message()); err != nil {
			consumeErr = err

			break
		}
	}

	if consumeErr == nil {
		consumeErr = it.Err()
	}

	cancel()

	orchErr := <-orchErrCh
	if orchErr != nil && !errors.Is(orchErr, context.Canceled) {
		if consumeErr == nil {
			return fmt.Errorf("download failed: %w", orchErr)
		}
	}

	return consumeErr
}

// ReconstructMarket obtains a Reconstructor for symbols, derives the
// orderBookL2/trade filters it needs, runs Replay in decoded mode, and
// invokes onResponse only for the non-nil reconstructor outputs (spec §4.7,
// second entry point).
func (c *Client) ReconstructMarket(
	ctx context.Context,
	venue string,
	from, to time.Time,
	symbols []string,
	onResponse func(*reconstruct.MarketResponse) error,
) error {
	r, err := reconstruct.New(symbols)
	if err != nil {
		return fmt.Errorf("error constructing the reconstructor: %w", err)
	}

	derived := r.Filters()
	filters := make([]filter.Filter, len(derived))

	for i, d := range derived {
		filters[i] = filter.Filter{Channel: d.Channel, Symbols: d.Symbols}
	}

	req := RangeRequest{Venue: venue, From: from, To: to, Filters: filters}

	return c.Replay(ctx, req, false, func(msg replay.Message) error {
		resp, err := r.Process(msg.LocalTimestamp, msg.Payload)
		if err != nil {
			return fmt.Errorf("error reconstructing market message: %w", err)
		}

		if resp == nil {
			return nil
		}

		return onResponse(resp)
	})
}

// ClearCache removes every cached slice under the cache directory, leaving
// the cache root itself intact (spec §6, Supplemented Features).
func (c *Client) ClearCache() error {
	feedsDir := filepath.Join(c.cfg.CacheDir, "feeds")

	if err := os.RemoveAll(feedsDir); err != nil {
		return fmt.Errorf("error clearing the cache at %q: %w", feedsDir, err)
	}

	return nil
}

func upstreamOptions(cfg Config) upstream.Options {
	return upstream.Options{
		HTTPTimeout: cfg.HTTPTimeout,
		HTTPProxy:   cfg.HTTPProxy,
	}
}
