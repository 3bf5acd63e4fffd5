// Package cli assembles the tardis-go command-line surface: replay,
// reconstruct, and clear-cache, over the Client façade in pkg/client.
package cli

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	altsrc "github.com/urfave/cli-altsrc/v3"
	"github.com/urfave/cli-altsrc/v3/json"
	"github.com/urfave/cli-altsrc/v3/toml"
	"github.com/urfave/cli-altsrc/v3/yaml"
	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	tardisotel "github.com/tardis-dev/tardis-go/pkg/otel"
	"github.com/tardis-dev/tardis-go/pkg/orchestrator"
)

// Version is set with -ldflags at build time.
//
//nolint:gochecknoglobals
var Version = "dev"

type flagSourcesFn func(configFileKey, envVar string) cli.ValueSourceChain

// rootState carries the root flag values captured in Before into the
// subcommand actions, each of which builds its own Client from them.
type rootState struct {
	endpoint    string
	cacheDir    string
	apiKey      string
	httpTimeout time.Duration
	httpProxy   string
	concurrency int64

	metrics *orchestrator.Metrics
}

// New builds the root command.
func New() (*cli.Command, error) {
	var (
		configPath  string
		otelShutdown func(context.Context) error
		state        rootState
	)

	flagSources := func(configFileKey, envVar string) cli.ValueSourceChain {
		return cli.NewValueSourceChain(
			toml.TOML(configFileKey, altsrc.NewStringPtrSourcer(&configPath)),
			yaml.YAML(configFileKey, altsrc.NewStringPtrSourcer(&configPath)),
			json.JSON(configFileKey, altsrc.NewStringPtrSourcer(&configPath)),
			cli.EnvVar(envVar),
		)
	}

	defaultCacheDir := filepath.Join(os.TempDir(), ".tardis-cache")

	cmd := &cli.Command{
		Name:    "tardis-go",
		Usage:   "fetch and replay historical cryptocurrency market data",
		Version: Version,
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			ctx, log, err := setupLogger(ctx, c)
			if err != nil {
				return ctx, err
			}

			setMaxProcs(log)

			otelShutdown, err = tardisotel.SetupTracing(ctx, c.Bool("otel-enabled"), c.Root().Name, Version)
			if err != nil {
				return ctx, fmt.Errorf("error setting up tracing: %w", err)
			}

			state.endpoint = c.String("endpoint")
			state.cacheDir = c.String("cache-dir")
			state.apiKey = c.String("api-key")
			state.httpTimeout = c.Duration("http-timeout")
			state.httpProxy = c.String("http-proxy")
			state.concurrency = c.Int("concurrency")

			if c.Bool("prometheus-enabled") {
				m, err := orchestrator.NewMetrics(prometheus.DefaultRegisterer)
				if err != nil {
					return ctx, fmt.Errorf("error registering metrics: %w", err)
				}

				state.metrics = m
			}

			return ctx, nil
		},
		After: func(ctx context.Context, _ *cli.Command) error {
			if state.metrics != nil {
				if err := dumpMetrics(os.Stderr); err != nil {
					zerolog.Ctx(ctx).Warn().Err(err).Msg("failed to dump metrics")
				}
			}

			if otelShutdown != nil {
				return otelShutdown(ctx)
			}

			return nil
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "endpoint",
				Usage:   "Base URL of the historical data-feeds service",
				Sources: flagSources("endpoint", "TARDIS_ENDPOINT"),
				Value:   "https://api.tardis.dev",
			},
			&cli.StringFlag{
				Name:    "cache-dir",
				Usage:   "Local directory used to cache downloaded slices",
				Sources: flagSources("cache.dir", "TARDIS_CACHE_DIR"),
				Value:   defaultCacheDir,
			},
			&cli.StringFlag{
				Name:    "api-key",
				Usage:   "API key sent as a Bearer token; omit for unauthenticated access",
				Sources: flagSources("api.key", "TARDIS_API_KEY"),
			},
			&cli.DurationFlag{
				Name:    "http-timeout",
				Usage:   "Per-request HTTP timeout",
				Sources: flagSources("http.timeout", "TARDIS_HTTP_TIMEOUT"),
				Value:   60 * time.Second,
			},
			&cli.StringFlag{
				Name:    "http-proxy",
				Usage:   "HTTP proxy URL for outbound requests",
				Sources: flagSources("http.proxy", "TARDIS_HTTP_PROXY"),
				Validator: func(raw string) error {
					if raw == "" {
						return nil
					}

					_, err := url.Parse(raw)

					return err
				},
			},
			&cli.IntFlag{
				Name:    "concurrency",
				Usage:   "Adaptive concurrency ceiling for the download orchestrator",
				Sources: flagSources("concurrency", "TARDIS_CONCURRENCY"),
				Value:   60,
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Set the log level",
				Sources: flagSources("log.level", "LOG_LEVEL"),
				Value:   "info",
				Validator: func(lvl string) error {
					_, err := zerolog.ParseLevel(lvl)

					return err
				},
			},
			&cli.BoolFlag{
				Name:    "otel-enabled",
				Usage:   "Pretty-print OpenTelemetry trace spans to stdout",
				Sources: flagSources("opentelemetry.enabled", "OTEL_ENABLED"),
			},
			&cli.BoolFlag{
				Name:    "prometheus-enabled",
				Usage:   "Register and print orchestrator Prometheus metrics on exit",
				Sources: flagSources("prometheus.enabled", "PROMETHEUS_ENABLED"),
			},
			&cli.StringFlag{
				Name:        "config",
				Usage:       "Path to the configuration file (toml, yaml, json)",
				Sources:     cli.EnvVars("TARDIS_CONFIG_FILE"),
				Destination: &configPath,
			},
		},
		Commands: []*cli.Command{
			replayCommand(&state),
			reconstructCommand(&state),
			clearCacheCommand(&state),
		},
	}

	return cmd, nil
}

func setupLogger(ctx context.Context, c *cli.Command) (context.Context, zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(c.String("log-level"))
	if err != nil {
		return ctx, zerolog.Logger{}, fmt.Errorf("error parsing the log-level: %w", err)
	}

	var output io.Writer = os.Stdout

	if term.IsTerminal(int(os.Stdout.Fd())) {
		output = colorable.NewColorableStdout()
	}

	logger := zerolog.New(output).Level(lvl).With().Timestamp().Logger()

	return logger.WithContext(ctx), logger, nil
}
