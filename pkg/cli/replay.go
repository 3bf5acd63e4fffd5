package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/tardis-dev/tardis-go/pkg/client"
	"github.com/tardis-dev/tardis-go/pkg/filter"
	"github.com/tardis-dev/tardis-go/pkg/replay"
)

func replayCommand(state *rootState) *cli.Command {
	return &cli.Command{
		Name:  "replay",
		Usage: "replay a venue's raw feed over a time range, newline-delimited JSON to stdout",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "venue", Required: true, Usage: "venue identifier, e.g. bitmex"},
			&cli.StringFlag{Name: "from", Required: true, Usage: "range start, ISO-8601"},
			&cli.StringFlag{Name: "to", Required: true, Usage: "range end, ISO-8601"},
			&cli.StringSliceFlag{
				Name:  "filter",
				Usage: `channel filter as "channel" or "channel:symbol1,symbol2"; repeatable`,
			},
			&cli.BoolFlag{Name: "raw", Usage: "emit raw timestamp/payload byte spans instead of decoding"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			from, err := time.Parse(time.RFC3339, c.String("from"))
			if err != nil {
				return fmt.Errorf("error parsing --from: %w", err)
			}

			to, err := time.Parse(time.RFC3339, c.String("to"))
			if err != nil {
				return fmt.Errorf("error parsing --to: %w", err)
			}

			filters, err := parseFilterFlags(c.StringSlice("filter"))
			if err != nil {
				return err
			}

			cl, err := newClient(state)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)

			return cl.Replay(ctx, client.RangeRequest{
				Venue: c.String("venue"), From: from, To: to, Filters: filters,
			}, c.Bool("raw"), func(msg replay.Message) error {
				return enc.Encode(replayOutput(msg))
			})
		},
	}
}

func replayOutput(msg replay.Message) any {
	if msg.Raw != nil {
		return struct {
			Timestamp string `json:"timestamp"`
			Payload   string `json:"payload"`
		}{Timestamp: string(msg.Raw.Timestamp), Payload: string(msg.Raw.Payload)}
	}

	return struct {
		LocalTimestamp time.Time       `json:"local_timestamp"`
		Message        json.RawMessage `json:"message"`
	}{LocalTimestamp: msg.LocalTimestamp, Message: msg.Payload}
}

// parseFilterFlags parses repeated --filter flags of the form
// "channel" or "channel:sym1,sym2" into filter.Filter values.
func parseFilterFlags(raw []string) ([]filter.Filter, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	filters := make([]filter.Filter, 0, len(raw))

	for _, f := range raw {
		channel, symbolsPart, hasSymbols := strings.Cut(f, ":")

		if channel == "" {
			return nil, fmt.Errorf("invalid --filter %q: channel must not be empty", f)
		}

		var symbols []string

		if hasSymbols && symbolsPart != "" {
			symbols = strings.Split(symbolsPart, ",")
		}

		filters = append(filters, filter.Filter{Channel: channel, Symbols: symbols})
	}

	return filters, nil
}
