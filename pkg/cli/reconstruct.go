package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/tardis-dev/tardis-go/pkg/reconstruct"
)

func reconstructCommand(state *rootState) *cli.Command {
	return &cli.Command{
		Name:  "reconstruct",
		Usage: "reconstruct a per-symbol order book and trade stream over a time range",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "venue", Required: true, Usage: "venue identifier, e.g. bitmex"},
			&cli.StringFlag{Name: "from", Required: true, Usage: "range start, ISO-8601"},
			&cli.StringFlag{Name: "to", Required: true, Usage: "range end, ISO-8601"},
			&cli.StringSliceFlag{Name: "symbol", Required: true, Usage: "symbol to reconstruct; repeatable"},
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

			cl, err := newClient(state)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)

			return cl.ReconstructMarket(ctx, c.String("venue"), from, to, c.StringSlice("symbol"),
				func(resp *reconstruct.MarketResponse) error {
					return enc.Encode(resp)
				},
			)
		},
	}
}
