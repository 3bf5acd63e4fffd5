package cli

import (
	"context"

	"github.com/urfave/cli/v3"
)

func clearCacheCommand(state *rootState) *cli.Command {
	return &cli.Command{
		Name:  "clear-cache",
		Usage: "remove every cached slice under the cache directory",
		Action: func(_ context.Context, _ *cli.Command) error {
			cl, err := newClient(state)
			if err != nil {
				return err
			}

			return cl.ClearCache()
		},
	}
}
