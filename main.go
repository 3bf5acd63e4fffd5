package main

import (
	"context"
	"log"
	"os"

	"github.com/tardis-dev/tardis-go/pkg/cli"
)

func main() {
	os.Exit(realMain())
}

func realMain() int {
	c, err := cli.New()
	if err != nil {
		log.Printf("error building the command: %s", err)

		return 1
	}

	if err := c.Run(context.Background(), os.Args); err != nil {
		log.Printf("error running the application: %s", err)

		return 1
	}

	return 0
}
