package cli

import (
	"net/url"

	"github.com/tardis-dev/tardis-go/pkg/client"
)

// newClient builds a Client from the root flags captured in state.
func newClient(state *rootState) (*client.Client, error) {
	var proxy *url.URL

	if state.httpProxy != "" {
		u, err := url.Parse(state.httpProxy)
		if err != nil {
			return nil, err
		}

		proxy = u
	}

	return client.New(client.Config{
		Endpoint:    state.endpoint,
		CacheDir:    state.cacheDir,
		APIKey:      state.apiKey,
		HTTPTimeout: state.httpTimeout,
		HTTPProxy:   proxy,
		Concurrency: int(state.concurrency),
		Metrics:     state.metrics,
	})
}
