package apiclient

import (
	"context"
	"net/http"
	"sync"

	"golang.org/x/sync/errgroup"
)

// healthPaths are the health endpoints of each backend, relative to its base URL.
var healthPaths = map[Backend]string{
	BackendMain:  "/v1/logs/health",
	BackendInsta: "/",
	BackendEmail: "/health",
}

// Check checks one backend.
func (c *Client) Check(ctx context.Context, backend Backend) HealthStatus {
	if err := c.Do(ctx, backend, http.MethodGet, healthPaths[backend], nil, nil); err != nil {
		return HealthStatus{Status: Unhealthy, Error: err.Error()}
	}
	return HealthStatus{Status: Healthy}
}

// CheckAll checks every configured backend concurrently. A failing backend never
// aborts the others; it is reported as unhealthy.
func (c *Client) CheckAll(ctx context.Context) map[Backend]HealthStatus {
	var (
		mu  sync.Mutex
		out = make(map[Backend]HealthStatus, len(Backends))
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, b := range Backends {
		if c.baseURLs[b] == "" {
			continue
		}
		g.Go(func() error {
			st := c.Check(gctx, b)
			mu.Lock()
			out[b] = st
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}
