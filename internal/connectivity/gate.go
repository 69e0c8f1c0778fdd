package connectivity

import (
	"context"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"
)

const probeTimeout = 3 * time.Second

// Gate answers whether the remote store is reachable. The link-layer state
// comes from SetOnline; Probe confirms it against the API itself.
type Gate struct {
	healthURL string
	client    *http.Client

	mu        sync.RWMutex
	online    bool
	listeners []func(bool)
}

// NewGate creates a gate probing <baseURL>/health. The gate starts optimistic.
func NewGate(baseURL string) *Gate {
	return &Gate{
		healthURL: strings.TrimRight(baseURL, "/") + "/health",
		client:    &http.Client{Timeout: probeTimeout},
		online:    true,
	}
}

// OnChange registers fn to be called on every reachability transition.
func (g *Gate) OnChange(fn func(online bool)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listeners = append(g.listeners, fn)
}

func (g *Gate) IsReachable() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.online
}

// SetOnline records a host online/offline signal.
func (g *Gate) SetOnline(online bool) {
	g.mu.Lock()
	if g.online == online {
		g.mu.Unlock()
		return
	}
	g.online = online
	listeners := append(([]func(bool))(nil), g.listeners...)
	g.mu.Unlock()

	log.Printf("[connectivity] remote store reachable: %v", online)
	for _, fn := range listeners {
		fn(online)
	}
}

// Probe checks the API with a short timeout. Any response below 500 counts
// as reachable; every error yields false.
func (g *Gate) Probe(ctx context.Context) bool {
	reachable := g.probe(ctx)
	g.SetOnline(reachable)
	return reachable
}

func (g *Gate) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.healthURL, nil)
	if err != nil {
		return false
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

// Run probes every interval until ctx is done.
func (g *Gate) Run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Probe(ctx)
		}
	}
}
