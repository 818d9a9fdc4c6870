package runtime

import (
	"context"
	"net/http"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

const (
	poolSize    = 256
	clientTTL   = 30 * time.Minute
	metaTTL     = 5 * time.Minute
	metaEntries = 256
)

// Pool hands out agent clients keyed by endpoint. Clients share one HTTP
// transport; idle entries age out so endpoints of destroyed sessions do not
// accumulate. Meta responses are cached briefly and deduplicated so a burst
// of capability checks against one session costs a single round trip.
type Pool struct {
	clients *expirable.LRU[string, *AgentClient]
	meta    *expirable.LRU[string, *Meta]
	sf      singleflight.Group
	http    *http.Client
}

// NewPool builds an empty client pool.
func NewPool() *Pool {
	return &Pool{
		clients: expirable.NewLRU[string, *AgentClient](poolSize, nil, clientTTL),
		meta:    expirable.NewLRU[string, *Meta](metaEntries, nil, metaTTL),
		// No client-level Timeout: an absolute cap would abort long
		// executions and large transfers. Every call is bounded by its
		// context instead.
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Get returns the client for endpoint, creating it on first use.
func (p *Pool) Get(endpoint string) Client {
	if c, ok := p.clients.Get(endpoint); ok {
		return c
	}
	c := NewAgentClient(endpoint, p.http)
	p.clients.Add(endpoint, c)
	return c
}

// GetMeta returns the agent meta for endpoint, from cache when fresh.
// Concurrent misses for the same endpoint collapse into one request.
func (p *Pool) GetMeta(ctx context.Context, endpoint string) (*Meta, error) {
	if m, ok := p.meta.Get(endpoint); ok {
		return m, nil
	}
	v, err, _ := p.sf.Do(endpoint, func() (any, error) {
		m, err := p.Get(endpoint).Meta(ctx)
		if err != nil {
			return nil, err
		}
		p.meta.Add(endpoint, m)
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Meta), nil
}

// Invalidate drops cached state for endpoint. Called when a session is
// destroyed or its container is replaced.
func (p *Pool) Invalidate(endpoint string) {
	p.clients.Remove(endpoint)
	p.meta.Remove(endpoint)
}
