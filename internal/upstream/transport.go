package upstream

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	xproxy "golang.org/x/net/proxy"

	"github.com/subrelay/subrelay/internal/config"
	"github.com/subrelay/subrelay/internal/identity"
)

// ClientFactory builds and caches one *http.Client per egress identity.
// Transports are created lazily and reused for the process lifetime, matching
// identity lifetime (identities are never destroyed, only marked unhealthy).
type ClientFactory struct {
	mu      sync.Mutex
	clients map[string]*http.Client
}

// NewClientFactory creates an empty factory.
func NewClientFactory() *ClientFactory {
	return &ClientFactory{clients: make(map[string]*http.Client)}
}

// ClientFor returns the HTTP client routed through the given identity.
func (f *ClientFactory) ClientFor(e *identity.Entry) (*http.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.clients[e.ID]; ok {
		return c, nil
	}

	transport, err := transportFor(e)
	if err != nil {
		return nil, err
	}
	c := &http.Client{Transport: transport}
	f.clients[e.ID] = c
	return c, nil
}

func transportFor(e *identity.Entry) (*http.Transport, error) {
	base := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        8,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		// Compression is negotiated and decoded manually so the block
		// heuristics always inspect the decoded body.
		DisableCompression: true,
	}

	switch e.Kind {
	case config.IdentityDirect:
		return base, nil

	case config.IdentityHTTP:
		u, err := url.Parse(e.URL)
		if err != nil {
			return nil, fmt.Errorf("upstream: identity %s: parse proxy url: %w", e.Name, err)
		}
		base.Proxy = http.ProxyURL(u)
		return base, nil

	case config.IdentitySOCKS5:
		u, err := url.Parse(e.URL)
		if err != nil {
			return nil, fmt.Errorf("upstream: identity %s: parse proxy url: %w", e.Name, err)
		}
		dialer, err := xproxy.FromURL(u, xproxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("upstream: identity %s: socks5 dialer: %w", e.Name, err)
		}
		cd, ok := dialer.(xproxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("upstream: identity %s: socks5 dialer lacks context dialing", e.Name)
		}
		base.Proxy = nil
		base.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return cd.DialContext(ctx, network, addr)
		}
		return base, nil

	default:
		return nil, fmt.Errorf("upstream: identity %s: unsupported kind %q", e.Name, e.Kind)
	}
}
