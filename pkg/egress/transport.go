package egress

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/proxy"
)

// Route pairs an identity with the client that sends traffic through it.
// Identity is nil for the direct route.
type Route struct {
	Identity *Identity
	Client   *http.Client
}

// Name identifies the route in logs and metrics
func (r Route) Name() string {
	return r.Identity.String()
}

// Transports owns one HTTP client per identity plus a direct client. The
// clients are built once and shared by all requests; each keeps its own
// connection pool.
type Transports struct {
	direct  Route
	rotator *Rotator[Route]
}

// Options tunes the transports built for each route
type Options struct {
	DialTimeout time.Duration
	// MaxIdleConnsPerHost bounds idle connections kept per route and host
	MaxIdleConnsPerHost int
}

// NewTransports builds clients for every identity. An empty identity list
// yields a pool that always routes directly.
func NewTransports(ids []*Identity, opts Options) (*Transports, error) {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.MaxIdleConnsPerHost <= 0 {
		opts.MaxIdleConnsPerHost = 16
	}

	direct := newTransport(opts)
	direct.DialContext = (&net.Dialer{Timeout: opts.DialTimeout, KeepAlive: 30 * time.Second}).DialContext
	direct.ForceAttemptHTTP2 = true

	routes := make([]Route, 0, len(ids))
	for _, id := range ids {
		tr, err := proxiedTransport(id, opts)
		if err != nil {
			return nil, fmt.Errorf("egress %s: %w", id.Name, err)
		}
		routes = append(routes, Route{Identity: id, Client: &http.Client{Transport: tr}})
	}

	return &Transports{
		direct:  Route{Client: &http.Client{Transport: direct}},
		rotator: NewRotator(routes),
	}, nil
}

// Next returns the next route in rotation, or the direct route when the
// pool is empty
func (t *Transports) Next() Route {
	if r, ok := t.rotator.Next(); ok {
		return r
	}
	return t.direct
}

// Direct returns the proxy-less route
func (t *Transports) Direct() Route {
	return t.direct
}

// Len returns the number of proxied routes
func (t *Transports) Len() int {
	return t.rotator.Len()
}

// CloseIdleConnections releases pooled connections on every route
func (t *Transports) CloseIdleConnections() {
	t.direct.Client.CloseIdleConnections()
	for _, r := range t.rotator.Items() {
		r.Client.CloseIdleConnections()
	}
}

func newTransport(opts Options) *http.Transport {
	return &http.Transport{
		MaxIdleConns:          opts.MaxIdleConnsPerHost * 4,
		MaxIdleConnsPerHost:   opts.MaxIdleConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   opts.DialTimeout,
		ExpectContinueTimeout: time.Second,
	}
}

func proxiedTransport(id *Identity, opts Options) (*http.Transport, error) {
	tr := newTransport(opts)
	forward := &net.Dialer{Timeout: opts.DialTimeout, KeepAlive: 30 * time.Second}

	switch id.Proxy.Scheme {
	case "http", "https":
		tr.Proxy = http.ProxyURL(id.Proxy)
		tr.DialContext = forward.DialContext
	case "socks5", "socks5h":
		dialer, err := proxy.FromURL(id.Proxy, forward)
		if err != nil {
			return nil, err
		}
		if cd, ok := dialer.(proxy.ContextDialer); ok {
			tr.DialContext = cd.DialContext
		} else {
			tr.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			}
		}
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", id.Proxy.Scheme)
	}
	return tr, nil
}
