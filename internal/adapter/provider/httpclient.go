package provider

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	xproxy "golang.org/x/net/proxy"

	"github.com/aicarpool/gateway/internal/domain"
)

// ClientPool hands out shared HTTP clients keyed by proxy configuration.
// Accounts without a proxy share one client; accounts behind the same proxy
// share another, so connection reuse survives account fan-out. Every client
// traces outbound calls through otelhttp.
type ClientPool struct {
	timeout time.Duration

	mu         sync.RWMutex
	clients    map[string]*http.Client
	transports map[string]*http.Transport
}

// NewClientPool creates a pool whose clients use the given request timeout.
func NewClientPool(timeout time.Duration) *ClientPool {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &ClientPool{
		timeout:    timeout,
		clients:    make(map[string]*http.Client),
		transports: make(map[string]*http.Transport),
	}
}

func proxyKey(p *domain.ProxyConfig) string {
	if p == nil {
		return ""
	}
	return fmt.Sprintf("%s://%s@%s:%d", p.Type, p.Username, p.Host, p.Port)
}

// For returns the shared client for the given proxy, creating it on first
// use.
func (cp *ClientPool) For(p *domain.ProxyConfig) (*http.Client, error) {
	key := proxyKey(p)

	cp.mu.RLock()
	if hc, ok := cp.clients[key]; ok {
		cp.mu.RUnlock()
		return hc, nil
	}
	cp.mu.RUnlock()

	cp.mu.Lock()
	defer cp.mu.Unlock()
	if hc, ok := cp.clients[key]; ok {
		return hc, nil
	}

	tr, err := newTransport(p)
	if err != nil {
		return nil, err
	}
	traced := otelhttp.NewTransport(tr,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("upstream %s %s", r.Method, r.URL.Host)
		}),
	)
	hc := &http.Client{Transport: traced, Timeout: cp.timeout}
	cp.clients[key] = hc
	cp.transports[key] = tr
	return hc, nil
}

// Close drops idle connections on every cached transport.
func (cp *ClientPool) Close() {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	for _, tr := range cp.transports {
		tr.CloseIdleConnections()
	}
}

func newTransport(p *domain.ProxyConfig) (*http.Transport, error) {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	tr := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          128,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
	}
	if p == nil {
		return tr, nil
	}

	switch p.Type {
	case "http", "https":
		u := &url.URL{Scheme: "http", Host: fmt.Sprintf("%s:%d", p.Host, p.Port)}
		if p.Type == "https" {
			u.Scheme = "https"
		}
		if p.Username != "" {
			u.User = url.UserPassword(p.Username, p.Password)
		}
		tr.Proxy = http.ProxyURL(u)
		return tr, nil
	case "socks5":
		var auth *xproxy.Auth
		if p.Username != "" {
			auth = &xproxy.Auth{User: p.Username, Password: p.Password}
		}
		d, err := xproxy.SOCKS5("tcp", fmt.Sprintf("%s:%d", p.Host, p.Port), auth, dialer)
		if err != nil {
			return nil, fmt.Errorf("op=provider.newTransport type=socks5: %w", err)
		}
		cd, ok := d.(xproxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("op=provider.newTransport: socks5 dialer lacks context support")
		}
		tr.Proxy = nil
		tr.DialContext = cd.DialContext
		return tr, nil
	default:
		return nil, fmt.Errorf("op=provider.newTransport type=%s: %w", p.Type, domain.ErrInvalidArgument)
	}
}
