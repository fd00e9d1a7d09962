package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

// ErrExhausted is returned when a pool has no proxy left to hand out.
var ErrExhausted = errors.New("proxy pool exhausted")

// Pool hands out proxies and forgets the ones that failed.
type Pool interface {
	Next(ctx context.Context) (string, error)
	Discard(ctx context.Context, proxy string) error
}

// StaticPool rotates round-robin over a fixed list.
type StaticPool struct {
	mu      sync.Mutex
	proxies []string
	next    int
}

func NewStaticPool(proxies []string) *StaticPool {
	list := make([]string, 0, len(proxies))
	for _, p := range proxies {
		if p = strings.TrimSpace(p); p != "" {
			list = append(list, p)
		}
	}
	return &StaticPool{proxies: list}
}

func (p *StaticPool) Next(_ context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.proxies) == 0 {
		return "", ErrExhausted
	}
	proxy := p.proxies[p.next%len(p.proxies)]
	p.next = (p.next + 1) % len(p.proxies)
	return proxy, nil
}

func (p *StaticPool) Discard(_ context.Context, proxy string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, candidate := range p.proxies {
		if candidate != proxy {
			continue
		}
		p.proxies = append(p.proxies[:i], p.proxies[i+1:]...)
		if i < p.next {
			p.next--
		}
		if len(p.proxies) > 0 {
			p.next %= len(p.proxies)
		} else {
			p.next = 0
		}
		return nil
	}
	return nil
}

func (p *StaticPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.proxies)
}

// ServicePool talks to a proxy_pool style HTTP service:
// GET /get/ returns {"proxy": "host:port"}, GET /delete/?proxy= drops one.
type ServicePool struct {
	http *resty.Client
}

func NewServicePool(baseURL string) (*ServicePool, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid proxy pool url %q", baseURL)
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)

	return &ServicePool{http: client}, nil
}

func (p *ServicePool) Next(ctx context.Context) (string, error) {
	var body struct {
		Proxy string `json:"proxy"`
	}
	res, err := p.http.R().
		SetContext(ctx).
		SetResult(&body).
		SetHeader("Accept", "application/json").
		Get("/get/")
	if err != nil {
		return "", fmt.Errorf("fetch proxy: %w", err)
	}
	if res.IsError() {
		return "", fmt.Errorf("fetch proxy: status %d", res.StatusCode())
	}
	if body.Proxy == "" {
		return "", ErrExhausted
	}
	return body.Proxy, nil
}

func (p *ServicePool) Discard(ctx context.Context, proxy string) error {
	res, err := p.http.R().
		SetContext(ctx).
		SetQueryParam("proxy", proxy).
		Get("/delete/")
	if err != nil {
		return fmt.Errorf("delete proxy: %w", err)
	}
	if res.IsError() {
		return fmt.Errorf("delete proxy: status %d", res.StatusCode())
	}
	return nil
}

// URL turns "host:port" into a proxy URL, keeping explicit schemes.
func URL(proxy string) string {
	if proxy == "" || strings.Contains(proxy, "://") {
		return proxy
	}
	return "http://" + proxy
}
