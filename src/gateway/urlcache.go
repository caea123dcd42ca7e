package gateway

import (
	"context"
	"sync"
)

type URLFetcher interface {
	GetGateway(ctx context.Context) (string, error)
}

type URLFetcherFunc func(ctx context.Context) (string, error)

func (f URLFetcherFunc) GetGateway(ctx context.Context) (string, error) {
	return f(ctx)
}

// URLCache memoizes the gateway url. Share one cache between every connection
// of a process. Readers never block each other; a miss fetches exactly once.
type URLCache struct {
	rwlock sync.RWMutex
	url    string
	fetch  URLFetcher
}

func NewURLCache(fetch URLFetcher) *URLCache {
	return &URLCache{fetch: fetch}
}

func (c *URLCache) Get(ctx context.Context) (string, error) {
	c.rwlock.RLock()
	url := c.url
	c.rwlock.RUnlock()
	if url != "" {
		return url, nil
	}

	c.rwlock.Lock()
	defer c.rwlock.Unlock()
	if c.url != "" {
		return c.url, nil
	}
	url, err := c.fetch.GetGateway(ctx)
	if err != nil {
		return "", err
	}
	c.url = url
	return url, nil
}

// Invalidate drops the cached url; the next Get fetches again.
func (c *URLCache) Invalidate() {
	c.rwlock.Lock()
	c.url = ""
	c.rwlock.Unlock()
}
