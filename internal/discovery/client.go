package discovery

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	discoveryPath    = "/hosting/discovery"
	maxDocumentBytes = 4 << 20
	retryInterval    = 30 * time.Second
)

// Client fetches and caches the parsed capability document of one office server.
type Client struct {
	url        string
	httpClient *http.Client
	ttl        time.Duration
	now        func() time.Time

	group singleflight.Group

	mu        sync.RWMutex
	table     Table
	fetchedAt time.Time
	// retryAt is set after a failed refresh; until then the stale table is
	// served without contacting the server.
	retryAt   time.Time
}

// NewClient targets the discovery endpoint under serverURL.
func NewClient(serverURL string, ttl time.Duration) *Client {
	return &Client{
		url:        strings.TrimRight(serverURL, "/") + discoveryPath,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		ttl:        ttl,
		now:        time.Now,
	}
}

// Table returns the cached table, refreshing it once the ttl has passed. A
// failed refresh serves the previous table when one exists. The shared
// refresh ignores cancellation of the caller that started it.
func (c *Client) Table(ctx context.Context) (Table, error) {
	if table, ok := c.fresh(); ok {
		return table, nil
	}

	v, err, _ := c.group.Do("discovery", func() (any, error) {
		if table, ok := c.fresh(); ok {
			return table, nil
		}
		return c.refresh(context.WithoutCancel(ctx))
	})
	if err != nil {
		return nil, err
	}
	return v.(Table), nil
}

// Invalidate forces the next Table call to refetch.
func (c *Client) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchedAt = time.Time{}
	c.retryAt = time.Time{}
}

func (c *Client) fresh() (Table, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.table == nil {
		return nil, false
	}
	if !c.retryAt.IsZero() && c.now().Before(c.retryAt) {
		return c.table, true
	}
	if c.fetchedAt.IsZero() {
		return nil, false
	}
	if c.ttl > 0 && c.now().Sub(c.fetchedAt) >= c.ttl {
		return nil, false
	}
	return c.table, true
}

func (c *Client) refresh(ctx context.Context) (Table, error) {
	table, err := c.fetch(ctx)
	if err != nil {
		retryAt := c.now().Add(retryInterval)
		c.mu.Lock()
		stale := c.table
		if stale != nil {
			c.retryAt = retryAt
		}
		c.mu.Unlock()
		if stale != nil {
			log.Printf("discovery refresh failed, serving cached table until %s: %v", retryAt.Format(time.RFC3339), err)
			return stale, nil
		}
		return nil, err
	}

	c.mu.Lock()
	c.table = table
	c.fetchedAt = c.now()
	c.retryAt = time.Time{}
	c.mu.Unlock()
	return table, nil
}

func (c *Client) fetch(ctx context.Context) (Table, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build discovery request: %w", err)
	}
	req.Header.Set("Accept", "text/xml, application/xml")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch discovery: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch discovery: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes))
	if err != nil {
		return nil, fmt.Errorf("read discovery: %w", err)
	}
	return ParseXML(body)
}
