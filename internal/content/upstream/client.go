// Package upstream is the HTTP client for the rate-limited content API.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"resty.dev/v3"

	"github.com/umanagarjuna/content-cache/internal/content/domain"
	"github.com/umanagarjuna/content-cache/internal/content/metrics"
)

const (
	OpGetItem     = "get_item"
	OpGetChildren = "get_children"
	OpSearch      = "search"
)

type Config struct {
	BaseURL string
	Token   string
	// Timeout bounds a single HTTP exchange. The retry layer applies its
	// own per-attempt timeout on top.
	Timeout time.Duration
}

type Client struct {
	http    *resty.Client
	logger  *zap.Logger
	metrics metrics.Metrics
}

var _ domain.ContentAPI = (*Client)(nil)

func NewClient(cfg Config, logger *zap.Logger, m metrics.Metrics) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.Nop{}
	}

	c := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("Accept", "application/json")
	if cfg.Timeout > 0 {
		c.SetTimeout(cfg.Timeout)
	}
	if cfg.Token != "" {
		c.SetAuthToken(cfg.Token)
	}

	return &Client{http: c, logger: logger, metrics: m}
}

func (c *Client) Close() error {
	return c.http.Close()
}

func (c *Client) GetItem(ctx context.Context, id string) (*domain.Item, error) {
	var item domain.Item
	err := c.get(ctx, OpGetItem, &item, func(r *resty.Request) *resty.Request {
		return r.SetPathParam("id", id)
	}, "/items/{id}")
	if err != nil {
		return nil, err
	}
	if item.ID == "" {
		item.ID = id
	}
	return &item, nil
}

func (c *Client) GetChildren(ctx context.Context, id string) (*domain.Children, error) {
	var children domain.Children
	err := c.get(ctx, OpGetChildren, &children, func(r *resty.Request) *resty.Request {
		return r.SetPathParam("id", id)
	}, "/items/{id}/children")
	if err != nil {
		return nil, err
	}
	if children.ParentID == "" {
		children.ParentID = id
	}
	return &children, nil
}

func (c *Client) Search(ctx context.Context, query string) (*domain.SearchResult, error) {
	var result domain.SearchResult
	err := c.get(ctx, OpSearch, &result, func(r *resty.Request) *resty.Request {
		return r.SetQueryParam("query", query)
	}, "/search")
	if err != nil {
		return nil, err
	}
	result.Query = query
	return &result, nil
}

func (c *Client) get(ctx context.Context, op string, dest interface{},
	build func(*resty.Request) *resty.Request, path string) error {

	start := time.Now()
	resp, err := build(c.http.R().SetContext(ctx).SetResult(dest)).Get(path)
	elapsed := time.Since(start)

	if err != nil {
		c.metrics.ObserveUpstreamCall(op, "error", elapsed)
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(ctxErr, context.DeadlineExceeded) {
			return fmt.Errorf("%s: %w", op, ctxErr)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	if resp.IsError() {
		upErr := classifyStatus(op, resp)
		c.metrics.ObserveUpstreamCall(op, upErr.Kind.String(), elapsed)
		c.logger.Debug("Upstream returned error status",
			zap.String("op", op),
			zap.Int("status", resp.StatusCode()),
			zap.Duration("retry_after", upErr.RetryAfter))
		return upErr
	}

	c.metrics.ObserveUpstreamCall(op, "ok", elapsed)
	return nil
}

func classifyStatus(op string, resp *resty.Response) *domain.UpstreamError {
	status := resp.StatusCode()
	switch status {
	case http.StatusTooManyRequests:
		return domain.NewTransientError(op, status,
			parseRetryAfter(resp.Header().Get("Retry-After"), time.Now()), domain.ErrRateLimited)
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return domain.NewTransientError(op, status,
			parseRetryAfter(resp.Header().Get("Retry-After"), time.Now()), domain.ErrUnavailable)
	case http.StatusNotFound:
		return domain.NewPermanentError(op, status, domain.ErrNotFound)
	case http.StatusForbidden, http.StatusUnauthorized:
		return domain.NewPermanentError(op, status, domain.ErrForbidden)
	case http.StatusBadRequest:
		return domain.NewPermanentError(op, status, domain.ErrMalformedID)
	default:
		return domain.NewPermanentError(op, status,
			fmt.Errorf("unexpected status %s", http.StatusText(status)))
	}
}

// parseRetryAfter accepts either delay-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
