package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/umanagarjuna/content-cache/internal/content/cache"
	"github.com/umanagarjuna/content-cache/internal/content/domain"
	"github.com/umanagarjuna/content-cache/internal/content/retry"
	"github.com/umanagarjuna/content-cache/internal/content/throttle"
	"github.com/umanagarjuna/content-cache/internal/content/upstream"
	"github.com/umanagarjuna/content-cache/pkg/contentid"
)

type ContentService struct {
	api       domain.ContentAPI
	cache     cache.Cache
	limiter   *throttle.Limiter
	retrier   *retry.Retrier
	validator contentid.Validator
	publisher domain.EventPublisher
	logger    *zap.Logger
	flights   singleflight.Group
	config    Config
}

const defaultFetchTimeout = 2 * time.Minute

type Config struct {
	ItemTTL   time.Duration
	SearchTTL time.Duration
	// FetchTimeout bounds one shared upstream fetch, retries included
	FetchTimeout time.Duration
	// RootID is the default tree root for warm-ups that name no ids
	RootID       string
	MaxTreeItems int
}

type StatsResponse struct {
	Local       cache.LocalStats       `json:"local"`
	Distributed cache.DistributedStats `json:"distributed"`
	Limiter     throttle.Stats         `json:"limiter"`
}

type ClearResult struct {
	Message string      `json:"message"`
	Removed int         `json:"removed"`
	Before  cache.Stats `json:"before"`
	After   cache.Stats `json:"after"`
}

func NewContentService(
	api domain.ContentAPI,
	c cache.Cache,
	limiter *throttle.Limiter,
	retrier *retry.Retrier,
	validator contentid.Validator,
	publisher domain.EventPublisher,
	logger *zap.Logger,
	config Config,
) *ContentService {
	return &ContentService{
		api:       api,
		cache:     c,
		limiter:   limiter,
		retrier:   retrier,
		validator: validator,
		publisher: publisher,
		logger:    logger,
		config:    config,
	}
}

func (s *ContentService) GetItem(ctx context.Context, id string) (*domain.Item, error) {
	if err := s.validator.Validate(id); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}
	id = s.validator.Normalize(id)

	item, err := load(ctx, s, cache.ItemKey(id), upstream.OpGetItem, s.config.ItemTTL,
		func(ctx context.Context) (*domain.Item, error) {
			return s.api.GetItem(ctx, id)
		})
	if err != nil {
		return nil, fmt.Errorf("failed to get item %s: %w", id, err)
	}
	return item, nil
}

func (s *ContentService) GetChildren(ctx context.Context, id string) (*domain.Children, error) {
	if err := s.validator.Validate(id); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}
	id = s.validator.Normalize(id)

	children, err := load(ctx, s, cache.ChildrenKey(id), upstream.OpGetChildren, s.config.ItemTTL,
		func(ctx context.Context) (*domain.Children, error) {
			return s.api.GetChildren(ctx, id)
		})
	if err != nil {
		return nil, fmt.Errorf("failed to get children of %s: %w", id, err)
	}
	return children, nil
}

func (s *ContentService) Search(ctx context.Context, query string) (*domain.SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: search query cannot be empty", domain.ErrInvalidRequest)
	}

	result, err := load(ctx, s, cache.SearchKey(query), upstream.OpSearch, s.config.SearchTTL,
		func(ctx context.Context) (*domain.SearchResult, error) {
			return s.api.Search(ctx, query)
		})
	if err != nil {
		return nil, fmt.Errorf("search %q failed: %w", query, err)
	}
	return result, nil
}

// WarmItem makes sure the item is cached. It reports WarmSkipped when a
// live entry already existed and no upstream call was made.
func (s *ContentService) WarmItem(ctx context.Context, id string) (domain.WarmOutcome, error) {
	if err := s.validator.Validate(id); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrMalformedID, err)
	}
	id = s.validator.Normalize(id)

	if s.cache.Contains(ctx, cache.ItemKey(id)) {
		return domain.WarmSkipped, nil
	}
	if _, err := s.GetItem(ctx, id); err != nil {
		return "", err
	}
	return domain.WarmFetched, nil
}

// CollectTree walks the children of rootID breadth first and returns the
// ids found, root included, up to limit. Children that fail to load are
// logged and their subtree is skipped.
func (s *ContentService) CollectTree(ctx context.Context, rootID string, limit int) ([]string, error) {
	root, err := s.TreeRoot(rootID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = s.config.MaxTreeItems
	}

	ids := []string{root}
	seen := map[string]bool{root: true}
	queue := []string{root}

	for len(queue) > 0 && (limit <= 0 || len(ids) < limit) {
		if err := ctx.Err(); err != nil {
			return ids, err
		}

		parent := queue[0]
		queue = queue[1:]

		children, err := s.GetChildren(ctx, parent)
		if err != nil {
			if parent == root {
				return nil, err
			}
			s.logger.Warn("Skipping subtree during tree walk",
				zap.String("content_id", parent), zap.Error(err))
			continue
		}

		for _, child := range children.Items {
			id := s.validator.Normalize(child.ID)
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			ids = append(ids, id)
			queue = append(queue, id)
			if limit > 0 && len(ids) >= limit {
				break
			}
		}
	}

	return ids, nil
}

// TreeRoot resolves the root a tree walk starts from: rootID, or the
// configured root when rootID is empty.
func (s *ContentService) TreeRoot(rootID string) (string, error) {
	if rootID == "" {
		rootID = s.config.RootID
	}
	if rootID == "" {
		return "", fmt.Errorf("%w: no content ids given and no root configured", domain.ErrInvalidRequest)
	}
	if err := s.validator.Validate(rootID); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}
	return s.validator.Normalize(rootID), nil
}

// InvalidateContent drops every cached entry that mentions id.
func (s *ContentService) InvalidateContent(ctx context.Context, id string) (int, error) {
	if err := s.validator.Validate(id); err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}
	id = s.validator.Normalize(id)

	removed := s.cache.Invalidate(ctx, id)
	s.publishInvalidated(ctx, id, removed)
	return removed, nil
}

// Clear empties the cache, a named subset of it, or every key containing
// pattern.
func (s *ContentService) Clear(ctx context.Context, kind, pattern string) (*ClearResult, error) {
	before := s.cache.Stats(ctx)

	var removed int
	var message string
	switch {
	case kind == "" || kind == "all":
		removed = s.cache.Clear(ctx)
		message = "All caches cleared"
	case kind == "pattern":
		if pattern == "" {
			return nil, fmt.Errorf("%w: pattern is required for type pattern", domain.ErrInvalidRequest)
		}
		removed = s.cache.Invalidate(ctx, pattern)
		message = fmt.Sprintf("Cache entries matching %q cleared", pattern)
	default:
		prefix, ok := cache.Subsets[kind]
		if !ok {
			return nil, fmt.Errorf("%w: unknown clear type %q", domain.ErrInvalidRequest, kind)
		}
		removed = s.cache.Invalidate(ctx, prefix)
		message = fmt.Sprintf("%s cache cleared", kind)
		pattern = prefix
	}

	s.logger.Info("Cache cleared",
		zap.String("type", kind), zap.String("pattern", pattern), zap.Int("removed", removed))
	s.publishInvalidated(ctx, pattern, removed)

	return &ClearResult{
		Message: message,
		Removed: removed,
		Before:  before,
		After:   s.cache.Stats(ctx),
	}, nil
}

func (s *ContentService) Stats(ctx context.Context) StatsResponse {
	stats := s.cache.Stats(ctx)
	return StatsResponse{
		Local:       stats.Local,
		Distributed: stats.Distributed,
		Limiter:     s.limiter.Stats(),
	}
}

func (s *ContentService) publishInvalidated(ctx context.Context, pattern string, removed int) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishCacheInvalidated(ctx, pattern, removed); err != nil {
		s.logger.Error("Failed to publish cache invalidated event",
			zap.Error(err), zap.String("pattern", pattern))
	}
}

// load reads key through the cache. On a miss, concurrent callers for the
// same key share one retried, throttled upstream fetch. The shared fetch is
// detached from any single caller's cancellation; each caller stops waiting
// when its own ctx ends.
func load[T any](ctx context.Context, s *ContentService, key, op string, ttl time.Duration,
	fetch func(ctx context.Context) (T, error)) (T, error) {

	var zero T
	if v, ok := cache.GetJSON[T](ctx, s.cache, key); ok {
		return v, nil
	}

	ch := s.flights.DoChan(key, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.fetchTimeout())
		defer cancel()

		v, err := retry.DoGated(fetchCtx, s.retrier, op, s.limiter, fetch)
		if err != nil {
			return v, err
		}

		if err := cache.SetJSON(fetchCtx, s.cache, key, v, ttl); err != nil {
			s.logger.Warn("Failed to cache upstream response",
				zap.Error(err), zap.String("key", key))
		}
		return v, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	if res.Shared {
		s.logger.Debug("Upstream fetch shared", zap.String("key", key))
	}
	if res.Err != nil {
		return zero, res.Err
	}
	v, ok := res.Val.(T)
	if !ok {
		return zero, errors.New("unexpected result type from shared fetch")
	}
	return v, nil
}

func (s *ContentService) fetchTimeout() time.Duration {
	if s.config.FetchTimeout > 0 {
		return s.config.FetchTimeout
	}
	return defaultFetchTimeout
}

// Healthy reports whether the distributed cache tier is reachable.
func (s *ContentService) Healthy(ctx context.Context) bool {
	return s.cache.Healthy(ctx)
}

// ChangeResult describes what a change notification invalidated.
type ChangeResult struct {
	Cleared  string `json:"cleared"`
	ID       string `json:"id,omitempty"`
	ParentID string `json:"parentId,omitempty"`
	Removed  int    `json:"removed"`
}

// ApplyChange invalidates what a content change notification affects. Item
// events drop every entry mentioning the item, its parent's listings and
// all search results. Unrecognised events drop the whole content cache.
func (s *ContentService) ApplyChange(ctx context.Context, eventType, id, parentID string) (*ChangeResult, error) {
	if !strings.HasPrefix(eventType, "item.") {
		removed := s.cache.Invalidate(ctx, cache.Subsets["content"])
		s.publishInvalidated(ctx, cache.Subsets["content"], removed)
		s.logger.Info("Unrecognised change event, content cache cleared",
			zap.String("type", eventType), zap.Int("removed", removed))
		return &ChangeResult{Cleared: "all-content-cache", Removed: removed}, nil
	}

	if err := s.validator.Validate(id); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}
	result := &ChangeResult{Cleared: "item-cache", ID: s.validator.Normalize(id)}

	targets := []string{result.ID, cache.OpSearch}
	if parentID != "" && s.validator.Validate(parentID) == nil {
		result.ParentID = s.validator.Normalize(parentID)
		targets = append(targets, result.ParentID)
	}
	for _, target := range targets {
		n := s.cache.Invalidate(ctx, target)
		result.Removed += n
		s.publishInvalidated(ctx, target, n)
	}

	s.logger.Info("Change event applied",
		zap.String("type", eventType),
		zap.String("content_id", result.ID),
		zap.Int("removed", result.Removed))
	return result, nil
}
