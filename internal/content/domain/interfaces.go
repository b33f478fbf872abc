package domain

import "context"

// EventPublisher interface for publishing cache and warm-up events
type EventPublisher interface {
	PublishJobStarted(ctx context.Context, job *WarmupJob) error
	PublishJobFinished(ctx context.Context, job *WarmupJob) error
	PublishCacheInvalidated(ctx context.Context, pattern string, removed int) error
	Close() error
}

// ContentAPI is the upstream content-retrieval API
type ContentAPI interface {
	GetItem(ctx context.Context, id string) (*Item, error)
	GetChildren(ctx context.Context, id string) (*Children, error)
	Search(ctx context.Context, query string) (*SearchResult, error)
}
