package domain

import (
	"encoding/json"
	"time"
)

// Item is a single unit of upstream content
type Item struct {
	ID           string                 `json:"id"`
	ParentID     string                 `json:"parent_id,omitempty"`
	Type         string                 `json:"type,omitempty"`
	Title        string                 `json:"title"`
	Properties   map[string]interface{} `json:"properties,omitempty"`
	Content      json.RawMessage        `json:"content,omitempty"`
	LastEditedAt *time.Time             `json:"last_edited_at,omitempty"`
}

// ItemRef is the light form of an item returned by listings and search
type ItemRef struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
	Type  string `json:"type,omitempty"`
}

// Children is the listing of an item's direct descendants
type Children struct {
	ParentID string    `json:"parent_id"`
	Items    []ItemRef `json:"items"`
}

// SearchResult is the upstream response to a search query
type SearchResult struct {
	Query   string    `json:"query"`
	Results []ItemRef `json:"results"`
}

// WarmOutcome describes what warming a single item did
type WarmOutcome string

const (
	WarmFetched WarmOutcome = "fetched"
	WarmSkipped WarmOutcome = "skipped"
)

// FailedItem is a per-item warm-up failure kept for later retry
type FailedItem struct {
	ID        int64     `json:"id" db:"id"`
	JobID     string    `json:"job_id" db:"job_id"`
	ContentID string    `json:"content_id" db:"content_id"`
	Error     string    `json:"error" db:"error"`
	FailedAt  time.Time `json:"failed_at" db:"failed_at"`
}
