package model

import (
	"time"

	"github.com/google/uuid"
)

// CollectionVisibility controls who may read a knowledge collection beyond
// its owner and subscribers.
type CollectionVisibility string

const (
	VisibilityPrivate  CollectionVisibility = "private"
	VisibilityUnlisted CollectionVisibility = "unlisted" // readable with the ID, not listed
	VisibilityPublic   CollectionVisibility = "public"
)

// AccessType is how a given user may access a collection. Empty means no
// access at all.
type AccessType string

const (
	AccessOwned      AccessType = "owned"
	AccessSubscribed AccessType = "subscribed"
	AccessPublic     AccessType = "public"
)

// Collection is the access-control unit for RAG case storage and few-shot
// retrieval. Cases live in the vector store; this row is the source of truth
// for ownership and visibility.
type Collection struct {
	ID          int64                `json:"id"`
	Name        string               `json:"name"`
	Description string               `json:"description,omitempty"`
	OwnerID     uuid.UUID            `json:"owner_id"`
	ProfileID   *string              `json:"profile_id,omitempty"` // profile this collection feeds, if any
	Visibility  CollectionVisibility `json:"visibility"`
	IsActive    bool                 `json:"is_active"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

// Subscription grants a user read access to another user's collection.
type Subscription struct {
	ID           int64     `json:"id"`
	CollectionID int64     `json:"collection_id"`
	UserID       uuid.UUID `json:"user_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// RAGCase is a stored retrieval case: a past question/answer pair (or
// document chunk) grounding future LLM responses. The vector store holds the
// embedding and payload; the relational side only tracks the outbox.
type RAGCase struct {
	ID           uuid.UUID      `json:"id"`
	CollectionID int64          `json:"collection_id"`
	UserID       uuid.UUID      `json:"user_id"` // author; the template sentinel for shipped cases
	Question     string         `json:"question"`
	Answer       string         `json:"answer"`
	Tool         string         `json:"tool,omitempty"`
	Quality      float32        `json:"quality"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}
