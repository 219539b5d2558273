package session

import (
	"context"
	"fmt"

	"github.com/agentmem/memory-service/internal/model"
)

// SessionPage is one page of a session listing.
type SessionPage struct {
	SessionIDs []string `json:"sessionIds"`
	Total      int64    `json:"total"`
}

// Store is the working-memory storage contract. Working memory is a JSON
// blob per session with a TTL renewed on every write.
type Store interface {
	// Get returns the working memory for a session, or a NotFoundError.
	Get(ctx context.Context, key model.SessionKey) (*model.WorkingMemory, error)
	// Set replaces the whole working-memory blob and renews its TTL.
	Set(ctx context.Context, wm *model.WorkingMemory) error
	// AppendMessages atomically appends messages under the per-session
	// lock, creating the session if missing, and returns the updated blob.
	AppendMessages(ctx context.Context, key model.SessionKey, msgs []model.MemoryMessage) (*model.WorkingMemory, error)
	// Update runs fn under the per-session lock on the current blob (a
	// fresh empty blob if the session does not exist) and persists the result.
	Update(ctx context.Context, key model.SessionKey, fn func(wm *model.WorkingMemory) error) (*model.WorkingMemory, error)
	// Delete removes the working memory. The promotion watermark survives.
	Delete(ctx context.Context, key model.SessionKey) error
	// ListSessions scans session ids in a namespace with offset pagination.
	ListSessions(ctx context.Context, namespace string, offset, limit int) (*SessionPage, error)
	// GetWatermark returns the last promoted message id, empty if none.
	GetWatermark(ctx context.Context, key model.SessionKey) (string, error)
	// AdvanceWatermark moves the watermark forward to id. Calls with an id
	// at or below the current watermark are no-ops, so promotion retries
	// are idempotent.
	AdvanceWatermark(ctx context.Context, key model.SessionKey, id string) error
	// Name returns the plugin name.
	Name() string
}

// NotFoundError indicates the session has no working memory.
type NotFoundError struct {
	SessionID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("session not found: %s", e.SessionID)
}

// Loader creates a Store from config.
type Loader func(ctx context.Context) (Store, error)

// Plugin represents a session store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a session store plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered session store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named session store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown session store %q; valid: %v", name, Names())
}
