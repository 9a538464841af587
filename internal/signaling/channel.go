// Package signaling defines the record store the call core negotiates
// through: keyed call session records with change watches, and the per-user
// presence pointers used to discover incoming calls.
package signaling

import (
	"context"
	"errors"

	"github.com/mossy-p/call-signaling/internal/models"
)

var (
	// ErrNotFound is returned when a record does not exist (never created or expired).
	ErrNotFound = errors.New("record not found")
	// ErrExists is returned by Create when the id is already taken.
	ErrExists = errors.New("record already exists")
	// ErrConflict is returned when an optimistic update kept losing to concurrent writers.
	ErrConflict = errors.New("concurrent update conflict")
	// ErrUnchanged may be returned by a Mutation to skip the write.
	ErrUnchanged = errors.New("record unchanged")
)

// Mutation edits a copy of the current record inside Update. Returning
// ErrUnchanged leaves the record as is; any other error aborts the update
// and is returned to the caller wrapped in an *AbortError.
type Mutation func(s *models.CallSession) error

// AbortError carries an error raised by a Mutation.
type AbortError struct {
	Err error
}

func (e *AbortError) Error() string { return e.Err.Error() }
func (e *AbortError) Unwrap() error { return e.Err }

// Channel is the durable call session store.
type Channel interface {
	// Create stores a new record. The record's Version is set by the store.
	Create(ctx context.Context, s *models.CallSession) error
	// Update applies mutate as a read-modify-write. Concurrent writers are
	// detected with a version check and mutate is re-run against the fresh
	// record until it commits or ErrConflict is returned.
	Update(ctx context.Context, id string, mutate Mutation) (*models.CallSession, error)
	// Get returns the current record or ErrNotFound.
	Get(ctx context.Context, id string) (*models.CallSession, error)
	// Watch calls fn with the current record and again after every change.
	// A nil record means it no longer exists. Deliveries may coalesce or
	// repeat. Watching stops when ctx is done or stop is called.
	Watch(ctx context.Context, id string, fn func(*models.CallSession)) (stop func(), err error)
}

// Presence is the per-user pointer index.
type Presence interface {
	// Set points every user at sessionID in one atomic write.
	Set(ctx context.Context, sessionID string, userIDs ...string) error
	// Clear clears each user's pointer if it still names sessionID, in one
	// atomic write. An empty sessionID clears unconditionally. Clearing an
	// already clear pointer is a no-op.
	Clear(ctx context.Context, sessionID string, userIDs ...string) error
	// Get returns the user's pointer.
	Get(ctx context.Context, userID string) (models.Presence, error)
	// Watch calls fn with the user's pointer now and after every change.
	Watch(ctx context.Context, userID string, fn func(models.Presence)) (stop func(), err error)
}

// Backend bundles the two views a store provides.
type Backend struct {
	Channel  Channel
	Presence Presence
	Close    func() error
}
