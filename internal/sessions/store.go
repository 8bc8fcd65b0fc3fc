// Package sessions persists conversation state keyed by SessionKey, including
// the per-session queue policy the scheduler reads and the abort/compaction
// flags it writes.
package sessions

import (
	"context"
	"errors"

	"github.com/haasonsaas/switchboard/pkg/models"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("session not found")

// Store is the interface for session persistence.
type Store interface {
	// Get returns the session with the given id.
	Get(ctx context.Context, id string) (*models.Session, error)

	// GetByKey returns the session with the given key.
	GetByKey(ctx context.Context, key string) (*models.Session, error)

	// GetOrCreate returns the session for key, creating it with the default
	// queue policy if absent.
	GetOrCreate(ctx context.Context, key, agentID string, channel models.ChannelType, channelID string) (*models.Session, error)

	// Update persists the session's mutable fields.
	Update(ctx context.Context, session *models.Session) error

	// SetAbortedLastRun records whether the session's last run was aborted
	// by a stop command.
	SetAbortedLastRun(ctx context.Context, key string, aborted bool) error

	// RecordCompaction increments the session's compaction counter. Called
	// when buffered prompt overflow is collapsed into a summary marker.
	RecordCompaction(ctx context.Context, key string) error

	// List returns all sessions, for diagnostics.
	List(ctx context.Context) ([]*models.Session, error)

	// Close releases store resources.
	Close() error
}

// SessionKey builds the stable identifier for one conversation lane.
func SessionKey(agentID string, channel models.ChannelType, channelID string) string {
	return agentID + ":" + string(channel) + ":" + channelID
}
