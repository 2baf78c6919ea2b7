// Package syncer classifies application events by urgency, persists
// them as pending changes, and drives flush timing per priority tier.
package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/calyptra/anchorsync/internal/store"
)

// PendingChange is the in-memory view of an enqueued change. The
// priority is assigned exactly once, at classification, and never
// changes afterwards.
type PendingChange struct {
	ID         string
	ChangeType string
	Payload    []byte
	Priority   Priority
	CreatedAt  int64
}

// Manager is the adaptive sync manager: the application-facing entry
// point for event synchronization.
type Manager struct {
	st      *store.Store
	batcher *Batcher
	policy  Policy
	log     zerolog.Logger
	now     func() int64
}

// NewManager builds a manager. The policy is injectable so
// deployments can tune custom-event classification.
func NewManager(st *store.Store, batcher *Batcher, policy Policy, log zerolog.Logger) *Manager {
	return &Manager{
		st:      st,
		batcher: batcher,
		policy:  policy,
		log:     log.With().Str("component", "syncer").Logger(),
		now:     func() int64 { return time.Now().Unix() },
	}
}

// SyncEvent classifies, serializes, and durably enqueues an event.
// It returns once the change is enqueued, not once it is flushed:
// delivery is at-least-once and eventual. Local enqueue cannot be
// rejected by connectivity state - it always succeeds unless the
// local store itself fails.
func (m *Manager) SyncEvent(ctx context.Context, e UserEvent) (PendingChange, error) {
	return m.enqueue(ctx, e, m.policy.Classify(e))
}

// ForceSync enqueues the event at Critical priority regardless of its
// natural classification, then triggers an immediate flush check for
// the critical tier, bypassing the normal batch timers.
func (m *Manager) ForceSync(ctx context.Context, e UserEvent) (PendingChange, error) {
	change, err := m.enqueue(ctx, e, Critical)
	if err != nil {
		return PendingChange{}, err
	}
	m.batcher.Signal(Critical)
	return change, nil
}

// IsSyncPending reports whether an unflushed change of the given type
// is already queued. Callers use this to avoid duplicate enqueue
// storms for idempotent change types.
func (m *Manager) IsSyncPending(ctx context.Context, changeType string) (bool, error) {
	pending, err := m.st.HasPendingType(ctx, changeType)
	if err != nil {
		return false, fmt.Errorf("is sync pending: %w", err)
	}
	return pending, nil
}

func (m *Manager) enqueue(ctx context.Context, e UserEvent, prio Priority) (PendingChange, error) {
	payload, err := EncodeEvent(e)
	if err != nil {
		return PendingChange{}, fmt.Errorf("sync event: %w", err)
	}

	change := PendingChange{
		ID:         uuid.NewString(),
		ChangeType: e.ChangeType(),
		Payload:    payload,
		Priority:   prio,
		CreatedAt:  m.now(),
	}

	row := store.PendingRow{
		ID:         change.ID,
		ChangeType: change.ChangeType,
		Payload:    change.Payload,
		Priority:   int(change.Priority),
		CreatedAt:  change.CreatedAt,
	}
	if err := m.st.InsertPending(ctx, row); err != nil {
		return PendingChange{}, fmt.Errorf("sync event: %w", err)
	}

	// Only the critical tier preempts on enqueue. Background gets a
	// size-threshold check; high batches on its timer and is signaled
	// externally (reconnects, forced drains).
	switch prio {
	case Critical, Background:
		m.batcher.Signal(prio)
	}

	m.log.Debug().
		Str("event", "change_enqueued").
		Str("change_type", change.ChangeType).
		Str("priority", prio.String()).
		Msg("change enqueued")

	return change, nil
}
