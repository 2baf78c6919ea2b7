package syncer

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calyptra/anchorsync/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// flushRecorder captures flushed batches for assertions.
type flushRecorder struct {
	mu      sync.Mutex
	batches map[Priority][][]store.PendingRow
	err     error
}

func newFlushRecorder() *flushRecorder {
	return &flushRecorder{batches: make(map[Priority][][]store.PendingRow)}
}

func (f *flushRecorder) flush(ctx context.Context, tier Priority, rows []store.PendingRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.batches[tier] = append(f.batches[tier], rows)
	return nil
}

func (f *flushRecorder) flushed(tier Priority) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, b := range f.batches[tier] {
		total += len(b)
	}
	return total
}

func newTestManager(t *testing.T) (*Manager, *Batcher, *store.Store, *flushRecorder) {
	t.Helper()
	st := openTestStore(t)
	rec := newFlushRecorder()
	b := NewBatcher(st, BatchConfig{}, rec.flush, zerolog.Nop())
	m := NewManager(st, b, DefaultPolicy(), zerolog.Nop())
	return m, b, st, rec
}

func TestSyncEvent_EnqueuesClassified(t *testing.T) {
	ctx := context.Background()
	m, _, st, _ := newTestManager(t)

	change, err := m.SyncEvent(ctx, UserEvent{Kind: KindGradeSubmission, EntityID: "student-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, change.ID)
	assert.Equal(t, "grade_submission", change.ChangeType)
	assert.Equal(t, Critical, change.Priority)

	rows, err := st.SelectPending(ctx, int(Critical), 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, change.ID, rows[0].ID)

	// Payload round-trips back to the event.
	e, err := DecodeEvent(rows[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, "student-1", e.EntityID)
}

// TestForceSync_OverridesClassification enqueues a naturally
// background event at critical priority.
func TestForceSync_OverridesClassification(t *testing.T) {
	ctx := context.Background()
	m, _, st, _ := newTestManager(t)

	change, err := m.ForceSync(ctx, UserEvent{Kind: KindForumPost, EntityID: "post-1"})
	require.NoError(t, err)
	assert.Equal(t, Critical, change.Priority)
	assert.Equal(t, "forum_post", change.ChangeType)

	rows, err := st.SelectPending(ctx, int(Critical), 10)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestIsSyncPending(t *testing.T) {
	ctx := context.Background()
	m, b, _, _ := newTestManager(t)

	pending, err := m.IsSyncPending(ctx, "profile_update")
	require.NoError(t, err)
	assert.False(t, pending)

	_, err = m.SyncEvent(ctx, UserEvent{Kind: KindProfileUpdate, EntityID: "u-1"})
	require.NoError(t, err)

	pending, err = m.IsSyncPending(ctx, "profile_update")
	require.NoError(t, err)
	assert.True(t, pending)

	// Flushed changes no longer count as pending.
	b.FlushTier(ctx, Background)
	pending, err = m.IsSyncPending(ctx, "profile_update")
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestFlushTier_DrainsAndDeletes(t *testing.T) {
	ctx := context.Background()
	m, b, st, rec := newTestManager(t)

	for i := 0; i < 3; i++ {
		_, err := m.SyncEvent(ctx, UserEvent{Kind: KindCourseCompletion, EntityID: "c"})
		require.NoError(t, err)
	}

	b.FlushTier(ctx, High)
	assert.Equal(t, 3, rec.flushed(High))

	n, err := st.CountPending(ctx, int(High))
	require.NoError(t, err)
	assert.Zero(t, n)

	// Empty tier: flushing again delivers nothing.
	b.FlushTier(ctx, High)
	assert.Equal(t, 3, rec.flushed(High))
}

// TestFlushTier_RetainsBatchOnError verifies at-least-once delivery:
// a failed flush leaves the rows queued for retry.
func TestFlushTier_RetainsBatchOnError(t *testing.T) {
	ctx := context.Background()
	m, b, st, rec := newTestManager(t)

	_, err := m.SyncEvent(ctx, UserEvent{Kind: KindCertificateIssuance, EntityID: "cert-1"})
	require.NoError(t, err)

	rec.mu.Lock()
	rec.err = context.DeadlineExceeded
	rec.mu.Unlock()

	b.FlushTier(ctx, Critical)
	n, err := st.CountPending(ctx, int(Critical))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec.mu.Lock()
	rec.err = nil
	rec.mu.Unlock()

	b.FlushTier(ctx, Critical)
	assert.Equal(t, 1, rec.flushed(Critical))

	n, err = st.CountPending(ctx, int(Critical))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBatcher_SignalCoalesces(t *testing.T) {
	st := openTestStore(t)
	b := NewBatcher(st, BatchConfig{}, newFlushRecorder().flush, zerolog.Nop())

	// Many signals without a running loop must never block.
	for i := 0; i < 100; i++ {
		b.Signal(Critical)
	}
}

func TestNextInterval_Adapts(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	cfg := BatchConfig{
		BackgroundInterval: 100,
		MinInterval:        10,
		MaxInterval:        400,
		MaxBatchSize:       4,
		MinBatchThreshold:  2,
	}
	b := NewBatcher(st, cfg, newFlushRecorder().flush, zerolog.Nop())

	// Empty queue: below threshold, interval doubles.
	assert.Equal(t, cfg.BackgroundInterval*2, b.nextInterval(ctx, cfg.BackgroundInterval))

	// Deep backlog: more than 2x the batch size halves the interval.
	for i := 0; i < 9; i++ {
		require.NoError(t, st.InsertPending(ctx, store.PendingRow{
			ID: string(rune('a' + i)), ChangeType: "t", Payload: []byte("x"), Priority: int(Background), CreatedAt: int64(i),
		}))
	}
	assert.Equal(t, cfg.BackgroundInterval/2, b.nextInterval(ctx, cfg.BackgroundInterval))
}

// TestNextInterval_Clamped verifies the adaptive interval never
// leaves [MinInterval, MaxInterval].
func TestNextInterval_Clamped(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	cfg := BatchConfig{
		BackgroundInterval: 100,
		MinInterval:        80,
		MaxInterval:        150,
		MaxBatchSize:       1,
		MinBatchThreshold:  5,
	}
	b := NewBatcher(st, cfg, newFlushRecorder().flush, zerolog.Nop())

	// Idle queue wants to double past MaxInterval.
	assert.Equal(t, cfg.MaxInterval, b.nextInterval(ctx, cfg.BackgroundInterval))

	for i := 0; i < 3; i++ {
		require.NoError(t, st.InsertPending(ctx, store.PendingRow{
			ID: string(rune('a' + i)), ChangeType: "t", Payload: []byte("x"), Priority: int(Background), CreatedAt: int64(i),
		}))
	}
	// Deep backlog wants to halve below MinInterval.
	assert.Equal(t, cfg.MinInterval, b.nextInterval(ctx, cfg.BackgroundInterval))
}

func TestEncodeEvent_RoundTrip(t *testing.T) {
	e := UserEvent{
		Kind:     KindCustom,
		EntityID: "entity-9",
		Tag:      "quiz_score",
		Attrs:    []Attr{{Key: "course", Value: "algebra"}},
	}

	data, err := EncodeEvent(e)
	require.NoError(t, err)

	got, err := DecodeEvent(data)
	require.NoError(t, err)
	assert.Equal(t, e, got)
}

// TestHighTier_SignalFlushesEarly starts the flush loops with a long
// high interval and verifies a signal drains the tier without waiting
// the interval out, while a bare enqueue does not preempt the timer.
func TestHighTier_SignalFlushesEarly(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	rec := newFlushRecorder()
	b := NewBatcher(st, BatchConfig{HighInterval: time.Hour}, rec.flush, zerolog.Nop())
	m := NewManager(st, b, DefaultPolicy(), zerolog.Nop())

	b.Start(ctx)
	t.Cleanup(b.Stop)

	_, err := m.SyncEvent(ctx, UserEvent{Kind: KindCourseCompletion, EntityID: "c-1"})
	require.NoError(t, err)

	// Enqueueing a high change alone leaves it batched for the timer.
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, rec.flushed(High))

	b.Signal(High)
	require.Eventually(t, func() bool { return rec.flushed(High) == 1 },
		2*time.Second, 10*time.Millisecond)
}
