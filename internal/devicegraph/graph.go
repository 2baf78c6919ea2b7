// Package devicegraph implements offline reconciliation for the
// closed device fleet as a per-device append log with a log-join
// protocol.
//
// Protocol: every accepted transaction appends one entry identified
// by (device, seq), where seq increases per device. Reconciliation is
// the union of logs keyed by (device, seq): a joining device replays
// every entry it has not seen through the CRDT merge, which is
// commutative, so join order between devices does not matter and
// repeated joins are no-ops. This reaches eventual agreement among
// the institution-enrolled peer set; it makes no attempt to resist
// malicious peers.
package devicegraph

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/calyptra/anchorsync/internal/store"
)

// Entry is one device-log record as exchanged during reconciliation.
type Entry struct {
	Device string `cramberry:"1"`
	Seq    int64  `cramberry:"2"`
	Change []byte `cramberry:"3"`
}

// Graph is this device's view of the fleet-wide append log.
type Graph struct {
	st       *store.Store
	deviceID string

	mu      sync.Mutex
	nextSeq int64

	now func() int64
}

// Open loads the graph for the local device, resuming the sequence
// counter from the store.
func Open(ctx context.Context, st *store.Store, deviceID string) (*Graph, error) {
	maxSeq, err := st.MaxDeviceSeq(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("open device graph: %w", err)
	}
	return &Graph{
		st:       st,
		deviceID: deviceID,
		nextSeq:  maxSeq + 1,
		now:      func() int64 { return time.Now().UnixNano() },
	}, nil
}

// EnsureSeq raises the next local sequence number to at least
// lastSeq+1. After history compaction the store no longer remembers
// pruned sequence numbers; callers that do (via the restored version
// vector) use this so an old (device, seq) identity is never
// reissued.
func (g *Graph) EnsureSeq(lastSeq int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.nextSeq <= lastSeq {
		g.nextSeq = lastSeq + 1
	}
}

// DeviceID returns the local device identifier.
func (g *Graph) DeviceID() string {
	return g.deviceID
}

// Append folds a local change into the log, stamping it with the
// device's next sequence number. The entry is durable when Append
// returns.
func (g *Graph) Append(ctx context.Context, change []byte) (Entry, error) {
	g.mu.Lock()
	seq := g.nextSeq
	g.nextSeq++
	g.mu.Unlock()

	e := Entry{Device: g.deviceID, Seq: seq, Change: change}
	if _, err := g.st.AppendDeviceEntry(ctx, store.DeviceEntry{
		DeviceID:  e.Device,
		Seq:       e.Seq,
		Entry:     e.Change,
		CreatedAt: g.now(),
	}); err != nil {
		return Entry{}, fmt.Errorf("device graph append: %w", err)
	}
	return e, nil
}

// Record persists an entry authored by another device, reporting
// whether it was new. Duplicate (device, seq) pairs are absorbed
// silently, which is what makes joins idempotent.
func (g *Graph) Record(ctx context.Context, e Entry) (bool, error) {
	inserted, err := g.st.AppendDeviceEntry(ctx, store.DeviceEntry{
		DeviceID:  e.Device,
		Seq:       e.Seq,
		Entry:     e.Change,
		CreatedAt: g.now(),
	})
	if err != nil {
		return false, fmt.Errorf("device graph record: %w", err)
	}
	return inserted, nil
}

// Join merges a remote log segment: every entry not yet present
// locally is persisted and handed to apply, in (device, seq) order
// within the segment. apply receives the raw change bytes; with a
// commutative merge underneath, the overall result is independent of
// the order in which devices join each other.
func (g *Graph) Join(ctx context.Context, remote []Entry, apply func(change []byte) error) (applied int, err error) {
	for _, e := range remote {
		fresh, err := g.Record(ctx, e)
		if err != nil {
			return applied, err
		}
		if !fresh {
			continue
		}
		if err := apply(e.Change); err != nil {
			return applied, fmt.Errorf("device graph join: apply %s/%d: %w", e.Device, e.Seq, err)
		}
		applied++
	}
	return applied, nil
}

// Entries returns the full local log in (device, seq) order, the
// segment offered to a reconnecting peer.
func (g *Graph) Entries(ctx context.Context) ([]Entry, error) {
	rows, err := g.st.DeviceEntries(ctx)
	if err != nil {
		return nil, fmt.Errorf("device graph entries: %w", err)
	}
	out := make([]Entry, len(rows))
	for i, r := range rows {
		out[i] = Entry{Device: r.DeviceID, Seq: r.Seq, Change: r.Entry}
	}
	return out, nil
}
