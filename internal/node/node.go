// Package node composes the replicated document, ledger, governor,
// sync manager, device graph, and gossip transport into one running
// engine instance.
package node

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/calyptra/anchorsync/internal/anchor"
	"github.com/calyptra/anchorsync/internal/devicegraph"
	"github.com/calyptra/anchorsync/internal/gossip"
	"github.com/calyptra/anchorsync/internal/governor"
	"github.com/calyptra/anchorsync/internal/ledger"
	"github.com/calyptra/anchorsync/internal/metrics"
	"github.com/calyptra/anchorsync/internal/state"
	"github.com/calyptra/anchorsync/internal/store"
	"github.com/calyptra/anchorsync/internal/syncer"
)

const (
	// TopicOps carries replicated document ops.
	TopicOps = "ops"
	// TopicChanges carries flushed sync-manager events.
	TopicChanges = "changes"

	// opMemOverhead is the per-op bookkeeping cost charged to the
	// transaction guard on top of the raw field bytes.
	opMemOverhead = 64

	subscribeRetry = 5 * time.Second
)

// Options configure a node. Zero values fall back to defaults.
type Options struct {
	DeviceID string
	// Peers are gossip server addresses of other enrolled devices.
	Peers []string
	// AnchorInterval is how often changed state is committed to the
	// ledger. Defaults to one minute.
	AnchorInterval time.Duration

	Governor governor.Config
	Batch    syncer.BatchConfig
	Policy   syncer.Policy

	// OnRemoteEvent, if set, receives sync events flushed by peers.
	OnRemoteEvent func(syncer.UserEvent)
}

// Node is one device's engine instance. All exported methods are safe
// for concurrent use.
type Node struct {
	log      zerolog.Logger
	deviceID string

	st       *store.Store
	gov      *governor.Governor
	led      *ledger.Ledger
	anchorer *anchor.DifferentialAnchoring
	graph    *devicegraph.Graph
	sync     *syncer.Manager
	batcher  *syncer.Batcher
	peers    []*gossip.Client

	onRemoteEvent func(syncer.UserEvent)

	mu  sync.Mutex
	doc *state.Document

	online      atomic.Bool
	anchorEvery time.Duration

	ctx      context.Context
	cancel   context.CancelFunc
	done     sync.WaitGroup
	stopOnce sync.Once
}

// Open builds a node over an open store, replaying the device log to
// rebuild the merged document. The node starts offline; call
// SetOnline(true) once connectivity is confirmed.
func Open(ctx context.Context, st *store.Store, signer *ledger.SigningService, opts Options, log zerolog.Logger) (*Node, error) {
	if opts.AnchorInterval <= 0 {
		opts.AnchorInterval = time.Minute
	}
	if len(opts.Policy.Rules) == 0 {
		opts.Policy = syncer.DefaultPolicy()
	}

	led, err := ledger.New(st, signer, log)
	if err != nil {
		return nil, err
	}

	graph, err := devicegraph.Open(ctx, st, opts.DeviceID)
	if err != nil {
		return nil, err
	}

	// The last committed snapshot is the base; the device log holds
	// only ops newer than it (or all ops, before the first block).
	// Replaying the log on top is idempotent, so overlap is harmless.
	doc := state.NewDocument()
	if snap, found, err := st.LoadSnapshot(ctx); err != nil {
		return nil, err
	} else if found {
		if doc, err = state.FromSnapshot(snap); err != nil {
			return nil, err
		}
	}

	entries, err := graph.Entries(ctx)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		op, err := state.DecodeOp(e.Change)
		if err != nil {
			return nil, err
		}
		doc.Apply(op)
	}

	// Compaction may have pruned the log rows that carried the local
	// device's highest sequence numbers.
	graph.EnsureSeq(doc.VersionVector()[opts.DeviceID])

	n := &Node{
		log:           log.With().Str("component", "node").Str("device_id", opts.DeviceID).Logger(),
		deviceID:      opts.DeviceID,
		st:            st,
		gov:           governor.New(opts.Governor, log),
		led:           led,
		graph:         graph,
		doc:           doc,
		onRemoteEvent: opts.OnRemoteEvent,
		anchorEvery:   opts.AnchorInterval,
	}

	n.anchorer, err = anchor.New(ctx, led, (*docSource)(n), log)
	if err != nil {
		return nil, err
	}

	for _, addr := range opts.Peers {
		n.peers = append(n.peers, gossip.NewClient(addr, log,
			grpc.WithTransportCredentials(insecure.NewCredentials())))
	}

	n.batcher = syncer.NewBatcher(st, opts.Batch, n.flushBatch, log)
	n.sync = syncer.NewManager(st, n.batcher, opts.Policy, log)

	n.ctx, n.cancel = context.WithCancel(context.Background())
	return n, nil
}

// docSource adapts the node's locked document to the anchorer.
type docSource Node

func (d *docSource) Snapshot() ([]byte, error) {
	n := (*Node)(d)
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.doc.Snapshot()
}

// Start launches the governor reset loops, the batch flush loops, the
// anchor ticker, and one subscription loop per peer.
func (n *Node) Start() {
	n.gov.Start()
	n.batcher.Start(n.ctx)

	n.done.Add(1)
	go n.anchorLoop()

	for _, p := range n.peers {
		n.done.Add(1)
		go n.subscribeLoop(p)
	}
}

// Stop shuts the node down and waits for its loops. Idempotent.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		n.cancel()
		n.batcher.Stop()
		n.gov.Stop()
		for _, p := range n.peers {
			_ = p.Close()
		}
		n.done.Wait()
	})
}

// SetOnline flips connectivity state. Coming online signals every
// batch tier: critical and high drain immediately so queued changes
// reach peers without waiting out their timers, and background gets
// its size-threshold check.
func (n *Node) SetOnline(online bool) {
	was := n.online.Swap(online)
	if was == online {
		return
	}
	n.log.Info().Bool("online", online).Msg("connectivity changed")
	if online {
		for _, tier := range syncer.Tiers {
			n.batcher.Signal(tier)
		}
	}
}

// Online reports current connectivity state.
func (n *Node) Online() bool {
	return n.online.Load()
}

// DeviceID returns the local device identifier.
func (n *Node) DeviceID() string {
	return n.deviceID
}

// ApplyTransaction performs one local field write: admitted by the
// governor, merged into the document, durably appended to the device
// log, then propagated to peers if online. Persist-then-propagate:
// the write survives a crash even if no peer ever hears about it.
func (n *Node) ApplyTransaction(ctx context.Context, entity, field, value string) error {
	guard, err := n.gov.CheckTx()
	if err != nil {
		return err
	}
	defer guard.End()

	cost := int64(len(entity)+len(field)+len(value)) + opMemOverhead
	if err := guard.AllocateMemory(cost); err != nil {
		return err
	}

	entry, err := n.applyLocalOp(ctx, entity, field, value)
	if err != nil {
		return err
	}

	if n.online.Load() {
		n.publishOp(ctx, entry)
	}
	return nil
}

// applyLocalOp stamps a local write, appends it durably to the device
// log, and only then applies it to the document. A failed append
// leaves document and version vector untouched, so readers never
// observe state that would vanish on restart.
func (n *Node) applyLocalOp(ctx context.Context, entity, field, value string) (devicegraph.Entry, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	op := n.doc.StampOp(n.deviceID, entity, field, value)
	change, err := state.EncodeOp(op)
	if err != nil {
		return devicegraph.Entry{}, err
	}

	entry, err := n.graph.Append(ctx, change)
	if err != nil {
		return devicegraph.Entry{}, err
	}

	n.doc.Apply(op)
	return entry, nil
}

// Get reads the merged value of a field.
func (n *Node) Get(entity, field string) (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.doc.Get(entity, field)
}

// VersionVector returns a copy of the per-device counters.
func (n *Node) VersionVector() map[string]int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.doc.VersionVector()
}

// publishOp best-effort fans one op out to every peer. Failures are
// counted and left behind: the op is already in the device log and
// reaches the peer through reconciliation.
func (n *Node) publishOp(ctx context.Context, e devicegraph.Entry) {
	env := &gossip.Envelope{
		Topic:   TopicOps,
		Origin:  n.deviceID,
		Seq:     e.Seq,
		Payload: e.Change,
	}
	for _, p := range n.peers {
		if err := p.Publish(ctx, env); err != nil {
			n.log.Debug().Err(err).Msg("op publish failed")
			continue
		}
		metrics.ObserveGossipEnvelope("outbound")
	}
}

// handleEnvelope processes one inbound gossip envelope.
func (n *Node) handleEnvelope(env *gossip.Envelope) {
	if env.Origin == n.deviceID {
		return
	}
	metrics.ObserveGossipEnvelope("inbound")

	switch env.Topic {
	case TopicOps:
		entry := devicegraph.Entry{Device: env.Origin, Seq: env.Seq, Change: env.Payload}
		fresh, err := n.graph.Record(n.ctx, entry)
		if err != nil {
			n.log.Warn().Err(err).Msg("record remote op failed")
			return
		}
		if !fresh {
			return
		}
		op, err := state.DecodeOp(env.Payload)
		if err != nil {
			n.log.Warn().Err(err).Str("origin", env.Origin).Msg("undecodable remote op")
			return
		}
		n.mu.Lock()
		n.doc.Apply(op)
		n.mu.Unlock()

	case TopicChanges:
		if n.onRemoteEvent == nil {
			return
		}
		e, err := syncer.DecodeEvent(env.Payload)
		if err != nil {
			n.log.Warn().Err(err).Str("origin", env.Origin).Msg("undecodable remote event")
			return
		}
		n.onRemoteEvent(e)
	}
}

// Reconcile merges a remote device-log segment, applying every entry
// not yet seen. Returns the number of entries applied. Safe to call
// with overlapping or repeated segments.
func (n *Node) Reconcile(ctx context.Context, remote []devicegraph.Entry) (int, error) {
	return n.graph.Join(ctx, remote, func(change []byte) error {
		op, err := state.DecodeOp(change)
		if err != nil {
			return err
		}
		n.mu.Lock()
		n.doc.Apply(op)
		n.mu.Unlock()
		return nil
	})
}

// OfferLog returns the full local device log, the segment handed to a
// reconnecting peer during reconciliation.
func (n *Node) OfferLog(ctx context.Context) ([]devicegraph.Entry, error) {
	return n.graph.Entries(ctx)
}

// Anchor commits current state to the ledger if it changed since the
// last anchor. Returns the new block timestamp and whether a block
// was created.
func (n *Node) Anchor(ctx context.Context) (int64, bool, error) {
	return n.anchorer.Anchor(ctx)
}

// CreateBlock commits current state to the ledger unconditionally,
// even if nothing changed since the last anchor. Returns the new
// block timestamp.
func (n *Node) CreateBlock(ctx context.Context) (int64, error) {
	return n.anchorer.Force(ctx)
}

// VerifyChain checks the full ledger chain.
func (n *Node) VerifyChain(ctx context.Context) error {
	return n.led.Verify(ctx)
}

// BlockCount returns the ledger chain length.
func (n *Node) BlockCount(ctx context.Context) (int, error) {
	return n.led.BlockCount(ctx)
}

// CompactHistory prunes device-log history already covered by the
// chain tip. Irreversible.
func (n *Node) CompactHistory(ctx context.Context) (int64, error) {
	return n.led.CompactHistory(ctx)
}

// SyncEvent classifies and durably enqueues an application event.
func (n *Node) SyncEvent(ctx context.Context, e syncer.UserEvent) (syncer.PendingChange, error) {
	return n.sync.SyncEvent(ctx, e)
}

// ForceSync enqueues an event at critical priority and triggers an
// immediate flush.
func (n *Node) ForceSync(ctx context.Context, e syncer.UserEvent) (syncer.PendingChange, error) {
	return n.sync.ForceSync(ctx, e)
}

// IsSyncPending reports whether a change of the given type is queued.
func (n *Node) IsSyncPending(ctx context.Context, changeType string) (bool, error) {
	return n.sync.IsSyncPending(ctx, changeType)
}

// FlushTier drains one tier's pending changes immediately, bypassing
// the batch timers.
func (n *Node) FlushTier(ctx context.Context, tier syncer.Priority) {
	n.batcher.FlushTier(ctx, tier)
}

// CheckTx admits one transaction against the governor's rate window
// and returns a guard scoped to it.
func (n *Node) CheckTx() (*governor.TransactionGuard, error) {
	return n.gov.CheckTx()
}

// AllocateMemory reserves bytes against the governor's memory budget.
func (n *Node) AllocateMemory(bytes int64) error {
	return n.gov.AllocateMemory(bytes)
}

// ReleaseMemory returns bytes to the governor's memory budget.
func (n *Node) ReleaseMemory(bytes int64) {
	n.gov.ReleaseMemory(bytes)
}

// MemoryUsagePercent reports governor memory pressure, 0 to 100.
func (n *Node) MemoryUsagePercent() float64 { return n.gov.MemoryUsagePercent() }

// TxUsagePercent reports governor transaction-rate pressure, 0 to 100.
func (n *Node) TxUsagePercent() float64 { return n.gov.TxUsagePercent() }

// CPUUsagePercent reports governor CPU-budget pressure, 0 to 100.
func (n *Node) CPUUsagePercent() float64 { return n.gov.CPUUsagePercent() }

// flushBatch consumes one drained tier: every event is folded into
// the replicated document and the device log, the result is anchored,
// and only then, if online, the events are gossiped to peers. The
// fold must succeed before the batch counts as flushed; gossip is
// best-effort and never fails the flush, since peers also catch up
// through reconciliation.
func (n *Node) flushBatch(ctx context.Context, tier syncer.Priority, rows []store.PendingRow) error {
	for _, row := range rows {
		e, err := syncer.DecodeEvent(row.Payload)
		if err != nil {
			n.log.Warn().Err(err).Str("change_id", row.ID).Msg("undecodable pending change dropped")
			continue
		}
		if err := n.foldEvent(ctx, row.ID, e); err != nil {
			return err
		}
	}

	if _, _, err := n.anchorer.Anchor(ctx); err != nil {
		// The fold is durable; the next scheduled anchor retries.
		n.log.Error().Err(err).Str("tier", tier.String()).Msg("flush anchor failed")
	}

	if !n.online.Load() {
		return nil
	}
	for _, row := range rows {
		env := &gossip.Envelope{
			Topic:   TopicChanges,
			Origin:  n.deviceID,
			Payload: row.Payload,
		}
		for _, p := range n.peers {
			if err := p.Publish(ctx, env); err != nil {
				n.log.Debug().Err(err).Msg("change publish failed")
				continue
			}
			metrics.ObserveGossipEnvelope("outbound")
		}
	}
	return nil
}

// foldEvent records a flushed event as a field write: the document
// keeps the latest change id per (entity, change type), and the
// device log entry makes the event part of the reconciled, anchored
// history.
func (n *Node) foldEvent(ctx context.Context, changeID string, e syncer.UserEvent) error {
	entity := e.EntityID
	if entity == "" {
		entity = "events"
	}
	_, err := n.applyLocalOp(ctx, entity, e.ChangeType(), changeID)
	return err
}

func (n *Node) anchorLoop() {
	defer n.done.Done()
	ticker := time.NewTicker(n.anchorEvery)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := n.anchorer.Anchor(n.ctx); err != nil && n.ctx.Err() == nil {
				n.log.Error().Err(err).Msg("scheduled anchor failed")
			}
		}
	}
}

// subscribeLoop keeps one peer subscription alive while online,
// retrying after disconnects.
func (n *Node) subscribeLoop(p *gossip.Client) {
	defer n.done.Done()
	for {
		if n.ctx.Err() != nil {
			return
		}
		if n.online.Load() {
			err := p.Subscribe(n.ctx, n.deviceID, []string{TopicOps, TopicChanges}, n.handleEnvelope)
			if err != nil && n.ctx.Err() == nil {
				n.log.Debug().Err(err).Msg("peer subscription dropped")
			}
		}
		select {
		case <-n.ctx.Done():
			return
		case <-time.After(subscribeRetry):
		}
	}
}
