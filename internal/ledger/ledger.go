package ledger

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/calyptra/anchorsync/internal/metrics"
	"github.com/calyptra/anchorsync/internal/store"
)

// Ledger is the append-only, hash-chained, signed block log.
//
// One exclusive lock covers block creation and last-hash reads: two
// concurrent CreateBlock calls must not both read the same previous
// hash, and a reader must not observe a half-built tip. The lock is
// deliberately NOT shared with the resource governor's counters,
// which are lock-free atomics - pure accounting never waits on a
// block commit.
type Ledger struct {
	mu     sync.Mutex
	store  *store.Store
	signer *SigningService
	log    zerolog.Logger

	// lastTS is the most recently issued block timestamp. Timestamps
	// are clamped to strictly increase even if two blocks land within
	// one wall-clock tick.
	lastTS int64

	now func() int64
}

// New builds a ledger over an open store. The signer is injected by
// the composition root.
func New(st *store.Store, signer *SigningService, log zerolog.Logger) (*Ledger, error) {
	lastTS, err := st.LastBlockTimestamp(context.Background())
	if err != nil {
		return nil, &StorageError{Op: "read last block timestamp", Err: err}
	}
	return &Ledger{
		store:  st,
		signer: signer,
		log:    log.With().Str("component", "ledger").Logger(),
		lastTS: lastTS,
		now:    func() int64 { return time.Now().UnixNano() },
	}, nil
}

// CreateBlock hashes and signs a state snapshot, chains it to the
// previous block, and persists block and snapshot in one atomic
// commit. Returns the block timestamp, which is the block's
// identifier and its storage key.
//
// The snapshot is kept alongside the chain so the merged document can
// be restored without replaying the device log; that is what makes
// CompactHistory safe.
//
// For any sequence of calls on one device the returned timestamps are
// strictly increasing.
func (l *Ledger) CreateBlock(ctx context.Context, snapshot []byte) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	start := time.Now()

	stateHash := StateHash(snapshot)

	prevHash, err := l.lastBlockHashLocked(ctx)
	if err != nil {
		return 0, err
	}

	ts := l.now()
	if ts <= l.lastTS {
		ts = l.lastTS + 1
	}

	block := Block{
		Timestamp: ts,
		PrevHash:  prevHash,
		StateHash: stateHash,
		Signature: l.signer.Sign(stateHash),
	}

	record, err := EncodeBlock(block)
	if err != nil {
		return 0, err
	}

	if err := l.store.CommitBlock(ctx, ts, record, snapshot); err != nil {
		return 0, &StorageError{Op: "append block", Err: err}
	}

	l.lastTS = ts
	metrics.ObserveBlockCreated(time.Since(start))

	l.log.Info().
		Str("event", "block_created").
		Int64("timestamp", ts).
		Hex("state_hash", stateHash).
		Msg("block created")

	return ts, nil
}

// LastBlockHash returns the state hash at the chain tip, or ZeroHash
// on an empty ledger. Takes the chain lock so it cannot race a
// concurrent CreateBlock.
func (l *Ledger) LastBlockHash(ctx context.Context) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastBlockHashLocked(ctx)
}

func (l *Ledger) lastBlockHashLocked(ctx context.Context) ([]byte, error) {
	record, found, err := l.store.LastBlock(ctx)
	if err != nil {
		return nil, &StorageError{Op: "read last block", Err: err}
	}
	if !found {
		return ZeroHash, nil
	}

	block, err := DecodeBlock(record)
	if err != nil {
		return nil, err
	}
	return block.StateHash, nil
}

// BlockCount returns the chain length.
func (l *Ledger) BlockCount(ctx context.Context) (int, error) {
	n, err := l.store.CountBlocks(ctx)
	if err != nil {
		return 0, &StorageError{Op: "count blocks", Err: err}
	}
	return n, nil
}

// Verify walks the whole chain and checks that each block's PrevHash
// equals the previous block's StateHash (ZeroHash for the first
// block), that timestamps strictly increase, and that every
// signature verifies against the device key.
func (l *Ledger) Verify(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	prevHash := ZeroHash
	prevTS := int64(0)

	return l.store.ScanBlocks(ctx, func(ts int64, record []byte) error {
		block, err := DecodeBlock(record)
		if err != nil {
			return err
		}
		if block.Timestamp != ts {
			return fmt.Errorf("block %d: key/record timestamp mismatch (%d)", ts, block.Timestamp)
		}
		if ts <= prevTS {
			return fmt.Errorf("block %d: timestamp not increasing (prev %d)", ts, prevTS)
		}
		if !bytes.Equal(block.PrevHash, prevHash) {
			return fmt.Errorf("block %d: chain broken: prev_hash does not match previous state_hash", ts)
		}
		if !l.signer.Verify(block.StateHash, block.Signature) {
			return fmt.Errorf("block %d: invalid signature", ts)
		}
		prevHash = block.StateHash
		prevTS = ts
		return nil
	})
}

// CompactHistory prunes per-operation replication history that is
// already covered by the chain tip, then vacuums the database.
// Irreversible: fine-grained history is lost; the merged state
// survives in the snapshot committed with the tip block, and every
// block is unaffected.
func (l *Ledger) CompactHistory(ctx context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.lastTS
	if cutoff == 0 {
		return 0, nil
	}

	pruned, err := l.store.PruneDeviceLogBefore(ctx, cutoff)
	if err != nil {
		return 0, &StorageError{Op: "prune history", Err: err}
	}
	if pruned == 0 {
		return 0, nil
	}

	if err := l.store.Compact(ctx); err != nil {
		return pruned, &StorageError{Op: "compact", Err: err}
	}

	l.log.Info().
		Str("event", "history_compacted").
		Int64("pruned", pruned).
		Msg("history compacted")

	return pruned, nil
}
