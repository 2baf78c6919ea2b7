package ledger

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calyptra/anchorsync/internal/store"
)

func newTestLedger(t *testing.T) (*Ledger, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	signer, err := NewSigningService()
	require.NoError(t, err)

	led, err := New(st, signer, zerolog.Nop())
	require.NoError(t, err)
	return led, st
}

func TestCreateBlock_ChainsFromZeroHash(t *testing.T) {
	ctx := context.Background()
	led, st := newTestLedger(t)

	hash, err := led.LastBlockHash(ctx)
	require.NoError(t, err)
	assert.Equal(t, ZeroHash, hash)

	ts, err := led.CreateBlock(ctx, []byte("state-1"))
	require.NoError(t, err)
	assert.Positive(t, ts)

	record, found, err := st.LastBlock(ctx)
	require.NoError(t, err)
	require.True(t, found)

	block, err := DecodeBlock(record)
	require.NoError(t, err)
	assert.Equal(t, ts, block.Timestamp)
	assert.Equal(t, ZeroHash, block.PrevHash)
	assert.Equal(t, StateHash([]byte("state-1")), block.StateHash)
}

// TestCreateBlock_MonotonicTimestamps forces clock collisions and
// asserts block identifiers still strictly increase.
func TestCreateBlock_MonotonicTimestamps(t *testing.T) {
	ctx := context.Background()
	led, _ := newTestLedger(t)

	// Frozen clock: every block would get the same wall time.
	led.now = func() int64 { return 1000 }

	var prev int64
	for i := 0; i < 5; i++ {
		ts, err := led.CreateBlock(ctx, []byte{byte(i)})
		require.NoError(t, err)
		assert.Greater(t, ts, prev)
		prev = ts
	}
}

func TestLastBlockHash_TracksTip(t *testing.T) {
	ctx := context.Background()
	led, _ := newTestLedger(t)

	_, err := led.CreateBlock(ctx, []byte("first"))
	require.NoError(t, err)
	_, err = led.CreateBlock(ctx, []byte("second"))
	require.NoError(t, err)

	hash, err := led.LastBlockHash(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateHash([]byte("second")), hash)
}

func TestVerify_ValidChain(t *testing.T) {
	ctx := context.Background()
	led, _ := newTestLedger(t)

	for i := 0; i < 4; i++ {
		_, err := led.CreateBlock(ctx, []byte{byte(i)})
		require.NoError(t, err)
	}

	require.NoError(t, led.Verify(ctx))

	n, err := led.BlockCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

// TestVerify_DetectsForgedBlock appends a block that was not signed
// by the device key and asserts verification fails.
func TestVerify_DetectsForgedBlock(t *testing.T) {
	ctx := context.Background()
	led, st := newTestLedger(t)

	ts, err := led.CreateBlock(ctx, []byte("honest"))
	require.NoError(t, err)

	prevHash, err := led.LastBlockHash(ctx)
	require.NoError(t, err)

	forged := Block{
		Timestamp: ts + 1,
		PrevHash:  prevHash,
		StateHash: StateHash([]byte("forged")),
		Signature: bytes.Repeat([]byte{0xAB}, 64),
	}
	record, err := EncodeBlock(forged)
	require.NoError(t, err)
	require.NoError(t, st.AppendBlock(ctx, forged.Timestamp, record))

	err = led.Verify(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid signature")
}

// TestVerify_DetectsBrokenChain appends a block whose PrevHash does
// not point at the tip.
func TestVerify_DetectsBrokenChain(t *testing.T) {
	ctx := context.Background()
	led, st := newTestLedger(t)

	_, err := led.CreateBlock(ctx, []byte("first"))
	require.NoError(t, err)

	stateHash := StateHash([]byte("detached"))
	detached := Block{
		Timestamp: led.lastTS + 1,
		PrevHash:  StateHash([]byte("nonexistent")),
		StateHash: stateHash,
		Signature: led.signer.Sign(stateHash),
	}
	record, err := EncodeBlock(detached)
	require.NoError(t, err)
	require.NoError(t, st.AppendBlock(ctx, detached.Timestamp, record))

	err = led.Verify(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chain broken")
}

func TestNew_ResumesLastTimestamp(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")

	st, err := store.Open(path)
	require.NoError(t, err)
	signer, err := NewSigningService()
	require.NoError(t, err)
	led, err := New(st, signer, zerolog.Nop())
	require.NoError(t, err)

	ts, err := led.CreateBlock(ctx, []byte("state"))
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st2, err := store.Open(path)
	require.NoError(t, err)
	defer st2.Close()

	led2, err := New(st2, signer, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, ts, led2.lastTS)

	// Even with a stuck clock the next block lands after the old tip.
	led2.now = func() int64 { return ts - 100 }
	ts2, err := led2.CreateBlock(ctx, []byte("state-2"))
	require.NoError(t, err)
	assert.Greater(t, ts2, ts)
}

func TestCompactHistory(t *testing.T) {
	ctx := context.Background()
	led, st := newTestLedger(t)

	// Empty chain: nothing to prune against.
	pruned, err := led.CompactHistory(ctx)
	require.NoError(t, err)
	assert.Zero(t, pruned)

	for i := int64(1); i <= 3; i++ {
		_, err := st.AppendDeviceEntry(ctx, store.DeviceEntry{DeviceID: "dev-a", Seq: i, Entry: []byte("op"), CreatedAt: i})
		require.NoError(t, err)
	}

	_, err = led.CreateBlock(ctx, []byte("state"))
	require.NoError(t, err)

	pruned, err = led.CompactHistory(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), pruned)

	entries, err := st.DeviceEntries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// Chain is untouched.
	require.NoError(t, led.Verify(ctx))
}

func TestStateHash_DomainSeparated(t *testing.T) {
	h1 := StateHash([]byte("payload"))
	h2 := StateHash([]byte("payload"))
	h3 := StateHash([]byte("other"))

	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
	assert.Len(t, h1, HashSize)
}

func TestSigningService_FromSeed(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, 32)

	s1, err := NewSigningServiceFromSeed(seed)
	require.NoError(t, err)
	s2, err := NewSigningServiceFromSeed(seed)
	require.NoError(t, err)

	// Same seed, same identity.
	assert.Equal(t, s1.PublicKey(), s2.PublicKey())

	sig := s1.Sign([]byte("hash"))
	assert.True(t, s2.Verify([]byte("hash"), sig))
	assert.False(t, s2.Verify([]byte("tampered"), sig))

	_, err = NewSigningServiceFromSeed([]byte("short"))
	require.Error(t, err)
}

// TestCreateBlock_PersistsSnapshot verifies each block commit also
// stores the snapshot it attests, replacing the previous one.
func TestCreateBlock_PersistsSnapshot(t *testing.T) {
	ctx := context.Background()
	led, st := newTestLedger(t)

	_, err := led.CreateBlock(ctx, []byte("state-1"))
	require.NoError(t, err)
	_, err = led.CreateBlock(ctx, []byte("state-2"))
	require.NoError(t, err)

	snap, found, err := st.LoadSnapshot(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("state-2"), snap)
}
