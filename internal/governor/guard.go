package governor

import "time"

// TransactionGuard is a scoped token for one admitted transaction.
// It owns exactly the resource grants it personally requested: End
// releases the precise sum of memory allocated through the guard and
// records elapsed wall time as CPU usage. Defer End immediately after
// CheckTx so accounting survives every exit path, including early
// returns and error propagation.
type TransactionGuard struct {
	gov   *Governor
	start time.Time
	local int64 // bytes allocated through this guard
	ended bool
}

func newGuard(g *Governor) *TransactionGuard {
	return &TransactionGuard{gov: g, start: time.Now()}
}

// AllocateMemory claims bytes against the governor and, on success,
// adds them to the guard's local total so End can release exactly
// what was granted.
func (t *TransactionGuard) AllocateMemory(bytes int64) error {
	if err := t.gov.AllocateMemory(bytes); err != nil {
		return err
	}
	t.local += bytes
	return nil
}

// End closes out the transaction: releases the guard's local memory
// total and feeds elapsed wall time into CPU accounting. Idempotent -
// a second call is a no-op, so it is safe both deferred and called
// explicitly on the happy path.
func (t *TransactionGuard) End() {
	if t.ended {
		return
	}
	t.ended = true

	if t.local > 0 {
		t.gov.ReleaseMemory(t.local)
		t.local = 0
	}
	// Budget overruns here are already reported inside RecordCPUUsage;
	// a guard teardown has no caller to hand the error to.
	_ = t.gov.RecordCPUUsage(time.Since(t.start))
}

// Allocated returns the bytes currently held by this guard.
func (t *TransactionGuard) Allocated() int64 {
	return t.local
}
