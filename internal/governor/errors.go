package governor

import (
	"errors"
	"fmt"
)

// MemoryBudgetError is returned when an allocation would push tracked
// memory past the configured limit. The allocation is rolled back
// before the error is returned, so callers may retry or drop.
type MemoryBudgetError struct {
	Requested int64
	Used      int64
	Limit     int64
}

func (e *MemoryBudgetError) Error() string {
	return fmt.Sprintf("memory budget exceeded: %d requested, %d/%d in use",
		e.Requested, e.Used, e.Limit)
}

// TxRateLimitError is returned by CheckTx when the fixed-window
// transaction counter is exhausted. The increment is rolled back
// before the error is returned, so the usage percentage never
// exceeds 100.
type TxRateLimitError struct {
	Used  int64
	Limit int64
}

func (e *TxRateLimitError) Error() string {
	return fmt.Sprintf("transaction rate limit exceeded: %d/%d in current window",
		e.Used, e.Limit)
}

// CPUBudgetError reports that accumulated CPU time passed the budget.
// Best-effort accounting: the time is already spent and is not
// undone, the caller is simply told the window is over budget.
type CPUBudgetError struct {
	Used  int64 // nanoseconds
	Limit int64 // nanoseconds
}

func (e *CPUBudgetError) Error() string {
	return fmt.Sprintf("cpu budget exceeded: %dns used of %dns", e.Used, e.Limit)
}

// IsMemoryBudgetError reports whether err is (or wraps) a
// MemoryBudgetError.
func IsMemoryBudgetError(err error) bool {
	var me *MemoryBudgetError
	return errors.As(err, &me)
}

// IsTxRateLimitError reports whether err is (or wraps) a
// TxRateLimitError.
func IsTxRateLimitError(err error) bool {
	var te *TxRateLimitError
	return errors.As(err, &te)
}

// IsCPUBudgetError reports whether err is (or wraps) a CPUBudgetError.
func IsCPUBudgetError(err error) bool {
	var ce *CPUBudgetError
	return errors.As(err, &ce)
}
