// Package state implements the replicated state store: a
// version-vector last-writer-wins document.
//
// Every mutation is an Op stamped with (device, counter). Applying
// ops is total and commutative - two replicas that see the same set
// of ops converge to the same document regardless of arrival order,
// so merging can never fail with a conflict. The per-field rule is
// last-writer-wins on counter, with the device ID as a deterministic
// tiebreak.
//
// Document is not safe for concurrent use. Callers guard it with
// their own lock; the node keeps one mutex over its document so local
// writes, remote merges, and snapshot reads serialize.
package state
