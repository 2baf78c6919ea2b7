package state

import (
	"fmt"

	"github.com/blockberries/cramberry/pkg/cramberry"
)

// Op is a single field write, stamped with the writing device and
// that device's logical counter. Ops are the unit of replication:
// they travel over gossip, sit in the device log, and rebuild the
// document at startup.
type Op struct {
	Entity  string `cramberry:"1"`
	Field   string `cramberry:"2"`
	Value   string `cramberry:"3"`
	Device  string `cramberry:"4"`
	Counter int64  `cramberry:"5"`
}

// EncodeOp serializes an op for the device log and the gossip wire.
func EncodeOp(op Op) ([]byte, error) {
	data, err := cramberry.Marshal(&op)
	if err != nil {
		return nil, fmt.Errorf("encode op: %w", err)
	}
	return data, nil
}

// DecodeOp deserializes an op.
func DecodeOp(data []byte) (Op, error) {
	var op Op
	if err := cramberry.Unmarshal(data, &op); err != nil {
		return Op{}, fmt.Errorf("decode op: %w", err)
	}
	return op, nil
}

// register is the current winner for one field.
type register struct {
	value   string
	counter int64
	device  string
}

// Document is the merged application state: entity -> field -> winner,
// plus the version vector of counters seen per device.
type Document struct {
	entities map[string]map[string]register
	vv       map[string]int64
}

// NewDocument returns an empty document.
func NewDocument() *Document {
	return &Document{
		entities: make(map[string]map[string]register),
		vv:       make(map[string]int64),
	}
}

// StampOp assigns the device's next counter to a local write without
// applying it. The counter is claimed only when the op is applied, so
// a caller that fails to persist the op can drop it and the document
// keeps no trace. The caller must hold its lock across stamp and
// apply.
func (d *Document) StampOp(device, entity, field, value string) Op {
	return Op{
		Entity:  entity,
		Field:   field,
		Value:   value,
		Device:  device,
		Counter: d.vv[device] + 1,
	}
}

// NextOp stamps a local write with the device's next counter and
// applies it. The returned op is what must be persisted and
// propagated.
func (d *Document) NextOp(device, entity, field, value string) Op {
	op := d.StampOp(device, entity, field, value)
	d.Apply(op)
	return op
}

// Apply merges one op into the document. Returns true if the op won
// its register, false if it lost to a concurrent writer or was stale.
// Either way the op is absorbed into the version vector - Apply is
// total and never fails.
func (d *Document) Apply(op Op) bool {
	if op.Counter > d.vv[op.Device] {
		d.vv[op.Device] = op.Counter
	}

	fields, ok := d.entities[op.Entity]
	if !ok {
		fields = make(map[string]register)
		d.entities[op.Entity] = fields
	}

	cur, exists := fields[op.Field]
	if exists && !wins(op, cur) {
		return false
	}

	fields[op.Field] = register{value: op.Value, counter: op.Counter, device: op.Device}
	return true
}

// wins reports whether op beats the current register under the
// LWW rule: higher counter wins, equal counters break on device ID.
func wins(op Op, cur register) bool {
	if op.Counter != cur.counter {
		return op.Counter > cur.counter
	}
	return op.Device > cur.device
}

// Get returns the current value of a field.
func (d *Document) Get(entity, field string) (string, bool) {
	fields, ok := d.entities[entity]
	if !ok {
		return "", false
	}
	reg, ok := fields[field]
	if !ok {
		return "", false
	}
	return reg.value, true
}

// EntityCount returns the number of entities in the document.
func (d *Document) EntityCount() int {
	return len(d.entities)
}

// VersionVector returns a copy of the per-device counters.
func (d *Document) VersionVector() map[string]int64 {
	vv := make(map[string]int64, len(d.vv))
	for k, v := range d.vv {
		vv[k] = v
	}
	return vv
}

// Seen reports whether the document has absorbed the given
// (device, counter) write.
func (d *Document) Seen(device string, counter int64) bool {
	return d.vv[device] >= counter
}
