package state

import (
	"fmt"
	"sort"

	"github.com/blockberries/cramberry/pkg/cramberry"
)

// Wire shape of a snapshot. Maps are flattened into sorted slices so
// the encoding is byte-stable: equal documents produce equal
// snapshots, which is what makes re-anchoring unchanged state
// detectable by hash alone.
type snapshotField struct {
	Name    string `cramberry:"1"`
	Value   string `cramberry:"2"`
	Counter int64  `cramberry:"3"`
	Device  string `cramberry:"4"`
}

type snapshotEntity struct {
	ID     string          `cramberry:"1"`
	Fields []snapshotField `cramberry:"2"`
}

type snapshotCounter struct {
	Device  string `cramberry:"1"`
	Counter int64  `cramberry:"2"`
}

type snapshot struct {
	Entities []snapshotEntity `cramberry:"1"`
	// Counters is the full version vector, including devices whose
	// writes all lost their registers. Restoring it keeps counter
	// issuance monotonic even after the op history is compacted away.
	Counters []snapshotCounter `cramberry:"2"`
}

// Snapshot serializes the full merged state to deterministic bytes.
func (d *Document) Snapshot() ([]byte, error) {
	snap := snapshot{Entities: make([]snapshotEntity, 0, len(d.entities))}

	entityIDs := make([]string, 0, len(d.entities))
	for id := range d.entities {
		entityIDs = append(entityIDs, id)
	}
	sort.Strings(entityIDs)

	for _, id := range entityIDs {
		fields := d.entities[id]

		names := make([]string, 0, len(fields))
		for name := range fields {
			names = append(names, name)
		}
		sort.Strings(names)

		ent := snapshotEntity{ID: id, Fields: make([]snapshotField, 0, len(names))}
		for _, name := range names {
			reg := fields[name]
			ent.Fields = append(ent.Fields, snapshotField{
				Name:    name,
				Value:   reg.value,
				Counter: reg.counter,
				Device:  reg.device,
			})
		}
		snap.Entities = append(snap.Entities, ent)
	}

	devices := make([]string, 0, len(d.vv))
	for device := range d.vv {
		devices = append(devices, device)
	}
	sort.Strings(devices)
	snap.Counters = make([]snapshotCounter, 0, len(devices))
	for _, device := range devices {
		snap.Counters = append(snap.Counters, snapshotCounter{Device: device, Counter: d.vv[device]})
	}

	data, err := cramberry.Marshal(&snap)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	return data, nil
}

// FromSnapshot rebuilds a document from serialized snapshot bytes, as
// persisted alongside each block. The result is equivalent to the
// document that produced the snapshot: same registers, same version
// vector.
func FromSnapshot(data []byte) (*Document, error) {
	var snap snapshot
	if err := cramberry.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("from snapshot: %w", err)
	}

	doc := NewDocument()
	for _, ent := range snap.Entities {
		fields := make(map[string]register, len(ent.Fields))
		for _, f := range ent.Fields {
			fields[f.Name] = register{value: f.Value, counter: f.Counter, device: f.Device}
		}
		doc.entities[ent.ID] = fields
	}
	for _, c := range snap.Counters {
		doc.vv[c.Device] = c.Counter
	}
	return doc, nil
}

// Restore rebuilds a document by replaying encoded ops, typically
// from the device log at startup. Replay order does not matter.
func Restore(entries [][]byte) (*Document, error) {
	doc := NewDocument()
	for i, raw := range entries {
		op, err := DecodeOp(raw)
		if err != nil {
			return nil, fmt.Errorf("restore: entry %d: %w", i, err)
		}
		doc.Apply(op)
	}
	return doc, nil
}
