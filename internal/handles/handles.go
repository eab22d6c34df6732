// Copyright (c) 2024 Vali authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package handles implements the process-wide typed handle table (spec.md
// C1 / §4.1): a single spinlock-guarded registry mapping process-unique
// 32-bit ids to refcounted, typed payloads with a per-type destructor and
// a stable {id,type,flags}+payload wire serialization for IPC transfer.
//
// The registry shape mirrors virtcontainers/persist's id-keyed,
// mutex-guarded map of snapshots; the refcount/destructor/ownership-bit
// semantics are grounded on librt/libos/handles.c in original_source.
package handles

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/vali-os/core/internal/status"
	"github.com/vali-os/core/internal/telemetry"
)

var log = telemetry.Logger("handles")

// Type is the closed tag of handle kinds spec.md §3 enumerates.
type Type uint16

const (
	TypeFile Type = iota + 1
	TypeEvent
	TypeQueue
	TypeSHM
	TypeSocket
	TypePipe
	TypeProcess
	TypeThread
)

// flag bits, matching OSHANDLE_FLAG_OWNERSHIP in original_source.
type Flags uint16

const (
	FlagOwnership Flags = 1 << iota
)

// Destructor runs when a handle's refcount reaches zero. It receives the
// payload and the ownership flag so it can decide whether to release the
// underlying kernel object, per spec.md §3's "Lifecycle" paragraph.
type Destructor func(payload interface{}, owns bool)

// Handle is the local, referenced view of a table entry.
type Handle struct {
	ID      uint32
	Type    Type
	Flags   Flags
	Payload interface{}
}

func (h Handle) owns() bool { return h.Flags&FlagOwnership != 0 }

type entry struct {
	id      uint32
	typ     Type
	flags   Flags
	payload interface{}
	refs    int32
}

// Table is a process-wide handle registry. The zero value is not usable;
// construct with New.
type Table struct {
	mu        sync.Mutex
	entries   map[uint32]*entry
	destructs map[Type]Destructor
	nextID    uint32

	live map[Type]int64
	peak map[Type]int64
}

// New constructs an empty table.
func New() *Table {
	return &Table{
		entries:   make(map[uint32]*entry),
		destructs: make(map[Type]Destructor),
		live:      make(map[Type]int64),
		peak:      make(map[Type]int64),
	}
}

// RegisterDestructor binds the type-specific factory's destructor, called
// with the lock released (spec.md §4.1 "Destroy releases the lock before
// invoking the type destructor to avoid re-entrancy").
func (t *Table) RegisterDestructor(typ Type, d Destructor) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.destructs[typ] = d
}

// Create allocates a fresh id and inserts payload with refcount 1 and the
// ownership flag set, mirroring OSHandleCreate.
func (t *Table) Create(typ Type, payload interface{}) (Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, ok := t.allocateIDLocked()
	if !ok {
		return Handle{}, status.New(status.OutOfMemory, "handle table exhausted")
	}

	e := &entry{id: id, typ: typ, flags: FlagOwnership, payload: payload, refs: 1}
	t.entries[id] = e
	t.live[typ]++
	if t.live[typ] > t.peak[typ] {
		t.peak[typ] = t.live[typ]
	}

	log.WithField("id", id).WithField("type", typ).Debug("handle created")
	return Handle{ID: id, Type: typ, Flags: e.flags, Payload: payload}, nil
}

// Wrap inserts an externally-identified handle (e.g. reconstructed from a
// deserialized payload, or an id handed in by a driver process) without
// allocating a fresh id, mirroring OSHandleWrap. owns controls whether the
// eventual destructor releases the underlying kernel object.
func (t *Table) Wrap(externalID uint32, typ Type, payload interface{}, owns bool) (Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[externalID]; exists {
		return Handle{}, status.New(status.Exists, "handle id already bound")
	}

	var flags Flags
	if owns {
		flags = FlagOwnership
	}
	e := &entry{id: externalID, typ: typ, flags: flags, payload: payload, refs: 1}
	t.entries[externalID] = e
	t.live[typ]++
	if t.live[typ] > t.peak[typ] {
		t.peak[typ] = t.live[typ]
	}

	return Handle{ID: externalID, Type: typ, Flags: flags, Payload: payload}, nil
}

func (t *Table) allocateIDLocked() (uint32, bool) {
	for i := 0; i < 1<<20; i++ {
		t.nextID++
		if t.nextID == 0 {
			t.nextID = 1
		}
		if _, exists := t.entries[t.nextID]; !exists {
			return t.nextID, true
		}
	}
	return 0, false
}

// Acquire increments the refcount of id (+1 clone), failing with NotFound
// if unknown.
func (t *Table) Acquire(id uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return status.New(status.NotFound, "handle not found")
	}
	atomic.AddInt32(&e.refs, 1)
	return nil
}

// Lookup returns the current local view of id without mutating refcount,
// failing with NotFound if unknown.
func (t *Table) Lookup(id uint32) (Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return Handle{}, status.New(status.NotFound, "handle not found")
	}
	return Handle{ID: e.id, Type: e.typ, Flags: e.flags, Payload: e.payload}, nil
}

// Destroy releases one reference to id. Once the refcount reaches zero the
// entry is removed and the type's destructor runs with the table lock
// released. Destroy is idempotent once the refcount has hit zero: a
// repeated Destroy on an already-removed id is a silent no-op, per
// spec.md §4.1.
func (t *Table) Destroy(id uint32) {
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	remaining := atomic.AddInt32(&e.refs, -1)
	if remaining > 0 {
		t.mu.Unlock()
		return
	}
	delete(t.entries, id)
	t.live[e.typ]--
	destructor := t.destructs[e.typ]
	t.mu.Unlock()

	log.WithField("id", id).WithField("type", e.typ).Debug("handle destroyed")
	if destructor != nil {
		destructor(e.payload, e.flags&FlagOwnership != 0)
	}
}

// wireHeader is {version:u8, id:u32, type:u16, flags:u16}, the fixed
// prefix spec.md §4.1 specifies for every serialized handle: a 1-byte
// format tag ahead of {id,type,flags} so a future layout change can be
// rejected instead of silently misparsed.
const wireFormatVersion byte = 1
const wireHeaderLen = 1 + 4 + 2 + 2

// Serializer produces the type-specific trailing bytes for Serialize.
type Serializer func(payload interface{}) []byte

// Deserializer reconstructs a payload placeholder from trailing bytes; the
// returned payload is expected to be nil or a lightweight descriptor until
// a later Find re-binds it, per spec.md §4.1.
type Deserializer func(data []byte) (interface{}, error)

// Serialize writes {version,id,type,flags} followed by the type's
// serializer output into buf, returning the number of bytes written.
func (t *Table) Serialize(h Handle, serialize Serializer, buf []byte) (int, error) {
	if len(buf) < wireHeaderLen {
		return 0, status.New(status.Overflow, "buffer too small for handle header")
	}
	buf[0] = wireFormatVersion
	binary.LittleEndian.PutUint32(buf[1:5], h.ID)
	binary.LittleEndian.PutUint16(buf[5:7], uint16(h.Type))
	binary.LittleEndian.PutUint16(buf[7:9], uint16(h.Flags))

	var payload []byte
	if serialize != nil {
		payload = serialize(h.Payload)
	}
	if len(buf) < wireHeaderLen+len(payload) {
		return 0, status.New(status.Overflow, "buffer too small for handle payload")
	}
	n := copy(buf[wireHeaderLen:], payload)
	return wireHeaderLen + n, nil
}

// Deserialize is the mirror image of Serialize: it reconstructs an
// unreferenced local view whose Payload is whatever deserialize produces
// (nil, by convention, until later re-bound via Find).
func Deserialize(buf []byte, deserialize Deserializer) (Handle, error) {
	if len(buf) < wireHeaderLen {
		return Handle{}, status.New(status.InvalidParams, "short handle buffer")
	}
	if buf[0] != wireFormatVersion {
		return Handle{}, status.New(status.InvalidParams, "unsupported handle wire format version")
	}
	h := Handle{
		ID:    binary.LittleEndian.Uint32(buf[1:5]),
		Type:  Type(binary.LittleEndian.Uint16(buf[5:7])),
		Flags: Flags(binary.LittleEndian.Uint16(buf[7:9])),
	}
	if deserialize != nil {
		payload, err := deserialize(buf[wireHeaderLen:])
		if err != nil {
			return Handle{}, status.Wrap(status.InvalidParams, errors.Wrap(err, "deserializing handle payload"))
		}
		h.Payload = payload
	}
	return h, nil
}

// Find re-binds payload for a handle previously produced by Deserialize,
// looking it up in this table by id.
func (t *Table) Find(id uint32) (Handle, error) {
	return t.Lookup(id)
}

// TypeStats is a point-in-time {live, peak} pair for one handle type,
// exposed to the CLI and to prometheus gauges.
type TypeStats struct {
	Live int64
	Peak int64
}

// Stats returns live/peak handle counts per type.
func (t *Table) Stats() map[Type]TypeStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[Type]TypeStats, len(t.live))
	for typ, live := range t.live {
		out[typ] = TypeStats{Live: live, Peak: t.peak[typ]}
	}
	return out
}
