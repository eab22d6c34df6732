// Copyright (c) 2024 Vali authors
//
// SPDX-License-Identifier: Apache-2.0
//

package vfs

import (
	"sync"

	"github.com/vali-os/core/internal/status"
)

// Access is the bitset of access intents a caller requests when opening
// a path, spec.md §4.7's shared-access rule.
type Access int

const (
	AccessRead Access = 1 << iota
	AccessWrite
	AccessReadShare
	AccessWriteShare
)

// Entry is a path-cached, reference-counted filesystem node. Every open
// handle against the same path shares one Entry so sharing rules can be
// enforced against the full set of outstanding access grants.
type Entry struct {
	mu sync.Mutex

	Path      string
	EntryBase uintptr
	refcount  int
	handles   []*Handle

	grantedRead  int
	grantedWrite int
}

func (e *Entry) grantedExclusiveRead() bool  { return e.grantedRead > 0 }
func (e *Entry) grantedExclusiveWrite() bool { return e.grantedWrite > 0 }

// canGrant applies spec.md §4.7's sharing rule: a plain read or write
// grant is exclusive against another plain grant of the same kind held
// by a different handle; the *-share variants waive that exclusivity.
func (e *Entry) canGrant(access Access) bool {
	wantsRead := access&AccessRead != 0
	wantsWrite := access&AccessWrite != 0
	sharesRead := access&AccessReadShare != 0
	sharesWrite := access&AccessWriteShare != 0

	if wantsRead && !sharesRead && e.grantedExclusiveRead() {
		return false
	}
	if wantsWrite && !sharesWrite && e.grantedExclusiveWrite() {
		return false
	}
	return true
}

func (e *Entry) recordGrant(access Access) {
	if access&AccessRead != 0 && access&AccessReadShare == 0 {
		e.grantedRead++
	}
	if access&AccessWrite != 0 && access&AccessWriteShare == 0 {
		e.grantedWrite++
	}
}

func (e *Entry) releaseGrant(access Access) {
	if access&AccessRead != 0 && access&AccessReadShare == 0 && e.grantedRead > 0 {
		e.grantedRead--
	}
	if access&AccessWrite != 0 && access&AccessWriteShare == 0 && e.grantedWrite > 0 {
		e.grantedWrite--
	}
}

// EntryCache is a per-filesystem path → Entry map. Entries are evicted
// once their refcount and handle list both reach zero.
type EntryCache struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

func NewEntryCache() *EntryCache {
	return &EntryCache{entries: make(map[string]*Entry)}
}

// Open resolves path to an Entry, calling module.OpenEntry on a cache
// miss, and increments the entry's refcount. The caller must pair this
// with a later Release.
func (c *EntryCache) Open(module ModuleInterface, path string) (*Entry, error) {
	path, err := canonicalize(path)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if e, ok := c.entries[path]; ok {
		e.mu.Lock()
		e.refcount++
		e.mu.Unlock()
		c.mu.Unlock()
		return e, nil
	}
	c.mu.Unlock()

	base, err := module.OpenEntry(path)
	if err != nil {
		return nil, status.Wrap(status.NotFound, err)
	}

	e := &Entry{Path: path, EntryBase: base, refcount: 1}

	c.mu.Lock()
	if existing, ok := c.entries[path]; ok {
		// Lost a race against a concurrent Open for the same path; keep
		// the winner's entry and drop the module handle we just opened.
		existing.mu.Lock()
		existing.refcount++
		existing.mu.Unlock()
		c.mu.Unlock()
		_ = module.CloseEntry(base)
		return existing, nil
	}
	c.entries[path] = e
	c.mu.Unlock()

	return e, nil
}

// Release decrements an entry's refcount, evicting and closing it via
// module.CloseEntry once both the refcount and its handle list are
// empty.
func (c *EntryCache) Release(module ModuleInterface, e *Entry) error {
	e.mu.Lock()
	if e.refcount > 0 {
		e.refcount--
	}
	empty := e.refcount == 0 && len(e.handles) == 0
	e.mu.Unlock()

	if !empty {
		return nil
	}

	c.mu.Lock()
	if cur, ok := c.entries[e.Path]; ok && cur == e {
		delete(c.entries, e.Path)
	}
	c.mu.Unlock()

	return module.CloseEntry(e.EntryBase)
}

// Len reports how many entries are currently cached.
func (c *EntryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
