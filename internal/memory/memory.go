// Copyright (c) 2024 Vali authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package memory implements the per-process address-space manager
// (spec.md C2 / §4.2): reserve/commit/map/unmap, attribute query, and
// cross-space clone-mapping used for zero-copy IPC arguments.
//
// The free-page accounting and mapping-list shape are grounded on
// librt/libc/compat/mman.c's g_mmaps list-of-mappings-under-one-mutex
// pattern in original_source/; the clone-mapping semantics are grounded
// on gvisor's mm package's Translate/Fork separation (a destination space
// installs translations that alias the source's frames, read from
// other_examples/ as reference, not copied).
package memory

import (
	"fmt"
	"sort"
	"sync"

	units "github.com/docker/go-units"
	"github.com/pbnjay/memory"
	"github.com/pkg/errors"

	"github.com/vali-os/core/internal/status"
	"github.com/vali-os/core/internal/telemetry"
)

var log = telemetry.Logger("memory")

// PageSize is the architecture page size; spec.md does not parameterize
// this per-arch, so a single constant stands in for "the" page size.
const PageSize = 4096

// Attrs is the per-mapping attribute bit set from spec.md §3.
type Attrs uint32

const (
	AttrPresent Attrs = 1 << iota
	AttrWritable
	AttrUser
	AttrExecutable
	AttrDirty
	AttrGlobal
	AttrCopyOnWrite
	AttrGuard
)

// Backing classifies how a mapping's physical pages are provided, per
// spec.md §3's invariant: "every virtual range is either unmapped,
// reserved ..., or committed".
type Backing int

const (
	BackingReserved Backing = iota
	BackingCommitted
	BackingFileFault
)

// FaultFiller is installed per mapping by a file-view owner (spec.md
// §4.2's page-fault protocol): on a fault it commits a page and fills it
// from the backing file, returning the physical frame the kernel should
// install.
type FaultFiller func(space *AddressSpace, faultAddr uintptr) (frame uintptr, err error)

type mapping struct {
	vaddr, length uintptr
	paddr         uintptr // 0 for reserved/file-fault-only mappings
	attrs         Attrs
	backing       Backing
	filler        FaultFiller
}

func (m *mapping) end() uintptr { return m.vaddr + m.length }

func (m *mapping) contains(addr uintptr) bool {
	return addr >= m.vaddr && addr < m.end()
}

// FramePool is a bounded free-page stack; Allocate is all-or-nothing per
// spec.md §4.2's invariant that partial allocations roll back.
type FramePool struct {
	mu    sync.Mutex
	free  []uintptr
	total int
}

// NewFramePool seeds a pool of `frames` physical pages starting at
// physBase, spaced by PageSize. Real hardware discovery is out of scope
// (spec.md §1); callers typically size `frames` from pbnjay/memory's
// TotalMemory, mirroring how kata sizes a VM's default memory from host
// capacity.
func NewFramePool(physBase uintptr, frames int) *FramePool {
	fp := &FramePool{total: frames}
	for i := frames - 1; i >= 0; i-- {
		fp.free = append(fp.free, physBase+uintptr(i)*PageSize)
	}
	return fp
}

// NewFramePoolFromHostMemory sizes a pool using a fraction of the host's
// total memory, grounded on pbnjay/memory's TotalMemory query (the
// library kata's hypervisor config consults when no explicit MemMiB is
// set).
func NewFramePoolFromHostMemory(physBase uintptr, fraction float64) *FramePool {
	total := memory.TotalMemory()
	frames := int(float64(total) * fraction / PageSize)
	if frames < 1 {
		frames = 1
	}
	return NewFramePool(physBase, frames)
}

// Allocate pops n frames, all-or-nothing.
func (fp *FramePool) Allocate(n int) ([]uintptr, error) {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	if len(fp.free) < n {
		return nil, status.New(status.OutOfMemory, "frame pool exhausted")
	}
	out := make([]uintptr, n)
	copy(out, fp.free[len(fp.free)-n:])
	fp.free = fp.free[:len(fp.free)-n]
	return out, nil
}

// Release pushes frames back onto the pool.
func (fp *FramePool) Release(frames []uintptr) {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	fp.free = append(fp.free, frames...)
}

// Stats reports current free/total frame counts for the CLI.
func (fp *FramePool) Stats() (free, total int) {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return len(fp.free), fp.total
}

// AddressSpace is one process's tree of translations plus its free-region
// bookkeeping. The mutex guards the mappings list and nextBase per spec.md
// §5's "Shared-resource policy": page-translation structures are mutated
// only under the memory-space's spinlock.
type AddressSpace struct {
	mu       sync.Mutex
	mappings []*mapping
	frames   *FramePool
	nextBase uintptr
}

// New constructs an address space backed by frames, with new reservations
// starting to be carved out of virtual addresses at base.
func New(frames *FramePool, base uintptr) *AddressSpace {
	return &AddressSpace{frames: frames, nextBase: base}
}

func (s *AddressSpace) overlapsLocked(vaddr, length uintptr) *mapping {
	end := vaddr + length
	for _, m := range s.mappings {
		if vaddr < m.end() && end > m.vaddr {
			return m
		}
	}
	return nil
}

// ParseSize parses a docker/go-units human size string ("16MiB") the way
// kata's hypervisor config accepts DefaultMemSz, falling back to treating
// a bare numeral as a byte count.
func ParseSize(human string) (uintptr, error) {
	n, err := units.RAMInBytes(human)
	if err != nil {
		return 0, status.Wrap(status.InvalidParams, errors.Wrapf(err, "parsing size %q", human))
	}
	return uintptr(n), nil
}

// Reserve carves out a virtual range with no physical backing: spec.md
// §4.2, "reserves virtual address range, backing frames not allocated".
func (s *AddressSpace) Reserve(length uintptr, attrs Attrs) (uintptr, error) {
	if length == 0 || length%PageSize != 0 {
		return 0, status.New(status.InvalidParams, "length must be a nonzero multiple of PageSize")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	vaddr := s.nextBase
	if m := s.overlapsLocked(vaddr, length); m != nil {
		return 0, status.Wrapf(status.Exists, "overlaps existing mapping at 0x%x", m.vaddr)
	}

	s.mappings = append(s.mappings, &mapping{
		vaddr: vaddr, length: length, attrs: attrs &^ AttrPresent, backing: BackingReserved,
	})
	s.nextBase += length
	log.WithField("vaddr", fmt.Sprintf("0x%x", vaddr)).WithField("length", length).Debug("reserved")
	return vaddr, nil
}

// Commit allocates physical frames and installs PTEs over [vaddr,
// vaddr+len), matching spec.md §4.2's "allocates physical frames and
// inserts PTEs for the range". vaddr is either the base of an existing
// reservation, in which case the range may cover all of it or a prefix
// (the remainder is split off as its own mapping with the original
// backing and attributes), or an address no
// mapping touches, in which case the range is committed in place.
func (s *AddressSpace) Commit(vaddr, length uintptr, attrs Attrs) error {
	if length == 0 || length%PageSize != 0 {
		return status.New(status.InvalidParams, "length must be a nonzero multiple of PageSize")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.findLocked(vaddr)
	nframes := int(length / PageSize)
	frames, err := s.frames.Allocate(nframes)
	if err != nil {
		return err
	}

	if m != nil {
		if length > m.length {
			s.frames.Release(frames)
			return status.New(status.InvalidParams, "commit range extends past the reservation it starts in")
		}
		if length < m.length {
			tail := *m
			tail.vaddr, tail.length = vaddr+length, m.length-length
			s.mappings = append(s.mappings, &tail)
			m.length = length
		}
		m.backing = BackingCommitted
		m.paddr = frames[0]
		m.attrs = attrs | AttrPresent
	} else {
		if s.overlapsLocked(vaddr, length) != nil {
			s.frames.Release(frames)
			return status.New(status.Exists, "overlaps existing mapping")
		}
		s.mappings = append(s.mappings, &mapping{
			vaddr: vaddr, length: length, paddr: frames[0], attrs: attrs | AttrPresent, backing: BackingCommitted,
		})
	}

	log.WithField("vaddr", fmt.Sprintf("0x%x", vaddr)).WithField("frames", nframes).Debug("committed")
	return nil
}

func (s *AddressSpace) findLocked(vaddr uintptr) *mapping {
	for _, m := range s.mappings {
		if m.vaddr == vaddr {
			return m
		}
	}
	return nil
}

// Map installs a mapping over caller-supplied physical backing, spec.md
// §4.2 "caller-supplied physical backing".
func (s *AddressSpace) Map(vaddr, paddr, length uintptr, attrs Attrs) error {
	if length == 0 || length%PageSize != 0 {
		return status.New(status.InvalidParams, "length must be a nonzero multiple of PageSize")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.overlapsLocked(vaddr, length) != nil {
		return status.New(status.Exists, "overlaps existing mapping")
	}
	s.mappings = append(s.mappings, &mapping{
		vaddr: vaddr, length: length, paddr: paddr, attrs: attrs | AttrPresent, backing: BackingCommitted,
	})
	return nil
}

// Unmap removes the mapping covering [vaddr, vaddr+length) and releases
// any frames this space directly owns (committed, non-clone mappings).
func (s *AddressSpace) Unmap(vaddr, length uintptr) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, m := range s.mappings {
		if m.vaddr == vaddr && m.length == length {
			if m.backing == BackingCommitted && m.paddr != 0 && m.attrs&AttrCopyOnWrite == 0 {
				s.frames.Release([]uintptr{m.paddr})
			}
			s.mappings = append(s.mappings[:i], s.mappings[i+1:]...)
			return nil
		}
	}
	return status.New(status.NotFound, "no mapping at that range")
}

// InstallFaultHandler registers filler as the page-fault handler for the
// mapping at vaddr (a BackingFileFault mapping created by a file view,
// spec.md §4.7 "view_create").
func (s *AddressSpace) InstallFaultHandler(vaddr, length uintptr, attrs Attrs, filler FaultFiller) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.overlapsLocked(vaddr, length) != nil {
		return status.New(status.Exists, "overlaps existing mapping")
	}
	s.mappings = append(s.mappings, &mapping{
		vaddr: vaddr, length: length, attrs: attrs &^ AttrPresent, backing: BackingFileFault, filler: filler,
	})
	return nil
}

// Fault services a page fault at addr: spec.md §4.2's page-fault protocol.
// A fault outside any registered handler is fatal to the faulting thread
// and is reported to the caller (typically sched, which escalates via
// status.Fatal) as status.NotFound when no mapping covers addr, or
// status.InvalidParams when the mapping is not file-backed. A failing
// filler is reported as status.DeviceFault.
func (s *AddressSpace) Fault(addr uintptr) error {
	s.mu.Lock()
	m := s.findContainingLocked(addr)
	if m == nil {
		s.mu.Unlock()
		return status.New(status.NotFound, "fault outside any mapping")
	}
	if m.backing != BackingFileFault {
		s.mu.Unlock()
		return status.New(status.InvalidParams, "fault on a non-file-backed mapping")
	}
	filler := m.filler
	s.mu.Unlock()

	frame, err := filler(s, addr)
	if err != nil {
		return status.Wrap(status.DeviceFault, errors.Wrap(err, "file-view fault fill failed"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	m2 := s.findContainingLocked(addr)
	if m2 == nil {
		s.frames.Release([]uintptr{frame})
		return status.New(status.NotFound, "mapping removed during fault handling")
	}
	m2.paddr = frame
	m2.attrs |= AttrPresent
	return nil
}

func (s *AddressSpace) findContainingLocked(addr uintptr) *mapping {
	for _, m := range s.mappings {
		if m.contains(addr) {
			return m
		}
	}
	return nil
}

// PageAttrs is the per-page attribute word QueryAttributes fills.
type PageAttrs struct {
	Addr  uintptr
	Attrs Attrs
}

// QueryAttributes fills one PageAttrs per page in [vaddr, vaddr+length)
// into out, which must have capacity length/PageSize. It never clears the
// dirty bit (spec.md §9's Open Question resolution: clearing is explicit
// via ClearDirty).
func (s *AddressSpace) QueryAttributes(vaddr, length uintptr, out []PageAttrs) error {
	npages := int(length / PageSize)
	if len(out) < npages {
		return status.New(status.InvalidParams, "out slice too small")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 0; i < npages; i++ {
		addr := vaddr + uintptr(i)*PageSize
		m := s.findContainingLocked(addr)
		pa := PageAttrs{Addr: addr}
		if m != nil {
			pa.Attrs = m.attrs
		}
		out[i] = pa
	}
	return nil
}

// IsDirty is the convenience spec.md §4.2 describes for C7's use.
func (s *AddressSpace) IsDirty(vaddr uintptr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.findContainingLocked(vaddr)
	return m != nil && m.attrs&AttrDirty != 0
}

// MarkDirty is used by write paths (a file-view write fault, a caller
// mutating a committed page) to set the dirty bit the next ClearDirty/
// flush cycle will observe.
func (s *AddressSpace) MarkDirty(vaddr uintptr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.findContainingLocked(vaddr); m != nil {
		m.attrs |= AttrDirty
	}
}

// ClearDirty clears the dirty bit for the page at vaddr, the explicit
// second half of the query/clear split spec.md §9 asks implementations to
// choose.
func (s *AddressSpace) ClearDirty(vaddr uintptr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.findContainingLocked(vaddr); m != nil {
		m.attrs &^= AttrDirty
	}
}

// CloneMapping creates in dst a mapping over [vaddr, vaddr+length) that
// shares src's physical frames, with attrs restricting access (spec.md
// §4.2/§8 property 2: zero-copy IPC arguments). Only the page-granular
// attribute bits present in attrs are honored in dst; in particular
// AttrWritable must be present in both attrs and the source mapping for
// the destination write to be permitted.
func CloneMapping(src, dst *AddressSpace, vaddr, length uintptr, attrs Attrs) error {
	if length == 0 || length%PageSize != 0 {
		return status.New(status.InvalidParams, "length must be a nonzero multiple of PageSize")
	}

	src.mu.Lock()
	srcMappings := collectRangeLocked(src, vaddr, length)
	src.mu.Unlock()

	if len(srcMappings) == 0 {
		return status.New(status.NotFound, "no source mapping over range")
	}

	dst.mu.Lock()
	defer dst.mu.Unlock()

	if dst.overlapsLocked(vaddr, length) != nil {
		return status.New(status.Exists, "overlaps existing destination mapping")
	}

	cloneAttrs := attrs | AttrCopyOnWrite
	if attrs&AttrWritable == 0 {
		cloneAttrs &^= AttrWritable
	}

	for _, m := range srcMappings {
		pageAttrs := cloneAttrs
		if m.attrs&AttrWritable == 0 {
			pageAttrs &^= AttrWritable
		}
		dst.mappings = append(dst.mappings, &mapping{
			vaddr: m.vaddr, length: m.length, paddr: m.paddr, attrs: pageAttrs, backing: m.backing,
		})
	}
	return nil
}

func collectRangeLocked(s *AddressSpace, vaddr, length uintptr) []*mapping {
	end := vaddr + length
	var out []*mapping
	for _, m := range s.mappings {
		if m.vaddr >= vaddr && m.end() <= end {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].vaddr < out[j].vaddr })
	return out
}

// Stats reports committed/reserved page counts across this space's
// mappings, for the CLI.
type Stats struct {
	CommittedPages int
	ReservedPages  int
}

func (s *AddressSpace) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st Stats
	for _, m := range s.mappings {
		pages := int(m.length / PageSize)
		switch m.backing {
		case BackingCommitted:
			st.CommittedPages += pages
		case BackingReserved, BackingFileFault:
			st.ReservedPages += pages
		}
	}
	return st
}
