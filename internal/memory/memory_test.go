package memory

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vali-os/core/internal/status"
)

func newTestSpace(frames int) *AddressSpace {
	pool := NewFramePool(0x1000, frames)
	return New(pool, 0x400000)
}

func TestReserveThenCommit(t *testing.T) {
	require := require.New(t)
	s := newTestSpace(8)

	vaddr, err := s.Reserve(PageSize*2, AttrUser)
	require.NoError(err)

	require.NoError(s.Commit(vaddr, PageSize*2, AttrUser|AttrWritable))

	out := make([]PageAttrs, 2)
	require.NoError(s.QueryAttributes(vaddr, PageSize*2, out))
	require.NotZero(out[0].Attrs & AttrPresent)
}

func TestCommitFailsOnFrameExhaustion(t *testing.T) {
	require := require.New(t)
	s := newTestSpace(1)

	vaddr, err := s.Reserve(PageSize*2, 0)
	require.NoError(err)

	err = s.Commit(vaddr, PageSize*2, 0)
	require.ErrorIs(err, status.OutOfMemory)

	// Partial allocation must roll back: a single-page commit should
	// still succeed afterwards.
	require.NoError(s.Commit(vaddr, PageSize, 0))
}

func TestUnmapReleasesFrame(t *testing.T) {
	require := require.New(t)
	s := newTestSpace(1)

	vaddr, err := s.Reserve(PageSize, 0)
	require.NoError(err)
	require.NoError(s.Commit(vaddr, PageSize, 0))

	require.NoError(s.Unmap(vaddr, PageSize))

	// The frame must be back in the pool.
	require.NoError(s.Commit(vaddr, PageSize, 0))
}

func TestFaultOutsideHandlerIsNotFound(t *testing.T) {
	require := require.New(t)
	s := newTestSpace(4)

	err := s.Fault(0x999999)
	require.ErrorIs(err, status.NotFound)
}

func TestFaultFillsPageViaHandler(t *testing.T) {
	require := require.New(t)
	s := newTestSpace(4)

	called := false
	err := s.InstallFaultHandler(0x500000, PageSize, AttrUser, func(space *AddressSpace, addr uintptr) (uintptr, error) {
		called = true
		frames, err := space.frames.Allocate(1)
		if err != nil {
			return 0, err
		}
		return frames[0], nil
	})
	require.NoError(err)

	require.NoError(s.Fault(0x500000))
	require.True(called)

	out := make([]PageAttrs, 1)
	require.NoError(s.QueryAttributes(0x500000, PageSize, out))
	require.NotZero(out[0].Attrs & AttrPresent)
}

func TestCloneMappingHonorsWriteAttr(t *testing.T) {
	require := require.New(t)
	src := newTestSpace(4)
	dst := New(NewFramePool(0x900000, 4), 0x600000)

	vaddr, err := src.Reserve(PageSize, 0)
	require.NoError(err)
	require.NoError(src.Commit(vaddr, PageSize, AttrWritable))

	require.NoError(CloneMapping(src, dst, vaddr, PageSize, 0)) // read-only clone

	out := make([]PageAttrs, 1)
	require.NoError(dst.QueryAttributes(vaddr, PageSize, out))
	require.Zero(out[0].Attrs & AttrWritable)
}

func TestParseSizeAcceptsHumanStrings(t *testing.T) {
	require := require.New(t)
	n, err := ParseSize("4KiB")
	require.NoError(err)
	require.EqualValues(4096, n)
}
