package handles

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vali-os/core/internal/status"
)

func TestCreateLookupDestroy(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	tbl := New()
	destroyed := false
	tbl.RegisterDestructor(TypeEvent, func(payload interface{}, owns bool) {
		destroyed = true
		assert.True(owns)
	})

	h, err := tbl.Create(TypeEvent, "payload")
	require.NoError(err)
	assert.NotZero(h.ID)

	got, err := tbl.Lookup(h.ID)
	require.NoError(err)
	assert.Equal(h, got)

	tbl.Destroy(h.ID)
	assert.True(destroyed)

	_, err = tbl.Lookup(h.ID)
	assert.ErrorIs(err, status.NotFound)
}

func TestAcquireAddsReference(t *testing.T) {
	require := require.New(t)
	tbl := New()

	calls := 0
	tbl.RegisterDestructor(TypeFile, func(interface{}, bool) { calls++ })

	h, err := tbl.Create(TypeFile, nil)
	require.NoError(err)

	require.NoError(tbl.Acquire(h.ID))

	tbl.Destroy(h.ID)
	require.Equal(0, calls, "first destroy should not run destructor while a reference remains")

	tbl.Destroy(h.ID)
	require.Equal(1, calls, "second destroy should run the destructor exactly once")
}

func TestDestroyIsIdempotent(t *testing.T) {
	require := require.New(t)
	tbl := New()

	h, err := tbl.Create(TypeSocket, nil)
	require.NoError(err)

	tbl.Destroy(h.ID)
	require.NotPanics(func() { tbl.Destroy(h.ID) })
}

func TestWrapRejectsDuplicateID(t *testing.T) {
	require := require.New(t)
	tbl := New()

	_, err := tbl.Wrap(42, TypeThread, nil, true)
	require.NoError(err)

	_, err = tbl.Wrap(42, TypeThread, nil, true)
	require.Error(err)
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	require := require.New(t)
	tbl := New()

	h, err := tbl.Create(TypeQueue, []byte("abc"))
	require.NoError(err)

	buf := make([]byte, 32)
	n, err := tbl.Serialize(h, func(p interface{}) []byte { return p.([]byte) }, buf)
	require.NoError(err)

	got, err := Deserialize(buf[:n], func(data []byte) (interface{}, error) { return append([]byte{}, data...), nil })
	require.NoError(err)
	require.Equal(h.ID, got.ID)
	require.Equal(h.Type, got.Type)
	require.Equal([]byte("abc"), got.Payload)
}

func TestConcurrentCreateDestroyIsRace(t *testing.T) {
	tbl := New()
	tbl.RegisterDestructor(TypePipe, func(interface{}, bool) {})

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := tbl.Create(TypePipe, nil)
			if err != nil {
				return
			}
			tbl.Destroy(h.ID)
		}()
	}
	wg.Wait()

	stats := tbl.Stats()
	assert := assert.New(t)
	assert.Equal(int64(0), stats[TypePipe].Live)
	assert.Equal(int64(1), stats[TypePipe].Peak)
}
