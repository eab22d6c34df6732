// Copyright (c) 2024 Vali authors
//
// SPDX-License-Identifier: Apache-2.0
//

package vfs

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActorSerializesConcurrentReads(t *testing.T) {
	fs, m := newTestFilesystem()
	m.files["/a.txt"] = []byte("hello world")
	actor := NewActor(fs)

	h, err := actor.Open("/a.txt", OpenOptions{Access: AccessRead | AccessReadShare})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]int, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			buf := make([]byte, 5)
			n, err := actor.Read(h, buf)
			assert.NoError(t, err)
			results[i] = n
		}(i)
	}
	wg.Wait()

	require.NoError(t, actor.Close(h))
}

func TestActorOpenCloseRoundTrip(t *testing.T) {
	fs, m := newTestFilesystem()
	m.files["/b.txt"] = []byte("data")
	actor := NewActor(fs)

	h, err := actor.Open("/b.txt", OpenOptions{Access: AccessRead})
	require.NoError(t, err)
	require.NoError(t, actor.Close(h))

	assert.Equal(t, 0, fs.cache.Len())
}

func TestActorWriteThenSeekThenRead(t *testing.T) {
	fs, m := newTestFilesystem()
	m.files["/c.txt"] = nil
	actor := NewActor(fs)

	h, err := actor.Open("/c.txt", OpenOptions{Access: AccessRead | AccessWrite, Volatile: true})
	require.NoError(t, err)

	_, err = actor.Write(h, []byte("0123456789"))
	require.NoError(t, err)

	require.NoError(t, actor.Seek(h, 2))
	buf := make([]byte, 3)
	n, err := actor.Read(h, buf)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, "234", string(buf))

	require.NoError(t, actor.Close(h))
}
