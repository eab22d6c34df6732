// Copyright (c) 2024 Vali authors
//
// SPDX-License-Identifier: Apache-2.0
//

package sched

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTLSSetGetRoundTrip(t *testing.T) {
	key, err := TLSKeyCreate(nil)
	require.NoError(t, err)
	defer TLSKeyDelete(key)

	b := NewTLSBlock()
	require.NoError(t, b.Set(key, "hello"))
	v, ok := b.Get(key)
	require.True(t, ok)
	assert.Equal(t, "hello", v)
}

func TestTLSGetUnsetKeyReportsFalse(t *testing.T) {
	key, err := TLSKeyCreate(nil)
	require.NoError(t, err)
	defer TLSKeyDelete(key)

	b := NewTLSBlock()
	_, ok := b.Get(key)
	assert.False(t, ok)
}

func TestTLSDestructorsRunInReverseSlotOrder(t *testing.T) {
	var order []int

	key1, err := TLSKeyCreate(func(v interface{}) { order = append(order, 1) })
	require.NoError(t, err)
	defer TLSKeyDelete(key1)
	key2, err := TLSKeyCreate(func(v interface{}) { order = append(order, 2) })
	require.NoError(t, err)
	defer TLSKeyDelete(key2)

	require.Less(t, key1, key2)

	b := NewTLSBlock()
	require.NoError(t, b.Set(key1, 1))
	require.NoError(t, b.Set(key2, 2))

	b.RunDestructors(DefaultDestructorPasses)
	require.Len(t, order, 2)
	assert.Equal(t, 2, order[0])
	assert.Equal(t, 1, order[1])
}

func TestTLSDestructorRepopulationIsRetriedUpToPassLimit(t *testing.T) {
	key, err := TLSKeyCreate(nil)
	require.NoError(t, err)
	defer TLSKeyDelete(key)

	runs := 0
	key2, err := TLSKeyCreate(nil)
	require.NoError(t, err)
	defer TLSKeyDelete(key2)

	b := NewTLSBlock()
	require.NoError(t, b.Set(key2, "seed"))

	// manually install a destructor that repopulates its own slot to
	// exercise the bounded-repeat pass logic.
	globalTLSKeys.mu.Lock()
	globalTLSKeys.destructors[key2] = func(v interface{}) {
		runs++
		if runs < 2 {
			b.Set(key2, "again")
		}
	}
	globalTLSKeys.mu.Unlock()

	b.RunDestructors(4)
	assert.Equal(t, 2, runs)
}

func TestTLSKeyCreateExhaustion(t *testing.T) {
	var created []int
	defer func() {
		for _, k := range created {
			TLSKeyDelete(k)
		}
	}()

	for i := 0; i < TLSCapacity; i++ {
		k, err := TLSKeyCreate(nil)
		if err != nil {
			break
		}
		created = append(created, k)
	}

	_, err := TLSKeyCreate(nil)
	require.Error(t, err)
}
