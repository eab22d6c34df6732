// Copyright (c) 2024 Vali authors
//
// SPDX-License-Identifier: Apache-2.0
//

package devices

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDirectoryFeedRegistersDescriptorFiles(t *testing.T) {
	dir := t.TempDir()
	feed, err := NewDirectoryFeed(dir)
	require.NoError(t, err)
	defer feed.Close()

	registered := make(chan Identification, 1)
	go func() {
		_ = feed.Run(func(parent uint32, ident Identification, descriptor []byte) error {
			registered <- ident
			return nil
		})
	}()

	df := descriptorFile{Parent: 1, Vendor: 0x10, Product: 0x20, Class: 3, Subclass: 4}
	raw, err := json.Marshal(df)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(descriptorPath(dir, "disk0.json"), raw, 0o644))

	select {
	case ident := <-registered:
		require.Equal(t, Identification{Vendor: 0x10, Product: 0x20, Class: 3, Subclass: 4}, ident)
	case <-time.After(5 * time.Second):
		t.Fatal("directory feed never observed the new descriptor file")
	}
}

func TestEnumeratorFansFeedIntoManager(t *testing.T) {
	dir := t.TempDir()
	feed, err := NewDirectoryFeed(dir)
	require.NoError(t, err)

	spawn := func(image string, ident Identification) (uint32, error) { return 1, nil }
	dispatcher := &recordingDispatcher{}
	mgr := NewManager(spawn, dispatcher)

	enum := NewEnumerator(mgr, 0, feed)
	go enum.Run()
	defer enum.Close()

	df := descriptorFile{Vendor: 0xAA, Product: 0xBB, Class: 9, Subclass: 9}
	raw, err := json.Marshal(df)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "evt.json"), raw, 0o644))

	require.Eventually(t, func() bool {
		mgr.mu.Lock()
		defer mgr.mu.Unlock()
		return len(mgr.devices) == 1
	}, 5*time.Second, 20*time.Millisecond)
}
