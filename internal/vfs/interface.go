// Copyright (c) 2024 Vali authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package vfs implements the VFS request engine (spec.md C7/§4.7):
// filesystem-storage lifecycle, an entry cache with sharing rules,
// handle lifecycle, file views with fault-driven page fill, and a
// single-job-queue request actor per filesystem.
package vfs

import "github.com/vali-os/core/internal/status"

// ModuleInterface is the filesystem-specific module a mounted
// FileSystemStorage dispatches to, spec.md §6's "filesystem interface":
// every concrete parser (MFS, FAT, …) is out of scope (spec.md §1's
// Non-goals) — the core only depends on this seam.
type ModuleInterface interface {
	Initialize(fsBase uintptr) error
	Destroy(fsBase uintptr, unmountFlags int) error
	OpenEntry(path string) (entryBase uintptr, err error)
	CreatePath(path string, options int) (entryBase uintptr, err error)
	CloseEntry(entryBase uintptr) error
	DeleteEntry(entryBase uintptr) error
	OpenHandle(entryBase uintptr) (handleBase uintptr, err error)
	CloseHandle(handleBase uintptr) error
	Read(entryBase, handleBase uintptr, buffer []byte, off int64) (n int, err error)
	Write(entryBase, handleBase uintptr, buffer []byte, off int64) (n int, err error)
	Seek(entryBase, handleBase uintptr, absolutePos int64) error
	ChangeSize(entryBase uintptr, size int64) error
}

// FileService is the RPC a file view's fault handler calls into,
// spec.md §6's "File service RPC used by file views":
// transfer_absolute.
type FileService interface {
	TransferAbsolute(fileHandle uintptr, write bool, offset int64, buf []byte) (n int, err error)
}

// canonicalize implements spec.md §9's Open Question resolution:
// open_entry accepts absolute paths only, grounded on
// librt/libos/mstring's normalization (collapse "//", reject embedded
// NUL) read as a conceptual reference rather than copied, since mstring
// itself is C-string-specific.
func canonicalize(path string) (string, error) {
	if path == "" || path[0] != '/' {
		return "", status.New(status.InvalidParams, "path must be absolute")
	}
	for i := 0; i < len(path); i++ {
		if path[i] == 0 {
			return "", status.New(status.InvalidParams, "path contains an embedded NUL")
		}
	}

	out := make([]byte, 0, len(path))
	for i := 0; i < len(path); i++ {
		if path[i] == '/' && i+1 < len(path) && path[i+1] == '/' {
			continue
		}
		out = append(out, path[i])
	}
	if len(out) > 1 && out[len(out)-1] == '/' {
		out = out[:len(out)-1]
	}
	return string(out), nil
}
