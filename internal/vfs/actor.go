// Copyright (c) 2024 Vali authors
//
// SPDX-License-Identifier: Apache-2.0
//

package vfs

import (
	"sync"
)

// jobKind enumerates the requests the actor serializes; spec.md §4.7's
// request-actor paragraph: "a single job queue per filesystem drains
// open/close/read/write/seek/view-create, so a slow device only blocks
// that filesystem's own cooperative job, never the caller's thread."
type jobKind int

const (
	jobOpen jobKind = iota
	jobClose
	jobRead
	jobWrite
	jobSeek
	jobViewCreate
)

type job struct {
	kind jobKind
	fn   func() (interface{}, error)
	done chan jobResult
}

type jobResult struct {
	value interface{}
	err   error
}

// Actor drains one job at a time against a Filesystem, so concurrent
// callers never interleave module calls against the same mount.
type Actor struct {
	fs *Filesystem

	mu      sync.Mutex
	queue   []*job
	running bool
}

// NewActor wraps fs with a serializing request actor.
func NewActor(fs *Filesystem) *Actor {
	return &Actor{fs: fs}
}

// submit enqueues fn and, if no drain loop is currently running, starts
// one. It blocks the calling goroutine (not any cooperative thread
// abstraction) until fn's result is ready — the blocking is confined to
// this one caller, matching the "only that filesystem's job blocks"
// property at the actor boundary.
func (a *Actor) submit(kind jobKind, fn func() (interface{}, error)) (interface{}, error) {
	j := &job{kind: kind, fn: fn, done: make(chan jobResult, 1)}

	a.mu.Lock()
	a.queue = append(a.queue, j)
	startLoop := !a.running
	if startLoop {
		a.running = true
	}
	a.mu.Unlock()

	if startLoop {
		go a.drain()
	}

	res := <-j.done
	return res.value, res.err
}

func (a *Actor) drain() {
	for {
		a.mu.Lock()
		if len(a.queue) == 0 {
			a.running = false
			a.mu.Unlock()
			return
		}
		next := a.queue[0]
		a.queue = a.queue[1:]
		a.mu.Unlock()

		value, err := next.fn()
		next.done <- jobResult{value: value, err: err}
	}
}

// Open runs Filesystem.Open through the actor.
func (a *Actor) Open(path string, opts OpenOptions) (*Handle, error) {
	v, err := a.submit(jobOpen, func() (interface{}, error) { return a.fs.Open(path, opts) })
	if err != nil {
		return nil, err
	}
	return v.(*Handle), nil
}

// Close runs Filesystem.Close through the actor.
func (a *Actor) Close(h *Handle) error {
	_, err := a.submit(jobClose, func() (interface{}, error) { return nil, a.fs.Close(h) })
	return err
}

// Read runs Filesystem.Read through the actor.
func (a *Actor) Read(h *Handle, buf []byte) (int, error) {
	v, err := a.submit(jobRead, func() (interface{}, error) {
		n, err := a.fs.Read(h, buf)
		return n, err
	})
	n, _ := v.(int)
	return n, err
}

// Write runs Filesystem.Write through the actor.
func (a *Actor) Write(h *Handle, buf []byte) (int, error) {
	v, err := a.submit(jobWrite, func() (interface{}, error) {
		n, err := a.fs.Write(h, buf)
		return n, err
	})
	n, _ := v.(int)
	return n, err
}

// Seek runs Filesystem.Seek through the actor.
func (a *Actor) Seek(h *Handle, absolutePos int64) error {
	_, err := a.submit(jobSeek, func() (interface{}, error) { return nil, a.fs.Seek(h, absolutePos) })
	return err
}

// ViewCreate runs ViewCreate through the actor so view installation
// serializes against other address-space-mutating jobs on this mount.
func (a *Actor) ViewCreate(create func() (*View, error)) (*View, error) {
	v, err := a.submit(jobViewCreate, func() (interface{}, error) { return create() })
	if err != nil {
		return nil, err
	}
	return v.(*View), nil
}

// QueueLen reports the number of jobs currently queued; a job the drain
// loop has already taken off the queue and is running is not counted.
func (a *Actor) QueueLen() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}
