// Copyright 2021-2022 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package registry

// This file contains the process wide tracking of named GPU buffers.  The
// tracker maps paths to allocation entries under a single coarse lock, the
// entries themselves carry a per entry lock so the global critical sections
// stay short.
//
// Lock ordering: the tracker lock is always taken before an entry lock and
// is never held across a driver call.  The budget lock ranks below the entry
// locks.

import (
	"sync"
	"syscall"
	"time"

	"github.com/andreidenissov-cog/go-service/pkg/log"

	"github.com/jjeffery/kv" // MIT License

	"github.com/leaf-ai/fabricfs/internal/fabric"
)

// maxPathLen bounds the byte length of a buffer name including its leading
// slash
const maxPathLen = 512

// Tracker is the registry of GPU buffer allocations keyed by their path
// within the mount point.  All handler threads share a single tracker.
type Tracker struct {
	binding fabric.Binding
	logger  *log.Logger

	account budget

	allocs  map[string]*Allocation
	lastIno uint64

	sync.Mutex
}

// New constructs an empty tracker.  limit bounds the total device bytes that
// may be materialized at any one time, 0 leaves the total unbounded.
func New(binding fabric.Binding, limit uint64, logger *log.Logger) (tracker *Tracker) {
	return &Tracker{
		binding: binding,
		logger:  logger,
		account: budget{limit: limit},
		allocs:  map[string]*Allocation{},
	}
}

func validPath(path string) (err error) {
	if len(path) < 2 || path[0] != '/' {
		return syscall.EINVAL
	}
	if len(path) > maxPathLen {
		return syscall.ENAMETOOLONG
	}
	return nil
}

// Create inserts an unmaterialized entry for path.  Creating a path that is
// already present succeeds, touching nothing but the access time, matching
// the create semantics the kernel expects from the mount.
func (t *Tracker) Create(path string) (alloc *Allocation, err error) {
	if err = validPath(path); err != nil {
		return nil, err
	}

	now := time.Now()

	t.Lock()
	if alloc = t.allocs[path]; alloc != nil {
		t.Unlock()

		alloc.Lock()
		alloc.Accessed = now
		alloc.Unlock()
		return alloc, nil
	}

	t.lastIno++
	alloc = &Allocation{
		Path:     path,
		Ino:      t.lastIno,
		Created:  now,
		Accessed: now,
		Modified: now,
	}
	t.allocs[path] = alloc
	t.Unlock()

	return alloc, nil
}

// Lookup returns the entry for path.  The returned pointer stays valid after
// a concurrent removal, removal only detaches the entry from the registry.
func (t *Tracker) Lookup(path string) (alloc *Allocation, err error) {
	t.Lock()
	defer t.Unlock()

	alloc, isPresent := t.allocs[path]
	if !isPresent {
		return nil, syscall.ENOENT
	}
	return alloc, nil
}

// remove detaches the entry for path, the caller owns any subsequent driver
// release
func (t *Tracker) remove(path string) (alloc *Allocation) {
	t.Lock()
	defer t.Unlock()

	alloc, isPresent := t.allocs[path]
	if !isPresent {
		return nil
	}
	delete(t.allocs, path)
	return alloc
}

// Visit invokes the visitor on every entry as a snapshot under a single
// acquisition of the registry lock.  The visitor must not reenter the
// tracker and must restrict itself to the immutable Path and Ino fields
// unless it takes the entry lock itself, after Visit has returned.
func (t *Tracker) Visit(visitor func(alloc *Allocation)) {
	t.Lock()
	defer t.Unlock()

	for _, alloc := range t.allocs {
		visitor(alloc)
	}
}

// Len returns the number of entries currently present
func (t *Tracker) Len() (count int) {
	t.Lock()
	defer t.Unlock()
	return len(t.allocs)
}

// InUse returns the total device bytes currently materialized
func (t *Tracker) InUse() (size uint64) {
	return t.account.used()
}

// Limit returns the configured bound on materialized device bytes, 0 when
// unbounded
func (t *Tracker) Limit() (limit uint64) {
	return t.account.limit
}

// Close releases every materialized entry and empties the registry.  It is
// called once when the mount is being torn down.
func (t *Tracker) Close() (errs []kv.Error) {
	t.Lock()
	detached := t.allocs
	t.allocs = map[string]*Allocation{}
	t.Unlock()

	for _, alloc := range detached {
		alloc.Lock()
		if alloc.materialized() {
			if err := t.binding.Release(alloc.Handle); err != nil {
				errs = append(errs, err.With("path", alloc.Path))
			}
			t.account.credit(alloc.Size)
			alloc.Handle = 0
			alloc.Export = nil
			alloc.Size = 0
		}
		alloc.Unlock()
	}
	return errs
}
