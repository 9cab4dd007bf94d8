// Copyright 2021-2022 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package registry

// This file contains the state transitions for allocation entries.  Entries
// move between three states, absent, unmaterialized, materialized, in
// response to the create, truncate and unlink calls arriving from the
// filesystem surface.
//
// A transition either completes and every field reflects the new state, or
// it fails and no field has changed.  Timestamps are one exception, they may
// advance on paths that otherwise do nothing; a release fault during Unlink
// is the other, reported after the entry has already been removed.

import (
	"syscall"
	"time"
)

// Truncate drives materialization.  Growing an unmaterialized entry
// allocates device memory and exports the fabric handle, truncating a
// materialized entry to zero releases the memory while keeping the entry.
// A materialized entry cannot change size.
//
// The entry lock is held across the driver call so concurrent operations on
// the same path serialize, the registry lock is not.
func (t *Tracker) Truncate(path string, size int64) (err error) {
	if size < 0 {
		return syscall.EINVAL
	}

	alloc, err := t.Lookup(path)
	if err != nil {
		return err
	}

	alloc.Lock()
	defer alloc.Unlock()

	switch {
	case size == 0 && !alloc.materialized():
		// Nothing to give back

	case size == 0:
		if errK := t.binding.Release(alloc.Handle); errK != nil {
			t.logger.Warn("release failed", "path", path, "error", errK.Error())
			return syscall.EIO
		}
		t.account.credit(alloc.Size)
		alloc.Handle = 0
		alloc.Export = nil
		alloc.Size = 0

	case alloc.Size == uint64(size):
		// Repeating a truncate to the materialized size holds the
		// allocation and its exported handle untouched

	case alloc.materialized():
		return syscall.ENOTSUP

	default:
		if !t.account.reserve(uint64(size)) {
			return syscall.ENOMEM
		}
		handle, export, errK := t.binding.Alloc(uint64(size))
		if errK != nil {
			t.account.credit(uint64(size))
			t.logger.Warn("allocation failed", "path", path, "size", size, "error", errK.Error())
			return syscall.ENOMEM
		}
		alloc.Handle = handle
		alloc.Export = export
		alloc.Size = uint64(size)
	}

	alloc.Modified = time.Now()
	return nil
}

// Unlink detaches the entry from the registry and gives back any device
// memory it held.  The removal is visible to other threads before the
// driver release runs.  A failing release is reported as EIO after the entry
// has already left the registry, its fields have been cleared and its bytes
// credited back to the budget.
func (t *Tracker) Unlink(path string) (alloc *Allocation, err error) {
	if alloc = t.remove(path); alloc == nil {
		return nil, syscall.ENOENT
	}

	alloc.Lock()
	defer alloc.Unlock()

	if alloc.materialized() {
		errK := t.binding.Release(alloc.Handle)
		t.account.credit(alloc.Size)
		alloc.Handle = 0
		alloc.Export = nil
		alloc.Size = 0
		if errK != nil {
			t.logger.Warn("release failed", "path", path, "error", errK.Error())
			return alloc, syscall.EIO
		}
	}
	return alloc, nil
}

// Open checks the entry exists.  No per open state is kept, the open call
// exists so missing paths are reported before any handle based operation
// arrives.
func (t *Tracker) Open(path string) (err error) {
	if _, err = t.Lookup(path); err != nil {
		return err
	}
	return nil
}

// ReadHandle copies the fabric handle bytes of a materialized entry into
// dst.  This is a diagnostic convenience, the canonical retrieval path is
// the extended attribute.  Reads from any offset other than the start of the
// file, or of an unmaterialized entry, observe end of file.
func (t *Tracker) ReadHandle(path string, dst []byte, offset int64) (n int, err error) {
	alloc, err := t.Lookup(path)
	if err != nil {
		return 0, err
	}

	alloc.Lock()
	defer alloc.Unlock()

	if !alloc.materialized() || offset != 0 {
		return 0, nil
	}
	if len(dst) < len(alloc.Export) {
		return 0, syscall.EINVAL
	}

	alloc.Accessed = time.Now()
	return copy(dst, alloc.Export), nil
}

// Utimens updates the access and or modification times.  A nil pointer
// leaves that time untouched, both nil sets the pair to the present moment.
func (t *Tracker) Utimens(path string, access *time.Time, modify *time.Time) (err error) {
	alloc, err := t.Lookup(path)
	if err != nil {
		return err
	}

	alloc.Lock()
	defer alloc.Unlock()

	if access == nil && modify == nil {
		now := time.Now()
		alloc.Accessed = now
		alloc.Modified = now
		return nil
	}
	if access != nil {
		alloc.Accessed = *access
	}
	if modify != nil {
		alloc.Modified = *modify
	}
	return nil
}
