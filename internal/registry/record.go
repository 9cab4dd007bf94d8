// Copyright 2021-2022 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package registry

// This file contains the data structure used to track a single named GPU
// buffer for its lifetime inside the registry

import (
	"sync"
	"time"
)

// Allocation represents one named GPU buffer.  An allocation with a zero
// Size has no physical pages behind it, the Handle and Export fields are
// valid if and only if Size is not zero.
//
// The embedded mutex is the per entry lock.  It is held across every
// mutation of the mutable fields and across the driver calls that change the
// physical state for this entry so that operations on the same path
// serialize.  Path and Ino never change once the entry has been inserted and
// can be read without the lock.
type Allocation struct {
	Path string // The name of the buffer, unique within the registry
	Ino  uint64 // The inode number the filesystem surface reports for this entry

	Size   uint64 // Byte count of the physical allocation, 0 when unmaterialized
	Handle uint64 // The driver allocation handle
	Export []byte // The fabric handle bytes, stable while materialized

	Created  time.Time
	Accessed time.Time
	Modified time.Time

	sync.Mutex
}

// materialized reports whether physical memory is held.  Callers must hold
// the entry lock.
func (alloc *Allocation) materialized() bool {
	return alloc.Size != 0
}
