// Copyright 2021-2022 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package registry

// This file contains the accounting used to bound the total number of device
// bytes the daemon will hand out.  A limit of 0 disables the bound.

import (
	"sync"
)

// budget carries its own lock rather than sharing the registry lock, it is
// taken while an entry lock is held and the registry lock must never be
// acquired under an entry lock.
type budget struct {
	limit uint64
	inUse uint64

	sync.Mutex
}

// reserve claims size bytes ahead of the driver allocation.  The claim is
// returned with credit if the driver call does not succeed.
func (b *budget) reserve(size uint64) (ok bool) {
	b.Lock()
	defer b.Unlock()

	if b.limit != 0 && b.inUse+size > b.limit {
		return false
	}
	b.inUse += size
	return true
}

func (b *budget) credit(size uint64) {
	b.Lock()
	defer b.Unlock()

	if size > b.inUse {
		b.inUse = 0
		return
	}
	b.inUse -= size
}

func (b *budget) used() (inUse uint64) {
	b.Lock()
	defer b.Unlock()
	return b.inUse
}
