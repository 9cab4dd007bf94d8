// Copyright 2021-2022 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package fabric

// This file contains a simulated device binding that hands out deterministic
// handles without touching any hardware.  It is the seam used by tests for
// the registry and the filesystem surface.

import (
	"encoding/binary"
	"sync"

	"github.com/jjeffery/kv" // MIT License
)

// SimBinding implements Binding against an in memory accounting of
// allocations.  Handles are issued from a counter and the exported fabric
// handle bytes are a pure function of the handle so tests can assert on
// stability and distinctness.
type SimBinding struct {
	// AllocFault, when set, is returned by Alloc in place of a new handle
	AllocFault kv.Error
	// ReleaseFault, when set, is returned by Release
	ReleaseFault kv.Error

	nextHandle uint64
	live       map[uint64]uint64
	released   []uint64

	sync.Mutex
}

// NewSimBinding returns an initialized simulated binding
func NewSimBinding() (b *SimBinding) {
	return &SimBinding{
		live: map[uint64]uint64{},
	}
}

func (b *SimBinding) Init() (err kv.Error) {
	return nil
}

// SimExport returns the fabric handle bytes the simulated binding produces
// for a driver handle
func SimExport(handle uint64) (export []byte) {
	export = make([]byte, HandleLen)
	binary.LittleEndian.PutUint64(export, handle)
	for i := 8; i != len(export); i++ {
		export[i] = byte(handle) ^ byte(i)
	}
	return export
}

func (b *SimBinding) Alloc(size uint64) (handle uint64, export []byte, err kv.Error) {
	b.Lock()
	defer b.Unlock()

	if b.AllocFault != nil {
		return 0, nil, b.AllocFault
	}

	b.nextHandle++
	handle = b.nextHandle
	b.live[handle] = size

	return handle, SimExport(handle), nil
}

func (b *SimBinding) Release(handle uint64) (err kv.Error) {
	b.Lock()
	defer b.Unlock()

	if b.ReleaseFault != nil {
		return b.ReleaseFault
	}

	if _, isPresent := b.live[handle]; !isPresent {
		// Releasing an absent handle is defined to be harmless
		return nil
	}
	delete(b.live, handle)
	b.released = append(b.released, handle)

	return nil
}

func (b *SimBinding) HandleLen() int {
	return HandleLen
}

// LiveCount returns the number of allocations that have not been released
func (b *SimBinding) LiveCount() (count int) {
	b.Lock()
	defer b.Unlock()
	return len(b.live)
}

// LiveBytes returns the total size of the allocations not yet released
func (b *SimBinding) LiveBytes() (size uint64) {
	b.Lock()
	defer b.Unlock()
	for _, allocated := range b.live {
		size += allocated
	}
	return size
}

// WasReleased tests if a specific handle has passed through Release
func (b *SimBinding) WasReleased(handle uint64) bool {
	b.Lock()
	defer b.Unlock()
	for _, released := range b.released {
		if released == handle {
			return true
		}
	}
	return false
}

// Check that the simulated binding keeps pace with the Binding contract
var _ Binding = (*SimBinding)(nil)
