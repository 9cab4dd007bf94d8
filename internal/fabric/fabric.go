// Copyright 2021-2022 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package fabric

// This package contains the interface between the allocation registry and the
// CUDA driver primitives used to create, export, and release physical device
// memory.  The exported fabric handle is the token other processes on the
// same host use to import an allocation and map it into their own address
// space.

import (
	"github.com/jjeffery/kv" // MIT License
)

// HandleLen is the byte length of an exported fabric handle.  The length is
// fixed by the driver and forms part of the wire contract between the process
// that allocates a buffer and any process that imports it.
const HandleLen = 64

// Binding abstracts the small set of driver capabilities the registry
// consumes.  The device binding is process global and must be reentrant safe,
// the CUDA driver API satisfies this for the operations used here.
type Binding interface {
	// Init performs the one time driver initialization for the target
	// device ordinal
	Init() (err kv.Error)

	// Alloc obtains size bytes of pinned device memory and exports it,
	// returning the driver allocation handle together with the fabric
	// handle bytes used for sharing with other processes
	Alloc(size uint64) (handle uint64, export []byte, err kv.Error)

	// Release returns the physical allocation to the device.  Processes
	// holding an imported copy of the fabric handle keep their mappings.
	Release(handle uint64) (err kv.Error)

	// HandleLen returns the byte length of the exported fabric handle
	HandleLen() int
}
