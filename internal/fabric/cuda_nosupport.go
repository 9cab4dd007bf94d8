// +build NO_CUDA

// Copyright 2021-2022 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package fabric

// This file contains the device binding used for the cases where a platform
// cannot support the CUDA hardware, and or APIs

import (
	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

type unsupportedBinding struct{}

// NewDeviceBinding returns a binding whose operations all fail, used on
// platforms built without CUDA support
func NewDeviceBinding() Binding {
	return &unsupportedBinding{}
}

func (*unsupportedBinding) Init() (err kv.Error) {
	return kv.NewError("CUDA not supported on this platform").With("stack", stack.Trace().TrimRuntime())
}

func (*unsupportedBinding) Alloc(size uint64) (handle uint64, export []byte, err kv.Error) {
	return 0, nil, kv.NewError("CUDA not supported on this platform").With("stack", stack.Trace().TrimRuntime())
}

func (*unsupportedBinding) Release(handle uint64) (err kv.Error) {
	return kv.NewError("CUDA not supported on this platform").With("stack", stack.Trace().TrimRuntime())
}

func (*unsupportedBinding) HandleLen() int {
	return HandleLen
}
