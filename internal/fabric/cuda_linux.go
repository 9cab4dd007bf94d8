// +build !NO_CUDA

// Copyright 2021-2022 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package fabric

// This file contains the implementation of the device binding for CUDA
// capable hosts.  Allocations are made with the driver virtual memory
// management API so that they can be exported as fabric handles and imported
// by unrelated processes on the same host.

/*
#cgo LDFLAGS: -lcuda
#include <cuda.h>
#include <string.h>

static CUresult fabricDeviceOpen(int ordinal, CUdevice *dev) {
	CUresult status = cuInit(0);
	if (status != CUDA_SUCCESS) {
		return status;
	}
	return cuDeviceGet(dev, ordinal);
}

static CUresult fabricAlloc(int ordinal, size_t size, CUmemGenericAllocationHandle *handle, void *exported) {
	CUmemAllocationProp prop;
	memset(&prop, 0, sizeof(prop));
	prop.type = CU_MEM_ALLOCATION_TYPE_PINNED;
	prop.location.type = CU_MEM_LOCATION_TYPE_DEVICE;
	prop.location.id = ordinal;
	prop.requestedHandleTypes = CU_MEM_HANDLE_TYPE_FABRIC;

	size_t granularity = 0;
	CUresult status = cuMemGetAllocationGranularity(&granularity, &prop, CU_MEM_ALLOC_GRANULARITY_MINIMUM);
	if (status != CUDA_SUCCESS) {
		return status;
	}

	size_t padded = ((size + granularity - 1) / granularity) * granularity;
	status = cuMemCreate(handle, padded, &prop, 0);
	if (status != CUDA_SUCCESS) {
		return status;
	}

	status = cuMemExportToShareableHandle(exported, *handle, CU_MEM_HANDLE_TYPE_FABRIC, 0);
	if (status != CUDA_SUCCESS) {
		cuMemRelease(*handle);
	}
	return status;
}

static CUresult fabricRelease(CUmemGenericAllocationHandle handle) {
	return cuMemRelease(handle);
}
*/
import "C"

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License

	nvml "github.com/karlmutch/go-nvml" // MIT License
)

// deviceBinding implements the Binding interface against the CUDA driver for
// a single device ordinal
type deviceBinding struct {
	ordinal int
	dev     C.CUdevice

	initOnce sync.Once
	initErr  kv.Error
}

// NewDeviceBinding returns the binding for the first CUDA device on the host
func NewDeviceBinding() Binding {
	return &deviceBinding{ordinal: 0}
}

func cudaFault(status C.CUresult) kv.Error {
	var msg *C.char
	if C.cuGetErrorString(status, &msg) != C.CUDA_SUCCESS || msg == nil {
		return kv.NewError("unrecognized CUDA error").With("status", int(status)).With("stack", stack.Trace().TrimRuntime())
	}
	return kv.NewError(C.GoString(msg)).With("status", int(status)).With("stack", stack.Trace().TrimRuntime())
}

// inventory walks the devices on the host using the nvidia management library
// as the server comes up, printing a warning for any card whose UUID, memory
// or ECC query fails.  Healthy cards produce no output.
func inventory() {
	if errGo := nvml.NVMLInit(); errGo != nil {
		fmt.Println(kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()))
		return
	}

	devs, errGo := nvml.GetAllGPUs()
	if errGo != nil {
		fmt.Println(kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()))
		return
	}
	for _, dev := range devs {
		name, _ := dev.Name()

		uuid, errGo := dev.UUID()
		if errGo != nil {
			fmt.Println(kv.Wrap(errGo).With("name", name).With("stack", stack.Trace().TrimRuntime()))
			continue
		}

		if _, errGo = dev.MemoryInfo(); errGo != nil {
			fmt.Println(kv.Wrap(errGo).With("name", name).With("GPUID", uuid).With("stack", stack.Trace().TrimRuntime()))
			continue
		}

		if errEcc := dev.EccErrors(); errEcc != nil {
			fmt.Println(kv.Wrap(errEcc).With("name", name).With("GPUID", uuid).With("stack", stack.Trace().TrimRuntime()))
			continue
		}
	}
}

func (b *deviceBinding) Init() (err kv.Error) {
	b.initOnce.Do(func() {
		if status := C.fabricDeviceOpen(C.int(b.ordinal), &b.dev); status != C.CUDA_SUCCESS {
			b.initErr = cudaFault(status).With("ordinal", b.ordinal)
			return
		}
		inventory()
	})
	return b.initErr
}

func (b *deviceBinding) Alloc(size uint64) (handle uint64, export []byte, err kv.Error) {
	if err = b.Init(); err != nil {
		return 0, nil, err
	}

	export = make([]byte, HandleLen)

	var cHandle C.CUmemGenericAllocationHandle
	status := C.fabricAlloc(C.int(b.ordinal), C.size_t(size), &cHandle, unsafe.Pointer(&export[0]))
	if status != C.CUDA_SUCCESS {
		return 0, nil, cudaFault(status).With("size", size).With("ordinal", b.ordinal)
	}

	return uint64(cHandle), export, nil
}

func (b *deviceBinding) Release(handle uint64) (err kv.Error) {
	if handle == 0 {
		return nil
	}
	if status := C.fabricRelease(C.CUmemGenericAllocationHandle(handle)); status != C.CUDA_SUCCESS {
		return cudaFault(status).With("handle", handle)
	}
	return nil
}

func (b *deviceBinding) HandleLen() int {
	return HandleLen
}
