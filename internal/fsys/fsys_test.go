// Copyright 2021-2022 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package fsys

// This file contains tests that drive the filesystem surface through the
// dispatcher operation structures, using the simulated device binding in
// place of real hardware

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"
	"syscall"
	"testing"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/andreidenissov-cog/go-service/pkg/log"

	"github.com/go-stack/stack"
	"github.com/go-test/deep"
	"github.com/jjeffery/kv" // MIT License
	"github.com/rs/xid"

	"github.com/leaf-ai/fabricfs/internal/fabric"
	"github.com/leaf-ai/fabricfs/internal/registry"
)

var testLogger = log.NewLogger("fsys_test")

func testSurface(limit uint64) (surface fuseutil.FileSystem, binding *fabric.SimBinding) {
	binding = fabric.NewSimBinding()
	tracker := registry.New(binding, limit, testLogger)
	return New(tracker, testLogger), binding
}

func createFile(t *testing.T, surface fuseutil.FileSystem, name string) (inode fuseops.InodeID) {
	t.Helper()
	op := &fuseops.CreateFileOp{
		Parent: fuseops.RootInodeID,
		Name:   name,
		Mode:   os.FileMode(0644),
	}
	if err := surface.CreateFile(context.Background(), op); err != nil {
		t.Fatal(err)
	}
	return op.Entry.Child
}

func truncateFile(surface fuseutil.FileSystem, inode fuseops.InodeID, size uint64) (err error) {
	op := &fuseops.SetInodeAttributesOp{
		Inode: inode,
		Size:  &size,
	}
	return surface.SetInodeAttributes(context.Background(), op)
}

func readDirNames(t *testing.T, surface fuseutil.FileSystem) (listing []byte) {
	t.Helper()
	op := &fuseops.ReadDirOp{
		Inode: fuseops.RootInodeID,
		Dst:   make([]byte, 64*1024),
	}
	if err := surface.ReadDir(context.Background(), op); err != nil {
		t.Fatal(err)
	}
	return op.Dst[:op.BytesRead]
}

// TestSurfaceLifecycle walks the create, truncate, getxattr, unlink sequence
// a client performs to publish and retire a shared buffer
func TestSurfaceLifecycle(t *testing.T) {
	surface, binding := testSurface(0)
	name := xid.New().String()

	inode := createFile(t, surface, name)

	if err := truncateFile(surface, inode, 8388608); err != nil {
		t.Fatal(err)
	}
	if binding.LiveCount() != 1 {
		t.Fatal(kv.NewError("truncate did not reach the device").With("stack", stack.Trace().TrimRuntime()))
	}

	// Probe then fetch the fabric handle the way getxattr callers do
	probe := &fuseops.GetXattrOp{Inode: inode, Name: registry.XattrFabricHandle}
	if err := surface.GetXattr(context.Background(), probe); err != nil {
		t.Fatal(err)
	}
	if probe.BytesRead != fabric.HandleLen {
		t.Fatal(kv.NewError("unexpected probe length").With("expected", fabric.HandleLen).With("actual", probe.BytesRead).With("stack", stack.Trace().TrimRuntime()))
	}

	fetch := &fuseops.GetXattrOp{
		Inode: inode,
		Name:  registry.XattrFabricHandle,
		Dst:   make([]byte, probe.BytesRead),
	}
	if err := surface.GetXattr(context.Background(), fetch); err != nil {
		t.Fatal(err)
	}

	sizeAttr := &fuseops.GetXattrOp{
		Inode: inode,
		Name:  registry.XattrAllocationSize,
		Dst:   make([]byte, 32),
	}
	if err := surface.GetXattr(context.Background(), sizeAttr); err != nil {
		t.Fatal(err)
	}
	if diff := deep.Equal(string(sizeAttr.Dst[:sizeAttr.BytesRead]), "8388608"); diff != nil {
		t.Fatal(diff)
	}

	if !bytes.Contains(readDirNames(t, surface), []byte(name)) {
		t.Fatal(kv.NewError("the listing dropped an entry").With("name", name).With("stack", stack.Trace().TrimRuntime()))
	}

	unlink := &fuseops.UnlinkOp{Parent: fuseops.RootInodeID, Name: name}
	if err := surface.Unlink(context.Background(), unlink); err != nil {
		t.Fatal(err)
	}
	if binding.LiveCount() != 0 {
		t.Fatal(kv.NewError("unlink leaked device memory").With("stack", stack.Trace().TrimRuntime()))
	}

	// The retired inode and name answer with not found
	stat := &fuseops.GetInodeAttributesOp{Inode: inode}
	if err := surface.GetInodeAttributes(context.Background(), stat); err != syscall.ENOENT {
		t.Fatal(kv.NewError("a retired inode still stats").With("stack", stack.Trace().TrimRuntime()))
	}
	lookup := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: name}
	if err := surface.LookUpInode(context.Background(), lookup); err != syscall.ENOENT {
		t.Fatal(kv.NewError("a retired name still resolves").With("stack", stack.Trace().TrimRuntime()))
	}
	if bytes.Contains(readDirNames(t, surface), []byte(name)) {
		t.Fatal(kv.NewError("the listing kept a retired entry").With("name", name).With("stack", stack.Trace().TrimRuntime()))
	}
}

// TestSurfaceUnmaterialized covers the zero truncate no-op and the empty
// attribute answers of an entry without physical memory
func TestSurfaceUnmaterialized(t *testing.T) {
	surface, binding := testSurface(0)
	name := xid.New().String()

	inode := createFile(t, surface, name)

	if err := truncateFile(surface, inode, 0); err != nil {
		t.Fatal(err)
	}
	if binding.LiveCount() != 0 {
		t.Fatal(kv.NewError("a zero truncate touched the device").With("stack", stack.Trace().TrimRuntime()))
	}

	if !bytes.Contains(readDirNames(t, surface), []byte(name)) {
		t.Fatal(kv.NewError("the listing dropped an entry").With("name", name).With("stack", stack.Trace().TrimRuntime()))
	}

	fetch := &fuseops.GetXattrOp{Inode: inode, Name: registry.XattrFabricHandle, Dst: make([]byte, fabric.HandleLen)}
	if err := surface.GetXattr(context.Background(), fetch); err != syscall.ENODATA {
		t.Fatal(kv.NewError("an unmaterialized entry answered a handle").With("stack", stack.Trace().TrimRuntime()))
	}

	list := &fuseops.ListXattrOp{Inode: inode, Dst: make([]byte, 256)}
	if err := surface.ListXattr(context.Background(), list); err != nil {
		t.Fatal(err)
	}
	if list.BytesRead != 0 {
		t.Fatal(kv.NewError("an unmaterialized entry listed attributes").With("actual", list.BytesRead).With("stack", stack.Trace().TrimRuntime()))
	}
}

// TestSurfaceResizeRefused checks the resize refusal preserves the original
// allocation and its export bytes
func TestSurfaceResizeRefused(t *testing.T) {
	surface, _ := testSurface(0)
	name := xid.New().String()

	inode := createFile(t, surface, name)
	if err := truncateFile(surface, inode, 1024); err != nil {
		t.Fatal(err)
	}

	before := &fuseops.GetXattrOp{Inode: inode, Name: registry.XattrFabricHandle, Dst: make([]byte, fabric.HandleLen)}
	if err := surface.GetXattr(context.Background(), before); err != nil {
		t.Fatal(err)
	}

	if err := truncateFile(surface, inode, 2048); err != syscall.ENOTSUP {
		t.Fatal(kv.NewError("a resize was not refused").With("stack", stack.Trace().TrimRuntime()))
	}

	stat := &fuseops.GetInodeAttributesOp{Inode: inode}
	if err := surface.GetInodeAttributes(context.Background(), stat); err != nil {
		t.Fatal(err)
	}
	if stat.Attributes.Size != 1024 {
		t.Fatal(kv.NewError("a refused resize changed the size").With("actual", stat.Attributes.Size).With("stack", stack.Trace().TrimRuntime()))
	}

	after := &fuseops.GetXattrOp{Inode: inode, Name: registry.XattrFabricHandle, Dst: make([]byte, fabric.HandleLen)}
	if err := surface.GetXattr(context.Background(), after); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before.Dst[:before.BytesRead], after.Dst[:after.BytesRead]) {
		t.Fatal(kv.NewError("a refused resize disturbed the export").With("stack", stack.Trace().TrimRuntime()))
	}
}

// TestSurfaceRead checks the diagnostic read answers the raw export bytes
func TestSurfaceRead(t *testing.T) {
	surface, _ := testSurface(0)
	name := xid.New().String()

	inode := createFile(t, surface, name)
	if err := truncateFile(surface, inode, 4096); err != nil {
		t.Fatal(err)
	}

	open := &fuseops.OpenFileOp{Inode: inode}
	if err := surface.OpenFile(context.Background(), open); err != nil {
		t.Fatal(err)
	}
	if !open.UseDirectIO {
		t.Fatal(kv.NewError("reads must bypass the page cache").With("stack", stack.Trace().TrimRuntime()))
	}

	read := &fuseops.ReadFileOp{Inode: inode, Dst: make([]byte, fabric.HandleLen)}
	if err := surface.ReadFile(context.Background(), read); err != nil {
		t.Fatal(err)
	}
	if read.BytesRead != fabric.HandleLen {
		t.Fatal(kv.NewError("unexpected read length").With("actual", read.BytesRead).With("stack", stack.Trace().TrimRuntime()))
	}

	fetch := &fuseops.GetXattrOp{Inode: inode, Name: registry.XattrFabricHandle, Dst: make([]byte, fabric.HandleLen)}
	if err := surface.GetXattr(context.Background(), fetch); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(read.Dst[:read.BytesRead], fetch.Dst[:fetch.BytesRead]) {
		t.Fatal(kv.NewError("read and getxattr disagreed").With("stack", stack.Trace().TrimRuntime()))
	}
}

// TestSurfaceSetXattrRefused checks attribute writes are refused through
// the dispatcher surface as well
func TestSurfaceSetXattrRefused(t *testing.T) {
	surface, _ := testSurface(0)
	name := xid.New().String()

	inode := createFile(t, surface, name)

	for _, attr := range []string{registry.XattrFabricHandle, "user.gpu.size", "user.gpu.durable"} {
		op := &fuseops.SetXattrOp{Inode: inode, Name: attr, Value: []byte("1")}
		if err := surface.SetXattr(context.Background(), op); err != syscall.ENOTSUP {
			t.Fatal(kv.NewError("an attribute write was not refused").With("name", attr).With("stack", stack.Trace().TrimRuntime()))
		}
	}
}

// TestSurfaceConcurrent runs 16 clients each creating and sizing a distinct
// entry through the dispatcher surface
func TestSurfaceConcurrent(t *testing.T) {
	surface, binding := testSurface(0)
	prefix := xid.New().String()

	wg := sync.WaitGroup{}
	inodes := make([]fuseops.InodeID, 16)
	for i := 0; i != 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			op := &fuseops.CreateFileOp{
				Parent: fuseops.RootInodeID,
				Name:   fmt.Sprintf("%s-%d", prefix, i),
				Mode:   os.FileMode(0644),
			}
			if err := surface.CreateFile(context.Background(), op); err != nil {
				t.Error(err)
				return
			}
			inodes[i] = op.Entry.Child
			if err := truncateFile(surface, op.Entry.Child, 4096); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()
	if t.Failed() {
		t.FailNow()
	}

	if binding.LiveCount() != 16 {
		t.Fatal(kv.NewError("allocations were lost").With("live", binding.LiveCount()).With("stack", stack.Trace().TrimRuntime()))
	}

	listing := readDirNames(t, surface)
	seen := map[string]fuseops.InodeID{}
	for i, inode := range inodes {
		name := fmt.Sprintf("%s-%d", prefix, i)
		if !bytes.Contains(listing, []byte(name)) {
			t.Fatal(kv.NewError("the listing dropped an entry").With("name", name).With("stack", stack.Trace().TrimRuntime()))
		}

		fetch := &fuseops.GetXattrOp{Inode: inode, Name: registry.XattrFabricHandle, Dst: make([]byte, fabric.HandleLen)}
		if err := surface.GetXattr(context.Background(), fetch); err != nil {
			t.Fatal(err)
		}
		if previous, isPresent := seen[string(fetch.Dst[:fetch.BytesRead])]; isPresent {
			t.Fatal(kv.NewError("two entries shared export bytes").With("name", name).With("previous", previous).With("stack", stack.Trace().TrimRuntime()))
		}
		seen[string(fetch.Dst[:fetch.BytesRead])] = inode
	}
}

// TestSurfaceMetrics checks the operation counters accumulate as traffic is
// served
func TestSurfaceMetrics(t *testing.T) {
	surface, _ := testSurface(0)
	name := xid.New().String()

	createdBefore, err := OpCount("create", "ok")
	if err != nil {
		t.Fatal(err)
	}
	refusedBefore, err := OpCount("setattr", "fail")
	if err != nil {
		t.Fatal(err)
	}

	inode := createFile(t, surface, name)
	if errGo := truncateFile(surface, inode, 1024); errGo != nil {
		t.Fatal(errGo)
	}
	if errGo := truncateFile(surface, inode, 2048); errGo != syscall.ENOTSUP {
		t.Fatal(kv.NewError("a resize was not refused").With("stack", stack.Trace().TrimRuntime()))
	}

	createdAfter, err := OpCount("create", "ok")
	if err != nil {
		t.Fatal(err)
	}
	refusedAfter, err := OpCount("setattr", "fail")
	if err != nil {
		t.Fatal(err)
	}

	if createdAfter != createdBefore+1 {
		t.Fatal(kv.NewError("the create counter did not advance").With("before", createdBefore).With("after", createdAfter).With("stack", stack.Trace().TrimRuntime()))
	}
	if refusedAfter != refusedBefore+1 {
		t.Fatal(kv.NewError("the failure counter did not advance").With("before", refusedBefore).With("after", refusedAfter).With("stack", stack.Trace().TrimRuntime()))
	}
}

// TestSurfaceStatFS checks the free space accounting tracks the configured
// bound
func TestSurfaceStatFS(t *testing.T) {
	surface, _ := testSurface(1 << 20)
	name := xid.New().String()

	inode := createFile(t, surface, name)
	if err := truncateFile(surface, inode, 512*1024); err != nil {
		t.Fatal(err)
	}

	op := &fuseops.StatFSOp{}
	if err := surface.StatFS(context.Background(), op); err != nil {
		t.Fatal(err)
	}
	if op.Blocks != (1<<20)/uint64(op.BlockSize) {
		t.Fatal(kv.NewError("the block total ignored the bound").With("blocks", op.Blocks).With("stack", stack.Trace().TrimRuntime()))
	}
	if op.BlocksFree != (512*1024)/uint64(op.BlockSize) {
		t.Fatal(kv.NewError("the free count ignored use").With("free", op.BlocksFree).With("stack", stack.Trace().TrimRuntime()))
	}
}
