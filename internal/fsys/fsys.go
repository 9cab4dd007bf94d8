// Copyright 2021-2022 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package fsys

// This file contains the filesystem surface of the daemon.  It adapts the
// operations arriving from the FUSE dispatcher onto the allocation registry,
// keeping the inode bookkeeping the kernel needs and translating registry
// failures into errno values.
//
// The mount presents a single flat root directory.  Regular files are
// allocation entries, their size is driven by truncate and their fabric
// handle is published through the extended attributes.

import (
	"context"
	"os"
	"sync"
	"syscall"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/andreidenissov-cog/go-service/pkg/log"

	"github.com/leaf-ai/fabricfs/internal/registry"
)

const (
	dirMode  = os.FileMode(0755) | os.ModeDir
	fileMode = os.FileMode(0644)
)

type fileSystem struct {
	fuseutil.NotImplementedFileSystem

	tracker *registry.Tracker
	logger  *log.Logger

	uid uint32
	gid uint32

	// inodes maps the inode numbers the kernel holds onto live registry
	// entries.  Entries leave the table when their path is unlinked.
	inodes map[fuseops.InodeID]*registry.Allocation

	sync.Mutex
}

// New returns the filesystem surface wired to the supplied registry
func New(tracker *registry.Tracker, logger *log.Logger) fuseutil.FileSystem {
	return &fileSystem{
		tracker: tracker,
		logger:  logger,
		uid:     uint32(os.Getuid()),
		gid:     uint32(os.Getgid()),
		inodes:  map[fuseops.InodeID]*registry.Allocation{},
	}
}

// errno maps registry failures onto the errno handed back to the kernel.
// Control flow failures already are errno values, anything else is an
// unexpected fault that is logged and reported as an IO failure.
func (fs *fileSystem) errno(err error) error {
	if err == nil {
		return nil
	}
	if errno, isErrno := err.(syscall.Errno); isErrno {
		return errno
	}
	fs.logger.Warn("unexpected fault", "error", err.Error())
	return syscall.EIO
}

func (fs *fileSystem) rootAttrs() fuseops.InodeAttributes {
	return fuseops.InodeAttributes{
		Nlink: 2,
		Mode:  dirMode,
		Uid:   fs.uid,
		Gid:   fs.gid,
	}
}

// allocAttrs snapshots the stat attributes of an entry under its lock
func (fs *fileSystem) allocAttrs(alloc *registry.Allocation) fuseops.InodeAttributes {
	alloc.Lock()
	defer alloc.Unlock()

	return fuseops.InodeAttributes{
		Size:   alloc.Size,
		Nlink:  1,
		Mode:   fileMode,
		Atime:  alloc.Accessed,
		Mtime:  alloc.Modified,
		Ctime:  alloc.Modified,
		Crtime: alloc.Created,
		Uid:    fs.uid,
		Gid:    fs.gid,
	}
}

// track records the inode to entry association for later handle based
// operations
func (fs *fileSystem) track(alloc *registry.Allocation) {
	fs.Lock()
	defer fs.Unlock()
	fs.inodes[fuseops.InodeID(alloc.Ino)] = alloc
}

func (fs *fileSystem) entry(inode fuseops.InodeID) (alloc *registry.Allocation, err error) {
	fs.Lock()
	defer fs.Unlock()

	alloc, isPresent := fs.inodes[inode]
	if !isPresent {
		return nil, syscall.ENOENT
	}
	return alloc, nil
}

func (fs *fileSystem) forget(inode fuseops.InodeID) {
	fs.Lock()
	defer fs.Unlock()
	delete(fs.inodes, inode)
}

func (fs *fileSystem) StatFS(ctx context.Context, op *fuseops.StatFSOp) (err error) {
	defer func() { fs.note("statfs", err) }()

	op.BlockSize = 4096
	op.IoSize = 4096

	limit := fs.tracker.Limit()
	inUse := fs.tracker.InUse()
	if limit != 0 {
		op.Blocks = limit / uint64(op.BlockSize)
		free := (limit - inUse) / uint64(op.BlockSize)
		op.BlocksFree = free
		op.BlocksAvailable = free
	}
	op.Inodes = uint64(fs.tracker.Len())
	return nil
}

func (fs *fileSystem) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) (err error) {
	defer func() { fs.note("lookup", err) }()

	if op.Parent != fuseops.RootInodeID {
		return syscall.ENOENT
	}

	alloc, err := fs.tracker.Lookup("/" + op.Name)
	if err != nil {
		return fs.errno(err)
	}
	fs.track(alloc)

	op.Entry.Child = fuseops.InodeID(alloc.Ino)
	op.Entry.Attributes = fs.allocAttrs(alloc)
	return nil
}

func (fs *fileSystem) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) (err error) {
	defer func() { fs.note("getattr", err) }()

	if op.Inode == fuseops.RootInodeID {
		op.Attributes = fs.rootAttrs()
		return nil
	}

	alloc, err := fs.entry(op.Inode)
	if err != nil {
		return fs.errno(err)
	}
	op.Attributes = fs.allocAttrs(alloc)
	return nil
}

// SetInodeAttributes carries both the truncate and the utimens traffic for
// the mount
func (fs *fileSystem) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) (err error) {
	defer func() { fs.note("setattr", err) }()

	if op.Inode == fuseops.RootInodeID {
		return syscall.EINVAL
	}

	alloc, err := fs.entry(op.Inode)
	if err != nil {
		return fs.errno(err)
	}

	if op.Size != nil {
		if err = fs.tracker.Truncate(alloc.Path, int64(*op.Size)); err != nil {
			return fs.errno(err)
		}
	}
	if op.Atime != nil || op.Mtime != nil {
		if err = fs.tracker.Utimens(alloc.Path, op.Atime, op.Mtime); err != nil {
			return fs.errno(err)
		}
	}

	op.Attributes = fs.allocAttrs(alloc)
	return nil
}

func (fs *fileSystem) ForgetInode(ctx context.Context, op *fuseops.ForgetInodeOp) (err error) {
	return nil
}

func (fs *fileSystem) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) (err error) {
	defer func() { fs.note("create", err) }()

	if op.Parent != fuseops.RootInodeID {
		return syscall.ENOENT
	}

	alloc, err := fs.tracker.Create("/" + op.Name)
	if err != nil {
		return fs.errno(err)
	}
	fs.track(alloc)

	op.Entry.Child = fuseops.InodeID(alloc.Ino)
	op.Entry.Attributes = fs.allocAttrs(alloc)
	return nil
}

func (fs *fileSystem) Unlink(ctx context.Context, op *fuseops.UnlinkOp) (err error) {
	defer func() { fs.note("unlink", err) }()

	if op.Parent != fuseops.RootInodeID {
		return syscall.ENOENT
	}

	alloc, err := fs.tracker.Unlink("/" + op.Name)
	if alloc != nil {
		fs.forget(fuseops.InodeID(alloc.Ino))
	}
	return fs.errno(err)
}

func (fs *fileSystem) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) (err error) {
	defer func() { fs.note("open", err) }()

	alloc, err := fs.entry(op.Inode)
	if err != nil {
		return fs.errno(err)
	}
	if err = fs.tracker.Open(alloc.Path); err != nil {
		return fs.errno(err)
	}

	// Reads must reach the daemon rather than the page cache, the content
	// changes whenever the entry is rematerialized
	op.UseDirectIO = true
	return nil
}

// ReadFile answers the diagnostic read of the fabric handle bytes
func (fs *fileSystem) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) (err error) {
	defer func() { fs.note("read", err) }()

	alloc, err := fs.entry(op.Inode)
	if err != nil {
		return fs.errno(err)
	}

	n, err := fs.tracker.ReadHandle(alloc.Path, op.Dst, op.Offset)
	if err != nil {
		return fs.errno(err)
	}
	op.BytesRead = n
	return nil
}

func (fs *fileSystem) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) (err error) {
	return nil
}

func (fs *fileSystem) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) (err error) {
	return nil
}

func (fs *fileSystem) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) (err error) {
	if op.Inode != fuseops.RootInodeID {
		return syscall.ENOTDIR
	}
	return nil
}

func (fs *fileSystem) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) (err error) {
	defer func() { fs.note("readdir", err) }()

	if op.Inode != fuseops.RootInodeID {
		return syscall.ENOTDIR
	}

	entries := []fuseutil.Dirent{
		{Name: ".", Inode: fuseops.RootInodeID, Type: fuseutil.DT_Directory},
		{Name: "..", Inode: fuseops.RootInodeID, Type: fuseutil.DT_Directory},
	}
	fs.tracker.Visit(func(alloc *registry.Allocation) {
		entries = append(entries, fuseutil.Dirent{
			Name:  alloc.Path[1:],
			Inode: fuseops.InodeID(alloc.Ino),
			Type:  fuseutil.DT_File,
		})
	})
	for i := range entries {
		entries[i].Offset = fuseops.DirOffset(i + 1)
	}

	if op.Offset > fuseops.DirOffset(len(entries)) {
		return syscall.EINVAL
	}
	for _, dirent := range entries[op.Offset:] {
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], dirent)
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}

func (fs *fileSystem) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) (err error) {
	return nil
}

func (fs *fileSystem) GetXattr(ctx context.Context, op *fuseops.GetXattrOp) (err error) {
	defer func() { fs.note("getxattr", err) }()

	alloc, err := fs.entry(op.Inode)
	if err != nil {
		return fs.errno(err)
	}

	n, err := fs.tracker.Getxattr(alloc.Path, op.Name, op.Dst)
	if err != nil {
		return fs.errno(err)
	}
	op.BytesRead = n
	return nil
}

func (fs *fileSystem) ListXattr(ctx context.Context, op *fuseops.ListXattrOp) (err error) {
	defer func() { fs.note("listxattr", err) }()

	alloc, err := fs.entry(op.Inode)
	if err != nil {
		return fs.errno(err)
	}

	n, err := fs.tracker.Listxattr(alloc.Path, op.Dst)
	if err != nil {
		return fs.errno(err)
	}
	op.BytesRead = n
	return nil
}

func (fs *fileSystem) SetXattr(ctx context.Context, op *fuseops.SetXattrOp) (err error) {
	defer func() { fs.note("setxattr", err) }()

	alloc, err := fs.entry(op.Inode)
	if err != nil {
		return fs.errno(err)
	}
	return fs.errno(fs.tracker.Setxattr(alloc.Path, op.Name, op.Value))
}

func (fs *fileSystem) Destroy() {
	for _, err := range fs.tracker.Close() {
		fs.logger.Warn("teardown release failed", "error", err.Error())
	}
}
