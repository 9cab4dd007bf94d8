// Copyright 2021-2022 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package registry

// This file contains the extended attribute surface for allocation entries.
// The fabric handle and the allocation size are published as read only
// attributes, they are the contract importing processes rely upon.

import (
	"strconv"
	"syscall"
	"time"
)

const (
	// XattrFabricHandle carries the raw fabric handle bytes of a
	// materialized entry
	XattrFabricHandle = "user.fabric_handle"

	// XattrAllocationSize carries the byte count of a materialized entry
	// as decimal ASCII without a trailing NUL
	XattrAllocationSize = "user.allocation_size"
)

// xattrValue renders the value for one attribute name.  Callers hold the
// entry lock.
func (alloc *Allocation) xattrValue(name string) (value []byte, err error) {
	if !alloc.materialized() {
		return nil, syscall.ENODATA
	}

	switch name {
	case XattrFabricHandle:
		return alloc.Export, nil
	case XattrAllocationSize:
		return []byte(strconv.FormatUint(alloc.Size, 10)), nil
	}
	return nil, syscall.ENODATA
}

// Getxattr copies the value of the named attribute into dst, returning the
// number of bytes the value occupies.  An empty dst is a probe for the
// needed length.  A dst that is present but too short fails with ERANGE.
func (t *Tracker) Getxattr(path string, name string, dst []byte) (n int, err error) {
	alloc, err := t.Lookup(path)
	if err != nil {
		return 0, err
	}

	alloc.Lock()
	defer alloc.Unlock()

	value, err := alloc.xattrValue(name)
	if err != nil {
		return 0, err
	}

	if len(dst) == 0 {
		return len(value), nil
	}
	if len(dst) < len(value) {
		return 0, syscall.ERANGE
	}

	alloc.Accessed = time.Now()
	return copy(dst, value), nil
}

// Listxattr writes the attribute names the entry will answer, each name
// terminated by a NUL, the fabric handle name first.  Names are listed only
// while Getxattr would return their values, an unmaterialized entry lists
// nothing.  Probe and short buffer semantics match Getxattr.
func (t *Tracker) Listxattr(path string, dst []byte) (n int, err error) {
	alloc, err := t.Lookup(path)
	if err != nil {
		return 0, err
	}

	alloc.Lock()
	defer alloc.Unlock()

	if !alloc.materialized() {
		return 0, nil
	}

	needed := 0
	for _, name := range []string{XattrFabricHandle, XattrAllocationSize} {
		needed += len(name) + 1
	}
	if len(dst) == 0 {
		return needed, nil
	}
	if len(dst) < needed {
		return 0, syscall.ERANGE
	}

	for _, name := range []string{XattrFabricHandle, XattrAllocationSize} {
		n += copy(dst[n:], name)
		dst[n] = 0
		n++
	}
	return n, nil
}

// Setxattr is rejected for every attribute name, both published attributes
// are read only and size hinting attributes are not part of this daemon.
func (t *Tracker) Setxattr(path string, name string, value []byte) (err error) {
	if _, err = t.Lookup(path); err != nil {
		return err
	}
	return syscall.ENOTSUP
}
