//go:build linux && amd64
// +build linux,amd64

/*
Copyright (c) 2019-2021 Andreas T Jonsson

This software is provided 'as-is', without any express or implied
warranty. In no event will the authors be held liable for any damages
arising from the use of this software.

Permission is granted to anyone to use this software for any purpose,
including commercial applications, and to alter it and redistribute it
freely, subject to the following restrictions:

1. The origin of this software must not be misrepresented; you must not
   claim that you wrote the original software. If you use this software
   in a product, an acknowledgment in the product documentation would be
   appreciated but is not required.
2. Altered source versions must be plainly marked as such, and must not be
   misrepresented as being the original software.
3. This notice may not be removed or altered from any source distribution.
*/

package trap

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const pageSize = 0x1000

// MAP_FIXED_NOREPLACE, kernel 4.17+. The reservation must not clobber
// an existing mapping, so plain MAP_FIXED is out of the question.
const mapFixedNoReplace = 0x100000

// reserveGuard places an inaccessible anonymous mapping over the page
// aligned extent of [start,start+length) at its identity address, so
// driver pointer literals into the range fault.
func reserveGuard(start, length uintptr) (uintptr, uintptr, error) {
	base := start &^ (pageSize - 1)
	size := (start + length + pageSize - 1) &^ (pageSize - 1)
	size -= base

	addr, _, errno := unix.Syscall6(unix.SYS_MMAP,
		base, size,
		uintptr(unix.PROT_NONE),
		uintptr(unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)|mapFixedNoReplace,
		^uintptr(0), 0)
	if errno != 0 {
		return 0, 0, fmt.Errorf("mmap at 0x%X: %w", base, errno)
	}
	if addr != base {
		unix.Syscall(unix.SYS_MUNMAP, addr, size, 0)
		return 0, 0, fmt.Errorf("mmap placed guard at 0x%X, wanted 0x%X", addr, base)
	}
	return addr, size, nil
}

func releaseGuard(addr, length uintptr) error {
	if _, _, errno := unix.Syscall(unix.SYS_MUNMAP, addr, length, 0); errno != 0 {
		return fmt.Errorf("munmap at 0x%X: %w", addr, errno)
	}
	return nil
}
