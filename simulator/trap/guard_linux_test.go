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

import "testing"

func TestGuardReservation(t *testing.T) {
	addr, length, err := reserveGuard(0x58000010, 0x60)
	if err != nil {
		t.Skipf("host refused guard placement: %v", err)
	}
	defer releaseGuard(addr, length)

	if addr != 0x58000000 {
		t.Errorf("guard base = 0x%X, want page aligned 0x58000000", addr)
	}
	if length != pageSize {
		t.Errorf("guard length = 0x%X, want one page", length)
	}

	// The page is reserved now, a second guard on it must not stack.
	if _, _, err := reserveGuard(0x58000800, 0x10); err == nil {
		t.Error("second guard on a reserved page succeeded")
	}
}
