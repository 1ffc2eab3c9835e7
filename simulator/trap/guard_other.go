//go:build !linux || !amd64
// +build !linux !amd64

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
	"log"
	"sync"
)

var guardWarn sync.Once

// Guard regions need identity placed PROT_NONE reservations, which
// only the linux/amd64 host provides here. Other hosts run without
// them: trapped access still works through the synthetic fault path,
// but stray raw pointer dereferences go undetected.
func reserveGuard(start, length uintptr) (uintptr, uintptr, error) {
	guardWarn.Do(func() {
		log.Print("trap: guard regions are not supported on this platform")
	})
	return 0, 0, nil
}

func releaseGuard(addr, length uintptr) error {
	return nil
}
