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

package memory

import (
	"errors"
	"fmt"
	"log"
)

// Pointer is a 32bit guest physical address.
type Pointer uint32

func (p Pointer) String() string {
	return fmt.Sprintf("0x%08X", uint32(p))
}

type Memory interface {
	ReadByte(addr Pointer) byte
	WriteByte(addr Pointer, data byte)
}

var ErrMemoryOverlap = errors.New("memory range overlap")

type mappedRange struct {
	device   Memory
	from, to Pointer // to is exclusive
}

// Bus routes guest addresses to installed memory devices.
// Accesses outside any installed range are logged and read as 0xFF,
// same as unmapped memory on a floating data bus.
type Bus struct {
	ranges []mappedRange
}

func (b *Bus) Install(device Memory, from, to Pointer) error {
	if from >= to {
		return fmt.Errorf("invalid memory range %v-%v", from, to)
	}
	for _, r := range b.ranges {
		if from < r.to && r.from < to {
			return fmt.Errorf("%w: %v-%v", ErrMemoryOverlap, from, to)
		}
	}
	b.ranges = append(b.ranges, mappedRange{device, from, to})
	return nil
}

func (b *Bus) Device(addr Pointer) Memory {
	for _, r := range b.ranges {
		if addr >= r.from && addr < r.to {
			return r.device
		}
	}
	return nil
}

func (b *Bus) ReadByte(addr Pointer) byte {
	if dev := b.Device(addr); dev != nil {
		return dev.ReadByte(addr)
	}
	log.Printf("reading unmapped memory: %v", addr)
	return 0xFF
}

func (b *Bus) WriteByte(addr Pointer, data byte) {
	if dev := b.Device(addr); dev != nil {
		dev.WriteByte(addr, data)
		return
	}
	log.Printf("writing unmapped memory: %v", addr)
}

func ReadLong(m Memory, addr Pointer) uint32 {
	return uint32(m.ReadByte(addr)) |
		uint32(m.ReadByte(addr+1))<<8 |
		uint32(m.ReadByte(addr+2))<<16 |
		uint32(m.ReadByte(addr+3))<<24
}

func WriteLong(m Memory, addr Pointer, data uint32) {
	m.WriteByte(addr, byte(data))
	m.WriteByte(addr+1, byte(data>>8))
	m.WriteByte(addr+2, byte(data>>16))
	m.WriteByte(addr+3, byte(data>>24))
}
