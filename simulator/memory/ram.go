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

// RAM is plain guest memory backing driver owned buffers,
// e.g. DMA source and destination regions.
type RAM struct {
	Base Pointer
	mem  []byte
}

func NewRAM(base Pointer, size int) *RAM {
	return &RAM{Base: base, mem: make([]byte, size)}
}

func (m *RAM) Size() int {
	return len(m.mem)
}

func (m *RAM) Install(bus *Bus) error {
	return bus.Install(m, m.Base, m.Base+Pointer(len(m.mem)))
}

func (m *RAM) ReadByte(addr Pointer) byte {
	return m.mem[addr-m.Base]
}

func (m *RAM) WriteByte(addr Pointer, data byte) {
	m.mem[addr-m.Base] = data
}
