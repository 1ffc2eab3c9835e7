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
	"encoding/binary"
	"errors"
)

// Reg is a x86-64 general purpose register index, in ModRM encoding
// order. Only the low eight registers are reachable without a REX
// prefix, which is all the decoder supports.
type Reg byte

const (
	RAX Reg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
)

var regNames = [8]string{"RAX", "RCX", "RDX", "RBX", "RSP", "RBP", "RSI", "RDI"}

func (r Reg) String() string {
	if int(r) < len(regNames) {
		return regNames[r]
	}
	return "R?"
}

type AccessKind byte

const (
	AccessRead AccessKind = iota
	AccessWrite
)

func (k AccessKind) String() string {
	if k == AccessRead {
		return "read"
	}
	return "write"
}

// Opcode is a decoded 32bit load or store through a register pointer.
type Opcode struct {
	Kind   AccessKind
	Reg    Reg // destination on loads, source on stores
	Base   Reg // pointer register
	Imm    uint32
	HasImm bool
	Len    int
}

var ErrUnsupportedOpcode = errors.New("unsupported opcode")

// Decode classifies the instruction starting at insn[0]. The
// supported set is exactly the plain 32bit loads and stores a driver
// emits for volatile register access:
//
//	8B /r    mov (reg),r32     2 bytes
//	89 /r    mov r32,(reg)     2 bytes
//	C7 /0    movl $imm32,(reg) 6 bytes
//
// Everything else, including SIB and displacement forms, is
// ErrUnsupportedOpcode. The caller decides the fallback policy.
func Decode(insn []byte) (Opcode, error) {
	if len(insn) < 2 {
		return Opcode{}, ErrUnsupportedOpcode
	}

	modRM := insn[1]
	mod := modRM >> 6
	reg := (modRM >> 3) & 7
	rm := modRM & 7

	// Indirect through a register, no displacement. rm=4 selects a
	// SIB byte and rm=5 RIP relative addressing; neither is handled.
	if mod != 0 || rm == 4 || rm == 5 {
		return Opcode{}, ErrUnsupportedOpcode
	}

	switch insn[0] {
	case 0x8B:
		return Opcode{Kind: AccessRead, Reg: Reg(reg), Base: Reg(rm), Len: 2}, nil
	case 0x89:
		return Opcode{Kind: AccessWrite, Reg: Reg(reg), Base: Reg(rm), Len: 2}, nil
	case 0xC7:
		if reg != 0 || len(insn) < 6 {
			return Opcode{}, ErrUnsupportedOpcode
		}
		return Opcode{
			Kind:   AccessWrite,
			Base:   Reg(rm),
			Imm:    binary.LittleEndian.Uint32(insn[2:6]),
			HasImm: true,
			Len:    6,
		}, nil
	}
	return Opcode{}, ErrUnsupportedOpcode
}
