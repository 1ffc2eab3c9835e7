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
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/andreas-jonsson/virtualsoc/simulator/memory"
	"github.com/andreas-jonsson/virtualsoc/simulator/plugin"
)

// MaxMappings is the register mapping table capacity.
const MaxMappings = 32

var (
	ErrMappingOverlap = errors.New("register mapping overlap")
	ErrTableFull      = errors.New("register mapping table full")
	ErrInvalidRange   = errors.New("invalid register range")
)

// Dispatcher routes a faulted access to the owning peripheral model.
type Dispatcher interface {
	Dispatch(req plugin.Request) (plugin.Response, error)
}

// Mapping is a trapped guest register range, end exclusive, owned by
// a single plugin. The guard region is the identity mapped PROT_NONE
// reservation covering it.
type Mapping struct {
	Start, End memory.Pointer
	Module     string

	guardAddr uintptr
	guardLen  uintptr
}

// Engine services faulting register accesses: it decodes the trapped
// instruction, routes the access to the owning plugin and resumes the
// context with the result.
type Engine struct {
	lock     sync.Mutex
	dispatch Dispatcher
	mappings []*Mapping
	msgID    uint32

	// Fatal is invoked for conditions the engine cannot recover from:
	// a fault outside every mapping or a plugin rejecting an access.
	// It must not return. Defaults to log.Fatalf.
	Fatal func(format string, v ...interface{})
}

func NewEngine(d Dispatcher) *Engine {
	return &Engine{dispatch: d, Fatal: log.Fatalf}
}

// AddMapping registers [start,end) as trapped registers owned by
// module and reserves the guard region before returning, so that any
// raw pointer dereference into the range faults instead of reading
// ordinary memory.
func (e *Engine) AddMapping(start, end memory.Pointer, module string) error {
	if start >= end {
		return fmt.Errorf("%w: %v-%v", ErrInvalidRange, start, end)
	}

	e.lock.Lock()
	defer e.lock.Unlock()

	if len(e.mappings) >= MaxMappings {
		return ErrTableFull
	}
	for _, m := range e.mappings {
		if start < m.End && m.Start < end {
			return fmt.Errorf("%w: %v-%v collides with %q %v-%v", ErrMappingOverlap, start, end, m.Module, m.Start, m.End)
		}
	}

	m := &Mapping{Start: start, End: end, Module: module}
	addr, length, err := reserveGuard(uintptr(start), uintptr(end-start))
	if err != nil {
		return fmt.Errorf("guard region for %q %v-%v: %w", module, start, end, err)
	}
	m.guardAddr, m.guardLen = addr, length

	e.mappings = append(e.mappings, m)
	log.Printf("trap: register mapping added: %s [%v-%v]", module, start, end)
	return nil
}

// Lookup resolves addr to its mapping, or nil.
func (e *Engine) Lookup(addr memory.Pointer) *Mapping {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.lookup(addr)
}

func (e *Engine) lookup(addr memory.Pointer) *Mapping {
	for _, m := range e.mappings {
		if addr >= m.Start && addr < m.End {
			return m
		}
	}
	return nil
}

// Service handles one faulting access at addr against ctx. On return
// the context has the access result applied and its instruction
// pointer advanced past the trapped instruction.
//
// An unrecognized instruction is logged and skipped without reaching
// a plugin: no register changes and the instruction pointer skips the
// two byte minimum encoding. That policy keeps a misbehaving driver
// running; a skipped load leaves its destination register as it was.
func (e *Engine) Service(ctx *Context, addr memory.Pointer) {
	m := e.Lookup(addr)
	if m == nil {
		e.Fatal("trap: access to unmapped address %v", addr)
		return
	}

	insn := ctx.InsnBytes()
	op, err := Decode(insn)
	if err != nil {
		if len(insn) == 0 {
			e.Fatal("trap: empty instruction window at %v", addr)
			return
		}
		log.Printf("trap: unsupported instruction 0x%02X at %v, skipping it", insn[0], addr)
		ctx.AdvanceIP(2)
		return
	}

	req := plugin.Request{
		Module:  m.Module,
		Address: addr,
		ID:      atomic.AddUint32(&e.msgID, 1),
	}

	switch op.Kind {
	case AccessRead:
		req.Kind = plugin.RegRead
	case AccessWrite:
		req.Kind = plugin.RegWrite
		if op.HasImm {
			req.Value = op.Imm
		} else {
			req.Value = uint32(ctx.Reg(op.Reg))
		}
	}

	resp, err := e.dispatch.Dispatch(req)
	if err != nil {
		e.Fatal("trap: %v %v on %q failed: %v", op.Kind, addr, m.Module, err)
		return
	}

	if op.Kind == AccessRead {
		ctx.SetReg(op.Reg, uint64(resp.Value))
	}
	ctx.AdvanceIP(op.Len)
}

// Read32 performs a trapped register load. It drives the full fault
// path with a synthetic context executing mov (%rax),%eax.
func (e *Engine) Read32(addr memory.Pointer) uint32 {
	ctx := NewContext([]byte{0x8B, 0x00})
	ctx.SetReg(RAX, uint64(addr))
	e.Service(ctx, addr)
	return uint32(ctx.Reg(RAX))
}

// Write32 performs a trapped register store of value, executing
// mov %eax,(%rdx).
func (e *Engine) Write32(addr memory.Pointer, value uint32) {
	ctx := NewContext([]byte{0x89, 0x02})
	ctx.SetReg(RAX, uint64(value))
	ctx.SetReg(RDX, uint64(addr))
	e.Service(ctx, addr)
}

// WriteImm32 performs a trapped register store through the immediate
// encoding, movl $value,(%rax).
func (e *Engine) WriteImm32(addr memory.Pointer, value uint32) {
	insn := []byte{0xC7, 0x00, 0, 0, 0, 0}
	binary.LittleEndian.PutUint32(insn[2:], value)
	ctx := NewContext(insn)
	ctx.SetReg(RAX, uint64(addr))
	e.Service(ctx, addr)
}

// Cleanup releases every guard region and empties the mapping table.
func (e *Engine) Cleanup() {
	e.lock.Lock()
	defer e.lock.Unlock()

	for _, m := range e.mappings {
		if m.guardLen != 0 {
			if err := releaseGuard(m.guardAddr, m.guardLen); err != nil {
				log.Printf("trap: releasing guard for %q: %v", m.Module, err)
			}
		}
	}
	e.mappings = nil
}
