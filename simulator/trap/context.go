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

// Context is the machine state of a trapped thread as seen by the
// fault service routine: the integer register file, the instruction
// pointer and the instruction bytes under it.
//
// A port with real fault delivery wraps the OS ucontext in this
// shape. The portable access path in trap.go materializes contexts
// for synthetic faults instead, since the Go runtime owns SIGSEGV.
type Context struct {
	regs [8]uint64
	insn []byte
	ip   int
}

// NewContext creates a context whose instruction window holds insn
// with the instruction pointer at its start.
func NewContext(insn []byte) *Context {
	return &Context{insn: insn}
}

func (c *Context) Reg(r Reg) uint64 {
	return c.regs[r]
}

func (c *Context) SetReg(r Reg, v uint64) {
	c.regs[r] = v
}

// InsnBytes is the instruction stream at the current instruction
// pointer.
func (c *Context) InsnBytes() []byte {
	if c.ip >= len(c.insn) {
		return nil
	}
	return c.insn[c.ip:]
}

func (c *Context) IP() int {
	return c.ip
}

func (c *Context) AdvanceIP(n int) {
	c.ip += n
}
