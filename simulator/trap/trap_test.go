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
	"errors"
	"fmt"
	"testing"

	"github.com/andreas-jonsson/virtualsoc/simulator/memory"
	"github.com/andreas-jonsson/virtualsoc/simulator/plugin"
)

// fakeDispatcher records requests and serves reads from a register
// map keyed by address.
type fakeDispatcher struct {
	regs     map[memory.Pointer]uint32
	requests []plugin.Request
	fail     bool
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{regs: make(map[memory.Pointer]uint32)}
}

func (d *fakeDispatcher) Dispatch(req plugin.Request) (plugin.Response, error) {
	d.requests = append(d.requests, req)
	if d.fail {
		return plugin.Response{ID: req.ID}, errors.New("dispatch failed")
	}

	resp := plugin.Response{ID: req.ID}
	switch req.Kind {
	case plugin.RegRead:
		resp.Value = d.regs[req.Address]
	case plugin.RegWrite:
		d.regs[req.Address] = req.Value
	}
	return resp, nil
}

func testEngine(t *testing.T) (*Engine, *fakeDispatcher) {
	t.Helper()

	d := newFakeDispatcher()
	e := NewEngine(d)
	e.Fatal = func(format string, v ...interface{}) {
		panic(fmt.Sprintf(format, v...))
	}
	t.Cleanup(e.Cleanup)

	if err := e.AddMapping(0x50000000, 0x50000050, "dev0"); err != nil {
		t.Fatal(err)
	}
	return e, d
}

func TestMappingValidation(t *testing.T) {
	e, _ := testEngine(t)

	t.Run("Lookup", func(t *testing.T) {
		m := e.Lookup(0x50000000)
		if m == nil || m.Module != "dev0" {
			t.Fatalf("lookup start: %+v", m)
		}
		if e.Lookup(0x5000004F) == nil {
			t.Error("last byte of range not found")
		}
		if e.Lookup(0x50000050) != nil {
			t.Error("end address is exclusive")
		}
	})

	t.Run("Overlap", func(t *testing.T) {
		if err := e.AddMapping(0x50000040, 0x50000100, "dev1"); !errors.Is(err, ErrMappingOverlap) {
			t.Errorf("overlapping range: %v, want ErrMappingOverlap", err)
		}
	})

	t.Run("InvalidRange", func(t *testing.T) {
		if err := e.AddMapping(0x60000000, 0x60000000, "dev2"); !errors.Is(err, ErrInvalidRange) {
			t.Errorf("empty range: %v, want ErrInvalidRange", err)
		}
	})
}

func TestMappingTableFull(t *testing.T) {
	d := newFakeDispatcher()
	e := NewEngine(d)
	t.Cleanup(e.Cleanup)

	for i := 0; i < MaxMappings; i++ {
		start := 0x60000000 + memory.Pointer(i)*0x1000
		if err := e.AddMapping(start, start+0x50, fmt.Sprintf("dev%d", i)); err != nil {
			t.Fatal(err)
		}
	}
	if err := e.AddMapping(0x70000000, 0x70000050, "overflow"); !errors.Is(err, ErrTableFull) {
		t.Errorf("table overflow: %v, want ErrTableFull", err)
	}
}

func TestServiceRead(t *testing.T) {
	e, d := testEngine(t)
	d.regs[0x50000010] = 0xCAFEBABE

	if v := e.Read32(0x50000010); v != 0xCAFEBABE {
		t.Errorf("Read32 = 0x%X, want 0xCAFEBABE", v)
	}

	req := d.requests[0]
	if req.Kind != plugin.RegRead || req.Module != "dev0" || req.Address != 0x50000010 {
		t.Errorf("request = %+v", req)
	}
}

func TestServiceWrite(t *testing.T) {
	e, d := testEngine(t)

	e.Write32(0x50000020, 0x1234)
	if d.regs[0x50000020] != 0x1234 {
		t.Errorf("regs[0x20] = 0x%X, want 0x1234", d.regs[0x50000020])
	}

	e.WriteImm32(0x50000024, 0xDEAD)
	if d.regs[0x50000024] != 0xDEAD {
		t.Errorf("regs[0x24] = 0x%X, want 0xDEAD", d.regs[0x50000024])
	}
}

func TestServiceAdvancesIP(t *testing.T) {
	e, _ := testEngine(t)

	ctx := NewContext([]byte{0x8B, 0x00})
	ctx.SetReg(RAX, 0x50000000)
	e.Service(ctx, 0x50000000)
	if ctx.IP() != 2 {
		t.Errorf("IP = %d after load, want 2", ctx.IP())
	}

	ctx = NewContext([]byte{0xC7, 0x00, 1, 0, 0, 0})
	ctx.SetReg(RAX, 0x50000000)
	e.Service(ctx, 0x50000000)
	if ctx.IP() != 6 {
		t.Errorf("IP = %d after immediate store, want 6", ctx.IP())
	}
}

func TestServiceRequestIDsIncrease(t *testing.T) {
	e, d := testEngine(t)

	e.Read32(0x50000000)
	e.Read32(0x50000004)
	e.Write32(0x50000008, 1)

	var last uint32
	for i, req := range d.requests {
		if req.ID <= last {
			t.Fatalf("request %d has id %d, previous %d", i, req.ID, last)
		}
		last = req.ID
	}
}

func TestServiceUnsupportedFallback(t *testing.T) {
	e, d := testEngine(t)

	ctx := NewContext([]byte{0x90, 0x90}) // nop
	ctx.SetReg(RCX, 0x77)
	e.Service(ctx, 0x50000000)

	if len(d.requests) != 0 {
		t.Errorf("fallback dispatched %d requests", len(d.requests))
	}
	if ctx.Reg(RCX) != 0x77 {
		t.Error("fallback modified registers")
	}
	if ctx.IP() != 2 {
		t.Errorf("IP = %d after fallback, want 2", ctx.IP())
	}
}

func TestServiceUnknownAddressFatal(t *testing.T) {
	e, _ := testEngine(t)

	defer func() {
		if recover() == nil {
			t.Error("access outside every mapping did not hit the fatal hook")
		}
	}()
	e.Read32(0x90000000)
}

func TestServiceDispatchErrorFatal(t *testing.T) {
	e, d := testEngine(t)
	d.fail = true

	defer func() {
		if recover() == nil {
			t.Error("dispatch error did not hit the fatal hook")
		}
	}()
	e.Write32(0x50000000, 1)
}
