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

package dma

import (
	"sync"
	"testing"
	"time"

	"github.com/andreas-jonsson/virtualsoc/simulator/memory"
	"github.com/andreas-jonsson/virtualsoc/simulator/plugin"
)

const sramBase = 0x20000000

type trigger struct {
	module string
	irq    uint32
}

type testHost struct {
	lock     sync.Mutex
	triggers []trigger
	bus      *memory.Bus
}

func (h *testHost) Trigger(module string, irq uint32) error {
	h.lock.Lock()
	h.triggers = append(h.triggers, trigger{module, irq})
	h.lock.Unlock()
	return nil
}

func (h *testHost) Memory() memory.Memory {
	return h.bus
}

func (h *testHost) TickInterval() time.Duration {
	return time.Millisecond
}

func (h *testHost) count(irq uint32) int {
	h.lock.Lock()
	defer h.lock.Unlock()

	n := 0
	for _, t := range h.triggers {
		if t.irq == irq {
			n++
		}
	}
	return n
}

func testDevice(t *testing.T) (*Device, *testHost) {
	t.Helper()

	bus := new(memory.Bus)
	if err := memory.NewRAM(sramBase, 0x10000).Install(bus); err != nil {
		t.Fatal(err)
	}

	host := &testHost{bus: bus}
	m := NewDevice("dma0")
	if err := m.Init(host); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Cleanup)
	return m, host
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timeout waiting for ", what)
}

func channelAddr(m *Device, ch int, reg memory.Pointer) memory.Pointer {
	return m.Base() + channelBase + memory.Pointer(ch)*channelStride + reg
}

func TestInstanceBase(t *testing.T) {
	if base := NewDevice("dma0").Base(); base != 0x40006000 {
		t.Errorf("dma0 base = %v", base)
	}
	if base := NewDevice("dma1").Base(); base != 0x40007000 {
		t.Errorf("dma1 base = %v", base)
	}
}

func TestMemToMemTransfer(t *testing.T) {
	m, host := testDevice(t)

	const (
		src  = sramBase
		dst  = sramBase + 0x100
		size = 16
	)
	for i := 0; i < size; i++ {
		host.bus.WriteByte(src+memory.Pointer(i), byte(i))
	}

	m.Write(channelAddr(m, 0, chSrc), src)
	m.Write(channelAddr(m, 0, chDst), dst)
	m.Write(channelAddr(m, 0, chSize), size)
	m.Write(channelAddr(m, 0, chConfig), configSrcInc|configDstInc|configIRQEnable)
	m.Write(channelAddr(m, 0, chCtrl), ctrlEnable)

	waitFor(t, "transfer completion", func() bool {
		return m.Read(channelAddr(m, 0, chStatus))&statusDone != 0
	})

	for i := 0; i < size; i++ {
		want := byte(i)
		if got := host.bus.ReadByte(dst + memory.Pointer(i)); got != want {
			t.Fatalf("dst[%d] = 0x%02X, want 0x%02X", i, got, want)
		}
	}

	if v := m.Read(channelAddr(m, 0, chCtrl)); v&ctrlEnable != 0 {
		t.Error("enable bit still set after completion")
	}
	if v := m.Read(m.Base() + regIntStatus); v&1 == 0 {
		t.Error("interrupt status bit not set")
	}
	if n := host.count(m.IRQBase); n != 1 {
		t.Errorf("channel 0 raised %d interrupts, want 1", n)
	}
}

func TestTickAccounting(t *testing.T) {
	// No Init: the device stays workerless so the accounting below is
	// the only mover.
	m := NewDevice("dma0")

	c := &m.channels[3]
	c.size = 1200
	c.ctrl = ctrlEnable

	var total uint32
	for c.size > 0 {
		before := c.size
		m.transferLocked(3, c, burstSize)
		moved := before - c.size
		if moved > burstSize {
			t.Fatalf("tick moved %d bytes, burst limit is %d", moved, burstSize)
		}
		total += moved
	}

	if total != 1200 {
		t.Errorf("total transferred = %d, want 1200", total)
	}
	if c.status&statusDone == 0 {
		t.Error("done bit not set at completion")
	}
}

func TestDefaultSizeConvention(t *testing.T) {
	m, _ := testDevice(t)

	m.Write(channelAddr(m, 1, chCtrl), ctrlEnable)
	if v := m.Read(channelAddr(m, 1, chSize)); v != defaultSize && v != 0 {
		// The worker may already be draining it; it can only shrink.
		if v > defaultSize {
			t.Errorf("size = %d, want at most %d", v, defaultSize)
		}
	}

	waitFor(t, "default sized transfer", func() bool {
		return m.Read(channelAddr(m, 1, chStatus))&statusDone != 0
	})
}

func TestInterruptGatedByConfig(t *testing.T) {
	m, host := testDevice(t)

	// No interrupt enable bit in config: completion must stay silent.
	m.Write(channelAddr(m, 2, chSize), 8)
	m.Write(channelAddr(m, 2, chCtrl), ctrlEnable)

	waitFor(t, "silent completion", func() bool {
		return m.Read(channelAddr(m, 2, chStatus))&statusDone != 0
	})
	if n := host.count(m.IRQBase + 2); n != 0 {
		t.Errorf("gated channel raised %d interrupts", n)
	}
}

func TestInterruptStatusClear(t *testing.T) {
	m, _ := testDevice(t)

	m.Write(channelAddr(m, 0, chSize), 8)
	m.Write(channelAddr(m, 0, chCtrl), ctrlEnable)
	m.Write(channelAddr(m, 5, chSize), 8)
	m.Write(channelAddr(m, 5, chCtrl), ctrlEnable)

	waitFor(t, "both transfers", func() bool {
		return m.Read(m.Base()+regIntStatus) == (1 | 1<<5)
	})

	m.Write(m.Base()+regIntTCClear, 1)
	if v := m.Read(m.Base() + regIntStatus); v != 1<<5 {
		t.Errorf("interrupt status after clear = 0x%X, want 0x20", v)
	}
}

func TestGlobalControl(t *testing.T) {
	m, _ := testDevice(t)

	m.Write(m.Base()+regConfig, 1)
	if v := m.Read(m.Base() + regConfig); v != 1 {
		t.Errorf("global control = 0x%X, want 1", v)
	}
}

func TestEnabledChannelsMask(t *testing.T) {
	m, _ := testDevice(t)

	// A huge transfer stays active long enough to observe the mask.
	m.Write(channelAddr(m, 4, chSize), 0x40000000)
	m.Write(channelAddr(m, 4, chCtrl), ctrlEnable)

	if v := m.Read(m.Base() + regEnabledChans); v&(1<<4) == 0 {
		t.Errorf("enabled channels = 0x%X, channel 4 missing", v)
	}
}

func TestReset(t *testing.T) {
	m, _ := testDevice(t)

	m.Write(channelAddr(m, 0, chSrc), 0x1000)
	m.Write(channelAddr(m, 0, chSize), 64)
	m.Write(m.Base()+regConfig, 1)

	if err := m.Reset(plugin.ResetAssert); err != nil {
		t.Fatal(err)
	}

	if v := m.Read(channelAddr(m, 0, chSrc)); v != 0 {
		t.Errorf("src after reset = 0x%X", v)
	}
	if v := m.Read(channelAddr(m, 0, chSize)); v != 0 {
		t.Errorf("size after reset = 0x%X", v)
	}
	if v := m.Read(m.Base() + regConfig); v != 0 {
		t.Errorf("global control after reset = 0x%X", v)
	}
}
