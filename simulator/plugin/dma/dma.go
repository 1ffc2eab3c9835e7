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
	"log"
	"sync"
	"time"

	"github.com/andreas-jonsson/virtualsoc/simulator/memory"
	"github.com/andreas-jonsson/virtualsoc/simulator/plugin"
)

const (
	BaseAddress    memory.Pointer = 0x40006000
	InstanceStride memory.Pointer = 0x1000
)

const MaxChannels = 16

// Global register offsets.
const (
	regIntStatus    = 0x00
	regIntTCStatus  = 0x04
	regIntTCClear   = 0x08
	regIntErrStatus = 0x0C
	regIntErrClear  = 0x10
	regEnabledChans = 0x1C
	regConfig       = 0x30 // controller enable
	regSync         = 0x34
)

// Channel windows start at channelBase, one per channelStride bytes.
const (
	channelBase   = 0x100
	channelStride = 0x20

	chSrc    = 0x00
	chDst    = 0x04
	chSize   = 0x08
	chCtrl   = 0x0C
	chConfig = 0x10
	chStatus = 0x14
)

// Channel control bits.
const ctrlEnable = 0x01

// Channel status bits.
const statusDone = 0x02

// Channel config bits.
const (
	configSrcInc    = 0x01
	configDstInc    = 0x02
	configIRQEnable = 0x100
)

const (
	// defaultSize substitutes a zero transfer size at channel enable,
	// a convenience for tests exercising the completion path.
	defaultSize = 1024

	// burstSize is the most a channel moves per worker tick.
	burstSize = 512
)

// DefaultIRQBase is the interrupt line of channel 0; channel i raises
// DefaultIRQBase+i.
const DefaultIRQBase = 10

const heartbeatPeriod = 10

type channel struct {
	ctrl   uint32
	status uint32
	src    uint32
	dst    uint32
	size   uint32
	config uint32

	curSrc uint32
	curDst uint32
}

// Device is a DMA controller instance with MaxChannels independent
// channels. A worker started at init advances every active channel
// once per tick, moving at most burstSize bytes. Transfers with both
// increment bits set copy real bytes over the guest bus.
type Device struct {
	IRQBase uint32

	name string
	base memory.Pointer
	host plugin.Host

	lock       sync.Mutex
	channels   [MaxChannels]channel
	globalCtrl uint32
	intStatus  uint32
	enabled    bool
	running    bool
	stop       chan struct{}
	stopped    chan struct{}
}

func NewDevice(name string) *Device {
	idx := plugin.InstanceIndex(name)
	return &Device{
		IRQBase: DefaultIRQBase,
		name:    name,
		base:    BaseAddress + memory.Pointer(idx)*InstanceStride,
	}
}

func (m *Device) Name() string {
	return m.name
}

func (m *Device) Base() memory.Pointer {
	return m.base
}

func (m *Device) Init(host plugin.Host) error {
	m.host = host
	log.Printf("%s: configured with base addr %v, channel base %v", m.name, m.base, m.base+channelBase)

	m.lock.Lock()
	m.startWorker()
	m.lock.Unlock()
	return nil
}

func (m *Device) Cleanup() {
	m.lock.Lock()
	m.stopWorker()
	m.lock.Unlock()
}

func (m *Device) Reset(action plugin.ResetAction) error {
	if action != plugin.ResetAssert {
		return nil
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	m.stopWorker()
	m.channels = [MaxChannels]channel{}
	m.globalCtrl, m.intStatus = 0, 0
	m.enabled = false
	return nil
}

// Clock ticks the controller synchronously, one unit of transfer per
// cycle across all active channels. The worker covers the common
// case; this entry point exists for cooperative stepping.
func (m *Device) Clock(action plugin.ClockAction, cycles uint32) error {
	if action != plugin.ClockTick {
		return nil
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	for ch := range m.channels {
		c := &m.channels[ch]
		if c.ctrl&ctrlEnable == 0 || c.size == 0 {
			continue
		}
		m.transferLocked(ch, c, cycles)
	}
	return nil
}

func (m *Device) Interrupt(irq uint32) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if irq >= m.IRQBase && irq < m.IRQBase+MaxChannels {
		m.intStatus |= 1 << (irq - m.IRQBase)
	}
	return nil
}

func (m *Device) Read(addr memory.Pointer) uint32 {
	m.lock.Lock()
	defer m.lock.Unlock()

	offset := addr - m.base
	if offset < channelBase {
		switch offset {
		case regIntStatus, regIntTCStatus:
			return m.intStatus
		case regIntErrStatus:
			return 0
		case regEnabledChans:
			var mask uint32
			for ch := range m.channels {
				if m.channels[ch].ctrl&ctrlEnable != 0 {
					mask |= 1 << ch
				}
			}
			return mask
		case regConfig:
			return m.globalCtrl
		case regSync:
			return 0
		}
		log.Printf("%s: invalid read address %v", m.name, addr)
		return 0
	}

	ch, reg, ok := channelReg(offset)
	if !ok {
		log.Printf("%s: invalid read address %v", m.name, addr)
		return 0
	}

	c := &m.channels[ch]
	switch reg {
	case chSrc:
		return c.src
	case chDst:
		return c.dst
	case chSize:
		return c.size
	case chCtrl:
		return c.ctrl
	case chConfig:
		return c.config
	case chStatus:
		return c.status
	}
	return 0
}

func (m *Device) Write(addr memory.Pointer, value uint32) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	offset := addr - m.base
	if offset < channelBase {
		switch offset {
		case regConfig:
			m.globalCtrl = value
			m.enabled = value&0x01 != 0
			log.Printf("%s: controller %s", m.name, onOff(m.enabled))
		case regIntTCClear:
			m.intStatus &^= value
		case regIntErrClear:
			// No error state is modelled.
		case regIntStatus, regIntTCStatus, regIntErrStatus, regEnabledChans:
			log.Printf("%s: write to read-only register %v ignored", m.name, addr)
		case regSync:
			// Accepted, no modelled behaviour.
		default:
			log.Printf("%s: invalid write address %v", m.name, addr)
		}
		return nil
	}

	ch, reg, ok := channelReg(offset)
	if !ok {
		log.Printf("%s: invalid write address %v", m.name, addr)
		return nil
	}

	c := &m.channels[ch]
	switch reg {
	case chSrc:
		c.src = value
	case chDst:
		c.dst = value
	case chSize:
		c.size = value
	case chCtrl:
		c.ctrl = value
		if value&ctrlEnable != 0 {
			if c.size == 0 {
				c.size = defaultSize
				log.Printf("%s: channel %d enabled with zero size, defaulting to %d bytes", m.name, ch, defaultSize)
			}
			c.status &^= statusDone
			c.curSrc, c.curDst = c.src, c.dst
			log.Printf("%s: channel %d started, size=%d", m.name, ch, c.size)
		}
	case chConfig:
		c.config = value
	case chStatus:
		c.status = value
	default:
		log.Printf("%s: invalid channel register write at %v", m.name, addr)
	}
	return nil
}

func channelReg(offset memory.Pointer) (int, memory.Pointer, bool) {
	if offset < channelBase {
		return 0, 0, false
	}
	ch := int(offset-channelBase) / channelStride
	if ch >= MaxChannels {
		return 0, 0, false
	}
	return ch, (offset - channelBase) % channelStride, true
}

// transferLocked moves up to amount bytes on channel ch and handles
// completion. Caller holds the lock.
func (m *Device) transferLocked(ch int, c *channel, amount uint32) {
	if amount > c.size {
		amount = c.size
	}

	if c.config&configSrcInc != 0 && c.config&configDstInc != 0 && m.host != nil {
		if mem := m.host.Memory(); mem != nil {
			for i := uint32(0); i < amount; i++ {
				mem.WriteByte(memory.Pointer(c.curDst), mem.ReadByte(memory.Pointer(c.curSrc)))
				c.curSrc++
				c.curDst++
			}
		}
	}
	c.size -= amount

	if c.size > 0 {
		return
	}

	c.ctrl &^= ctrlEnable
	c.status |= statusDone
	m.intStatus |= 1 << ch
	log.Printf("%s: channel %d transfer completed", m.name, ch)

	if c.config&configIRQEnable != 0 {
		irq := m.IRQBase + uint32(ch)
		m.lock.Unlock()
		m.trigger(irq)
		m.lock.Lock()
	}
}

func (m *Device) trigger(irq uint32) {
	if m.host == nil {
		return
	}
	if err := m.host.Trigger(m.name, irq); err != nil {
		log.Printf("%s: trigger IRQ %d: %v", m.name, irq, err)
	}
}

// startWorker is called with the lock held.
func (m *Device) startWorker() {
	if m.running {
		return
	}
	m.running = true
	m.stop = make(chan struct{})
	m.stopped = make(chan struct{})
	go m.worker(m.stop, m.stopped)
	log.Printf("%s: worker started", m.name)
}

// stopWorker is called with the lock held.
func (m *Device) stopWorker() {
	if !m.running {
		return
	}
	m.running = false
	close(m.stop)

	stopped := m.stopped
	m.lock.Unlock()
	<-stopped
	m.lock.Lock()
	log.Printf("%s: worker stopped", m.name)
}

func (m *Device) worker(stop, stopped chan struct{}) {
	defer close(stopped)

	interval := time.Second
	if m.host != nil {
		if d := m.host.TickInterval(); d > 0 {
			interval = d
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	cycle := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		cycle++
		m.lock.Lock()
		for ch := range m.channels {
			c := &m.channels[ch]
			if c.ctrl&ctrlEnable == 0 || c.size == 0 {
				continue
			}

			amount := c.size
			if amount > burstSize {
				amount = burstSize
			}
			log.Printf("%s: channel %d transferring %d bytes, remaining=%d", m.name, ch, amount, c.size-amount)
			m.transferLocked(ch, c, amount)
		}
		m.lock.Unlock()

		if cycle%heartbeatPeriod == 0 {
			log.Printf("%s: worker heartbeat, cycle %d", m.name, cycle)
		}
	}
}

func onOff(on bool) string {
	if on {
		return "enabled"
	}
	return "disabled"
}
