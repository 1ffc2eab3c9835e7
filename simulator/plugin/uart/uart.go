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

/*
References:
	ARM PrimeCell UART (PL011) Technical Reference Manual
*/

package uart

import (
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andreas-jonsson/virtualsoc/simulator/memory"
	"github.com/andreas-jonsson/virtualsoc/simulator/plugin"
)

// BaseAddress is the first UART instance window. Instance i occupies
// BaseAddress + i*InstanceStride.
const (
	BaseAddress    memory.Pointer = 0x40002000
	InstanceStride memory.Pointer = 0x1000
	WindowSize     memory.Pointer = 0x50
)

// Register offsets within an instance window.
const (
	regData    = 0x00 // DR
	regRSRECR  = 0x04
	regFlag    = 0x18 // FR, read only
	regILPR    = 0x20
	regIBRD    = 0x24
	regFBRD    = 0x28
	regLineCtl = 0x2C // LCR_H
	regCtrl    = 0x30 // CR
	regIFLS    = 0x34
	regIMSC    = 0x38
	regRIS     = 0x3C
	regMIS     = 0x40
	regICR     = 0x44
	regDMACtrl = 0x48 // DMACR

	// Flat register mirrors kept for drivers predating the PrimeCell
	// layout.
	legacyFlag    = 0x08
	legacyCtrl    = 0x0C
	legacyDMACtrl = 0x10
)

// Flag register bits.
const (
	flagBusy = 0x08
	flagRXFE = 0x10
	flagTXFF = 0x20
	flagRXFF = 0x40
	flagTXFE = 0x80
)

// Control register bits.
const ctrlEnable = 0x01

// DMA control register bits.
const (
	dmaRXEnable = 0x01
	dmaTXEnable = 0x02
)

// Default interrupt lines.
const (
	DefaultTXIRQ = 5
	DefaultRXIRQ = 6
)

const fifoSize = 256

// rxPeriod is the number of worker ticks between synthetic RX bytes.
const rxPeriod = 5

// Device is a UART instance. The zero value is not usable, create
// instances with NewDevice.
//
// While the control register enable bit is set a worker advances the
// simulated line: every rxPeriod ticks with an empty FIFO it receives
// one synthetic byte ('A'..'Z' cycling) and raises RXIRQ.
type Device struct {
	TXIRQ, RXIRQ uint32

	// Tap receives every transmitted byte, when set. Used by the
	// console frontend.
	Tap io.Writer

	name string
	base memory.Pointer
	host plugin.Host

	lock    sync.Mutex
	fifo    [fifoSize]byte
	head    int
	tail    int
	ctrl    uint32
	dmaCtrl uint32
	running bool
	stop    chan struct{}
	stopped chan struct{}

	txCount uint64
}

func NewDevice(name string) *Device {
	idx := plugin.InstanceIndex(name)
	return &Device{
		TXIRQ: DefaultTXIRQ,
		RXIRQ: DefaultRXIRQ,
		name:  name,
		base:  BaseAddress + memory.Pointer(idx)*InstanceStride,
	}
}

func (m *Device) Name() string {
	return m.name
}

// Base is the first address of this instance's register window.
func (m *Device) Base() memory.Pointer {
	return m.base
}

func (m *Device) Init(host plugin.Host) error {
	m.host = host
	log.Printf("%s: configured with base addr %v", m.name, m.base)
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
	m.head, m.tail = 0, 0
	m.ctrl, m.dmaCtrl = 0, 0
	atomic.StoreUint64(&m.txCount, 0)
	return nil
}

func (m *Device) Clock(action plugin.ClockAction, cycles uint32) error {
	switch action {
	case plugin.ClockTick:
		// The transmitter is always ready, nothing accumulates.
	case plugin.ClockEnable:
		log.Printf("%s: clock enabled", m.name)
	case plugin.ClockDisable:
		log.Printf("%s: clock disabled", m.name)
	}
	return nil
}

func (m *Device) Interrupt(irq uint32) error {
	log.Printf("%s: interrupt %d", m.name, irq)
	return nil
}

// TransmitCount is the number of bytes written to the data register
// since the last reset.
func (m *Device) TransmitCount() uint64 {
	return atomic.LoadUint64(&m.txCount)
}

func (m *Device) fifoEmpty() bool {
	return m.head == m.tail
}

func (m *Device) fifoFull() bool {
	return (m.head+1)%fifoSize == m.tail
}

func (m *Device) flags() uint32 {
	f := uint32(flagTXFE)
	if m.fifoEmpty() {
		f |= flagRXFE
	} else if m.fifoFull() {
		f |= flagRXFF
	}
	return f
}

// InjectByte pushes one received byte into the FIFO, as if it arrived
// on the line, and raises the RX interrupt while the worker is running.
// Full FIFO drops the byte.
func (m *Device) InjectByte(data byte) {
	m.lock.Lock()
	if m.fifoFull() {
		m.lock.Unlock()
		log.Printf("%s: RX overrun, dropping 0x%02X", m.name, data)
		return
	}
	m.fifo[m.head] = data
	m.head = (m.head + 1) % fifoSize
	running := m.running
	m.lock.Unlock()

	if running {
		m.trigger(m.RXIRQ)
	}
}

func (m *Device) Read(addr memory.Pointer) uint32 {
	m.lock.Lock()
	defer m.lock.Unlock()

	switch addr - m.base {
	case regData:
		if m.fifoEmpty() {
			return 0
		}
		data := m.fifo[m.tail]
		m.tail = (m.tail + 1) % fifoSize
		return uint32(data)
	case regRSRECR:
		return 0
	case regFlag, legacyFlag:
		return m.flags()
	case regILPR:
		return 0
	case regIBRD:
		return 0x006E
	case regFBRD:
		return 0
	case regLineCtl:
		return 0x0070
	case regCtrl, legacyCtrl:
		return m.ctrl
	case regIFLS, regIMSC, regRIS, regMIS:
		return 0
	case regDMACtrl, legacyDMACtrl:
		return m.dmaCtrl
	}

	log.Printf("%s: invalid read address %v", m.name, addr)
	return 0
}

func (m *Device) Write(addr memory.Pointer, value uint32) error {
	m.lock.Lock()

	switch addr - m.base {
	case regData:
		atomic.AddUint64(&m.txCount, 1)
		running := m.running
		tap := m.Tap
		m.lock.Unlock()

		if tap != nil {
			tap.Write([]byte{byte(value)})
		}
		if running {
			m.trigger(m.TXIRQ)
		}
		return nil
	case regCtrl, legacyCtrl:
		m.ctrl = value
		if value&ctrlEnable != 0 && !m.running {
			m.startWorker()
		} else if value&ctrlEnable == 0 && m.running {
			m.stopWorker()
		}
	case regDMACtrl, legacyDMACtrl:
		old := m.dmaCtrl
		m.dmaCtrl = value
		if (old^value)&dmaTXEnable != 0 {
			log.Printf("%s: DMA TX %s", m.name, onOff(value&dmaTXEnable != 0))
		}
		if (old^value)&dmaRXEnable != 0 {
			log.Printf("%s: DMA RX %s", m.name, onOff(value&dmaRXEnable != 0))
		}
	case regFlag:
		log.Printf("%s: write to read-only FR register ignored", m.name)
	case regRSRECR, regILPR, regIBRD, regFBRD, regLineCtl, regIFLS, regIMSC, regICR:
		// Accepted, no modelled behaviour.
	case legacyFlag:
		log.Printf("%s: write to read-only status register ignored", m.name)
	default:
		m.lock.Unlock()
		log.Printf("%s: invalid write address %v", m.name, addr)
		return nil
	}

	m.lock.Unlock()
	return nil
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
		if cycle%rxPeriod != 0 {
			continue
		}

		m.lock.Lock()
		if m.ctrl&ctrlEnable == 0 || !m.fifoEmpty() {
			m.lock.Unlock()
			continue
		}
		data := byte('A' + (cycle/rxPeriod-1)%26)
		m.fifo[m.head] = data
		m.head = (m.head + 1) % fifoSize
		m.lock.Unlock()

		log.Printf("%s: synthetic RX 0x%02X", m.name, data)
		m.trigger(m.RXIRQ)
	}
}

func onOff(on bool) string {
	if on {
		return "enabled"
	}
	return "disabled"
}
