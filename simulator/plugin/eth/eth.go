//go:build network
// +build network

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

// Package eth is a register windowed Ethernet MAC bridged to a host
// interface through pcap. Build with the "network" tag.
package eth

import (
	"io"
	"log"
	"math"
	"sync"

	"github.com/google/gopacket/pcap"

	"github.com/andreas-jonsson/virtualsoc/simulator/memory"
	"github.com/andreas-jonsson/virtualsoc/simulator/plugin"
)

const (
	BaseAddress    memory.Pointer = 0x4000A000
	InstanceStride memory.Pointer = 0x1000
	WindowSize     memory.Pointer = 0x20
)

const (
	regCtrl   = 0x00 // bit0 enable
	regStatus = 0x04 // bit0 RX frame available
	regTXLen  = 0x08 // write commits the staged frame
	regRXLen  = 0x0C // length of the head RX frame
	regData   = 0x10 // byte wide FIFO window
)

const ctrlEnable = 0x01

const statusRXAvail = 0x01

// DefaultIRQ is raised when a frame arrives.
const DefaultIRQ = 7

const maxFrameSize = 1518

// Device bridges a simulated MAC to a host network interface. The
// driver stages TX bytes through the data window and commits them by
// writing the frame length; received frames queue up and raise IRQ.
type Device struct {
	IRQ uint32

	// Tap receives every committed TX frame, when set.
	Tap io.Writer

	name string
	base memory.Pointer
	host plugin.Host

	lock    sync.Mutex
	handle  *pcap.Handle
	ctrl    uint32
	txBuf   []byte
	rxQueue [][]byte
	rxPos   int
	closed  chan struct{}
}

func NewDevice(name string) *Device {
	idx := plugin.InstanceIndex(name)
	return &Device{
		IRQ:  DefaultIRQ,
		name: name,
		base: BaseAddress + memory.Pointer(idx)*InstanceStride,
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
	m.closed = make(chan struct{})

	devices, err := pcap.FindAllDevs()
	if err != nil {
		return err
	}

	var selected *pcap.Interface
	for i := range devices {
		dev := &devices[i]
		for _, addr := range dev.Addresses {
			if !addr.IP.IsUnspecified() && !addr.IP.IsLoopback() {
				selected = dev
				break
			}
		}
		if selected != nil {
			break
		}
	}
	if selected == nil {
		log.Printf("%s: no host network device available", m.name)
		return nil
	}

	log.Printf("%s: bridged to %s", m.name, selected.Name)
	if m.handle, err = pcap.OpenLive(selected.Name, int32(math.MaxUint16), true, pcap.BlockForever); err != nil {
		return err
	}

	go m.receiveLoop(m.handle)
	return nil
}

func (m *Device) Cleanup() {
	m.lock.Lock()
	defer m.lock.Unlock()

	select {
	case <-m.closed:
	default:
		close(m.closed)
	}
	if m.handle != nil {
		m.handle.Close()
		m.handle = nil
	}
}

func (m *Device) Reset(action plugin.ResetAction) error {
	if action != plugin.ResetAssert {
		return nil
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	m.ctrl = 0
	m.txBuf = nil
	m.rxQueue = nil
	m.rxPos = 0
	return nil
}

func (m *Device) Clock(plugin.ClockAction, uint32) error {
	return nil
}

func (m *Device) Interrupt(irq uint32) error {
	log.Printf("%s: interrupt %d", m.name, irq)
	return nil
}

func (m *Device) receiveLoop(handle *pcap.Handle) {
	for {
		data, _, err := handle.ReadPacketData()
		if err != nil {
			select {
			case <-m.closed:
				return
			default:
			}
			log.Printf("%s: receive: %v", m.name, err)
			return
		}
		m.InjectFrame(data)
	}
}

// InjectFrame queues one received frame, as if it arrived on the
// wire, and raises the RX interrupt. A disabled MAC drops it.
func (m *Device) InjectFrame(data []byte) {
	m.lock.Lock()
	enabled := m.ctrl&ctrlEnable != 0
	if enabled {
		frame := make([]byte, len(data))
		copy(frame, data)
		m.rxQueue = append(m.rxQueue, frame)
	}
	m.lock.Unlock()

	if enabled && m.host != nil {
		if err := m.host.Trigger(m.name, m.IRQ); err != nil {
			log.Printf("%s: trigger IRQ %d: %v", m.name, m.IRQ, err)
		}
	}
}

func (m *Device) Read(addr memory.Pointer) uint32 {
	m.lock.Lock()
	defer m.lock.Unlock()

	switch addr - m.base {
	case regCtrl:
		return m.ctrl
	case regStatus:
		if len(m.rxQueue) > 0 {
			return statusRXAvail
		}
		return 0
	case regRXLen:
		if len(m.rxQueue) > 0 {
			return uint32(len(m.rxQueue[0]))
		}
		return 0
	case regData:
		if len(m.rxQueue) == 0 {
			return 0
		}
		frame := m.rxQueue[0]
		data := frame[m.rxPos]
		if m.rxPos++; m.rxPos == len(frame) {
			m.rxQueue = m.rxQueue[1:]
			m.rxPos = 0
		}
		return uint32(data)
	}

	log.Printf("%s: invalid read address %v", m.name, addr)
	return 0
}

func (m *Device) Write(addr memory.Pointer, value uint32) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	switch addr - m.base {
	case regCtrl:
		m.ctrl = value
	case regData:
		if len(m.txBuf) < maxFrameSize {
			m.txBuf = append(m.txBuf, byte(value))
		}
	case regTXLen:
		frame := m.txBuf
		if int(value) < len(frame) {
			frame = frame[:value]
		}
		m.txBuf = nil
		if m.ctrl&ctrlEnable == 0 || len(frame) == 0 {
			break
		}
		if m.Tap != nil {
			m.Tap.Write(frame)
		}
		if m.handle != nil {
			if err := m.handle.WritePacketData(frame); err != nil {
				log.Printf("%s: transmit: %v", m.name, err)
			}
		}
	default:
		log.Printf("%s: invalid write address %v", m.name, addr)
	}
	return nil
}
