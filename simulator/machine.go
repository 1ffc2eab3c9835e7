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

package simulator

import (
	"encoding/json"
	"fmt"
	"strconv"
	"syscall"

	"github.com/spf13/afero"

	"github.com/andreas-jonsson/virtualsoc/simulator/irq"
	"github.com/andreas-jonsson/virtualsoc/simulator/memory"
	"github.com/andreas-jonsson/virtualsoc/simulator/plugin"
	"github.com/andreas-jonsson/virtualsoc/simulator/plugin/dma"
	"github.com/andreas-jonsson/virtualsoc/simulator/plugin/uart"
)

// Machine is a board description: RAM windows, peripheral instances
// with their trapped register ranges and the signal plan.
type Machine struct {
	Name    string       `json:"name"`
	RAM     []RAMWindow  `json:"ram"`
	Devices []DeviceSpec `json:"devices"`
	Signals []SignalSpec `json:"signals"`
}

type RAMWindow struct {
	Base Hex `json:"base"`
	Size Hex `json:"size"`
}

type DeviceSpec struct {
	// Type selects the plugin: "uart", "dma" or "eth" (the latter only
	// in builds with the network tag).
	Type string `json:"type"`
	Name string `json:"name"`

	// Start and End override the instance derived register range when
	// both are nonzero.
	Start Hex `json:"start"`
	End   Hex `json:"end"`
}

type SignalSpec struct {
	Signal int    `json:"signal"`
	Module string `json:"module"`
	IRQ    uint32 `json:"irq"`
}

// Hex is a uint32 that unmarshals from JSON numbers or prefixed
// strings like "0x40002000".
type Hex uint32

func (h *Hex) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		v, err := strconv.ParseUint(s, 0, 32)
		if err != nil {
			return err
		}
		*h = Hex(v)
		return nil
	}

	var v uint32
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*h = Hex(v)
	return nil
}

// LoadMachine reads a machine description from fs.
func LoadMachine(fs afero.Fs, path string) (*Machine, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, err
	}

	var m Machine
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("machine description %s: %w", path, err)
	}
	return &m, nil
}

// Configure builds the machine: installs RAM, registers the plugins,
// traps their register ranges and binds the signal plan.
func (s *Simulator) Configure(m *Machine) error {
	for _, w := range m.RAM {
		ram := memory.NewRAM(memory.Pointer(w.Base), int(w.Size))
		if err := ram.Install(s.bus); err != nil {
			return err
		}
	}

	for _, d := range m.Devices {
		var (
			p          plugin.Plugin
			start, end memory.Pointer
		)
		switch d.Type {
		case "uart":
			dev := uart.NewDevice(d.Name)
			start, end = dev.Base(), dev.Base()+uart.WindowSize
			p = dev
		case "dma":
			dev := dma.NewDevice(d.Name)
			start, end = dev.Base(), dev.Base()+dma.InstanceStride
			p = dev
		case "eth":
			dev, from, to, err := newEthDevice(d.Name)
			if err != nil {
				return err
			}
			p, start, end = dev, from, to
		default:
			return fmt.Errorf("unknown device type %q", d.Type)
		}

		if d.Start != 0 && d.End != 0 {
			start, end = memory.Pointer(d.Start), memory.Pointer(d.End)
		}

		if err := s.RegisterPlugin(p); err != nil {
			return err
		}
		if err := s.AddRegisterMapping(start, end, d.Name); err != nil {
			return err
		}
	}

	for _, sig := range m.Signals {
		if err := s.AddSignalMapping(syscall.Signal(sig.Signal), sig.Module, sig.IRQ); err != nil {
			return err
		}
	}
	return nil
}

// DefaultMachine is the reference board: one UART, one DMA
// controller, 64KB of SRAM and a realtime signal plan starting at
// the default base.
func DefaultMachine() *Machine {
	m := &Machine{
		Name: "virtualsoc",
		RAM:  []RAMWindow{{Base: 0x20000000, Size: 0x10000}},
		Devices: []DeviceSpec{
			{Type: "uart", Name: "uart0"},
			{Type: "dma", Name: "dma0"},
		},
	}

	sig := irq.DefaultSignalBase
	bind := func(module string, irqNum uint32) {
		m.Signals = append(m.Signals, SignalSpec{Signal: sig, Module: module, IRQ: irqNum})
		sig++
	}

	bind("uart0", uart.DefaultTXIRQ)
	bind("uart0", uart.DefaultRXIRQ)

	// The signal binding table holds 16 entries; the plan covers the
	// first eight DMA channels, leaving room for a second peripheral.
	for i := uint32(0); i < 8; i++ {
		bind("dma0", dma.DefaultIRQBase+i)
	}
	return m
}
