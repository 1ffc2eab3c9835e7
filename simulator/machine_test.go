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
	"testing"
	"time"

	"github.com/spf13/afero"
)

const testMachine = `{
	"name": "testboard",
	"ram": [{"base": "0x20000000", "size": "0x1000"}],
	"devices": [
		{"type": "uart", "name": "uart1"},
		{"type": "dma", "name": "dma1"}
	],
	"signals": [
		{"signal": 50, "module": "uart1", "irq": 5},
		{"signal": 51, "module": "uart1", "irq": 6}
	]
}`

func TestLoadMachine(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "machine.json", []byte(testMachine), 0644); err != nil {
		t.Fatal(err)
	}

	m, err := LoadMachine(fs, "machine.json")
	if err != nil {
		t.Fatal(err)
	}

	if m.Name != "testboard" {
		t.Errorf("name = %q", m.Name)
	}
	if len(m.RAM) != 1 || m.RAM[0].Base != 0x20000000 || m.RAM[0].Size != 0x1000 {
		t.Errorf("ram = %+v", m.RAM)
	}
	if len(m.Devices) != 2 || m.Devices[0].Name != "uart1" {
		t.Errorf("devices = %+v", m.Devices)
	}
	if len(m.Signals) != 2 || m.Signals[1].IRQ != 6 {
		t.Errorf("signals = %+v", m.Signals)
	}
}

func TestLoadMachineErrors(t *testing.T) {
	fs := afero.NewMemMapFs()

	if _, err := LoadMachine(fs, "missing.json"); err == nil {
		t.Error("missing file did not error")
	}

	afero.WriteFile(fs, "bad.json", []byte("{"), 0644)
	if _, err := LoadMachine(fs, "bad.json"); err == nil {
		t.Error("malformed file did not error")
	}
}

func TestConfigureLoadedMachine(t *testing.T) {
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "machine.json", []byte(testMachine), 0644)

	m, err := LoadMachine(fs, "machine.json")
	if err != nil {
		t.Fatal(err)
	}

	s := New(WithTickInterval(time.Millisecond))
	t.Cleanup(s.Cleanup)

	if err := s.Configure(m); err != nil {
		t.Fatal(err)
	}

	if s.FindPlugin("uart1") == nil {
		t.Error("uart1 not registered")
	}

	// uart1 sits one instance stride above uart0.
	if v := s.Engine().Lookup(0x40003000); v == nil || v.Module != "uart1" {
		t.Errorf("uart1 mapping lookup = %+v", v)
	}
}

func TestConfigureUnknownDevice(t *testing.T) {
	s := New(WithTickInterval(time.Millisecond))
	t.Cleanup(s.Cleanup)

	err := s.Configure(&Machine{Devices: []DeviceSpec{{Type: "gpu", Name: "gpu0"}}})
	if err == nil {
		t.Error("unknown device type accepted")
	}
}
