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
	"flag"
	"log"
	"time"

	"github.com/spf13/afero"

	"github.com/andreas-jonsson/virtualsoc/simulator/console"
	"github.com/andreas-jonsson/virtualsoc/simulator/plugin/uart"
)

var (
	machineFile  string
	tickInterval time.Duration
)

func init() {
	flag.StringVar(&machineFile, "machine", "", "Path to machine description")
	flag.DurationVar(&tickInterval, "tick", time.Second, "Plugin worker tick interval")
}

// Start runs the interactive demo: the default (or given) machine
// with the terminal console attached to uart0. The driver side is a
// small echo loop living entirely on the trapped register surface:
// every received byte is read out of the data register and written
// back to it.
func Start() error {
	machine := DefaultMachine()
	if machineFile != "" {
		m, err := LoadMachine(afero.NewOsFs(), machineFile)
		if err != nil {
			return err
		}
		machine = m
	}

	sim := New(WithTickInterval(tickInterval))
	defer sim.Cleanup()

	if err := sim.Configure(machine); err != nil {
		return err
	}

	dev, ok := sim.FindPlugin("uart0").(*uart.Device)
	if !ok {
		log.Print("machine has no uart0, nothing to attach the console to")
		return nil
	}

	term, err := console.New(dev)
	if err != nil {
		return err
	}
	defer term.Close()

	data := dev.Base()
	ctrl := dev.Base() + 0x30

	if err := sim.RegisterInterruptHandler(dev.RXIRQ, func() {
		if b := sim.Read32(data); b != 0 {
			sim.Write32(data, b)
		}
	}); err != nil {
		return err
	}

	// Driver view: enable the UART through its control register.
	sim.Write32(ctrl, 0x01)

	for _, b := range []byte("virtualsoc ready, type to echo\r\n") {
		sim.Write32(data, uint32(b))
	}

	term.Run()
	return nil
}
