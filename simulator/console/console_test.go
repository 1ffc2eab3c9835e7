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

package console

import (
	"testing"
	"time"

	"github.com/gdamore/tcell"

	"github.com/andreas-jonsson/virtualsoc/simulator/plugin/uart"
)

func testConsole(t *testing.T) (*Console, *uart.Device) {
	t.Helper()

	dev := uart.NewDevice("uart0")
	c, err := NewWithScreen(tcell.NewSimulationScreen(""), dev)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Close)
	return c, dev
}

func TestTeletypeOutput(t *testing.T) {
	c, _ := testConsole(t)

	c.Write([]byte("hi\r\nthere"))

	if got := c.Cell(0, 0); got != 'h' {
		t.Errorf("cell (0,0) = %q, want 'h'", got)
	}
	if got := c.Cell(1, 0); got != 'i' {
		t.Errorf("cell (1,0) = %q, want 'i'", got)
	}
	if got := c.Cell(0, 1); got != 't' {
		t.Errorf("cell (0,1) = %q, want 't'", got)
	}
}

func TestLineWrap(t *testing.T) {
	c, _ := testConsole(t)

	line := make([]byte, numColumns+1)
	for i := range line {
		line[i] = 'a'
	}
	c.Write(line)

	if got := c.Cell(numColumns-1, 0); got != 'a' {
		t.Errorf("last cell of row 0 = %q", got)
	}
	if got := c.Cell(0, 1); got != 'a' {
		t.Errorf("wrapped cell = %q", got)
	}
}

func TestScroll(t *testing.T) {
	c, _ := testConsole(t)

	for i := 0; i < numRows; i++ {
		c.Write([]byte{byte('A' + i), '\n'})
	}

	// Row zero scrolled off, row one moved up.
	if got := c.Cell(0, 0); got != 'B' {
		t.Errorf("cell (0,0) after scroll = %q, want 'B'", got)
	}
}

func TestNonPrintable(t *testing.T) {
	c, _ := testConsole(t)

	c.Write([]byte{0x01})
	if got := c.Cell(0, 0); got != '.' {
		t.Errorf("non printable rendered as %q, want '.'", got)
	}
}

func TestUARTTapAttached(t *testing.T) {
	c, dev := testConsole(t)

	// Bytes written to the data register surface on the screen.
	dev.Write(dev.Base(), 'Q')
	if got := c.Cell(0, 0); got != 'Q' {
		t.Errorf("cell (0,0) = %q, want 'Q'", got)
	}
}

func TestKeyboardInput(t *testing.T) {
	c, dev := testConsole(t)

	done := make(chan struct{})
	go func() {
		c.Run()
		close(done)
	}()

	sim := c.screen.(tcell.SimulationScreen)
	sim.InjectKey(tcell.KeyRune, 'k', tcell.ModNone)

	received := false
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if v := dev.Read(dev.Base()); v == 'k' {
			received = true
			break
		}
		time.Sleep(time.Millisecond)
	}
	if !received {
		t.Error("keystroke never reached the RX FIFO")
	}

	sim.InjectKey(tcell.KeyEscape, 0, tcell.ModNone)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("event loop did not stop on escape")
	}
}
