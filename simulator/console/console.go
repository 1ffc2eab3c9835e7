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

// Package console is a terminal frontend for a UART instance: bytes
// transmitted by the driver render as a teletype, keystrokes feed the
// receive FIFO.
package console

import (
	"sync"
	"time"

	"github.com/gdamore/tcell"

	"github.com/andreas-jonsson/virtualsoc/simulator/plugin/uart"
)

const (
	numColumns = 80
	numRows    = 25
)

type (
	redrawEvent struct{}
	quitEvent   struct{}
)

type Console struct {
	lock sync.Mutex

	dev    *uart.Device
	screen tcell.Screen

	cells [numRows][numColumns]rune
	x, y  int
	dirty bool

	quitChan chan struct{}
}

// New creates a console on a fresh terminal screen and attaches it as
// the UART's transmit tap.
func New(dev *uart.Device) (*Console, error) {
	tcell.SetEncodingFallback(tcell.EncodingFallbackASCII)
	s, err := tcell.NewScreen()
	if err != nil {
		return nil, err
	}
	return NewWithScreen(s, dev)
}

// NewWithScreen creates a console on the given screen. Tests pass a
// tcell simulation screen.
func NewWithScreen(s tcell.Screen, dev *uart.Device) (*Console, error) {
	if err := s.Init(); err != nil {
		return nil, err
	}
	s.DisableMouse()
	s.Clear()

	c := &Console{dev: dev, screen: s, quitChan: make(chan struct{})}
	c.clearCells()
	dev.Tap = c
	return c, nil
}

func (c *Console) clearCells() {
	for y := range c.cells {
		for x := range c.cells[y] {
			c.cells[y][x] = ' '
		}
	}
}

// Write implements io.Writer; the UART calls it with every
// transmitted byte.
func (c *Console) Write(p []byte) (int, error) {
	c.lock.Lock()
	for _, b := range p {
		c.putByte(b)
	}
	c.dirty = true
	c.lock.Unlock()
	return len(p), nil
}

func (c *Console) putByte(b byte) {
	switch b {
	case '\r':
		c.x = 0
	case '\n':
		c.x = 0
		c.newline()
	case '\b':
		if c.x > 0 {
			c.x--
			c.cells[c.y][c.x] = ' '
		}
	default:
		if b < 32 || b > 126 {
			b = '.'
		}
		c.cells[c.y][c.x] = rune(b)
		if c.x++; c.x == numColumns {
			c.x = 0
			c.newline()
		}
	}
}

func (c *Console) newline() {
	if c.y < numRows-1 {
		c.y++
		return
	}
	copy(c.cells[:], c.cells[1:])
	for x := range c.cells[numRows-1] {
		c.cells[numRows-1][x] = ' '
	}
}

// Cell returns the rune at screen position x, y.
func (c *Console) Cell(x, y int) rune {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.cells[y][x]
}

// Run drives the event and render loop until ESC is pressed or Close
// is called.
func (c *Console) Run() {
	redrawTicker := time.NewTicker(time.Second / 30)
	defer redrawTicker.Stop()

	go func() {
		for {
			select {
			case <-c.quitChan:
				return
			case <-redrawTicker.C:
				c.screen.PostEvent(tcell.NewEventInterrupt(redrawEvent{}))
			}
		}
	}()

	for {
		switch ev := c.screen.PollEvent().(type) {
		case *tcell.EventKey:
			switch ev.Key() {
			case tcell.KeyEscape:
				c.Close()
				return
			case tcell.KeyEnter:
				c.dev.InjectByte('\r')
			case tcell.KeyBackspace, tcell.KeyBackspace2:
				c.dev.InjectByte('\b')
			case tcell.KeyRune:
				r := ev.Rune()
				if r < 128 {
					c.dev.InjectByte(byte(r))
				}
			}
		case *tcell.EventResize:
			c.screen.Sync()
		case *tcell.EventInterrupt:
			switch ev.Data().(type) {
			case quitEvent:
				return
			case redrawEvent:
				c.redraw()
			}
		case nil:
			return
		}
	}
}

func (c *Console) redraw() {
	c.lock.Lock()
	if !c.dirty {
		c.lock.Unlock()
		return
	}
	c.dirty = false

	for y := 0; y < numRows; y++ {
		for x := 0; x < numColumns; x++ {
			c.screen.SetCell(x, y, tcell.StyleDefault, c.cells[y][x])
		}
	}
	c.screen.ShowCursor(c.x, c.y)
	c.lock.Unlock()

	c.screen.Show()
}

// Close stops the event loop and restores the terminal. Idempotent.
func (c *Console) Close() {
	select {
	case <-c.quitChan:
		return
	default:
	}
	close(c.quitChan)
	c.screen.PostEvent(tcell.NewEventInterrupt(quitEvent{}))
	c.screen.Fini()
}
