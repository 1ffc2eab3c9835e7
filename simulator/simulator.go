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

// Package simulator ties the trap engine, the interrupt router and
// the plugin registry into one context with the driver facing
// surface: register mappings, signal mappings, interrupt handlers and
// trapped 32bit register access.
package simulator

import (
	"errors"
	"log"
	"syscall"
	"time"

	"github.com/andreas-jonsson/virtualsoc/simulator/irq"
	"github.com/andreas-jonsson/virtualsoc/simulator/memory"
	"github.com/andreas-jonsson/virtualsoc/simulator/plugin"
	"github.com/andreas-jonsson/virtualsoc/simulator/trap"
)

// Simulator is the process wide simulation context. It replaces the
// scattered global tables of a classic C rendition with one owned
// lifetime: create with New, tear down with Cleanup.
type Simulator struct {
	bus      *memory.Bus
	router   *irq.Router
	registry *plugin.Registry
	engine   *trap.Engine

	tick time.Duration
}

// Option configures a Simulator at creation.
type Option func(*Simulator)

// WithTickInterval replaces the default 1s plugin worker tick,
// trading the reference wall clock cadence for a faster virtual one.
func WithTickInterval(d time.Duration) Option {
	return func(s *Simulator) {
		s.tick = d
	}
}

func New(opts ...Option) *Simulator {
	s := &Simulator{
		bus:    new(memory.Bus),
		router: irq.NewRouter(),
		tick:   time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.registry = plugin.NewRegistry(s)
	s.engine = trap.NewEngine(s.registry)

	log.Print("simulator initialized")
	return s
}

// Cleanup stops every plugin, releases the guard regions and shuts
// down interrupt delivery. Best effort; failures are logged.
func (s *Simulator) Cleanup() {
	s.registry.CleanupAll()
	s.engine.Cleanup()
	s.router.Close()
	log.Print("simulator cleaned up")
}

// Trigger implements plugin.Host.
func (s *Simulator) Trigger(module string, irq uint32) error {
	return s.router.Trigger(module, irq)
}

// Memory implements plugin.Host.
func (s *Simulator) Memory() memory.Memory {
	return s.bus
}

// TickInterval implements plugin.Host.
func (s *Simulator) TickInterval() time.Duration {
	return s.tick
}

// Bus is the guest memory bus for RAM windows and DMA visible
// buffers.
func (s *Simulator) Bus() *memory.Bus {
	return s.bus
}

func (s *Simulator) RegisterPlugin(p plugin.Plugin) error {
	return s.registry.Register(p)
}

func (s *Simulator) FindPlugin(name string) plugin.Plugin {
	return s.registry.Find(name)
}

// AddRegisterMapping traps [start,end) and routes its accesses to the
// named plugin.
func (s *Simulator) AddRegisterMapping(start, end memory.Pointer, module string) error {
	return s.engine.AddMapping(start, end, module)
}

// AddSignalMapping binds an OS signal to (module, irq).
func (s *Simulator) AddSignalMapping(sig syscall.Signal, module string, irq uint32) error {
	return s.router.AddBinding(sig, module, irq)
}

func (s *Simulator) RegisterInterruptHandler(irq uint32, handler irq.Handler) error {
	return s.router.RegisterHandler(irq, handler)
}

func (s *Simulator) EnableInterrupt(irq uint32) error {
	return s.router.Enable(irq)
}

func (s *Simulator) DisableInterrupt(irq uint32) error {
	return s.router.Disable(irq)
}

// TriggerInterrupt raises (module, irq) through the signal path, the
// same way plugins do.
func (s *Simulator) TriggerInterrupt(module string, irq uint32) error {
	return s.router.Trigger(module, irq)
}

// Read32 performs a trapped register load, as a driver's volatile
// pointer dereference would.
func (s *Simulator) Read32(addr memory.Pointer) uint32 {
	return s.engine.Read32(addr)
}

// Write32 performs a trapped register store.
func (s *Simulator) Write32(addr memory.Pointer, value uint32) {
	s.engine.Write32(addr, value)
}

// WriteImm32 performs a trapped register store through the immediate
// store encoding.
func (s *Simulator) WriteImm32(addr memory.Pointer, value uint32) {
	s.engine.WriteImm32(addr, value)
}

// Engine exposes the trap engine for ports with real fault delivery.
func (s *Simulator) Engine() *trap.Engine {
	return s.engine
}

var ErrTimeout = errors.New("wait timed out")

// WaitFor polls cond until it holds or the timeout expires, the way a
// driver busy-waits on a completion flag. Returns ErrTimeout if the
// budget runs out.
func (s *Simulator) WaitFor(timeout time.Duration, cond func() bool) error {
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrTimeout
		}
		time.Sleep(time.Millisecond)
	}
}
