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

package plugin

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/andreas-jonsson/virtualsoc/simulator/memory"
)

// MaxPlugins is the registry capacity.
const MaxPlugins = 32

// MaxNameLength bounds plugin names in bytes; Register rejects longer
// ones.
const MaxNameLength = 31

var (
	ErrTableFull     = errors.New("plugin table full")
	ErrDuplicateName = errors.New("duplicate plugin name")
	ErrNotFound      = errors.New("plugin not found")
	ErrInvalidName   = errors.New("invalid plugin name")
)

type ResetAction int

const (
	ResetAssert ResetAction = iota
	ResetDeassert
)

type ClockAction int

const (
	ClockTick ClockAction = iota
	ClockEnable
	ClockDisable
)

type RequestKind int

const (
	RegRead RequestKind = iota
	RegWrite
	Clock
	Reset
	Interrupt
)

func (k RequestKind) String() string {
	switch k {
	case RegRead:
		return "read"
	case RegWrite:
		return "write"
	case Clock:
		return "clock"
	case Reset:
		return "reset"
	case Interrupt:
		return "interrupt"
	}
	return "unknown"
}

// Request is a single operation routed to a plugin. The fields past
// Kind are only meaningful for the matching kind.
type Request struct {
	Module  string
	Address memory.Pointer
	Kind    RequestKind
	Value   uint32 // RegWrite
	Cycles  uint32 // Clock
	ClockOp ClockAction
	ResetOp ResetAction
	IRQ     uint32 // Interrupt
	ID      uint32
}

type Response struct {
	ID    uint32
	Value uint32
}

// Host is the capability handed to a plugin at init. It replaces
// process globals: interrupts are raised and guest memory is reached
// only through it.
type Host interface {
	// Trigger raises IRQ irq on the named module through the signal path.
	Trigger(module string, irq uint32) error

	// Memory is the guest bus, or nil when the simulator runs without one.
	Memory() memory.Memory

	// TickInterval is the worker tick period.
	TickInterval() time.Duration
}

type Plugin interface {
	Name() string

	Init(host Host) error
	Cleanup()

	Reset(action ResetAction) error
	Clock(action ClockAction, cycles uint32) error

	// Read must not block indefinitely; it may run in a fault context.
	Read(addr memory.Pointer) uint32
	Write(addr memory.Pointer, value uint32) error

	// Interrupt is invoked when an IRQ is delivered to this plugin.
	Interrupt(irq uint32) error
}

// NullPlugin provides no-op defaults for the optional operations.
type NullPlugin struct {
}

func (*NullPlugin) Init(Host) error {
	return nil
}

func (*NullPlugin) Cleanup() {
}

func (*NullPlugin) Reset(ResetAction) error {
	return nil
}

func (*NullPlugin) Clock(ClockAction, uint32) error {
	return nil
}

func (*NullPlugin) Interrupt(uint32) error {
	return nil
}

// InstanceIndex parses the instance number from a suffixed plugin
// name, e.g. "uart1" is instance 1. Names without a numeric suffix
// are instance 0.
func InstanceIndex(name string) int {
	idx, mul := 0, 1
	found := false
	for i := len(name) - 1; i >= 0; i-- {
		c := name[i]
		if c < '0' || c > '9' {
			break
		}
		idx += int(c-'0') * mul
		mul *= 10
		found = true
	}
	if !found {
		return 0
	}
	return idx
}

// Registry is a fixed capacity, name indexed plugin table.
type Registry struct {
	lock    sync.Mutex
	host    Host
	plugins []Plugin
}

func NewRegistry(host Host) *Registry {
	return &Registry{host: host}
}

// Register inserts the plugin and runs its init.
func (r *Registry) Register(p Plugin) error {
	name := p.Name()
	if name == "" || len(name) > MaxNameLength {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	if len(r.plugins) >= MaxPlugins {
		return ErrTableFull
	}
	for _, q := range r.plugins {
		if q.Name() == name {
			return fmt.Errorf("%w: %q", ErrDuplicateName, name)
		}
	}

	if err := p.Init(r.host); err != nil {
		return fmt.Errorf("plugin %q init: %w", name, err)
	}
	r.plugins = append(r.plugins, p)
	return nil
}

func (r *Registry) Find(name string) Plugin {
	r.lock.Lock()
	defer r.lock.Unlock()

	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// Dispatch resolves the plugin by module name and translates the
// request into the matching plugin operation.
func (r *Registry) Dispatch(req Request) (Response, error) {
	p := r.Find(req.Module)
	if p == nil {
		return Response{ID: req.ID}, fmt.Errorf("%w: %q", ErrNotFound, req.Module)
	}

	resp := Response{ID: req.ID}
	switch req.Kind {
	case RegRead:
		resp.Value = p.Read(req.Address)
	case RegWrite:
		if err := p.Write(req.Address, req.Value); err != nil {
			return resp, fmt.Errorf("plugin %q write %v: %w", req.Module, req.Address, err)
		}
	case Clock:
		if err := p.Clock(req.ClockOp, req.Cycles); err != nil {
			return resp, err
		}
	case Reset:
		if err := p.Reset(req.ResetOp); err != nil {
			return resp, err
		}
	case Interrupt:
		if err := p.Interrupt(req.IRQ); err != nil {
			return resp, err
		}
	default:
		return resp, fmt.Errorf("unknown request kind: %d", req.Kind)
	}
	return resp, nil
}

// CleanupAll stops every registered plugin in reverse registration
// order. Cleanup is best effort and never halts shutdown.
func (r *Registry) CleanupAll() {
	r.lock.Lock()
	plugins := r.plugins
	r.plugins = nil
	r.lock.Unlock()

	for i := len(plugins) - 1; i >= 0; i-- {
		plugins[i].Cleanup()
	}
}
