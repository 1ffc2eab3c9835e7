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

// Package irq maps asynchronous OS signals to numbered interrupt
// requests and dispatches them to registered handlers.
package irq

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"
)

const (
	// MaxHandlers is the IRQ table capacity.
	MaxHandlers = 32

	// MaxBindings is the signal binding table capacity.
	MaxBindings = 16

	// DefaultSignalBase is the first realtime signal consumed for
	// interrupt delivery.
	DefaultSignalBase = 34
)

var (
	ErrTableFull      = errors.New("interrupt table full")
	ErrNotFound       = errors.New("interrupt not found")
	ErrNoBinding      = errors.New("no signal binding")
	ErrInvalidHandler = errors.New("invalid interrupt handler")
)

// Handler runs in the router's delivery goroutine, concurrently with
// the driver. It should only touch state that is atomic or otherwise
// safe against the thread it preempts.
type Handler func()

type irqEntry struct {
	irq     uint32
	handler Handler
	enabled int32
}

type signalBinding struct {
	signal syscall.Signal
	module string
	irq    uint32
}

// Router owns the IRQ table and the signal binding table. Deliveries
// are serialized on a single goroutine: the handler for interrupt i+1
// never starts before the handler for i returns.
type Router struct {
	lock     sync.Mutex
	entries  []*irqEntry
	bindings []signalBinding

	signals chan os.Signal
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

func NewRouter() *Router {
	r := &Router{
		signals: make(chan os.Signal, 64),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go r.deliveryLoop()
	return r
}

func (r *Router) deliveryLoop() {
	defer close(r.stopped)
	for {
		select {
		case sig := <-r.signals:
			r.dispatchSignal(sig.(syscall.Signal))
		case <-r.done:
			return
		}
	}
}

func (r *Router) dispatchSignal(sig syscall.Signal) {
	r.lock.Lock()
	var (
		irq   uint32
		found bool
	)
	for _, b := range r.bindings {
		if b.signal == sig {
			irq, found = b.irq, true
			break
		}
	}
	r.lock.Unlock()

	if !found {
		log.Printf("irq: signal %d has no binding", sig)
		return
	}
	r.Deliver(irq)
}

// RegisterHandler inserts or replaces the handler for irq and enables
// it.
func (r *Router) RegisterHandler(irq uint32, handler Handler) error {
	if handler == nil {
		return ErrInvalidHandler
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	for _, e := range r.entries {
		if e.irq == irq {
			log.Printf("irq: IRQ %d already registered, updating handler", irq)
			e.handler = handler
			atomic.StoreInt32(&e.enabled, 1)
			return nil
		}
	}

	if len(r.entries) >= MaxHandlers {
		return ErrTableFull
	}
	r.entries = append(r.entries, &irqEntry{irq: irq, handler: handler, enabled: 1})
	log.Printf("irq: registered handler for IRQ %d", irq)
	return nil
}

func (r *Router) find(irq uint32) *irqEntry {
	for _, e := range r.entries {
		if e.irq == irq {
			return e
		}
	}
	return nil
}

func (r *Router) Enable(irq uint32) error {
	return r.setEnabled(irq, 1)
}

func (r *Router) Disable(irq uint32) error {
	return r.setEnabled(irq, 0)
}

func (r *Router) setEnabled(irq uint32, v int32) error {
	r.lock.Lock()
	e := r.find(irq)
	r.lock.Unlock()

	if e == nil {
		return fmt.Errorf("%w: IRQ %d", ErrNotFound, irq)
	}
	atomic.StoreInt32(&e.enabled, v)
	return nil
}

// Deliver runs the handler for irq if one is registered and enabled,
// else logs and returns.
func (r *Router) Deliver(irq uint32) {
	r.lock.Lock()
	e := r.find(irq)
	r.lock.Unlock()

	if e == nil {
		log.Printf("irq: IRQ %d has no handler", irq)
		return
	}
	if atomic.LoadInt32(&e.enabled) == 0 {
		log.Printf("irq: IRQ %d is disabled", irq)
		return
	}
	e.handler()
}

// AddBinding routes the OS signal to (module, irq). A binding for an
// already bound signal replaces the old one.
func (r *Router) AddBinding(sig syscall.Signal, module string, irq uint32) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	for i, b := range r.bindings {
		if b.signal == sig {
			log.Printf("irq: signal %d already bound to %q IRQ %d, replacing", sig, b.module, b.irq)
			r.bindings[i] = signalBinding{sig, module, irq}
			return nil
		}
	}

	if len(r.bindings) >= MaxBindings {
		return ErrTableFull
	}
	r.bindings = append(r.bindings, signalBinding{sig, module, irq})
	signal.Notify(r.signals, sig)
	log.Printf("irq: signal %d -> %s IRQ %d", sig, module, irq)
	return nil
}

// Trigger raises the signal bound to (module, irq) against the
// current process. Without a binding it returns ErrNoBinding and has
// no side effect.
func (r *Router) Trigger(module string, irq uint32) error {
	r.lock.Lock()
	var (
		sig   syscall.Signal
		found bool
	)
	for _, b := range r.bindings {
		if b.module == module && b.irq == irq {
			sig, found = b.signal, true
			break
		}
	}
	r.lock.Unlock()

	if !found {
		return fmt.Errorf("%w: %s IRQ %d", ErrNoBinding, module, irq)
	}
	return unix.Kill(os.Getpid(), sig)
}

// Close stops signal delivery and waits for the delivery goroutine.
func (r *Router) Close() {
	r.once.Do(func() {
		signal.Stop(r.signals)
		close(r.done)
		<-r.stopped
	})
}
