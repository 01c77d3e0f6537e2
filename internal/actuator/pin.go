package actuator

import (
	"errors"
	"sync"
)

// Pin is one optocoupler channel wired across a button on the RC transmitter.
// On closes the circuit (button held), Off releases it.
type Pin interface {
	On() error
	Off() error
	Close() error
}

// SimPin is an in-memory pin for tests and simulation runs. It counts presses
// so tests can assert which channels a sequence drove.
type SimPin struct {
	mu      sync.Mutex
	active  bool
	presses int
	closed  bool
}

// NewSimPin creates an inactive simulated pin.
func NewSimPin() *SimPin { return &SimPin{} }

func (p *SimPin) On() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("actuator: pin closed")
	}
	if !p.active {
		p.presses++
	}
	p.active = true
	return nil
}

func (p *SimPin) Off() error {
	p.mu.Lock()
	p.active = false
	p.mu.Unlock()
	return nil
}

func (p *SimPin) Close() error {
	p.mu.Lock()
	p.active = false
	p.closed = true
	p.mu.Unlock()
	return nil
}

// Active reports whether the channel is currently held.
func (p *SimPin) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Presses returns how many times the channel transitioned to held.
func (p *SimPin) Presses() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.presses
}

// ErrPinFault is returned by every FaultPin operation.
var ErrPinFault = errors.New("actuator: pin fault")

// FaultPin fails every operation. Used to exercise hardware error paths.
type FaultPin struct{}

func (FaultPin) On() error    { return ErrPinFault }
func (FaultPin) Off() error   { return ErrPinFault }
func (FaultPin) Close() error { return ErrPinFault }
