// Package gpio hands out the hashboard control pins. One ControlPinManager
// is shared by the whole process; each hash chain borrows only its own pins.
package gpio

import (
	"errors"
	"fmt"
	"sync"

	"s9_miner/log"
)

var (
	ErrPinBusy     = errors.New("gpio pin already in use")
	ErrNoPinMapped = errors.New("no gpio pin mapped")
)

// Line is one requested GPIO line.
type Line interface {
	SetValue(v int) error
	Value() (int, error)
	Close() error
}

// Backend requests lines from a GPIO controller.
type Backend interface {
	RequestOutput(offset int, initial int) (Line, error)
	RequestInput(offset int) (Line, error)
	Close() error
}

type PinKind int

const (
	// Reset holds the chips in reset while driven low
	Reset PinKind = iota
	// Power switches the hashboard supply
	Power
	// Plug reads low when the hashboard is present
	Plug
)

func (k PinKind) String() string {
	switch k {
	case Reset:
		return "reset"
	case Power:
		return "power"
	case Plug:
		return "plug"
	default:
		return "unknown"
	}
}

func (k PinKind) activeLow() bool {
	return k == Reset || k == Plug
}

// PinMap maps hashboard index to line offset, per pin kind.
type PinMap map[PinKind]map[int]int

type ControlPinManager struct {
	backend Backend
	pins    PinMap
	mx      sync.Mutex
	held    map[int]bool
}

func NewControlPinManager(backend Backend, pins PinMap) *ControlPinManager {
	return &ControlPinManager{
		backend: backend,
		pins:    pins,
		held:    make(map[int]bool),
	}
}

// HasPin reports whether a pin of the kind is mapped for the hashboard.
func (m *ControlPinManager) HasPin(kind PinKind, hashboardIdx int) bool {
	_, ok := m.pins[kind][hashboardIdx]
	return ok
}

func (m *ControlPinManager) GetResetPin(hashboardIdx int) (*ControlPin, error) {
	return m.request(Reset, hashboardIdx)
}

func (m *ControlPinManager) GetPowerPin(hashboardIdx int) (*ControlPin, error) {
	return m.request(Power, hashboardIdx)
}

func (m *ControlPinManager) GetPlugPin(hashboardIdx int) (*ControlPin, error) {
	return m.request(Plug, hashboardIdx)
}

func (m *ControlPinManager) request(kind PinKind, hashboardIdx int) (*ControlPin, error) {
	offset, ok := m.pins[kind][hashboardIdx]
	if !ok {
		return nil, fmt.Errorf("%w: %s pin of hashboard %d", ErrNoPinMapped, kind, hashboardIdx)
	}

	m.mx.Lock()
	defer m.mx.Unlock()

	if m.held[offset] {
		return nil, fmt.Errorf("%w: %s pin %d of hashboard %d", ErrPinBusy, kind, offset, hashboardIdx)
	}

	var line Line
	var err error
	if kind == Plug {
		line, err = m.backend.RequestInput(offset)
	} else {
		// outputs start low: chips in reset, board power off
		line, err = m.backend.RequestOutput(offset, 0)
	}
	if err != nil {
		return nil, fmt.Errorf("request %s pin %d: %w", kind, offset, err)
	}
	m.held[offset] = true

	log.Debugf("gpio: hashboard %d %s pin %d requested", hashboardIdx, kind, offset)
	return &ControlPin{
		mgr:    m,
		kind:   kind,
		offset: offset,
		line:   line,
	}, nil
}

func (m *ControlPinManager) release(offset int) {
	m.mx.Lock()
	defer m.mx.Unlock()
	delete(m.held, offset)
}

// Close releases the backend. Pins still held become unusable.
func (m *ControlPinManager) Close() error {
	return m.backend.Close()
}

// ControlPin is a pin borrowed from the manager by a single hash chain.
type ControlPin struct {
	mgr    *ControlPinManager
	kind   PinKind
	offset int
	mx     sync.Mutex
	line   Line
}

var ErrPinClosed = errors.New("gpio pin closed")

func (p *ControlPin) Kind() PinKind {
	return p.kind
}

func (p *ControlPin) set(active bool) error {
	p.mx.Lock()
	defer p.mx.Unlock()

	if p.line == nil {
		return ErrPinClosed
	}
	v := 0
	if active != p.kind.activeLow() {
		v = 1
	}
	return p.line.SetValue(v)
}

// Enable drives the pin to its active level.
func (p *ControlPin) Enable() error {
	return p.set(true)
}

// Disable drives the pin to its inactive level.
func (p *ControlPin) Disable() error {
	return p.set(false)
}

// IsActive reads the pin and reports whether it is at its active level.
func (p *ControlPin) IsActive() (bool, error) {
	p.mx.Lock()
	defer p.mx.Unlock()

	if p.line == nil {
		return false, ErrPinClosed
	}
	v, err := p.line.Value()
	if err != nil {
		return false, err
	}
	return (v != 0) != p.kind.activeLow(), nil
}

// Close returns the pin to the manager.
func (p *ControlPin) Close() error {
	p.mx.Lock()
	defer p.mx.Unlock()

	if p.line == nil {
		return nil
	}
	err := p.line.Close()
	p.line = nil
	p.mgr.release(p.offset)
	return err
}
