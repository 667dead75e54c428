// Package power talks to the voltage regulators of the hashboards.
package power

import (
	"errors"
	"sync"

	"s9_miner/device/smbus"
	"s9_miner/log"
)

// Backend executes register transactions on a regulator bus. A transaction
// writes w and then reads len(r) bytes from the device at addr.
type Backend interface {
	Tx(addr uint8, w, r []byte) error
	Close() error
}

// I2cBackend is a Backend on a Linux I2C bus.
type I2cBackend struct {
	sys *smbus.SysIF
}

// NewI2cBackend opens bus. With pec set, transfers carry an SMBus packet
// error code.
func NewI2cBackend(bus string, pec bool) (*I2cBackend, error) {
	sys, err := smbus.New(bus)
	if err != nil {
		return nil, err
	}
	sys.SetTxPEC(pec)
	sys.SetRxPEC(pec)
	return &I2cBackend{sys: sys}, nil
}

func (b *I2cBackend) Tx(addr uint8, w, r []byte) error {
	return b.sys.Tx(uint16(addr), w, r)
}

func (b *I2cBackend) Close() error {
	return b.sys.Close()
}

var ErrBackendReleased = errors.New("power backend released")

type sharedState struct {
	mx      sync.Mutex
	backend Backend
	refs    int
}

// SharedBackend lets several hash chains use one regulator bus. Each
// transaction holds the bus exclusively. Every handle returned by
// NewSharedBackend or Clone must be released once; the underlying backend
// is closed with the last one.
type SharedBackend struct {
	state    *sharedState
	released bool
}

func NewSharedBackend(b Backend) *SharedBackend {
	return &SharedBackend{state: &sharedState{backend: b, refs: 1}}
}

// Clone returns another handle to the same backend.
func (s *SharedBackend) Clone() *SharedBackend {
	s.state.mx.Lock()
	defer s.state.mx.Unlock()
	s.state.refs++
	return &SharedBackend{state: s.state}
}

// Refs returns the number of live handles.
func (s *SharedBackend) Refs() int {
	s.state.mx.Lock()
	defer s.state.mx.Unlock()
	return s.state.refs
}

func (s *SharedBackend) Tx(addr uint8, w, r []byte) error {
	s.state.mx.Lock()
	defer s.state.mx.Unlock()

	if s.released || s.state.backend == nil {
		return ErrBackendReleased
	}
	return s.state.backend.Tx(addr, w, r)
}

// Release drops this handle. Releasing twice is a no-op.
func (s *SharedBackend) Release() error {
	s.state.mx.Lock()
	defer s.state.mx.Unlock()

	if s.released {
		return nil
	}
	s.released = true
	s.state.refs--
	if s.state.refs > 0 {
		return nil
	}
	b := s.state.backend
	s.state.backend = nil
	log.Debugf("power: last handle released, closing backend")
	return b.Close()
}

// Close is Release, so a SharedBackend can be used wherever a Backend is.
func (s *SharedBackend) Close() error {
	return s.Release()
}
