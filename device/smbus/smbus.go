// Package smbus is a wrapper around the periph.io library for I2C communication.
// It avoids using cgo, unsafe and syscalls.
package smbus

import (
	"sync"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// SysIF is the system interface to one I2C bus. All transfers are
// serialized on the bus mutex.
type SysIF struct {
	BusName  string
	bus      i2c.BusCloser
	i2cmu    sync.Mutex
	useTxPEC bool
	useRxPEC bool
}

// New opens the bus, e.g. "/dev/i2c-0" or "0".
func New(busName string) (*SysIF, error) {
	if _, err := host.Init(); err != nil {
		return nil, err
	}

	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, err
	}
	return &SysIF{
		BusName: busName,
		bus:     bus,
	}, nil
}

// SetRxPEC enables or disables checking PEC on reads.
func (s *SysIF) SetRxPEC(usePEC bool) {
	s.useRxPEC = usePEC
}

// SetTxPEC enables or disables appending PEC on writes.
func (s *SysIF) SetTxPEC(usePEC bool) {
	s.useTxPEC = usePEC
}

// Close the I2C bus.
func (s *SysIF) Close() error {
	s.i2cmu.Lock()
	defer s.i2cmu.Unlock()
	return s.bus.Close()
}

// Tx writes w and then reads into r in one bus transaction. Either may be
// empty. periph.io addresses are 16 bit, 7 bit addresses are used as is.
func (s *SysIF) Tx(addr uint16, w, r []byte) error {
	s.i2cmu.Lock()
	defer s.i2cmu.Unlock()

	if s.useTxPEC && len(w) > 0 && len(r) == 0 {
		var err error
		w, err = AppendPEC(uint8(addr), WRITE, append([]byte(nil), w...))
		if err != nil {
			return err
		}
	}

	d := &i2c.Dev{Addr: addr, Bus: s.bus}
	if err := d.Tx(w, r); err != nil {
		return err
	}

	if s.useRxPEC && len(r) > 0 {
		if err := CheckPEC(uint8(addr), READ, append(append([]byte(nil), w...), r...)); err != nil {
			return err
		}
	}
	return nil
}
