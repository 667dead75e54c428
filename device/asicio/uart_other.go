//go:build !linux
// +build !linux

package asicio

import "errors"

type UART struct{}

func OpenUART(devName string, baud int) (*UART, error) {
	return nil, errors.New("uart is only supported on linux")
}

func (u *UART) Read(buf []byte) (int, error)  { return 0, errors.New("not supported") }
func (u *UART) Write(msg []byte) (int, error) { return 0, errors.New("not supported") }
func (u *UART) SetBaudRate(baud int) error    { return errors.New("not supported") }
func (u *UART) Flush() error                  { return nil }
func (u *UART) Close() error                  { return nil }
