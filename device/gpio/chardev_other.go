//go:build !linux
// +build !linux

package gpio

import "errors"

type ChardevBackend struct{}

func NewChardevBackend(chipName string) (*ChardevBackend, error) {
	return nil, errors.New("gpio character device is only available on linux")
}

func (b *ChardevBackend) RequestOutput(offset int, initial int) (Line, error) {
	return nil, errors.New("not supported")
}

func (b *ChardevBackend) RequestInput(offset int) (Line, error) {
	return nil, errors.New("not supported")
}

func (b *ChardevBackend) Close() error {
	return nil
}
