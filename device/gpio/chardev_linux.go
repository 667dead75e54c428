//go:build linux
// +build linux

package gpio

import (
	"github.com/warthog618/gpiod"
)

// ChardevBackend drives lines through the GPIO character device.
type ChardevBackend struct {
	chip *gpiod.Chip
}

func NewChardevBackend(chipName string) (*ChardevBackend, error) {
	c, err := gpiod.NewChip(chipName, gpiod.WithConsumer("s9_miner"))
	if err != nil {
		return nil, err
	}
	return &ChardevBackend{chip: c}, nil
}

func (b *ChardevBackend) RequestOutput(offset int, initial int) (Line, error) {
	l, err := b.chip.RequestLine(offset, gpiod.AsOutput(initial))
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (b *ChardevBackend) RequestInput(offset int) (Line, error) {
	l, err := b.chip.RequestLine(offset, gpiod.AsInput)
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (b *ChardevBackend) Close() error {
	return b.chip.Close()
}
