package gpio

import (
	"gobot.io/x/gobot/sysfs"
)

// SysfsBackend drives lines through /sys/class/gpio. Offsets are global
// sysfs pin numbers.
type SysfsBackend struct{}

func NewSysfsBackend() *SysfsBackend {
	return &SysfsBackend{}
}

type sysfsLine struct {
	pin sysfs.DigitalPinner
}

func (b *SysfsBackend) RequestOutput(offset int, initial int) (Line, error) {
	pin := sysfs.NewDigitalPin(offset)
	if err := pin.Export(); err != nil {
		return nil, err
	}
	if err := pin.Direction(sysfs.OUT); err != nil {
		_ = pin.Unexport()
		return nil, err
	}
	if err := pin.Write(initial); err != nil {
		_ = pin.Unexport()
		return nil, err
	}
	return &sysfsLine{pin: pin}, nil
}

func (b *SysfsBackend) RequestInput(offset int) (Line, error) {
	pin := sysfs.NewDigitalPin(offset)
	if err := pin.Export(); err != nil {
		return nil, err
	}
	if err := pin.Direction(sysfs.IN); err != nil {
		_ = pin.Unexport()
		return nil, err
	}
	return &sysfsLine{pin: pin}, nil
}

func (b *SysfsBackend) Close() error {
	return nil
}

func (l *sysfsLine) SetValue(v int) error {
	return l.pin.Write(v)
}

func (l *sysfsLine) Value() (int, error) {
	return l.pin.Read()
}

func (l *sysfsLine) Close() error {
	return l.pin.Unexport()
}
