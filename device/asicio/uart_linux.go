//go:build linux
// +build linux

package asicio

import (
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// DefaultPollTimeout bounds how long Read waits for data.
const DefaultPollTimeout = 10 * time.Millisecond

// UART is a raw 8N1 serial port with arbitrary baud rates.
type UART struct {
	devName     string
	devFile     *os.File
	fd          int
	pollTimeout time.Duration
	mx          sync.Mutex
}

func OpenUART(devName string, baud int) (*UART, error) {
	f, err := os.OpenFile(devName, os.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "error accessing device %v", devName)
	}
	u := &UART{
		devName:     devName,
		devFile:     f,
		fd:          int(f.Fd()),
		pollTimeout: DefaultPollTimeout,
	}
	if err := u.makeRaw(); err != nil {
		f.Close()
		return nil, err
	}
	if err := u.SetBaudRate(baud); err != nil {
		f.Close()
		return nil, err
	}
	return u, nil
}

func (u *UART) makeRaw() error {
	t, err := unix.IoctlGetTermios(u.fd, unix.TCGETS2)
	if err != nil {
		return errors.Wrapf(err, "%s: get termios", u.devName)
	}
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.CSTOPB | unix.CRTSCTS
	t.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL
	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = 0
	if err := unix.IoctlSetTermios(u.fd, unix.TCSETS2, t); err != nil {
		return errors.Wrapf(err, "%s: set termios", u.devName)
	}
	return nil
}

// SetBaudRate sets both directions to baud using BOTHER, so rates outside
// the standard Bxxx table work.
func (u *UART) SetBaudRate(baud int) error {
	u.mx.Lock()
	defer u.mx.Unlock()

	t, err := unix.IoctlGetTermios(u.fd, unix.TCGETS2)
	if err != nil {
		return errors.Wrapf(err, "%s: get termios", u.devName)
	}
	t.Cflag &^= unix.CBAUD
	t.Cflag |= unix.BOTHER
	t.Ispeed = uint32(baud)
	t.Ospeed = uint32(baud)
	if err := unix.IoctlSetTermios(u.fd, unix.TCSETS2, t); err != nil {
		return errors.Wrapf(err, "%s: set baud rate %d", u.devName, baud)
	}
	return nil
}

// Read waits up to the poll timeout for data.
func (u *UART) Read(buf []byte) (int, error) {
	pollfd := []unix.PollFd{{Fd: int32(u.fd), Events: unix.POLLIN}}
	ret, err := unix.Poll(pollfd, int(u.pollTimeout.Milliseconds()))
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	if ret > 0 && pollfd[0].Revents&unix.POLLIN != 0 {
		return u.devFile.Read(buf)
	}
	return 0, nil
}

func (u *UART) Write(msg []byte) (int, error) {
	return u.devFile.Write(msg)
}

func (u *UART) Flush() error {
	return unix.IoctlSetInt(u.fd, unix.TCFLSH, unix.TCIOFLUSH)
}

func (u *UART) Close() error {
	return u.devFile.Close()
}
