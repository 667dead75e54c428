// Package asicio moves bytes between the host and a chain of chips over a UART.
package asicio

import (
	"io"

	"s9_miner/log"
)

// Port is a serial link to a hash chain. Read returns 0, nil when no data
// arrived within the port's poll timeout.
type Port interface {
	io.ReadWriteCloser
	SetBaudRate(baud int) error
	// Flush discards bytes not yet read or written.
	Flush() error
}

const writeRetries = 3

// WriteRetry writes msg, retrying short or failed writes.
func WriteRetry(p Port, msg []byte) error {
	var err error
	for retry := writeRetries; retry > 0; retry-- {
		var n int
		n, err = p.Write(msg)
		if err == nil && n == len(msg) {
			if retry < writeRetries {
				log.Infof("write: succeeded on retry %d", writeRetries-retry)
			}
			return nil
		}
		if err == nil {
			msg = msg[n:]
		}
	}
	if err == nil {
		err = io.ErrShortWrite
	}
	return err
}
