package asicio

import (
	"bytes"

	"s9_miner/log"
)

// FrameScanner cuts a byte stream into fixed length frames that start with
// a preamble. Bytes in front of a preamble are dropped. A frame rejected by
// the validator drops only its first byte, so a preamble inside garbage
// cannot swallow a real frame behind it.
type FrameScanner struct {
	name     string
	preamble []byte
	frameLen int
	validate func(frame []byte) bool
	received []byte

	Dropped  int
	Rejected int
}

func NewFrameScanner(name string, preamble []byte, frameLen int, validate func([]byte) bool) *FrameScanner {
	return &FrameScanner{
		name:     name,
		preamble: preamble,
		frameLen: frameLen,
		validate: validate,
	}
}

// Feed appends data and returns the complete valid frames found so far.
func (s *FrameScanner) Feed(data []byte) [][]byte {
	s.received = append(s.received, data...)

	var frames [][]byte
	for {
		idx := bytes.Index(s.received, s.preamble)
		if idx < 0 {
			// keep a partial preamble at the end
			keep := len(s.preamble) - 1
			if len(s.received) > keep {
				s.drop(len(s.received) - keep)
			}
			break
		}
		if idx > 0 {
			s.drop(idx)
		}
		if len(s.received) < s.frameLen {
			break
		}

		frame := s.received[:s.frameLen]
		if s.validate != nil && !s.validate(frame) {
			s.Rejected++
			s.received = s.received[1:]
			continue
		}
		frames = append(frames, append([]byte(nil), frame...))
		s.received = s.received[s.frameLen:]
	}
	if len(s.received) == 0 {
		s.received = nil
	}
	return frames
}

func (s *FrameScanner) drop(n int) {
	log.Debugf("%s dropped %dB before magic %x", s.name, n, s.received[:n])
	s.Dropped += n
	s.received = s.received[n:]
}

// Reset discards buffered bytes.
func (s *FrameScanner) Reset() {
	s.received = nil
}
