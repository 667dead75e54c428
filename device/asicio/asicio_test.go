package asicio

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFifoOrder(t *testing.T) {
	f := NewFifo[int]()
	_, ok := f.Pop()
	assert.False(t, ok)

	f.Push(1)
	f.Push(2)
	assert.Equal(t, 2, f.Len())
	v, ok := f.Pop()
	require.True(t, ok)
	assert.Equal(t, 1, v)

	f.Clear()
	assert.Equal(t, 0, f.Len())
}

type header struct {
	Type   uint8
	Length uint8
	Reg    uint32
}

func TestPackBigEndian(t *testing.T) {
	b, err := Pack(binary.BigEndian, &header{Type: 0x58, Length: 9, Reg: 0x0000001c})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x58, 0x09, 0x00, 0x00, 0x00, 0x1c}, b)

	var h header
	n, err := Unpack(append(b, 0xff), binary.BigEndian, &h)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, uint32(0x1c), h.Reg)

	_, err = Unpack(b, binary.BigEndian, h)
	assert.Error(t, err)
	_, err = Pack(binary.BigEndian, (*header)(nil))
	assert.Error(t, err)
}

func checksumOK(f []byte) bool {
	var sum byte
	for _, b := range f[:len(f)-1] {
		sum += b
	}
	return sum == f[len(f)-1]
}

func frame(payload ...byte) []byte {
	f := append([]byte{0xaa, 0x55}, payload...)
	var sum byte
	for _, b := range f {
		sum += b
	}
	return append(f, sum)
}

func TestFrameScannerSplitsAndResyncs(t *testing.T) {
	s := NewFrameScanner("test", []byte{0xaa, 0x55}, 5, checksumOK)

	a := frame(1, 2)
	b := frame(3, 4)
	stream := append([]byte{0x00, 0x13}, a...)
	stream = append(stream, b...)

	// delivered in awkward pieces
	var got [][]byte
	got = append(got, s.Feed(stream[:3])...)
	got = append(got, s.Feed(stream[3:8])...)
	got = append(got, s.Feed(stream[8:])...)

	assert.Equal(t, [][]byte{a, b}, got)
	assert.Equal(t, 2, s.Dropped)
}

func TestFrameScannerSkipsFalsePreamble(t *testing.T) {
	s := NewFrameScanner("test", []byte{0xaa, 0x55}, 5, checksumOK)

	good := frame(7, 8)
	stream := append([]byte{0xaa, 0x55, 0x01}, good...)

	got := s.Feed(stream)
	assert.Equal(t, [][]byte{good}, got)
	assert.Greater(t, s.Rejected, 0)
}

func TestFrameScannerKeepsPartialPreamble(t *testing.T) {
	s := NewFrameScanner("test", []byte{0xaa, 0x55}, 5, nil)

	assert.Empty(t, s.Feed([]byte{0x01, 0x02, 0xaa}))
	got := s.Feed([]byte{0x55, 0x01, 0x02, 0x03})
	assert.Equal(t, [][]byte{{0xaa, 0x55, 0x01, 0x02, 0x03}}, got)
}

type flakyPort struct {
	fails   int
	short   bool
	written []byte
}

func (p *flakyPort) Read(b []byte) (int, error) { return 0, nil }
func (p *flakyPort) Close() error               { return nil }
func (p *flakyPort) SetBaudRate(int) error      { return nil }
func (p *flakyPort) Flush() error               { return nil }

func (p *flakyPort) Write(b []byte) (int, error) {
	if p.fails > 0 {
		p.fails--
		return 0, errors.New("eagain")
	}
	if p.short && len(b) > 1 {
		p.short = false
		p.written = append(p.written, b[0])
		return 1, nil
	}
	p.written = append(p.written, b...)
	return len(b), nil
}

func TestWriteRetry(t *testing.T) {
	p := &flakyPort{fails: 2}
	require.NoError(t, WriteRetry(p, []byte{1, 2, 3}))
	assert.Equal(t, []byte{1, 2, 3}, p.written)

	p = &flakyPort{short: true}
	require.NoError(t, WriteRetry(p, []byte{1, 2, 3}))
	assert.Equal(t, []byte{1, 2, 3}, p.written)

	p = &flakyPort{fails: 3}
	assert.Error(t, WriteRetry(p, []byte{1}))
}
