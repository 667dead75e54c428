package bm1387

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"s9_miner/device/asiccommon"
	"s9_miner/job"
)

func TestCRC(t *testing.T) {
	assert.Equal(t, uint8(0x0a), CRC5([]byte{0x52, 0x05, 0x00, 0x00}, 32))
	assert.Equal(t, uint8(0x03), CRC5([]byte{0x53, 0x05, 0x00, 0x00}, 32))
	assert.Equal(t, uint16(0x29b1), CRC16([]byte("123456789")))
}

func TestCommandFrames(t *testing.T) {
	assert.Equal(t, []byte{0x55, 0xaa, 0x52, 0x05, 0x00, 0x00, 0x0a}, ReadRegCmd(0, CHIP_ADDRESS_REG, true))
	assert.Equal(t, []byte{0x55, 0xaa, 0x53, 0x05, 0x00, 0x00, 0x03}, ChainInactiveCmd())

	w := WriteRegCmd(0, MISC_CONTROL_REG, MiscControl(1), true)
	assert.Len(t, w, 11)
	assert.Equal(t, byte(0x58), w[2])
	assert.Equal(t, byte(9), w[3])
	assert.Equal(t, []byte{0x80, 0x00, 0x01, 0x80}, w[6:10])
}

func TestWorkFrame(t *testing.T) {
	var ms job.Midstate
	for i := range ms.State {
		ms.State[i] = byte(i)
	}
	w := &job.MiningWork{
		Midstates:     []job.Midstate{ms},
		MerkleRootLSW: 0x11223344,
		Ntime:         0x55667788,
		Nbits:         0x1d00ffff,
	}
	f, err := WorkFrame(5, w)
	require.NoError(t, err)
	require.Len(t, f, 2+54)

	assert.Equal(t, []byte{0x55, 0xaa, WORK_TYPE, 54, 5, 1}, f[:6])
	assert.Equal(t, []byte{0, 0, 0, 0}, f[6:10])
	assert.Equal(t, []byte{0x1d, 0x00, 0xff, 0xff}, f[10:14])
	assert.Equal(t, []byte{0x55, 0x66, 0x77, 0x88}, f[14:18])
	assert.Equal(t, []byte{0x11, 0x22, 0x33, 0x44}, f[18:22])
	assert.Equal(t, byte(31), f[22])
	assert.Equal(t, byte(0), f[53])
	crc := CRC16(f[2:54])
	assert.Equal(t, []byte{byte(crc >> 8), byte(crc)}, f[54:])

	_, err = WorkFrame(0, &job.MiningWork{})
	assert.ErrorIs(t, err, job.ErrNoMidstates)
	_, err = WorkFrame(0, &job.MiningWork{Midstates: make([]job.Midstate, 5)})
	assert.Error(t, err)
}

func TestResponses(t *testing.T) {
	f := NonceResponse(0xdeadbeef, 2, 0x45)
	require.True(t, ValidResponse(f))
	sol, reg := ParseResponse(f)
	require.NotNil(t, sol)
	assert.Nil(t, reg)
	assert.Equal(t, uint32(0xdeadbeef), sol.Nonce)
	assert.Equal(t, 2, sol.MidstateIdx)
	assert.Equal(t, uint32(0x4502), sol.SolutionID)

	f = RegisterResponse(0x13870000, 8, CHIP_ADDRESS_REG)
	require.True(t, ValidResponse(f))
	sol, reg = ParseResponse(f)
	assert.Nil(t, sol)
	require.NotNil(t, reg)
	assert.Equal(t, RegResponse{Value: 0x13870000, ChipAddr: 8, Reg: CHIP_ADDRESS_REG}, *reg)

	f[3] ^= 0x01
	assert.False(t, ValidResponse(f))
}

func TestFindPLL(t *testing.T) {
	pll, err := FindPLL(650_000_000)
	require.NoError(t, err)
	assert.Equal(t, PLL{FbDiv: 104, RefDiv: 2, PostDiv1: 2, PostDiv2: 1}, pll)
	assert.Equal(t, uint32(0x00680221), pll.Reg())
	assert.Equal(t, uint64(650_000_000), pll.Frequency())

	for freq, reg := range map[uint64]uint32{
		600_000_000:   0x600221,
		100_000_000:   0x480233,
		1_000_000_000: 0x500211,
	} {
		pll, err := FindPLL(freq)
		require.NoError(t, err)
		assert.Equal(t, reg, pll.Reg(), "frequency %d", freq)
	}
}

func TestTicketMask(t *testing.T) {
	m, err := TicketMask(64)
	require.NoError(t, err)
	assert.Equal(t, uint32(63), m)
	_, err = TicketMask(48)
	assert.Error(t, err)
	_, err = TicketMask(512)
	assert.Error(t, err)
}

// fakePort answers a broadcast chip address read with one response per chip.
type fakePort struct {
	mx      sync.Mutex
	chips   int
	chipID  uint32
	rx      bytes.Buffer
	written [][]byte
	baud    int
	closed  bool
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mx.Lock()
	n, _ := p.rx.Read(b)
	p.mx.Unlock()
	if n == 0 {
		time.Sleep(time.Millisecond)
	}
	return n, nil
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.written = append(p.written, append([]byte(nil), b...))
	if bytes.Equal(b, ReadRegCmd(0, CHIP_ADDRESS_REG, true)) {
		for i := 0; i < p.chips; i++ {
			p.rx.Write(RegisterResponse(p.chipID<<16, 0, CHIP_ADDRESS_REG))
		}
	}
	return len(b), nil
}

func (p *fakePort) inject(frame []byte) {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.rx.Write(frame)
}

func (p *fakePort) frames() [][]byte {
	p.mx.Lock()
	defer p.mx.Unlock()
	return append([][]byte(nil), p.written...)
}

func (p *fakePort) SetBaudRate(baud int) error {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.baud = baud
	return nil
}

func (p *fakePort) Flush() error { return nil }

func (p *fakePort) Close() error {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.closed = true
	return nil
}

func TestChainEnumerate(t *testing.T) {
	port := &fakePort{chips: 3, chipID: CHIP_ID}
	c := NewChain(6, port)
	defer c.Close()

	n, err := c.Enumerate()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, c.ChipCount())

	frames := port.frames()
	require.Len(t, frames, 5)
	assert.Equal(t, ChainInactiveCmd(), frames[1])
	assert.Equal(t, SetAddressCmd(0), frames[2])
	assert.Equal(t, SetAddressCmd(4), frames[3])
	assert.Equal(t, SetAddressCmd(8), frames[4])
}

func TestChainEnumerateWrongChip(t *testing.T) {
	port := &fakePort{chips: 1, chipID: 0x1385}
	c := NewChain(6, port)
	defer c.Close()

	_, err := c.Enumerate()
	assert.Error(t, err)
}

func TestChainWorkAndSolutions(t *testing.T) {
	port := &fakePort{}
	c := NewChain(7, port)

	w := &job.MiningWork{Midstates: make([]job.Midstate, 1)}
	id0, err := c.SendWork(w)
	require.NoError(t, err)
	id1, err := c.SendWork(w)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), id0)
	assert.Equal(t, uint32(1), id1)

	sol, err := c.RecvSolution()
	require.NoError(t, err)
	assert.Nil(t, sol)

	port.inject(NonceResponse(0x01020304, 0, uint8(id1)))
	require.Eventually(t, func() bool {
		sol, err = c.RecvSolution()
		return sol != nil
	}, time.Second, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x01020304), sol.Nonce)
	assert.Equal(t, id1, c.WorkIDFromSolution(sol))

	require.Eventually(t, func() bool { return len(port.frames()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, byte(WORK_TYPE), port.frames()[0][2])

	require.NoError(t, c.SetBaudRate(1, 1_562_500))
	assert.Equal(t, 1_562_500, port.baud)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.True(t, port.closed)

	_, err = c.SendWork(w)
	assert.ErrorIs(t, err, asiccommon.ErrTransport)
}

// brokenPort fails writes with writeErr and reads with readErr.
type brokenPort struct {
	writeErr error
	readErr  error
}

func (p *brokenPort) Read(b []byte) (int, error) {
	if p.readErr != nil {
		return 0, p.readErr
	}
	time.Sleep(time.Millisecond)
	return 0, nil
}

func (p *brokenPort) Write(b []byte) (int, error) {
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	return len(b), nil
}

func (p *brokenPort) SetBaudRate(int) error { return nil }
func (p *brokenPort) Flush() error          { return nil }
func (p *brokenPort) Close() error          { return nil }

func TestChainWriteErrorLatches(t *testing.T) {
	c := NewChain(6, &brokenPort{writeErr: errors.New("input/output error")})
	defer c.Close()

	_, err := c.Enumerate()
	assert.ErrorIs(t, err, asiccommon.ErrTransport)

	_, err = c.SendWork(&job.MiningWork{Midstates: make([]job.Midstate, 1)})
	assert.ErrorIs(t, err, asiccommon.ErrTransport)
	_, err = c.RecvSolution()
	assert.ErrorIs(t, err, asiccommon.ErrTransport)
}

func TestChainReadErrorLatches(t *testing.T) {
	c := NewChain(6, &brokenPort{readErr: io.EOF})
	defer c.Close()

	require.Eventually(t, func() bool {
		_, err := c.RecvSolution()
		return errors.Is(err, asiccommon.ErrTransport)
	}, time.Second, time.Millisecond)

	_, err := c.SendWork(&job.MiningWork{Midstates: make([]job.Midstate, 1)})
	assert.ErrorIs(t, err, asiccommon.ErrTransport)
}

func TestChainSendWorkQueueFull(t *testing.T) {
	defer func(d time.Duration) { SendWorkTimeout = d }(SendWorkTimeout)
	SendWorkTimeout = 50 * time.Millisecond

	c := NewChain(7, &fakePort{})
	defer c.Close()
	// one work item per second keeps the queue from draining
	require.NoError(t, c.SetWorkTime(50_000_000))

	w := &job.MiningWork{Midstates: make([]job.Midstate, 1)}
	var err error
	for i := 0; i < WorkQueueLen+2 && err == nil; i++ {
		_, err = c.SendWork(w)
	}
	assert.ErrorIs(t, err, asiccommon.ErrTransport)

	// a full queue is not a broken link
	_, err = c.RecvSolution()
	assert.NoError(t, err)
}
