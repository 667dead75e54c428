// Package bm1387 drives a chain of BM1387 chips over a UART.
package bm1387

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"s9_miner/device/asiccommon"
	"s9_miner/device/asicio"
	"s9_miner/device/timing"
	"s9_miner/job"
	"s9_miner/log"
)

var (
	// EnumQuietTime ends enumeration when no response arrived for this long
	EnumQuietTime = 50 * time.Millisecond
	// EnumMaxTime bounds enumeration of a chain that keeps talking
	EnumMaxTime = 2 * time.Second
	// SendWorkTimeout bounds SendWork on a full work queue
	SendWorkTimeout = time.Second
	// CmdSettleTime is waited after register writes that reconfigure the chips
	CmdSettleTime = 10 * time.Millisecond

	WorkQueueLen = 8
)

const workIDMask = 0x7f

// Chain is the BM1387 implementation of asiccommon.ChainDriver.
type Chain struct {
	hashboardIdx int
	port         asicio.Port
	log          *zap.SugaredLogger

	wmx       sync.Mutex
	chipCount atomic.Int32
	nextID    atomic.Uint32
	workTime  atomic.Int64

	txq   chan []byte
	hits  *asicio.Fifo[*job.MiningWorkSolution]
	resps *asicio.Fifo[RegResponse]

	linkMx  sync.Mutex
	linkErr error

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ asiccommon.ChainDriver = (*Chain)(nil)

// NewChain starts the reader and work writer of a chain on port.
func NewChain(hashboardIdx int, port asicio.Port) *Chain {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Chain{
		hashboardIdx: hashboardIdx,
		port:         port,
		log:          log.Named(fmt.Sprintf("bm1387.%d", hashboardIdx)),
		txq:          make(chan []byte, WorkQueueLen),
		hits:         asicio.NewFifo[*job.MiningWorkSolution](),
		resps:        asicio.NewFifo[RegResponse](),
		ctx:          ctx,
		cancel:       cancel,
	}
	c.wg.Add(2)
	go c.reader()
	go c.workWriter()
	return c
}

// Open opens the UART at the initial baud rate and starts a chain on it.
func Open(hashboardIdx int, devName string, baud int) (*Chain, error) {
	port, err := asicio.OpenUART(devName, baud)
	if err != nil {
		return nil, err
	}
	return NewChain(hashboardIdx, port), nil
}

func (c *Chain) setLinkErr(err error) {
	c.linkMx.Lock()
	defer c.linkMx.Unlock()
	if c.linkErr == nil {
		c.linkErr = errors.Wrap(asiccommon.ErrTransport, err.Error())
		c.log.Errorf("link down: %v", err)
	}
}

func (c *Chain) linkError() error {
	c.linkMx.Lock()
	defer c.linkMx.Unlock()
	return c.linkErr
}

func (c *Chain) reader() {
	defer c.wg.Done()

	scanner := asicio.NewFrameScanner(fmt.Sprintf("bd %d", c.hashboardIdx), RespPreamble, RESP_LEN, ValidResponse)
	buf := make([]byte, 1024)
	for c.ctx.Err() == nil {
		n, err := c.port.Read(buf)
		if err != nil {
			if c.ctx.Err() == nil {
				c.setLinkErr(errors.Wrap(err, "read"))
			}
			return
		}
		if n == 0 {
			continue
		}
		for _, frame := range scanner.Feed(buf[:n]) {
			sol, reg := ParseResponse(frame)
			switch {
			case sol != nil:
				c.hits.Push(sol)
			case reg != nil:
				c.resps.Push(*reg)
			}
		}
	}
}

func (c *Chain) write(msg []byte) error {
	c.wmx.Lock()
	defer c.wmx.Unlock()
	if err := asicio.WriteRetry(c.port, msg); err != nil {
		c.setLinkErr(errors.Wrap(err, "write"))
		return c.linkError()
	}
	return nil
}

func (c *Chain) workWriter() {
	defer c.wg.Done()

	for {
		var frame []byte
		select {
		case <-c.ctx.Done():
			return
		case frame = <-c.txq:
		}
		if err := c.write(frame); err != nil {
			return
		}
		if d := time.Duration(c.workTime.Load()); d > 0 {
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(d):
			}
		}
	}
}

// SendWork queues work for the chain and returns its 7 bit work ID.
func (c *Chain) SendWork(work *job.MiningWork) (uint32, error) {
	if err := c.linkError(); err != nil {
		return 0, err
	}
	if c.ctx.Err() != nil {
		return 0, errors.Wrap(asiccommon.ErrTransport, "chain closed")
	}
	id := (c.nextID.Add(1) - 1) & workIDMask
	frame, err := WorkFrame(uint8(id), work)
	if err != nil {
		return 0, err
	}

	timer := time.NewTimer(SendWorkTimeout)
	defer timer.Stop()
	select {
	case c.txq <- frame:
		return id, nil
	case <-timer.C:
		return 0, errors.Wrap(asiccommon.ErrTransport, "work queue full")
	case <-c.ctx.Done():
		return 0, errors.Wrap(asiccommon.ErrTransport, "chain closed")
	}
}

// RecvSolution returns the next solution, nil when none is pending.
func (c *Chain) RecvSolution() (*job.MiningWorkSolution, error) {
	if sol, ok := c.hits.Pop(); ok {
		return sol, nil
	}
	if err := c.linkError(); err != nil {
		return nil, err
	}
	return nil, nil
}

func (c *Chain) WorkIDFromSolution(solution *job.MiningWorkSolution) uint32 {
	return solution.SolutionID >> 8 & workIDMask
}

func (c *Chain) ChipCount() int {
	return int(c.chipCount.Load())
}

// collectResponses gathers register responses until the line goes quiet.
func (c *Chain) collectResponses() []RegResponse {
	var out []RegResponse
	deadline := time.Now().Add(EnumMaxTime)
	last := time.Now()
	for time.Now().Before(deadline) {
		if r, ok := c.resps.Pop(); ok {
			out = append(out, r)
			last = time.Now()
			continue
		}
		if time.Since(last) >= EnumQuietTime {
			break
		}
		time.Sleep(time.Millisecond)
	}
	return out
}

// Enumerate counts the chips answering a broadcast chip address read and
// assigns them addresses CHIP_ADDRESS_STEP apart.
func (c *Chain) Enumerate() (int, error) {
	c.resps.Clear()
	if err := c.write(ReadRegCmd(0, CHIP_ADDRESS_REG, true)); err != nil {
		return 0, err
	}

	chips := 0
	for _, r := range c.collectResponses() {
		if r.Reg != CHIP_ADDRESS_REG {
			continue
		}
		if id := r.Value >> 16; id != CHIP_ID {
			return 0, fmt.Errorf("unexpected chip id 0x%04x at position %d", id, chips)
		}
		chips++
	}
	if chips > MAX_CHIPS_ON_CHAIN {
		return 0, fmt.Errorf("%d chips detected, chain supports %d", chips, MAX_CHIPS_ON_CHAIN)
	}

	if chips > 0 {
		if err := c.write(ChainInactiveCmd()); err != nil {
			return 0, err
		}
		for i := 0; i < chips; i++ {
			if err := c.write(SetAddressCmd(uint8(i * CHIP_ADDRESS_STEP))); err != nil {
				return 0, err
			}
		}
	}
	c.chipCount.Store(int32(chips))
	c.log.Infof("detected %d chips", chips)
	return chips, nil
}

func (c *Chain) SetPLL(frequency uint64) error {
	pll, err := FindPLL(frequency)
	if err != nil {
		return err
	}
	if pll.Frequency() != frequency {
		c.log.Warnf("PLL frequency %d Hz requested, %d Hz set", frequency, pll.Frequency())
	}
	if err := c.write(WriteRegCmd(0, PLL_PARAM_REG, pll.Reg(), true)); err != nil {
		return err
	}
	time.Sleep(CmdSettleTime)
	return nil
}

func (c *Chain) SetBaudRate(div int, actual int) error {
	if div < 0 || div > timing.MaxBaudClockDiv {
		return fmt.Errorf("baud divisor %d out of range", div)
	}
	if err := c.write(WriteRegCmd(0, MISC_CONTROL_REG, MiscControl(div), true)); err != nil {
		return err
	}
	time.Sleep(CmdSettleTime)

	c.wmx.Lock()
	defer c.wmx.Unlock()
	if err := c.port.SetBaudRate(actual); err != nil {
		return errors.Wrapf(err, "host baud rate %d", actual)
	}
	return c.port.Flush()
}

func (c *Chain) SetTicketMask(difficulty uint32) error {
	mask, err := TicketMask(difficulty)
	if err != nil {
		return err
	}
	return c.write(WriteRegCmd(0, TICKET_MASK_REG, mask, true))
}

// SetWorkTime paces work dispatch to one work item per ticks.
func (c *Chain) SetWorkTime(ticks uint32) error {
	d := time.Duration(float64(ticks) / timing.FPGA_IPCORE_F_CLK_HZ * float64(time.Second))
	c.workTime.Store(int64(d))
	c.log.Debugf("work time %d ticks (%v)", ticks, d)
	return nil
}

// Close stops the chain and closes its port.
func (c *Chain) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		c.wg.Wait()
		err = c.port.Close()
	})
	return err
}
