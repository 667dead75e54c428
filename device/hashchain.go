// Package device runs the hash chains of a miner: it brings each hashboard
// up, feeds it work and classifies the solutions coming back.
package device

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"s9_miner/device/asiccommon"
	"s9_miner/device/gpio"
	"s9_miner/device/power"
	"s9_miner/device/timing"
	"s9_miner/job"
	"s9_miner/log"
	"s9_miner/util"
)

type ChainState int32

const (
	StateUninitialized ChainState = iota
	StateConfiguring
	StateRunning
	StateFaulted
	StateShuttingDown
	StateTerminated
)

func (s ChainState) String() string {
	switch s {
	case StateUninitialized:
		return "Uninitialized"
	case StateConfiguring:
		return "Configuring"
	case StateRunning:
		return "Running"
	case StateFaulted:
		return "Faulted"
	case StateShuttingDown:
		return "ShuttingDown"
	case StateTerminated:
		return "Terminated"
	default:
		return fmt.Sprintf("ChainState(%d)", int32(s))
	}
}

type SolutionClass int

const (
	SolutionUnique SolutionClass = iota
	SolutionDuplicate
	SolutionStale
	SolutionMismatched
)

func (c SolutionClass) String() string {
	switch c {
	case SolutionUnique:
		return "unique"
	case SolutionDuplicate:
		return "duplicate"
	case SolutionStale:
		return "stale"
	case SolutionMismatched:
		return "mismatched"
	default:
		return "unknown"
	}
}

var (
	ErrNoChips            = errors.New("no chips detected")
	ErrNotPresent         = errors.New("hashboard not present")
	ErrPersistentMismatch = errors.New("persistent midstate index mismatch")
	ErrChainState         = errors.New("invalid chain state")
)

// InstantiationError is returned when a hash chain cannot be brought up.
type InstantiationError struct {
	HashboardIdx int
	Err          error
}

func (e *InstantiationError) Error() string {
	return fmt.Sprintf("hashboard %d: instantiation failed: %v", e.HashboardIdx, e.Err)
}

func (e *InstantiationError) Unwrap() error {
	return e.Err
}

// WorkSource supplies work. Next returns nil when there is no new work.
type WorkSource interface {
	Next() *job.MiningWork
}

// SolutionSink receives every unique solution exactly once.
type SolutionSink interface {
	Submit(solution *job.UniqueMiningWorkSolution)
}

// ChainParams configures one hash chain.
type ChainParams struct {
	HashboardIdx   int
	MidstateCount  job.MidstateCount
	AsicDifficulty uint32
	PLLFrequency   uint64
	BaudRate       int
	OscClkHz       int
	BaseBaudDiv    int
	// Initial board voltage in volts
	Voltage           float64
	HeartbeatInterval time.Duration
}

func DefaultChainParams(hashboardIdx int) ChainParams {
	return ChainParams{
		HashboardIdx:      hashboardIdx,
		MidstateCount:     1,
		AsicDifficulty:    timing.ASIC_DIFFICULTY,
		PLLFrequency:      650_000_000,
		BaudRate:          1_500_000,
		OscClkHz:          timing.CHIP_OSC_CLK_HZ,
		BaseBaudDiv:       8,
		Voltage:           9.4,
		HeartbeatInterval: power.HeartbeatInterval,
	}
}

func (p *ChainParams) Validate() error {
	if _, err := job.NewMidstateCount(p.MidstateCount.Int()); err != nil {
		return err
	}
	if !util.IsPowerOf2(uint64(p.AsicDifficulty)) {
		return fmt.Errorf("ASIC difficulty %d is not a power of two, closest is %d",
			p.AsicDifficulty, util.ClosestPowerOf2(uint64(p.AsicDifficulty)))
	}
	if p.PLLFrequency == 0 {
		return errors.New("PLL frequency not set")
	}
	if p.BaudRate <= 0 || p.OscClkHz <= 0 || p.BaseBaudDiv <= 0 {
		return errors.New("baud rate, oscillator and base divisor must be positive")
	}
	if _, err := power.VoltageToPic(p.Voltage); err != nil {
		return err
	}
	return nil
}

var (
	// IdleInterval is slept when a loop iteration found nothing to do
	IdleInterval = 5 * time.Millisecond
	// ResetDelay is held between power and reset transitions during Init
	ResetDelay = 100 * time.Millisecond
	// AnomalyEventInterval limits correlation anomaly events per chain
	AnomalyEventInterval = time.Second
	anomalyEventBurst    = 5
)

// HashChain controls one hashboard.
type HashChain struct {
	params  ChainParams
	driver  asiccommon.ChainDriver
	backend *power.SharedBackend
	monitor *MonitorSender
	log     *zap.SugaredLogger

	resetPin *gpio.ControlPin
	powerPin *gpio.ControlPin
	voltage  *power.VoltageCtrl

	state    atomic.Int32
	registry *WorkRegistry
	stats    job.MiningStats
	anomaly  *rate.Limiter

	actualBaud atomic.Int64
	workTicks  atomic.Uint32
	voltageOn  bool

	faults    chan error
	closeOnce sync.Once
	closeErr  error
}

func instantiationError(idx int, err error) error {
	return &InstantiationError{HashboardIdx: idx, Err: err}
}

// NewHashChain borrows the hashboard's control pins from gpioMgr and takes
// ownership of backend and driver; both are released by Close, also when
// NewHashChain fails.
func NewHashChain(gpioMgr *gpio.ControlPinManager, backend *power.SharedBackend, driver asiccommon.ChainDriver,
	params ChainParams, monitor *MonitorSender) (*HashChain, error) {
	idx := params.HashboardIdx
	if gpioMgr == nil || backend == nil || driver == nil {
		if backend != nil {
			backend.Release()
		}
		if driver != nil {
			driver.Close()
		}
		return nil, instantiationError(idx, errors.New("missing gpio manager, power backend or driver"))
	}

	h := &HashChain{
		params:   params,
		driver:   driver,
		backend:  backend,
		monitor:  monitor,
		log:      log.Named(fmt.Sprintf("chain.%d", idx)),
		registry: NewWorkRegistry(),
		anomaly:  rate.NewLimiter(rate.Every(AnomalyEventInterval), anomalyEventBurst),
		faults:   make(chan error, 1),
	}
	h.state.Store(int32(StateUninitialized))

	fail := func(err error) (*HashChain, error) {
		h.Close()
		return nil, instantiationError(idx, err)
	}

	if err := params.Validate(); err != nil {
		return fail(err)
	}
	if gpioMgr.HasPin(gpio.Plug, idx) {
		if err := checkPresent(gpioMgr, idx); err != nil {
			return fail(err)
		}
	}

	var err error
	if h.resetPin, err = gpioMgr.GetResetPin(idx); err != nil {
		return fail(err)
	}
	if gpioMgr.HasPin(gpio.Power, idx) {
		if h.powerPin, err = gpioMgr.GetPowerPin(idx); err != nil {
			return fail(err)
		}
	}
	if h.voltage, err = power.NewVoltageCtrl(backend, idx); err != nil {
		return fail(err)
	}
	return h, nil
}

func checkPresent(gpioMgr *gpio.ControlPinManager, idx int) error {
	plug, err := gpioMgr.GetPlugPin(idx)
	if err != nil {
		return err
	}
	defer plug.Close()

	present, err := plug.IsActive()
	if err != nil {
		return err
	}
	if !present {
		return ErrNotPresent
	}
	return nil
}

func (h *HashChain) HashboardIdx() int {
	return h.params.HashboardIdx
}

func (h *HashChain) State() ChainState {
	return ChainState(h.state.Load())
}

func (h *HashChain) setState(s ChainState) {
	old := ChainState(h.state.Swap(int32(s)))
	if old == s {
		return
	}
	h.log.Infof("state %s -> %s", old, s)
	h.monitor.Send(Event{Kind: EventStateChange, State: s})
}

// Stats returns a copy of the chain counters.
func (h *HashChain) Stats() job.StatsSnapshot {
	return h.stats.Snapshot()
}

func (h *HashChain) ChipCount() int {
	return h.driver.ChipCount()
}

// BaudRate returns the baud rate the link actually runs at.
func (h *HashChain) BaudRate() int {
	return int(h.actualBaud.Load())
}

func (h *HashChain) WorkTicks() uint32 {
	return h.workTicks.Load()
}

// Init powers the hashboard up and programs the chips. A failure leaves
// the chain Faulted and is returned as *InstantiationError.
func (h *HashChain) Init(ctx context.Context) error {
	if h.State() != StateUninitialized {
		return errors.Wrapf(ErrChainState, "init in state %s", h.State())
	}
	h.setState(StateConfiguring)
	if err := h.configure(ctx); err != nil {
		h.setState(StateFaulted)
		h.monitor.Send(Event{Kind: EventFault, Message: "init", Err: err})
		return instantiationError(h.params.HashboardIdx, err)
	}
	return nil
}

func (h *HashChain) configure(ctx context.Context) error {
	p := &h.params

	if err := h.resetPin.Enable(); err != nil {
		return errors.Wrap(err, "assert reset")
	}
	if h.powerPin != nil {
		if err := h.powerPin.Enable(); err != nil {
			return errors.Wrap(err, "enable board power")
		}
	}
	if err := h.voltage.InitVoltage(p.Voltage); err != nil {
		return errors.Wrap(err, "init voltage")
	}
	h.voltageOn = true
	time.Sleep(ResetDelay)
	if err := h.resetPin.Disable(); err != nil {
		return errors.Wrap(err, "deassert reset")
	}
	time.Sleep(ResetDelay)

	chips, err := h.driver.Enumerate()
	if err != nil {
		return errors.Wrap(err, "enumerate")
	}
	if chips < 1 {
		return ErrNoChips
	}
	h.log.Infof("%d chips", chips)

	div, actual, err := timing.CalcBaudClockDiv(p.BaudRate, p.OscClkHz, p.BaseBaudDiv)
	if err != nil {
		return err
	}
	if actual != p.BaudRate {
		h.log.Infof("baud rate %d requested, running at %d (divisor %d)", p.BaudRate, actual, div)
	}
	if err := h.driver.SetBaudRate(div, actual); err != nil {
		return errors.Wrap(err, "set baud rate")
	}
	h.actualBaud.Store(int64(actual))

	if err := h.driver.SetPLL(p.PLLFrequency); err != nil {
		return errors.Wrap(err, "set PLL")
	}
	if err := h.driver.SetTicketMask(p.AsicDifficulty); err != nil {
		return errors.Wrap(err, "set ticket mask")
	}

	delay := timing.CalcWorkDelayForPLL(p.MidstateCount.Int(), p.PLLFrequency)
	ticks := timing.SecsToFPGATicks(delay)
	if err := h.driver.SetWorkTime(ticks); err != nil {
		return errors.Wrap(err, "set work time")
	}
	h.workTicks.Store(ticks)
	h.monitor.Send(Event{
		Kind:    EventTiming,
		Message: fmt.Sprintf("baud %d (div %d), work time %d ticks (%.6fs)", actual, div, ticks, delay),
	})

	interval := p.HeartbeatInterval
	if interval <= 0 {
		interval = power.HeartbeatInterval
	}
	h.voltage.StartHeartbeat(context.WithoutCancel(ctx), interval, h.onVoltageFault)
	return nil
}

func (h *HashChain) onVoltageFault(err error) {
	h.monitor.Send(Event{Kind: EventVoltageFault, Err: err})
	select {
	case h.faults <- errors.Wrap(err, "voltage heartbeat"):
	default:
	}
}

func (h *HashChain) fault(err error) error {
	h.log.Errorf("fault: %v", err)
	h.setState(StateFaulted)
	h.monitor.Send(Event{Kind: EventFault, Err: err})
	return errors.Wrapf(err, "hashboard %d", h.params.HashboardIdx)
}

// Run feeds work from source to the chips and hands unique solutions to
// sink until ctx is done or the chain faults. A done ctx moves the chain to
// ShuttingDown, unless its cause is ErrPersistentMismatch, which faults it.
func (h *HashChain) Run(ctx context.Context, source WorkSource, sink SolutionSink) error {
	if h.State() != StateConfiguring {
		return errors.Wrapf(ErrChainState, "run in state %s", h.State())
	}
	h.setState(StateRunning)

	for {
		if ctx.Err() != nil {
			if cause := context.Cause(ctx); errors.Is(cause, ErrPersistentMismatch) {
				return h.fault(cause)
			}
			h.setState(StateShuttingDown)
			return nil
		}
		select {
		case err := <-h.faults:
			return h.fault(err)
		default:
		}

		busy := false
		if w := source.Next(); w != nil {
			if err := w.Validate(h.params.MidstateCount); err != nil {
				h.log.Warnf("dropping work: %v", err)
			} else {
				id, err := h.driver.SendWork(w)
				if err != nil {
					return h.fault(err)
				}
				h.registry.Store(id, w)
				h.stats.IncWorkGenerated()
				busy = true
			}
		}

		for {
			sol, err := h.driver.RecvSolution()
			if err != nil {
				return h.fault(err)
			}
			if sol == nil {
				break
			}
			h.HandleSolution(sol, sink)
			busy = true
		}

		if !busy {
			select {
			case <-ctx.Done():
			case <-time.After(IdleInterval):
			}
		}
	}
}

// HandleSolution classifies a solution, counts it and submits it to sink
// when it is unique.
func (h *HashChain) HandleSolution(sol *job.MiningWorkSolution, sink SolutionSink) SolutionClass {
	id := h.driver.WorkIDFromSolution(sol)
	hw := h.registry.Find(id)
	if hw == nil {
		h.stats.IncStale()
		h.log.Debugf("stale solution nonce %08x, work id %d", sol.Nonce, id)
		return SolutionStale
	}
	if sol.MidstateIdx < 0 || sol.MidstateIdx >= len(hw.Work.Midstates) {
		h.stats.IncMismatchedNonce()
		if h.anomaly.Allow() {
			msg := fmt.Sprintf("midstate index %d, work %d has %d midstates", sol.MidstateIdx, id, len(hw.Work.Midstates))
			h.log.Warnf("mismatched solution: %s", msg)
			h.monitor.Send(Event{Kind: EventCorrelationAnomaly, Message: msg})
		}
		return SolutionMismatched
	}
	if h.registry.CheckDuplicate(hw, sol) {
		h.stats.IncDuplicate()
		h.log.Debugf("duplicate solution nonce %08x, work id %d", sol.Nonce, id)
		return SolutionDuplicate
	}

	h.stats.IncUnique()
	if sink != nil {
		sink.Submit(&job.UniqueMiningWorkSolution{
			Timestamp: time.Now(),
			Work:      hw.Work,
			Solution:  *sol,
		})
	}
	return SolutionUnique
}

// Close powers the hashboard down and releases pins, driver and the power
// backend handle. It is safe to call more than once.
func (h *HashChain) Close() error {
	h.closeOnce.Do(func() {
		h.setState(StateShuttingDown)
		var errs error
		if h.voltage != nil {
			h.voltage.StopHeartbeat()
			if h.voltageOn {
				errs = multierr.Append(errs, h.voltage.DisableVoltage())
			}
		}
		if h.resetPin != nil {
			errs = multierr.Append(errs, h.resetPin.Enable())
			errs = multierr.Append(errs, h.resetPin.Close())
		}
		if h.powerPin != nil {
			errs = multierr.Append(errs, h.powerPin.Disable())
			errs = multierr.Append(errs, h.powerPin.Close())
		}
		errs = multierr.Append(errs, h.driver.Close())
		errs = multierr.Append(errs, h.backend.Release())
		h.registry.Clear()
		h.setState(StateTerminated)
		h.closeErr = errs
	})
	return h.closeErr
}
