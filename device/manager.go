package device

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"s9_miner/device/asiccommon"
	"s9_miner/device/gpio"
	"s9_miner/device/power"
	"s9_miner/log"
	"s9_miner/util"
)

// ManagerParams is the escalation and reporting policy of a Manager.
type ManagerParams struct {
	// MismatchLimit correlation anomalies within MismatchWindow fault a chain
	MismatchLimit  int
	MismatchWindow time.Duration
	StatsInterval  time.Duration
}

func DefaultManagerParams() ManagerParams {
	return ManagerParams{
		MismatchLimit:  10,
		MismatchWindow: time.Minute,
		StatsInterval:  time.Minute,
	}
}

var ErrNoChains = errors.New("no hash chain could be started")

// Manager runs the hash chains of a miner in parallel.
type Manager struct {
	params   ManagerParams
	gpio     *gpio.ControlPinManager
	backends map[string]*power.SharedBackend
	monitor  *Monitor

	mx      sync.Mutex
	chains  []*HashChain
	cancels map[int]context.CancelCauseFunc
	// correlation anomaly times per hashboard within the window
	anomalies map[int][]time.Time

	closeOnce sync.Once
}

// NewManager takes over one handle per regulator bus in backends. Each
// chain gets its own clone of its bus handle.
func NewManager(params ManagerParams, gpioMgr *gpio.ControlPinManager, backends map[string]*power.SharedBackend) *Manager {
	return &Manager{
		params:    params,
		gpio:      gpioMgr,
		backends:  backends,
		monitor:   NewMonitor(),
		cancels:   make(map[int]context.CancelCauseFunc),
		anomalies: make(map[int][]time.Time),
	}
}

func (my *Manager) Monitor() *Monitor {
	return my.monitor
}

// AddChain creates the hash chain for params on the regulator bus named
// bus. An instantiation failure is reported on the monitor and returned;
// the manager carries on without that chain.
func (my *Manager) AddChain(params ChainParams, bus string, driver asiccommon.ChainDriver) (*HashChain, error) {
	shared, ok := my.backends[bus]
	if !ok {
		driver.Close()
		err := instantiationError(params.HashboardIdx, errors.Errorf("no power backend for bus %q", bus))
		my.monitor.Sender(params.HashboardIdx).Send(Event{Kind: EventFault, Err: err})
		return nil, err
	}

	sender := my.monitor.Sender(params.HashboardIdx)
	chain, err := NewHashChain(my.gpio, shared.Clone(), driver, params, sender)
	if err != nil {
		sender.Send(Event{Kind: EventFault, Message: "instantiation", Err: err})
		return nil, err
	}

	my.mx.Lock()
	my.chains = append(my.chains, chain)
	my.mx.Unlock()
	return chain, nil
}

// Chains returns the chains added so far.
func (my *Manager) Chains() []*HashChain {
	my.mx.Lock()
	defer my.mx.Unlock()
	return append([]*HashChain(nil), my.chains...)
}

// Run initializes every chain and runs the ones that came up until ctx is
// done. A chain that faults stops on its own; its siblings keep running.
// The returned error combines the faults.
func (my *Manager) Run(ctx context.Context, source WorkSource, sink SolutionSink) error {
	var ready []*HashChain
	for _, c := range my.Chains() {
		if err := c.Init(ctx); err != nil {
			log.Errorf("hashboard %d skipped: %v", c.HashboardIdx(), err)
			continue
		}
		ready = append(ready, c)
	}
	if len(ready) == 0 {
		return ErrNoChains
	}

	auxCtx, stopAux := context.WithCancel(ctx)
	var aux errgroup.Group
	aux.Go(func() error {
		my.monitor.Drain(auxCtx, my.handleEvent)
		return nil
	})
	aux.Go(func() error {
		my.reportStats(auxCtx)
		return nil
	})

	var (
		chains errgroup.Group
		errMx  sync.Mutex
		errs   error
	)
	for _, c := range ready {
		c := c
		chainCtx, cancel := context.WithCancelCause(ctx)
		my.mx.Lock()
		my.cancels[c.HashboardIdx()] = cancel
		my.mx.Unlock()

		chains.Go(func() error {
			defer cancel(nil)
			if err := c.Run(chainCtx, source, sink); err != nil {
				log.Errorf("hashboard %d stopped: %v", c.HashboardIdx(), err)
				errMx.Lock()
				errs = multierr.Append(errs, err)
				errMx.Unlock()
			}
			return nil
		})
	}
	_ = chains.Wait()
	stopAux()
	_ = aux.Wait()
	my.monitor.Flush(my.handleEvent)
	return errs
}

func (my *Manager) handleEvent(ev Event) {
	switch ev.Kind {
	case EventFault, EventVoltageFault:
		log.Errorf("%s", ev)
	case EventCorrelationAnomaly:
		log.Warnf("%s", ev)
		my.noteAnomaly(ev)
	default:
		log.Infof("%s", ev)
	}
}

// noteAnomaly cancels a chain with ErrPersistentMismatch once it reported
// MismatchLimit anomalies within MismatchWindow.
func (my *Manager) noteAnomaly(ev Event) {
	if my.params.MismatchLimit <= 0 {
		return
	}
	my.mx.Lock()
	defer my.mx.Unlock()

	idx := ev.HashboardIdx
	cutoff := ev.Timestamp.Add(-my.params.MismatchWindow)
	times := my.anomalies[idx][:0]
	for _, t := range my.anomalies[idx] {
		if t.After(cutoff) {
			times = append(times, t)
		}
	}
	times = append(times, ev.Timestamp)
	my.anomalies[idx] = times

	if len(times) < my.params.MismatchLimit {
		return
	}
	delete(my.anomalies, idx)
	if cancel, ok := my.cancels[idx]; ok {
		log.Errorf("hashboard %d: %d mismatched solutions within %v, stopping", idx, len(times), my.params.MismatchWindow)
		cancel(ErrPersistentMismatch)
	}
}

func (my *Manager) reportStats(ctx context.Context) {
	if my.params.StatsInterval <= 0 {
		return
	}
	ticker := time.NewTicker(my.params.StatsInterval)
	defer ticker.Stop()
	start := util.NowInSec()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		elapsed := util.UptimeInSec(util.NowInSec(), start)
		log.Infof("uptime %s", util.UptimeInString())
		if n := my.monitor.Pending(); n > 0 {
			log.Warnf("monitor: %d events not yet handled", n)
		}
		for _, c := range my.Chains() {
			s := c.Stats()
			log.Infof("hashboard %d %s: chips %d, work %d (%.1f/s), unique %d, duplicate %d, stale %d, mismatched %d",
				c.HashboardIdx(), c.State(), c.ChipCount(), s.WorkGenerated, float64(s.WorkGenerated)/elapsed,
				s.UniqueSolutions, s.DuplicateSolutions, s.StaleSolutions, s.MismatchedSolutionNonces)
		}
	}
}

// Close shuts every chain down and releases the manager's backend handles.
func (my *Manager) Close() error {
	var errs error
	my.closeOnce.Do(func() {
		for _, c := range my.Chains() {
			errs = multierr.Append(errs, c.Close())
		}
		for _, b := range my.backends {
			errs = multierr.Append(errs, b.Release())
		}
		my.monitor.Close()
	})
	return errs
}
