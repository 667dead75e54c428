package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"s9_miner/device"
	"s9_miner/device/gpio"
	"s9_miner/device/power"
	"s9_miner/job"
)

type nopLine struct{}

func (nopLine) SetValue(int) error  { return nil }
func (nopLine) Value() (int, error) { return 0, nil }
func (nopLine) Close() error        { return nil }

type nopGpio struct{}

func (nopGpio) RequestOutput(int, int) (gpio.Line, error) { return nopLine{}, nil }
func (nopGpio) RequestInput(int) (gpio.Line, error)       { return nopLine{}, nil }
func (nopGpio) Close() error                              { return nil }

type nopPower struct{}

func (nopPower) Tx(uint8, []byte, []byte) error { return nil }
func (nopPower) Close() error                   { return nil }

type stubDriver struct{}

func (stubDriver) SendWork(*job.MiningWork) (uint32, error)          { return 0, nil }
func (stubDriver) RecvSolution() (*job.MiningWorkSolution, error)    { return nil, nil }
func (stubDriver) WorkIDFromSolution(*job.MiningWorkSolution) uint32 { return 0 }
func (stubDriver) ChipCount() int                                    { return 63 }
func (stubDriver) Enumerate() (int, error)                           { return 63, nil }
func (stubDriver) SetPLL(uint64) error                               { return nil }
func (stubDriver) SetBaudRate(int, int) error                        { return nil }
func (stubDriver) SetTicketMask(uint32) error                        { return nil }
func (stubDriver) SetWorkTime(uint32) error                          { return nil }
func (stubDriver) Close() error                                      { return nil }

type chainList []*device.HashChain

func (l chainList) Chains() []*device.HashChain { return l }

func TestCollector(t *testing.T) {
	gm := gpio.NewControlPinManager(nopGpio{}, gpio.PinMap{gpio.Reset: {6: 1}})
	h, err := device.NewHashChain(gm, power.NewSharedBackend(nopPower{}), stubDriver{}, device.DefaultChainParams(6), nil)
	require.NoError(t, err)
	defer h.Close()

	assert.Equal(t, device.SolutionStale, h.HandleSolution(&job.MiningWorkSolution{Nonce: 1}, nil))

	c := NewCollector(chainList{h})
	assert.Equal(t, 13, testutil.CollectAndCount(c))

	expected := `
# HELP s9_chain_solutions_total Solutions read from the chain by classification.
# TYPE s9_chain_solutions_total counter
s9_chain_solutions_total{class="duplicate",hashboard="6"} 0
s9_chain_solutions_total{class="mismatched",hashboard="6"} 0
s9_chain_solutions_total{class="stale",hashboard="6"} 1
s9_chain_solutions_total{class="unique",hashboard="6"} 0
# HELP s9_chain_chips Chips detected on the chain.
# TYPE s9_chain_chips gauge
s9_chain_chips{hashboard="6"} 63
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"s9_chain_solutions_total", "s9_chain_chips"))

	states := `
# HELP s9_chain_state Chain state, 1 for the current one.
# TYPE s9_chain_state gauge
s9_chain_state{hashboard="6",state="Configuring"} 0
s9_chain_state{hashboard="6",state="Faulted"} 0
s9_chain_state{hashboard="6",state="Running"} 0
s9_chain_state{hashboard="6",state="ShuttingDown"} 0
s9_chain_state{hashboard="6",state="Terminated"} 0
s9_chain_state{hashboard="6",state="Uninitialized"} 1
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(states), "s9_chain_state"))
}

func TestBuildInfo(t *testing.T) {
	expected := `
# HELP s9_miner_build_info Miner build, always 1.
# TYPE s9_miner_build_info gauge
s9_miner_build_info{git_hash="dev",model="S9",version="0.1"} 1
`
	assert.NoError(t, testutil.CollectAndCompare(NewBuildInfo(), strings.NewReader(expected)))
}
