// Package timing holds the clock arithmetic shared by the chain drivers and
// the hash chain controller.
package timing

import (
	"errors"
	"fmt"
)

const (
	// CHIP_OSC_CLK_HZ is the oscillator frequency feeding the chips
	CHIP_OSC_CLK_HZ = 25_000_000
	// FPGA_IPCORE_F_CLK_HZ is the clock the work time is expressed in
	FPGA_IPCORE_F_CLK_HZ = 50_000_000

	// Baud divisor register is 5 bits wide
	MaxBaudClockDiv = 0x1f
	// Achieved baud rate may deviate from the request by at most this many percent
	MaxBaudErrorPercent = 5

	// Work time is tuned for this difficulty and core count
	ASIC_DIFFICULTY   = 64
	NUM_CORES_ON_CHIP = 128
	// Fraction of the nonce space a chip searches before new work is due
	workDelaySafetyFactor = 0.9
)

var ErrUnsupportedBaudRate = errors.New("unsupported baud rate")

// RangeError reports a timing value the hardware cannot be programmed with.
type RangeError struct {
	Requested int
	Reason    string
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("%v %d: %s", ErrUnsupportedBaudRate, e.Requested, e.Reason)
}

func (e *RangeError) Unwrap() error {
	return ErrUnsupportedBaudRate
}

// CalcBaudClockDiv returns the clock divisor for the requested baud rate and
// the baud rate actually achieved with it.
func CalcBaudClockDiv(baudRate, oscClkHz, baseBaudDiv int) (int, int, error) {
	if baudRate <= 0 || oscClkHz <= 0 || baseBaudDiv <= 0 {
		return 0, 0, &RangeError{Requested: baudRate, Reason: "non-positive input"}
	}

	step := baseBaudDiv * baudRate
	quot := (oscClkHz + step/2) / step
	if quot == 0 {
		return 0, 0, &RangeError{Requested: baudRate, Reason: "faster than the oscillator"}
	}
	div := quot - 1
	if div > MaxBaudClockDiv {
		return 0, 0, &RangeError{Requested: baudRate, Reason: fmt.Sprintf("divisor %d exceeds register", div)}
	}

	actual := oscClkHz / (baseBaudDiv * (div + 1))
	diff := actual - baudRate
	if diff < 0 {
		diff = -diff
	}
	if diff*100 > baudRate*MaxBaudErrorPercent {
		return 0, 0, &RangeError{
			Requested: baudRate,
			Reason:    fmt.Sprintf("closest achievable rate %d is off by more than %d%%", actual, MaxBaudErrorPercent),
		}
	}
	return div, actual, nil
}

// CalcWorkDelayForPLL returns the time in seconds a chain needs to walk most
// of the nonce space of one work item at the given PLL frequency. Every
// midstate of the work is a separate pass over the nonce space.
func CalcWorkDelayForPLL(midstateCount int, pllFrequency uint64) float64 {
	spaceSizePerCore := float64(uint64(1)<<32) / float64(ASIC_DIFFICULTY*NUM_CORES_ON_CHIP)
	return workDelaySafetyFactor * float64(midstateCount) * spaceSizePerCore / float64(pllFrequency)
}

// SecsToFPGATicks converts seconds to work time ticks, dropping the fraction.
func SecsToFPGATicks(secs float64) uint32 {
	return uint32(secs * FPGA_IPCORE_F_CLK_HZ)
}
