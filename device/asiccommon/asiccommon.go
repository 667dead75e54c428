package asiccommon

import (
	"errors"

	"s9_miner/job"
)

// ErrTransport marks failures of the link between the controller and the chips.
var ErrTransport = errors.New("hash chain transport error")

// HardwareCtl is what any hardware mining controller has to provide.
type HardwareCtl interface {
	// SendWork sends work to the hash chain and returns an ID that can be
	// used for registering the work within a hardware specific registry.
	SendWork(work *job.MiningWork) (uint32, error)

	// RecvSolution returns at most one pending solution, nil when there is none.
	RecvSolution() (*job.MiningWorkSolution, error)

	// WorkIDFromSolution extracts the original work ID of a solution.
	WorkIDFromSolution(solution *job.MiningWorkSolution) uint32

	// ChipCount returns the number of detected chips.
	ChipCount() int
}

// ChainDriver is a HardwareCtl that can also bring a chain up.
type ChainDriver interface {
	HardwareCtl

	// Enumerate detects the chips and assigns their addresses.
	Enumerate() (int, error)
	SetPLL(frequency uint64) error
	// SetBaudRate programs the chips with div and moves the host side of
	// the link to the actual baud rate the divisor yields.
	SetBaudRate(div int, actual int) error
	SetTicketMask(difficulty uint32) error
	// SetWorkTime sets the work rotation time in FPGA ticks.
	SetWorkTime(ticks uint32) error
	Close() error
}
