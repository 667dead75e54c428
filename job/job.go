package job

import (
	"errors"
	"fmt"
)

// Midstate is the SHA-256 state after the first 64 bytes of a block header,
// as eight big endian words.
// Version is the header version that produced State, so rolled versions
// can be reported upstream with the solution.
type Midstate struct {
	Version uint32
	State   [32]byte
}

// MiningWork describes one search job for the hashing hardware. Starting
// with MerkleRootLSW the fields go to chunk2 of SHA-256.
type MiningWork struct {
	// Version used for calculating the first midstate
	Version uint32
	// ExtraNonce2 used for calculating the merkle root
	ExtraNonce2 uint32
	// One midstate per parallel search lane
	Midstates []Midstate
	// Least significant word of the merkle root, as laid out in the header
	MerkleRootLSW uint32
	// Start value for nTime, hardware may roll it further
	Ntime uint32
	// Network difficulty in compact form
	Nbits uint32
}

var (
	ErrNoMidstates           = errors.New("work has no midstates")
	ErrMidstateCountMismatch = errors.New("midstate count mismatch")
)

// MidstateCount is the number of midstates carried by every work item of a chain.
type MidstateCount int

func NewMidstateCount(n int) (MidstateCount, error) {
	switch n {
	case 1, 2, 4:
		return MidstateCount(n), nil
	}
	return 0, fmt.Errorf("unsupported midstate count %d", n)
}

func (c MidstateCount) Int() int {
	return int(c)
}

// Validate checks the work carries exactly want midstates.
func (w *MiningWork) Validate(want MidstateCount) error {
	if len(w.Midstates) == 0 {
		return ErrNoMidstates
	}
	if len(w.Midstates) != want.Int() {
		return fmt.Errorf("%w: work has %d, chain expects %d", ErrMidstateCountMismatch, len(w.Midstates), want)
	}
	return nil
}
