package job

import (
	"crypto/sha256"
	"encoding"
	"encoding/binary"
	"math/big"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// MiningWorkSolution is a raw result from the mining hardware.
type MiningWorkSolution struct {
	Nonce uint32
	// Ntime is set only when the hardware rolled nTime on its own
	Ntime       *uint32
	MidstateIdx int
	// SolutionID correlates the solution with the work registry
	SolutionID uint32
}

// UniqueMiningWorkSolution pairs a solution with its work and the time it was
// fetched from the solution queue.
type UniqueMiningWorkSolution struct {
	Timestamp time.Time
	Work      *MiningWork
	Solution  MiningWorkSolution
}

// Ntime returns the effective nTime of the solution.
func (u *UniqueMiningWorkSolution) Ntime() uint32 {
	if u.Solution.Ntime != nil {
		return *u.Solution.Ntime
	}
	return u.Work.Ntime
}

// Midstate returns the midstate the solution was found on.
func (u *UniqueMiningWorkSolution) Midstate() Midstate {
	return u.Work.Midstates[u.Solution.MidstateIdx]
}

// sha256 state serialization of crypto/sha256: magic, 8 words, block buffer, length
const (
	shaMagic     = "sha\x03"
	shaStateSize = len(shaMagic) + 8*4 + sha256.BlockSize + 8
)

// Hash resumes SHA-256 from the midstate, hashes chunk2 and returns the
// double hash of the full 80 byte header.
func (u *UniqueMiningWorkSolution) Hash() chainhash.Hash {
	ms := u.Midstate()

	state := make([]byte, 0, shaStateSize)
	state = append(state, shaMagic...)
	state = append(state, ms.State[:]...)
	state = append(state, make([]byte, sha256.BlockSize)...)
	state = binary.BigEndian.AppendUint64(state, sha256.BlockSize)

	h := sha256.New()
	if err := h.(encoding.BinaryUnmarshaler).UnmarshalBinary(state); err != nil {
		// state is built locally with the exact expected layout
		panic(err)
	}

	var chunk2 [16]byte
	binary.LittleEndian.PutUint32(chunk2[0:], u.Work.MerkleRootLSW)
	binary.LittleEndian.PutUint32(chunk2[4:], u.Ntime())
	binary.LittleEndian.PutUint32(chunk2[8:], u.Work.Nbits)
	binary.LittleEndian.PutUint32(chunk2[12:], u.Solution.Nonce)
	h.Write(chunk2[:])

	return chainhash.HashH(h.Sum(nil))
}

// MeetsTarget reports whether the header hash is at or below target.
func (u *UniqueMiningWorkSolution) MeetsTarget(target *big.Int) bool {
	hash := u.Hash()
	return blockchain.HashToBig(&hash).Cmp(target) <= 0
}

// MeetsDifficulty reports whether the solution is a share at diff.
func (u *UniqueMiningWorkSolution) MeetsDifficulty(diff uint64) bool {
	return u.MeetsTarget(DifficultyTarget(diff))
}

// Diff1Target is the pool difficulty 1 target.
var Diff1Target = blockchain.CompactToBig(0x1d00ffff)

// DifficultyTarget returns the target for a share difficulty.
func DifficultyTarget(diff uint64) *big.Int {
	if diff == 0 {
		diff = 1
	}
	return new(big.Int).Div(Diff1Target, new(big.Int).SetUint64(diff))
}
