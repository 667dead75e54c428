package work

import (
	"math/big"
	"sync/atomic"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"s9_miner/job"
	"s9_miner/log"
)

// Verifier checks unique solutions against the chip difficulty and the
// network target.
type Verifier struct {
	shareTarget *big.Int

	shares         atomic.Uint64
	blocks         atomic.Uint64
	hardwareErrors atomic.Uint64
}

// NewVerifier expects solutions at asicDifficulty or better.
func NewVerifier(asicDifficulty uint64) *Verifier {
	return &Verifier{shareTarget: job.DifficultyTarget(asicDifficulty)}
}

// HashDifficulty returns the share difficulty a hash achieves.
func HashDifficulty(hash chainhash.Hash) float64 {
	v := blockchain.HashToBig(&hash)
	if v.Sign() == 0 {
		return 0
	}
	d, _ := new(big.Float).Quo(new(big.Float).SetInt(job.Diff1Target), new(big.Float).SetInt(v)).Float64()
	return d
}

func (v *Verifier) Submit(u *job.UniqueMiningWorkSolution) {
	hash := u.Hash()
	if !u.MeetsTarget(v.shareTarget) {
		v.hardwareErrors.Add(1)
		log.Warnf("work: nonce %08x midstate %d does not meet chip difficulty, hash %s",
			u.Solution.Nonce, u.Solution.MidstateIdx, hash)
		return
	}
	v.shares.Add(1)
	log.Debugf("work: share nonce %08x version %08x difficulty %.0f",
		u.Solution.Nonce, u.Midstate().Version, HashDifficulty(hash))

	if u.MeetsTarget(blockchain.CompactToBig(u.Work.Nbits)) {
		v.blocks.Add(1)
		log.Infof("work: block candidate %s", hash)
	}
}

func (v *Verifier) Shares() uint64 {
	return v.shares.Load()
}

func (v *Verifier) Blocks() uint64 {
	return v.blocks.Load()
}

func (v *Verifier) HardwareErrors() uint64 {
	return v.hardwareErrors.Load()
}
