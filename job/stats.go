package job

import "sync/atomic"

// MiningStats holds the hardware related statistics of a hash chain.
// Counters only ever increase.
type MiningStats struct {
	workGenerated            atomic.Uint64
	staleSolutions           atomic.Uint64
	duplicateSolutions       atomic.Uint64
	mismatchedSolutionNonces atomic.Uint64
	uniqueSolutions          atomic.Uint64
}

// StatsSnapshot is a point in time copy of MiningStats.
type StatsSnapshot struct {
	WorkGenerated            uint64
	StaleSolutions           uint64
	DuplicateSolutions       uint64
	MismatchedSolutionNonces uint64
	UniqueSolutions          uint64
}

func (s *MiningStats) IncWorkGenerated() {
	s.workGenerated.Add(1)
}

func (s *MiningStats) IncStale() {
	s.staleSolutions.Add(1)
}

func (s *MiningStats) IncDuplicate() {
	s.duplicateSolutions.Add(1)
}

func (s *MiningStats) IncMismatchedNonce() {
	s.mismatchedSolutionNonces.Add(1)
}

func (s *MiningStats) IncUnique() {
	s.uniqueSolutions.Add(1)
}

func (s *MiningStats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		WorkGenerated:            s.workGenerated.Load(),
		StaleSolutions:           s.staleSolutions.Load(),
		DuplicateSolutions:       s.duplicateSolutions.Load(),
		MismatchedSolutionNonces: s.mismatchedSolutionNonces.Load(),
		UniqueSolutions:          s.uniqueSolutions.Load(),
	}
}

// Solutions is the number of solutions retrieved from the hardware.
func (s StatsSnapshot) Solutions() uint64 {
	return s.UniqueSolutions + s.DuplicateSolutions + s.StaleSolutions + s.MismatchedSolutionNonces
}
