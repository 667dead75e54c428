package util

func Bool(v bool) *bool {
	return &v
}

func IsPowerOf2(n uint64) bool {
	return n != 0 && n&(n-1) == 0
}

// ClosestPowerOf2 returns the largest power of two not above n.
func ClosestPowerOf2(n uint64) uint64 {
	if n == 0 {
		return 0
	}
	p := uint64(1)
	for p <= n/2 {
		p <<= 1
	}
	return p
}
