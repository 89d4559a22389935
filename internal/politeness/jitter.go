package politeness

import (
	"crypto/rand"
	"math/big"
	"time"
)

// uniformJitter returns a duration drawn uniformly from [lo, hi].
func uniformJitter(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	bound := big.NewInt(int64(hi-lo) + 1)
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return lo + (hi-lo)/2
	}
	return lo + time.Duration(n.Int64())
}
