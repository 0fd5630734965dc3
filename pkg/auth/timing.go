package auth

import (
	"crypto/rand"
	"encoding/binary"
	"time"
)

// Equalizer pads the fast paths of security-sensitive operations to a
// minimum duration. Lookups that short-circuit (unknown account, malformed
// address) would otherwise answer measurably faster than the full path and
// leak whether an address is registered.
type Equalizer struct {
	min    time.Duration
	jitter time.Duration
}

// NewEqualizer creates an equalizer with the given minimum duration plus up
// to half of it in random jitter. A zero or negative minimum disables
// padding entirely.
func NewEqualizer(min time.Duration) *Equalizer {
	return &Equalizer{min: min, jitter: min / 2}
}

// PadFrom sleeps until at least the minimum duration, plus jitter, has
// elapsed since start. No-op when the work already took longer.
func (e *Equalizer) PadFrom(start time.Time) {
	if e == nil || e.min <= 0 {
		return
	}

	target := e.min
	if e.jitter > 0 {
		if n, err := cryptoRandInt64(int64(e.jitter)); err == nil {
			target += time.Duration(n)
		}
	}

	if elapsed := time.Since(start); elapsed < target {
		time.Sleep(target - elapsed)
	}
}

// cryptoRandInt64 returns a secure random number in [0, max). math/rand
// would be predictable enough to subtract the jitter back out.
func cryptoRandInt64(max int64) (int64, error) {
	if max <= 0 {
		return 0, nil
	}

	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(buf) % uint64(max)), nil
}
