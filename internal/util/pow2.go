package util

// NextPow2 returns the smallest power of two >= x. The clock shard keeps
// its slot ring at a power-of-two length so the hand can wrap with a mask.
//
//   - x == 0 yields 1
//   - results past 1<<63 clamp to 1<<63
func NextPow2(x uint64) uint64 {
	if x <= 1 {
		return 1
	}
	x--
	x |= x >> 1
	x |= x >> 2
	x |= x >> 4
	x |= x >> 8
	x |= x >> 16
	x |= x >> 32
	x++
	if x == 0 {
		return 1 << 63
	}
	return x
}
