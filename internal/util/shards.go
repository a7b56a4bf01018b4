package util

// ShardForHash maps a 64-bit hash to one of 2^bits shards using the top
// bits of the hash. Top-bits selection keeps shard boundaries cheap to
// compute and, for a well-mixed hash, resistant to adversarial clustering
// in the low bits of keys.
func ShardForHash(hash uint64, bits int) int {
	if bits <= 0 {
		return 0
	}
	return int(hash >> (64 - uint(bits)))
}

// NumShards converts a shard-bit count to a shard count.
func NumShards(bits int) int {
	return 1 << uint(bits)
}

// PerShardCapacity splits a total capacity across 2^bits shards, rounding
// up so the shard capacities sum to at least the total.
func PerShardCapacity(total int64, bits int) int64 {
	n := int64(NumShards(bits))
	return (total + n - 1) / n
}
