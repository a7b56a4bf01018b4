package cache

import (
	"fmt"
	"strconv"
	"strings"
)

// NewFromString builds a cache from a textual spec. Two forms are accepted:
//
//   - a bare size literal ("16M", "1g", "65536") — an LRU cache of that
//     capacity with default options;
//   - a semicolon-separated option list ("capacity=1M;num_shard_bits=4;
//     strict_capacity_limit=true;high_pri_pool_ratio=0.5;type=lru").
//
// An unrecognized cache type name yields ErrUnknownCacheType; a malformed
// option value yields ErrInvalidOption.
func NewFromString(spec string) (Cache, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("%w: empty cache spec", ErrInvalidOption)
	}
	if !strings.Contains(spec, "=") {
		capacity, err := parseSizeLiteral(spec)
		if err != nil {
			return nil, err
		}
		return NewLRU(LRUOptions{Capacity: capacity, NumShardBits: AutoShardBits})
	}

	kind := "lru"
	opts := LRUOptions{NumShardBits: AutoShardBits}
	for _, pair := range strings.Split(spec, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("%w: %q is not name=value", ErrInvalidOption, pair)
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)

		var err error
		switch name {
		case "type":
			kind = strings.ToLower(value)
		case "capacity":
			opts.Capacity, err = parseSizeLiteral(value)
		case "num_shard_bits":
			opts.NumShardBits, err = strconv.Atoi(value)
			if err != nil {
				err = fmt.Errorf("%w: num_shard_bits %q", ErrInvalidOption, value)
			}
		case "strict_capacity_limit":
			opts.StrictCapacityLimit, err = strconv.ParseBool(value)
			if err != nil {
				err = fmt.Errorf("%w: strict_capacity_limit %q", ErrInvalidOption, value)
			}
		case "high_pri_pool_ratio":
			opts.HighPriPoolRatio, err = strconv.ParseFloat(value, 64)
			if err != nil {
				err = fmt.Errorf("%w: high_pri_pool_ratio %q", ErrInvalidOption, value)
			}
		case "metadata_charge_policy":
			opts.MetadataChargePolicy, err = parseMetadataPolicy(value)
		default:
			err = fmt.Errorf("%w: unknown option %q", ErrInvalidOption, name)
		}
		if err != nil {
			return nil, err
		}
	}

	switch kind {
	case "lru":
		return NewLRU(opts)
	case "clock":
		return NewClock(ClockOptions{
			Capacity:             opts.Capacity,
			NumShardBits:         opts.NumShardBits,
			StrictCapacityLimit:  opts.StrictCapacityLimit,
			MetadataChargePolicy: opts.MetadataChargePolicy,
		})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCacheType, kind)
	}
}

// parseSizeLiteral accepts a decimal byte count with an optional single
// K/M/G/T suffix (case-insensitive), e.g. "65536", "512k", "16M".
func parseSizeLiteral(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("%w: empty size", ErrInvalidOption)
	}
	mult := int64(1)
	switch s[len(s)-1] {
	case 'k', 'K':
		mult = 1 << 10
		s = s[:len(s)-1]
	case 'm', 'M':
		mult = 1 << 20
		s = s[:len(s)-1]
	case 'g', 'G':
		mult = 1 << 30
		s = s[:len(s)-1]
	case 't', 'T':
		mult = 1 << 40
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: size literal %q", ErrInvalidOption, s)
	}
	return n * mult, nil
}
