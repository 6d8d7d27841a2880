// Package cast narrows the any-typed values a bencode dictionary decodes
// into down to the concrete Go types torrent metainfo and tracker responses
// expect.
package cast

import (
	"errors"
	"fmt"
)

var (
	ErrNotString = errors.New("cast: not a string")
	ErrNotBytes  = errors.New("cast: not a byte string")
	ErrNotInt    = errors.New("cast: not an int")
	ErrNotList   = errors.New("cast: not a list")
)

// ToString coerces v, which must have been decoded as a bencode string, to a
// Go string.
func ToString(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case []byte:
		return string(t), nil
	default:
		return "", ErrNotString
	}
}

// ToBytes coerces v to a raw byte slice, accepting either a decoded string
// or an already-typed []byte.
func ToBytes(v any) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case string:
		return []byte(t), nil
	default:
		return nil, ErrNotBytes
	}
}

// ToInt coerces v, decoded as a bencode integer, to int64.
func ToInt(v any) (int64, error) {
	switch t := v.(type) {
	case int:
		return int64(t), nil
	case int8:
		return int64(t), nil
	case int16:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case int64:
		return t, nil
	case uint:
		return int64(t), nil
	case uint8:
		return int64(t), nil
	case uint32:
		return int64(t), nil
	case uint64:
		return int64(t), nil
	default:
		return 0, ErrNotInt
	}
}

// ToStringSlice coerces v, decoded as a bencode list of strings, to
// []string.
func ToStringSlice(v any) ([]string, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, ErrNotList
	}

	out := make([]string, 0, len(list))
	for i, elem := range list {
		s, err := ToString(elem)
		if err != nil {
			return nil, fmt.Errorf("elem %d: %w", i, err)
		}
		out = append(out, s)
	}

	return out, nil
}

// ToTieredStrings coerces v, decoded as a bencode list of non-empty string
// lists, to [][]string — the shape of a metainfo announce-list.
func ToTieredStrings(v any) ([][]string, error) {
	tiers, ok := v.([]any)
	if !ok {
		return nil, ErrNotList
	}

	out := make([][]string, 0, len(tiers))
	for i, tier := range tiers {
		ss, err := ToStringSlice(tier)
		if err != nil || len(ss) == 0 {
			return nil, fmt.Errorf("tier %d: invalid", i)
		}
		out = append(out, ss)
	}

	return out, nil
}
