package utils

import (
	"cmp"
	"slices"
)

/* Example: GetRange(2, 10, 2) -> [2 4 6 8 10]. Empty when end < start */
func GetRange(start int, end int, interval int) []int {
	if end < start {
		return []int{}
	}
	result := make([]int, (end-start)/interval+1)
	for i := 0; i < len(result); i++ {
		result[i] = start + i*interval
	}
	return result
}

func GetMapKeys[K comparable, V any](m map[K]V) []K {
	keys := make([]K, len(m))
	i := 0
	for k := range m {
		keys[i] = k
		i++
	}
	return keys
}

/* Map keys in ascending order, so iteration over maps stays deterministic */
func SortedKeys[K cmp.Ordered, V any](m map[K]V) []K {
	keys := GetMapKeys(m)
	slices.Sort(keys)
	return keys
}

func AddIfAbsent[K comparable, V any](m map[K]V, key K, value V) {
	if _, ok := m[key]; !ok {
		m[key] = value
	}
}
