package util

import (
	"hash/fnv"
)

// Bucket100 deterministically maps s into [0, 100) using FNV-1a, so the
// same client key always falls into the same percentage bucket across
// processes without any shared state. It is scoped to percentage-rollout
// decisions specifically; callers needing a bucket over a different range
// (e.g. a cumulative weight total) should use BucketN instead, since
// reducing an already-[0,100)-bounded value modulo some other n biases or
// truncates the distribution whenever n != 100.
func Bucket100(s string) int {
	return BucketN(s, 100)
}

// BucketN deterministically maps s into [0, n) using FNV-1a. n must be
// positive; BucketN panics on n <= 0, since a zero or negative bucket
// count is a caller bug, not a runtime condition to handle gracefully.
func BucketN(s string, n int) int {
	if n <= 0 {
		panic("util: BucketN requires n > 0")
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return int(h.Sum32() % uint32(n))
}
