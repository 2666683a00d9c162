// Package batching converts an arbitrary slice into evenly sized batches
// with stable, reproducible ordering. Items are shuffled with a seeded PRNG
// so batches stay balanced when the input has structure; the same input,
// target size and seed always yield bit-identical partitions.
package batching

import "math/rand"

// DefaultSeed is the shuffle seed used by the pipeline.
const DefaultSeed = 42

// OptimalBatchSizes returns ⌈total/target⌉ batch sizes that differ by at
// most one, with the remainder distributed to the earliest batches.
//
//	OptimalBatchSizes(7, 3) == []int{3, 2, 2}
func OptimalBatchSizes(total, target int) []int {
	if total <= 0 || target <= 0 {
		return nil
	}
	if total <= target {
		return []int{total}
	}

	numBatches := (total + target - 1) / target
	base := total / numBatches
	remainder := total % numBatches

	sizes := make([]int, numBatches)
	for i := range sizes {
		sizes[i] = base
		if i < remainder {
			sizes[i]++
		}
	}
	return sizes
}

// MakeBatches splits items into evenly sized batches after a deterministic
// seeded shuffle. The input slice is not modified. The concatenation of the
// returned batches is a permutation of items.
func MakeBatches[T any](items []T, target int, seed int64) [][]T {
	if len(items) == 0 {
		return nil
	}

	shuffled := make([]T, len(items))
	copy(shuffled, items)

	// Fisher-Yates with an explicit source so the partition is reproducible.
	rng := rand.New(rand.NewSource(seed))
	for i := len(shuffled) - 1; i > 0; i-- {
		j := rng.Intn(i + 1)
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	}

	sizes := OptimalBatchSizes(len(shuffled), target)
	batches := make([][]T, 0, len(sizes))
	cursor := 0
	for _, size := range sizes {
		batches = append(batches, shuffled[cursor:cursor+size])
		cursor += size
	}
	return batches
}

// NumBatches returns the batch count MakeBatches would produce.
func NumBatches(total, target int) int {
	return len(OptimalBatchSizes(total, target))
}
