package supervisor

import "github.com/slurm-shepherd/shepherd/internal/model"

// ResolvePartitionForSubmit decides which partition a submission should
// target, applying the preferred-reset rule from §4.3 before returning
// the partition name and the (possibly reset) meta to persist. A run with
// no partition_fallback configured just uses its first plain Partitions
// entry, or no --partition flag at all.
func ResolvePartitionForSubmit(meta model.RunMeta, now int64) (string, model.RunMeta) {
	fb := meta.PartitionFallback
	if fb == nil || len(fb.Partitions) == 0 {
		if len(meta.Partitions) > 0 {
			return meta.Partitions[0], meta
		}
		return "", meta
	}

	if fb.ResetToPreferredSec > 0 && meta.CurrentPartitionIndex > 0 &&
		meta.PreferredLastTriedAt > 0 && now-meta.PreferredLastTriedAt >= fb.ResetToPreferredSec {
		meta.CurrentPartitionIndex = 0
		meta.PartitionFailureCounts = map[string]int{}
	}

	idx := meta.CurrentPartitionIndex
	if idx < 0 || idx >= len(fb.Partitions) {
		idx = 0
		meta.CurrentPartitionIndex = 0
	}
	if idx == 0 {
		meta.PreferredLastTriedAt = now
	}
	return fb.Partitions[idx], meta
}

// AdvanceOnFailure applies one failure's worth of partition-retry
// bookkeeping: increment the current partition's failure count, and
// advance (wrapping) to the next partition once retry_per_partition is
// reached. A run with no partition_fallback configured is unaffected.
func AdvanceOnFailure(meta model.RunMeta, now int64) model.RunMeta {
	fb := meta.PartitionFallback
	if fb == nil || len(fb.Partitions) == 0 {
		return meta
	}
	if meta.PartitionFailureCounts == nil {
		meta.PartitionFailureCounts = make(map[string]int)
	}

	idx := meta.CurrentPartitionIndex
	if idx < 0 || idx >= len(fb.Partitions) {
		idx = 0
		meta.CurrentPartitionIndex = 0
	}
	current := fb.Partitions[idx]
	meta.PartitionFailureCounts[current]++

	retryLimit := fb.RetryPerPartition
	if retryLimit <= 0 {
		retryLimit = 1
	}
	if meta.PartitionFailureCounts[current] >= retryLimit {
		nextIdx := (idx + 1) % len(fb.Partitions)
		meta.CurrentPartitionIndex = nextIdx
		meta.PartitionFailureCounts[fb.Partitions[nextIdx]] = 0
		meta.LastPartitionFallbackAt = now
	}
	return meta
}
