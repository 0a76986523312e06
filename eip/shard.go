package eip

import (
	"time"

	"fieldgate/config"
	"fieldgate/driver"
)

// shardPace is the inter-shard gap keeping the controller's
// message-router queue from saturating.
const shardPace = 20 * time.Millisecond

// planShards splits a poll batch into multi-service shards honoring
// the live tuning limits. Shard size is bounded by tag count and an
// estimated request byte budget; shard count per tick is bounded by
// the fraction of the poll period the tuning allows for reading,
// assuming one pacing interval per shard. Tags past the budget are
// deferred to the next tick.
func planShards(tags []driver.Tag, rate time.Duration, t config.EIPTuning) (shards [][]driver.Tag, deferred []driver.Tag) {
	t.Clamp()

	var cur []driver.Tag
	curBytes := 0
	flush := func() {
		if len(cur) > 0 {
			shards = append(shards, cur)
			cur = nil
			curBytes = 0
		}
	}

	for _, tag := range tags {
		cost := len(tag.Path) + t.TagOverheadBytes
		if len(cur) >= t.MaxTagsPerRequest || (len(cur) > 0 && curBytes+cost > t.MaxBytesPerRequest) {
			flush()
		}
		cur = append(cur, tag)
		curBytes += cost
	}
	flush()

	budget := shardBudget(rate, t)
	if len(shards) > budget {
		for _, s := range shards[budget:] {
			deferred = append(deferred, s...)
		}
		shards = shards[:budget]
	}
	return shards, deferred
}

// shardBudget converts the tick-fraction budget into a shard count,
// never below the configured minimum.
func shardBudget(rate time.Duration, t config.EIPTuning) int {
	if rate <= 0 {
		return t.MinShardsPerTick
	}
	n := int(float64(rate) * t.ShardBudget / float64(shardPace))
	if n < t.MinShardsPerTick {
		n = t.MinShardsPerTick
	}
	return n
}
