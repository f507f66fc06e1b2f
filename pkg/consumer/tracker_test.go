// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msgAt(partition int, offset int64) kafka.Message {
	return kafka.Message{Topic: "mail-events", Partition: partition, Offset: offset}
}

func offsets(msgs []kafka.Message) map[int]int64 {
	out := map[int]int64{}
	for _, m := range msgs {
		out[m.Partition] = m.Offset
	}
	return out
}

func TestTracker_NeverCommitsPastGap(t *testing.T) {
	tr := newTracker()
	for off := int64(0); off < 4; off++ {
		tr.track(msgAt(0, off))
	}

	tr.resolve(msgAt(0, 1))
	tr.resolve(msgAt(0, 2))
	assert.Empty(t, tr.ready(), "offset 0 is unresolved")
	assert.Equal(t, 4, tr.outstanding())

	tr.resolve(msgAt(0, 0))
	assert.Equal(t, map[int]int64{0: 2}, offsets(tr.ready()))
	assert.Equal(t, 1, tr.outstanding())

	assert.Empty(t, tr.ready(), "candidates are cleared once handed out")

	tr.resolve(msgAt(0, 3))
	assert.Equal(t, map[int]int64{0: 3}, offsets(tr.ready()))
	assert.Equal(t, 0, tr.outstanding())
}

func TestTracker_NonContiguousOffsets(t *testing.T) {
	tr := newTracker()
	// Compacted partitions skip offsets.
	for _, off := range []int64{10, 14, 20} {
		tr.track(msgAt(0, off))
	}
	tr.resolve(msgAt(0, 10))
	tr.resolve(msgAt(0, 14))
	assert.Equal(t, map[int]int64{0: 14}, offsets(tr.ready()))
}

func TestTracker_PartitionsAreIndependent(t *testing.T) {
	tr := newTracker()
	tr.track(msgAt(0, 0))
	tr.track(msgAt(0, 1))
	tr.track(msgAt(1, 0))
	tr.track(msgAt(1, 1))

	tr.resolve(msgAt(0, 1))
	tr.resolve(msgAt(1, 0))
	tr.resolve(msgAt(1, 1))

	ready := tr.ready()
	require.Len(t, ready, 1)
	assert.Equal(t, 1, ready[0].Partition)
	assert.Equal(t, int64(1), ready[0].Offset)
}

func TestTracker_Restore(t *testing.T) {
	tr := newTracker()
	tr.track(msgAt(0, 0))
	tr.track(msgAt(0, 1))
	tr.resolve(msgAt(0, 0))

	failed := tr.ready()
	require.Len(t, failed, 1)
	tr.restore(failed)
	assert.Equal(t, map[int]int64{0: 0}, offsets(tr.ready()))

	tr.resolve(msgAt(0, 1))
	tr.restore(failed)
	assert.Equal(t, map[int]int64{0: 1}, offsets(tr.ready()), "an older candidate never replaces a newer one")
}

func TestTracker_ResolveUnknownPartition(t *testing.T) {
	tr := newTracker()
	tr.resolve(msgAt(3, 7))
	assert.Empty(t, tr.ready())
}

func TestTracker_RefetchAfterRebalance(t *testing.T) {
	tr := newTracker()
	tr.track(msgAt(0, 5))
	tr.track(msgAt(0, 6))
	// The partition is rewound and both offsets are delivered again while the
	// first copies are still in flight.
	tr.track(msgAt(0, 5))
	tr.track(msgAt(0, 6))
	assert.Equal(t, 2, tr.outstanding())

	for _, off := range []int64{5, 6, 5, 6} {
		tr.resolve(msgAt(0, off))
	}
	assert.Equal(t, map[int]int64{0: 6}, offsets(tr.ready()))
	assert.Equal(t, 0, tr.outstanding())

	tr.track(msgAt(0, 7))
	tr.resolve(msgAt(0, 7))
	assert.Equal(t, map[int]int64{0: 7}, offsets(tr.ready()))
	assert.Equal(t, 0, tr.outstanding())
}

func TestTracker_RefetchKeepsEarlierGap(t *testing.T) {
	tr := newTracker()
	for off := int64(3); off <= 6; off++ {
		tr.track(msgAt(0, off))
	}
	tr.resolve(msgAt(0, 5))
	tr.track(msgAt(0, 5))
	assert.Equal(t, 3, tr.outstanding(), "offsets 3 and 4 stay tracked, 5 is tracked once")

	tr.resolve(msgAt(0, 4))
	tr.resolve(msgAt(0, 5))
	assert.Empty(t, tr.ready(), "offset 3 is unresolved")

	tr.resolve(msgAt(0, 3))
	assert.Equal(t, map[int]int64{0: 5}, offsets(tr.ready()))
	assert.Equal(t, 0, tr.outstanding())

	// A late copy of an offset that is no longer tracked changes nothing.
	tr.resolve(msgAt(0, 6))
	assert.Empty(t, tr.ready())
	assert.Equal(t, 0, tr.outstanding())
}
