// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"sort"
	"sync"

	"github.com/segmentio/kafka-go"
)

// partitionOffsets holds the fetched but uncommitted offsets of one partition
// in fetch order.
type partitionOffsets struct {
	order    []kafka.Message
	resolved map[int64]bool
	// commit is the newest message whose predecessors are all resolved.
	commit *kafka.Message
}

// tracker decides what may be committed. A partition only advances up to
// the highest offset whose predecessors are all resolved, so an unresolved
// message is never skipped by a commit.
type tracker struct {
	mu         sync.Mutex
	partitions map[int]*partitionOffsets
	open       int
}

func newTracker() *tracker {
	return &tracker{partitions: map[int]*partitionOffsets{}}
}

// track registers a fetched message. A partition rewound by a rebalance
// fetches offsets again; the refetched message replaces the tracked ones
// from its offset onwards.
func (t *tracker) track(msg kafka.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.partitions[msg.Partition]
	if p == nil {
		p = &partitionOffsets{resolved: map[int64]bool{}}
		t.partitions[msg.Partition] = p
	}
	if i := p.index(msg.Offset); i < len(p.order) {
		for _, stale := range p.order[i:] {
			delete(p.resolved, stale.Offset)
		}
		t.open -= len(p.order) - i
		p.order = p.order[:i]
	}
	p.order = append(p.order, msg)
	t.open++
}

// index returns the position of the first tracked message at or after offset.
func (p *partitionOffsets) index(offset int64) int {
	return sort.Search(len(p.order), func(i int) bool { return p.order[i].Offset >= offset })
}

// resolve marks msg done and advances its partition's commit candidate.
// Resolving an offset that is not tracked, such as a second copy of an
// already committed message, has no effect.
func (t *tracker) resolve(msg kafka.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.partitions[msg.Partition]
	if p == nil {
		return
	}
	if i := p.index(msg.Offset); i == len(p.order) || p.order[i].Offset != msg.Offset {
		return
	}
	p.resolved[msg.Offset] = true
	for len(p.order) > 0 && p.resolved[p.order[0].Offset] {
		head := p.order[0]
		delete(p.resolved, head.Offset)
		p.order = p.order[1:]
		p.commit = &head
		t.open--
	}
}

// ready returns the commit candidate of every partition that advanced since
// the last call and clears them.
func (t *tracker) ready() []kafka.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []kafka.Message
	for _, p := range t.partitions {
		if p.commit != nil {
			out = append(out, *p.commit)
			p.commit = nil
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Partition < out[j].Partition })
	return out
}

// restore puts back candidates whose commit failed unless a newer one exists.
func (t *tracker) restore(msgs []kafka.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, msg := range msgs {
		p := t.partitions[msg.Partition]
		if p == nil {
			continue
		}
		if p.commit == nil || p.commit.Offset < msg.Offset {
			m := msg
			p.commit = &m
		}
	}
}

// outstanding is the number of tracked messages not yet covered by a
// commit candidate.
func (t *tracker) outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}
