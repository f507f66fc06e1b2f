/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package dispatch

import (
	"container/heap"
	"time"
)

// retryHeap orders parked items by the time they become eligible again.
type retryHeap []*item

var _ heap.Interface = (*retryHeap)(nil)

func (h retryHeap) Len() int           { return len(h) }
func (h retryHeap) Less(i, j int) bool { return h[i].readyAt.Before(h[j].readyAt) }
func (h retryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *retryHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *retryHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// popDue removes and returns every item whose ready time is not after now.
func (h *retryHeap) popDue(now time.Time) []*item {
	var due []*item
	for h.Len() > 0 && !(*h)[0].readyAt.After(now) {
		due = append(due, heap.Pop(h).(*item))
	}
	return due
}

// drain removes and returns everything.
func (h *retryHeap) drain() []*item {
	items := make([]*item, 0, h.Len())
	for h.Len() > 0 {
		items = append(items, heap.Pop(h).(*item))
	}
	return items
}
