package dialogue

import "time"

// entry wraps a pending [Utterance] with scheduling metadata for the priority
// queue. The seq field provides FIFO ordering within the same priority tier.
type entry struct {
	utt      Utterance
	ticket   *Ticket
	seq      uint64 // monotonic submission order for FIFO tie-breaking
	index    int    // position in the heap, maintained by Swap/Push/Pop
	queuedAt time.Time

	startedAt time.Time // set on admission
}

// utteranceHeap implements [container/heap.Interface] as a max-heap ordered
// by priority tier (descending), with FIFO tie-breaking on seq (ascending).
// A QuickJab therefore lands behind every pending MainFight and ahead of
// every pending NormalChat.
type utteranceHeap []*entry

func (h utteranceHeap) Len() int { return len(h) }

// Less reports whether element i should be admitted before element j.
func (h utteranceHeap) Less(i, j int) bool {
	if h[i].utt.Priority != h[j].utt.Priority {
		return h[i].utt.Priority.Outranks(h[j].utt.Priority)
	}
	return h[i].seq < h[j].seq
}

func (h utteranceHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

// Push appends x to the heap. Called by [container/heap.Push]; callers must
// not invoke this directly.
func (h *utteranceHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

// Pop removes and returns the last element. Called by [container/heap.Pop];
// callers must not invoke this directly.
func (h *utteranceHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
