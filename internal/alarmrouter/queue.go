package alarmrouter

import (
	"container/heap"

	"github.com/technosupport/videocore/internal/contracts"
)

// pqItem wraps an AlarmEvent with its queue insertion order, used only
// to break exact submission-timestamp ties deterministically (FIFO).
type pqItem struct {
	evt   contracts.AlarmEvent
	seq   int64
	index int
}

// priorityQueue orders by (priority desc, submission_ts asc, seq asc).
type priorityQueue []*pqItem

func (pq priorityQueue) Len() int { return len(pq) }

func (pq priorityQueue) Less(i, j int) bool {
	a, b := pq[i], pq[j]
	if a.evt.Priority != b.evt.Priority {
		return a.evt.Priority > b.evt.Priority
	}
	if !a.evt.SubmissionTS.Equal(b.evt.SubmissionTS) {
		return a.evt.SubmissionTS.Before(b.evt.SubmissionTS)
	}
	return a.seq < b.seq
}

func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *priorityQueue) Push(x any) {
	item := x.(*pqItem)
	item.index = len(*pq)
	*pq = append(*pq, item)
}

func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*pq = old[:n-1]
	return item
}

var _ = heap.Interface(&priorityQueue{})
