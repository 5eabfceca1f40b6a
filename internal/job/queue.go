package job

import (
	"github.com/summary-archive/internal/models"
)

// queueItem represents an admitted job waiting for a worker slot
type queueItem struct {
	Job      *models.ArchiveJob
	Priority int
	Seq      uint64 // FIFO tiebreak within a priority
	Index    int
}

// jobQueue implements heap.Interface over queued jobs.
// Higher priority values are dispatched first; equal priorities run in
// submission order.
type jobQueue []*queueItem

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority > q[j].Priority
	}
	return q[i].Seq < q[j].Seq
}

func (q jobQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].Index = i
	q[j].Index = j
}

func (q *jobQueue) Push(x interface{}) {
	n := len(*q)
	item := x.(*queueItem)
	item.Index = n
	*q = append(*q, item)
}

func (q *jobQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.Index = -1
	*q = old[0 : n-1]
	return item
}
