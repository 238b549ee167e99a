package queue

import (
	"container/heap"
	"sync"

	"github.com/modelforge/modelforge-go/pkg/models"
)

// Queue is an in-memory priority queue of pending jobs. Higher
// priority pops first; jobs with equal priority pop in submission
// order. All operations are safe for concurrent use.
type Queue struct {
	mu    sync.Mutex
	pq    priorityHeap
	items map[string]*queueItem // job ID to heap item
	seq   uint64
}

// New creates an empty job queue.
func New() *Queue {
	q := &Queue{items: make(map[string]*queueItem)}
	heap.Init(&q.pq)
	return q
}

// Push adds a job to the queue. It never blocks.
func (q *Queue) Push(job *models.Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	item := &queueItem{
		job:      job,
		priority: job.Priority,
		seq:      q.seq,
	}
	heap.Push(&q.pq, item)
	q.items[job.ID] = item
}

// Pop removes and returns the highest-priority job, or nil when the
// queue is empty.
func (q *Queue) Pop() *models.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.pq.Len() == 0 {
		return nil
	}
	item := heap.Pop(&q.pq).(*queueItem)
	delete(q.items, item.job.ID)
	return item.job
}

// Remove drops a queued job by ID, for cancellation before dispatch.
// It reports whether the job was in the queue.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[id]
	if !ok {
		return false
	}
	heap.Remove(&q.pq, item.index)
	delete(q.items, id)
	return true
}

// Len returns the number of queued jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pq.Len()
}

// queueItem is one heap entry.
type queueItem struct {
	job      *models.Job
	priority int
	seq      uint64 // submission order, breaks priority ties FIFO
	index    int    // index in heap
}

// priorityHeap implements heap.Interface
type priorityHeap []*queueItem

func (pq priorityHeap) Len() int { return len(pq) }

func (pq priorityHeap) Less(i, j int) bool {
	if pq[i].priority != pq[j].priority {
		// Higher priority value pops first
		return pq[i].priority > pq[j].priority
	}
	return pq[i].seq < pq[j].seq
}

func (pq priorityHeap) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *priorityHeap) Push(x interface{}) {
	n := len(*pq)
	item := x.(*queueItem)
	item.index = n
	*pq = append(*pq, item)
}

func (pq *priorityHeap) Pop() interface{} {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // avoid memory leak
	item.index = -1 // for safety
	*pq = old[0 : n-1]
	return item
}
