package notify

import (
	"container/heap"
	"sync"
	"time"

	"github.com/qiniu/alertcore/internal/alerting/model"
)

// retryQueue holds requests waiting for their ScheduledTime, earliest first.
type retryQueue struct {
	mu    sync.Mutex
	items retryHeap
}

func (q *retryQueue) push(req *model.NotificationRequest) {
	q.mu.Lock()
	heap.Push(&q.items, req)
	q.mu.Unlock()
}

// popDue removes and returns up to max requests whose ScheduledTime is not after now.
func (q *retryQueue) popDue(now time.Time, max int) []*model.NotificationRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*model.NotificationRequest
	for len(q.items) > 0 && len(out) < max && !q.items[0].ScheduledTime.After(now) {
		out = append(out, heap.Pop(&q.items).(*model.NotificationRequest))
	}
	return out
}

func (q *retryQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

type retryHeap []*model.NotificationRequest

func (h retryHeap) Len() int { return len(h) }
func (h retryHeap) Less(i, j int) bool {
	return h[i].ScheduledTime.Before(h[j].ScheduledTime)
}
func (h retryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *retryHeap) Push(x any) { *h = append(*h, x.(*model.NotificationRequest)) }

func (h *retryHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
