package job

import (
	"sync"
)

// WorkQ is a FIFO of prepared work. It satisfies the hash chain work source,
// returning nil when empty.
type WorkQ struct {
	queue   []*MiningWork
	mx      sync.Mutex
	Created int
}

func (q *WorkQ) Enqueue(w *MiningWork) {
	q.mx.Lock()
	defer q.mx.Unlock()
	q.queue = append(q.queue, w)
	q.Created++
}

func (q *WorkQ) Next() *MiningWork {
	q.mx.Lock()
	defer q.mx.Unlock()

	if len(q.queue) == 0 {
		return nil
	}
	w := q.queue[0]
	q.queue = q.queue[1:]
	return w
}

func (q *WorkQ) ClearQ() int {
	q.mx.Lock()
	defer q.mx.Unlock()

	n := len(q.queue)
	q.queue = nil
	return n
}

func (q *WorkQ) Len() int {
	q.mx.Lock()
	defer q.mx.Unlock()

	return len(q.queue)
}
