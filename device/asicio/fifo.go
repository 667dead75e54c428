package asicio

import (
	"container/list"
	"sync"
)

// Fifo is an unbounded queue safe for concurrent use.
type Fifo[T any] struct {
	_list *list.List
	_lock sync.Mutex
}

func NewFifo[T any]() *Fifo[T] {
	return &Fifo[T]{
		_list: list.New(),
	}
}

func (ff *Fifo[T]) Push(v T) {
	ff._lock.Lock()
	defer ff._lock.Unlock()
	ff._list.PushBack(v)
}

// Pop returns the oldest element, ok is false when the queue is empty.
func (ff *Fifo[T]) Pop() (v T, ok bool) {
	ff._lock.Lock()
	defer ff._lock.Unlock()
	e := ff._list.Front()
	if e == nil {
		return v, false
	}
	ff._list.Remove(e)
	return e.Value.(T), true
}

func (ff *Fifo[T]) Len() int {
	ff._lock.Lock()
	defer ff._lock.Unlock()
	return ff._list.Len()
}

func (ff *Fifo[T]) Clear() {
	ff._lock.Lock()
	defer ff._lock.Unlock()
	ff._list.Init()
}
