package ledger

import (
	"sync"
	"sync/atomic"
)

// entity guards one position or voucher. Writers serialize on mu; readers load cur without locking.
type entity[T any] struct {
	mu  sync.Mutex
	cur atomic.Pointer[T]
}

func newEntity[T any](v *T) *entity[T] {
	e := &entity[T]{}
	e.cur.Store(v)
	return e
}

func (e *entity[T]) load() T {
	return *e.cur.Load()
}

// update runs fn against the current value under the writer lock. A nil result from fn means no
// change. Otherwise save must succeed before the new value becomes visible to readers.
func (e *entity[T]) update(fn func(cur T) (*T, error), save func(next *T) error) (prev T, next *T, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	prev = *e.cur.Load()
	next, err = fn(prev)
	if err != nil || next == nil {
		return prev, nil, err
	}
	if err = save(next); err != nil {
		return prev, nil, err
	}
	e.cur.Store(next)
	return prev, next, nil
}
