// Package ipc implements fixed-count mutexes and counting semaphores,
// each with a bounded FIFO waiter queue, operating directly on a
// thread.Table. These primitives are invoked only from inside the
// syscall dispatcher (internal/trap), never from user code, so no
// locking of their own is needed.
package ipc

import (
	"fmt"

	"github.com/gmofishsauce/cortex-rtos/internal/thread"
)

// MaxMutexes and MaxSemaphores bound the fixed-count tables.
const (
	MaxMutexes    = 4
	MaxSemaphores = 4
)

// queueCapacity bounds every waiter queue by the thread count. This
// statically proves the bound rather than returning an overflow error,
// since at most MaxThreads-1 other threads can ever be waiting on one
// resource — see DESIGN.md for the Open Question resolution.
const queueCapacity = thread.MaxThreads - 1

// waitQueue is a bounded FIFO of thread slot indexes.
type waitQueue struct {
	items [queueCapacity]thread.ID
	n     int
}

func (q *waitQueue) empty() bool { return q.n == 0 }

// push enqueues id, returning false if the queue is full or id is
// already present — no thread may appear twice in one waiter queue.
func (q *waitQueue) push(id thread.ID) bool {
	for i := 0; i < q.n; i++ {
		if q.items[i] == id {
			return false
		}
	}
	if q.n >= len(q.items) {
		return false
	}
	q.items[q.n] = id
	q.n++
	return true
}

// pop removes and returns the head of the queue.
func (q *waitQueue) pop() (thread.ID, bool) {
	if q.n == 0 {
		return thread.InvalidID, false
	}
	head := q.items[0]
	copy(q.items[:q.n-1], q.items[1:q.n])
	q.n--
	return head, true
}

// remove deletes id from the queue if present, compacting it, for
// killThread's cancellation step.
func (q *waitQueue) remove(id thread.ID) {
	for i := 0; i < q.n; i++ {
		if q.items[i] == id {
			copy(q.items[i:q.n-1], q.items[i+1:q.n])
			q.n--
			return
		}
	}
}

func (q *waitQueue) ids() []thread.ID {
	return append([]thread.ID(nil), q.items[:q.n]...)
}

// Mutex is a single mutual-exclusion lock.
type Mutex struct {
	locked bool
	owner  thread.ID
	queue  waitQueue
}

// Locked reports whether the mutex is currently held.
func (m *Mutex) Locked() bool { return m.locked }

// Owner returns the holding thread; only meaningful when Locked.
func (m *Mutex) Owner() thread.ID { return m.owner }

// Waiters returns the current FIFO waiter list, for diagnostics.
func (m *Mutex) Waiters() []thread.ID { return m.queue.ids() }

// Semaphore is a counting semaphore.
type Semaphore struct {
	count int
	queue waitQueue
}

// Count returns the current semaphore count.
func (s *Semaphore) Count() int { return s.count }

// Waiters returns the current FIFO waiter list, for diagnostics.
func (s *Semaphore) Waiters() []thread.ID { return s.queue.ids() }

// Tables holds the fixed mutex and semaphore arrays a kernel owns.
type Tables struct {
	Mutexes     [MaxMutexes]Mutex
	Semaphores  [MaxSemaphores]Semaphore
	InheritMode bool
}

// NewTables returns freshly zeroed mutex and semaphore tables.
func NewTables() *Tables {
	t := &Tables{}
	for i := range t.Mutexes {
		t.Mutexes[i].owner = thread.InvalidID
	}
	return t
}

// Lock implements call #2. current is the calling thread's
// slot; m is the mutex index. Returns true if a reschedule must be
// requested (the caller blocked).
func (t *Tables) Lock(tb *thread.Table, current thread.ID, m int) bool {
	mu := &t.Mutexes[m]
	cur := tb.At(current)

	if !mu.locked {
		mu.locked = true
		mu.owner = current
		cur.HeldOrBlockingMutex = m
		return false
	}

	mu.queue.push(current)
	cur.State = thread.BlockedMutex
	cur.HeldOrBlockingMutex = m

	if t.InheritMode {
		owner := tb.At(mu.owner)
		if cur.CurrentPriority < owner.CurrentPriority {
			owner.CurrentPriority = cur.CurrentPriority
		}
	}
	return true
}

// Unlock implements call #3. No-op unless current owns the
// mutex. Never itself requests a reschedule.
func (t *Tables) Unlock(tb *thread.Table, current thread.ID, m int) {
	mu := &t.Mutexes[m]
	if !mu.locked || mu.owner != current {
		return
	}

	cur := tb.At(current)
	if t.InheritMode {
		cur.CurrentPriority = cur.BasePriority
	}

	if head, ok := mu.queue.pop(); ok {
		mu.owner = head
		h := tb.At(head)
		h.State = thread.Ready
		return
	}
	mu.locked = false
	mu.owner = thread.InvalidID
	cur.HeldOrBlockingMutex = thread.NoMutex
}

// Wait implements call #4. Returns true if the caller
// blocked and a reschedule must be requested.
func (t *Tables) Wait(tb *thread.Table, current thread.ID, s int) bool {
	sem := &t.Semaphores[s]
	if sem.count > 0 {
		sem.count--
		return false
	}
	sem.queue.push(current)
	cur := tb.At(current)
	cur.State = thread.BlockedSem
	cur.BlockingSemaphore = s
	return true
}

// Post implements call #5. Returns true if a higher (lower
// numerically) base-priority thread was woken and a reschedule should be
// requested immediately rather than at the poster's next suspension
// point.
func (t *Tables) Post(tb *thread.Table, current thread.ID, s int) bool {
	sem := &t.Semaphores[s]
	if sem.queue.empty() {
		sem.count++
		return false
	}
	head, _ := sem.queue.pop()
	h := tb.At(head)
	h.State = thread.Ready
	h.BlockingSemaphore = thread.NoSemaphore

	cur := tb.At(current)
	return h.BasePriority < cur.BasePriority
}

// CancelThread removes id from every mutex and semaphore waiter queue it
// occupies, and releases every mutex it owns, as killThread's
// cancellation step requires. Released mutexes are handed to their FIFO
// head, which is marked Ready.
func (t *Tables) CancelThread(tb *thread.Table, id thread.ID) {
	for i := range t.Mutexes {
		mu := &t.Mutexes[i]
		if mu.locked && mu.owner == id {
			if head, ok := mu.queue.pop(); ok {
				mu.owner = head
				tb.At(head).State = thread.Ready
			} else {
				mu.locked = false
				mu.owner = thread.InvalidID
			}
		}
		mu.queue.remove(id)
	}
	for i := range t.Semaphores {
		t.Semaphores[i].queue.remove(id)
	}
}

// Validate checks owner/waiter consistency across both tables.
func (t *Tables) Validate(tb *thread.Table) error {
	for i := range t.Mutexes {
		mu := &t.Mutexes[i]
		if !mu.locked {
			if !mu.queue.empty() {
				return fmt.Errorf("ipc: mutex %d is unlocked but has waiters", i)
			}
			continue
		}
		owner := tb.At(mu.owner)
		if owner.HeldOrBlockingMutex != i || owner.State == thread.BlockedMutex {
			return fmt.Errorf("ipc: mutex %d owner slot %d is not a valid holder", i, mu.owner)
		}
		for _, w := range mu.queue.ids() {
			wt := tb.At(w)
			if wt.State != thread.BlockedMutex || wt.HeldOrBlockingMutex != i {
				return fmt.Errorf("ipc: mutex %d waiter slot %d is not correctly blocked", i, w)
			}
		}
	}
	for i := range t.Semaphores {
		sem := &t.Semaphores[i]
		if sem.count > 0 && !sem.queue.empty() {
			return fmt.Errorf("ipc: semaphore %d has count>0 and waiters", i)
		}
	}
	return nil
}
