// Package sched chooses the next thread to run, either by priority with
// a rotating tiebreak or by pure round-robin.
//
// The rotation cursor — a free variable in the C kernel this was modeled
// on — is a field of a Scheduler instance owned by the kernel here, not
// package-level state; both modes share it.
package sched

import "github.com/gmofishsauce/cortex-rtos/internal/thread"

// Mode selects between the two scheduling disciplines.
type Mode int

const (
	// Priority picks the lowest currentPriority value among Ready/Unrun
	// slots, breaking ties by a rotating scan start.
	Priority Mode = iota
	// RoundRobin advances a cursor through Ready/Unrun slots regardless
	// of priority.
	RoundRobin
)

// Scheduler holds the rotating state needed across calls: the
// previously chosen slot. In both modes the scan starts just after it;
// there is no separate round-robin cursor.
type Scheduler struct {
	Mode    Mode
	current thread.ID
}

// New returns a scheduler starting from slot 0 (the idle thread), in
// Priority mode.
func New() *Scheduler {
	return &Scheduler{Mode: Priority, current: 0}
}

// Current reports the slot the scheduler last picked.
func (s *Scheduler) Current() thread.ID { return s.current }

// Pick selects the next thread to run from tb, updates the internal
// rotation cursor, transitions an Unrun winner to Ready, and returns its
// slot. It always returns a valid index: slot 0 (the idle thread) if no
// Ready/Unrun candidate exists.
func (s *Scheduler) Pick(tb *thread.Table) thread.ID {
	n := tb.Len()
	var winner thread.ID
	found := false

	switch s.Mode {
	case RoundRobin:
		start := (int(s.current) + 1) % n
		for k := 0; k < n; k++ {
			i := (start + k) % n
			t := tb.At(thread.ID(i))
			if t.State == thread.Ready || t.State == thread.Unrun {
				winner, found = thread.ID(i), true
				break
			}
		}
	default: // Priority
		start := (int(s.current) + 1) % n
		best := uint8(255)
		for k := 0; k < n; k++ {
			i := (start + k) % n
			t := tb.At(thread.ID(i))
			if t.State != thread.Ready && t.State != thread.Unrun {
				continue
			}
			if !found || t.CurrentPriority < best {
				winner, best, found = thread.ID(i), t.CurrentPriority, true
			}
		}
	}

	if !found {
		winner = 0
	}

	if tb.At(winner).State == thread.Unrun {
		tb.At(winner).State = thread.Ready
	}
	s.current = winner
	return winner
}
