package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/c360/depthgraph/errors"
	"github.com/c360/depthgraph/message"
)

// Callback receives every message sent to a queue, along with the queue name.
// It runs on the sending goroutine and must not send to the same queue.
type Callback func(queueName string, msg message.Message)

// CallbackID identifies a registered callback.
type CallbackID int

type callbackEntry struct {
	id      CallbackID
	fn      Callback
	removed atomic.Bool
}

// callbackList is copy-on-write: dispatch iterates a snapshot, so callbacks
// may add or remove entries, including themselves, while being invoked.
type callbackList struct {
	mu      sync.Mutex
	entries []*callbackEntry
	nextID  CallbackID
}

func (l *callbackList) add(fn Callback) CallbackID {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := &callbackEntry{id: l.nextID, fn: fn}
	l.nextID++

	entries := make([]*callbackEntry, len(l.entries), len(l.entries)+1)
	copy(entries, l.entries)
	l.entries = append(entries, e)
	return e.id
}

func (l *callbackList) remove(id CallbackID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, e := range l.entries {
		if e.id != id {
			continue
		}
		e.removed.Store(true)
		entries := make([]*callbackEntry, 0, len(l.entries)-1)
		entries = append(entries, l.entries[:i]...)
		l.entries = append(entries, l.entries[i+1:]...)
		return true
	}
	return false
}

func (l *callbackList) snapshot() []*callbackEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries
}

func (l *callbackList) clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		e.removed.Store(true)
	}
	l.entries = nil
}

func (l *callbackList) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// AddCallback registers fn to observe every subsequent message. IDs are
// assigned in increasing order starting at 0.
func (q *Queue) AddCallback(fn Callback) (CallbackID, error) {
	if fn == nil {
		return -1, errors.Record(errors.WrapInvalid(errors.ErrInvalidData, "Queue", "AddCallback", "nil callback"))
	}
	if q.IsClosed() {
		return -1, q.mapErr("AddCallback", errors.ErrQueueClosed)
	}
	return q.callbacks.add(fn), nil
}

// AddCallbackContext registers fn until ctx is cancelled.
func (q *Queue) AddCallbackContext(ctx context.Context, fn Callback) (CallbackID, error) {
	id, err := q.AddCallback(fn)
	if err != nil {
		return id, err
	}
	context.AfterFunc(ctx, func() { q.RemoveCallback(id) })
	return id, nil
}

// RemoveCallback unregisters a callback. It reports whether id was live.
func (q *Queue) RemoveCallback(id CallbackID) bool {
	return q.callbacks.remove(id)
}

// CallbackCount returns the number of live callbacks.
func (q *Queue) CallbackCount() int {
	return q.callbacks.len()
}

func (q *Queue) dispatch(msg message.Message) {
	entries := q.callbacks.snapshot()
	if len(entries) == 0 {
		return
	}

	name := q.Name()
	for _, e := range entries {
		if e.removed.Load() {
			continue
		}
		q.invoke(e, name, msg)
	}
}

func (q *Queue) invoke(e *callbackEntry, name string, msg message.Message) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("Queue callback panicked",
				"callback_id", int(e.id),
				"datatype", msg.Datatype().String(),
				"panic", fmt.Sprint(r))
			if q.metrics != nil {
				q.metrics.panics.Inc()
			}
		}
	}()

	e.fn(name, msg)
	if q.metrics != nil {
		q.metrics.invocations.Inc()
	}
}
