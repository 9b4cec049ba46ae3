package bpmn

import (
	"container/list"
	"sync"
)

// lockManager serializes work per process instance. Two fairness modes:
// "unfair" hands contended locks to whoever the runtime wakes first;
// "fifo" grants them strictly in arrival order, which keeps audit
// ordering deterministic under heavy contention.
type lockManager struct {
	mu    sync.Mutex
	fifo  bool
	locks map[string]*instanceLock
}

type instanceLock struct {
	held    bool
	waiters *list.List // of chan struct{}
	refs    int
}

func newLockManager(fifo bool) *lockManager {
	return &lockManager{fifo: fifo, locks: map[string]*instanceLock{}}
}

// Lock blocks until the instance lock is held by the caller.
func (m *lockManager) Lock(instanceID string) {
	m.mu.Lock()
	il, ok := m.locks[instanceID]
	if !ok {
		il = &instanceLock{waiters: list.New()}
		m.locks[instanceID] = il
	}
	il.refs++
	if !il.held {
		il.held = true
		m.mu.Unlock()
		return
	}
	ch := make(chan struct{})
	if m.fifo {
		il.waiters.PushBack(ch)
	} else {
		il.waiters.PushFront(ch)
	}
	m.mu.Unlock()
	<-ch
}

// Unlock releases the instance lock, waking the next waiter.
func (m *lockManager) Unlock(instanceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	il, ok := m.locks[instanceID]
	if !ok || !il.held {
		panic("unlock of instance lock not held: " + instanceID)
	}
	il.refs--
	if front := il.waiters.Front(); front != nil {
		il.waiters.Remove(front)
		close(front.Value.(chan struct{}))
		return
	}
	il.held = false
	if il.refs == 0 {
		delete(m.locks, instanceID)
	}
}
