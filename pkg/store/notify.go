package store

import "sync"

// subscription pairs a callback with the set of tables it cares about.
type subscription struct {
	id     uint64
	tables map[string]bool
	cb     func(changed map[string]bool)
}

// notifier fans out per-table change notifications to subscribers in
// registration order, draining one batch fully before starting the
// next. A subscriber that writes to the Store inside its callback does
// not recurse into a fresh dispatch — that write's notification is
// queued and drained only after the current batch finishes, per the
// reactive-correctness invariant in spec.md §5/§8.
type notifier struct {
	mu                 sync.Mutex
	nextID             uint64
	subs               []*subscription
	queue              []map[string]bool
	dispatchInProgress bool
}

func newNotifier() *notifier {
	return &notifier{}
}

func (n *notifier) subscribe(tables []string, cb func(changed map[string]bool)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.nextID++
	id := n.nextID
	set := make(map[string]bool, len(tables))
	for _, t := range tables {
		set[t] = true
	}
	n.subs = append(n.subs, &subscription{id: id, tables: set, cb: cb})

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		for i, s := range n.subs {
			if s.id == id {
				n.subs = append(n.subs[:i], n.subs[i+1:]...)
				break
			}
		}
	}
}

// publish enqueues a change batch and, if no dispatch is currently
// running, drains the queue synchronously on the calling goroutine.
func (n *notifier) publish(changed map[string]bool) {
	n.mu.Lock()
	n.queue = append(n.queue, changed)
	if n.dispatchInProgress {
		n.mu.Unlock()
		return
	}
	n.dispatchInProgress = true
	n.mu.Unlock()

	n.drain()
}

func (n *notifier) drain() {
	for {
		n.mu.Lock()
		if len(n.queue) == 0 {
			n.dispatchInProgress = false
			n.mu.Unlock()
			return
		}
		batch := n.queue[0]
		n.queue = n.queue[1:]
		subsSnapshot := make([]*subscription, len(n.subs))
		copy(subsSnapshot, n.subs)
		n.mu.Unlock()

		for _, s := range subsSnapshot {
			if intersects(s.tables, batch) {
				s.cb(batch)
			}
		}
	}
}

func intersects(set, changed map[string]bool) bool {
	for t := range changed {
		if set[t] {
			return true
		}
	}
	return false
}
