package store

import "sync"

// subscriber buffer size. For a subscriber that cannot keep up, the oldest
// buffered snapshot is dropped in favor of the newest, so the stream always
// ends at the document's latest committed state.
const subscriberBuffer = 32

type subscriber struct {
	ch     chan Snapshot
	closed bool
}

// notifier fans committed snapshots out to per-document subscribers.
// Publish order matches commit order because the owning store publishes
// under its write lock.
type notifier struct {
	mu   sync.Mutex
	subs map[string][]*subscriber
}

func newNotifier() *notifier {
	return &notifier{subs: make(map[string][]*subscriber)}
}

func docKey(collection, id string) string {
	return collection + "/" + id
}

func (n *notifier) subscribe(collection, id string, current Snapshot) (<-chan Snapshot, func()) {
	sub := &subscriber{ch: make(chan Snapshot, subscriberBuffer)}
	key := docKey(collection, id)

	n.mu.Lock()
	n.subs[key] = append(n.subs[key], sub)
	sub.ch <- current
	n.mu.Unlock()

	release := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if sub.closed {
			return
		}
		sub.closed = true
		close(sub.ch)
		list := n.subs[key]
		for i, s := range list {
			if s == sub {
				n.subs[key] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(n.subs[key]) == 0 {
			delete(n.subs, key)
		}
	}

	return sub.ch, release
}

func (n *notifier) publish(snap Snapshot) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, sub := range n.subs[docKey(snap.Collection, snap.ID)] {
		if sub.closed {
			continue
		}
		// Replace the oldest buffered snapshot when the subscriber lags,
		// never the newest: even if this is the final commit, the
		// subscriber still observes it.
		for {
			select {
			case sub.ch <- snap:
			default:
				select {
				case <-sub.ch:
				default:
				}
				continue
			}
			break
		}
	}
}

func (n *notifier) closeAll() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for key, list := range n.subs {
		for _, sub := range list {
			if !sub.closed {
				sub.closed = true
				close(sub.ch)
			}
		}
		delete(n.subs, key)
	}
}
