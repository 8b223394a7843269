package lifecycle

import (
	"sync"
)

// Notifier implements ServiceServer, fanning out published Events to every
// subscriber whose WatchRequest.FlowID matches (or who subscribed with no
// filter at all). Publish is called from the version-lifecycle HTTP
// handlers as each transition commits; it never blocks on a slow or absent
// subscriber.
type Notifier struct {
	mu   sync.Mutex
	subs map[chan *Event]string // chan -> flow id filter, "" means all
}

// NewNotifier constructs an empty Notifier.
func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[chan *Event]string)}
}

// WatchDeployments implements ServiceServer: blocks, pushing matching
// events to stream until the client disconnects or the stream errors.
func (n *Notifier) WatchDeployments(req *WatchRequest, stream LifecycleService_WatchDeploymentsServer) error {
	ch := n.subscribe(req.FlowID)
	defer n.unsubscribe(ch)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt := <-ch:
			if err := stream.Send(evt); err != nil {
				return err
			}
		}
	}
}

// Publish fans evt out to every subscriber whose filter matches. A full
// subscriber channel drops the event rather than blocking the caller: this
// stream is a best-effort notification feed, not a durable event log.
func (n *Notifier) Publish(evt *Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch, flowID := range n.subs {
		if flowID != "" && flowID != evt.FlowID {
			continue
		}
		select {
		case ch <- evt:
		default:
		}
	}
}

func (n *Notifier) subscribe(flowID string) chan *Event {
	ch := make(chan *Event, 16)
	n.mu.Lock()
	n.subs[ch] = flowID
	n.mu.Unlock()
	return ch
}

func (n *Notifier) unsubscribe(ch chan *Event) {
	n.mu.Lock()
	delete(n.subs, ch)
	n.mu.Unlock()
}

// SubscriberCount reports how many active WatchDeployments streams exist.
func (n *Notifier) SubscriberCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}
