package audit

import (
	schemaaudit "github.com/nebula-ide/warden/core/schema/v1/audit"
)

const defaultSubscriberBuffer = 16

// Filter selects which events a subscriber receives.
type Filter func(schemaaudit.Event) bool

// ProjectFilter matches events belonging to one project. An empty project
// id matches every event.
func ProjectFilter(projectID string) Filter {
	return func(event schemaaudit.Event) bool {
		return projectID == "" || event.ProjectID == projectID
	}
}

// Subscription is one registered listener. Events arrive on a buffered
// channel; when the buffer is full the event is dropped for that listener
// rather than blocking the append path.
type Subscription struct {
	id      int
	filter  Filter
	channel chan schemaaudit.Event
}

// Events is the delivery channel. It is closed by Unsubscribe.
func (s *Subscription) Events() <-chan schemaaudit.Event {
	return s.channel
}

// Subscribe registers a listener. A nil filter receives everything; a
// non-positive buffer selects the default of 16.
func (l *Log) Subscribe(filter Filter, buffer int) *Subscription {
	if filter == nil {
		filter = func(schemaaudit.Event) bool { return true }
	}
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}

	l.subMu.Lock()
	defer l.subMu.Unlock()

	l.nextSubID++
	sub := &Subscription{
		id:      l.nextSubID,
		filter:  filter,
		channel: make(chan schemaaudit.Event, buffer),
	}
	l.subscribers[sub.id] = sub
	return sub
}

// Unsubscribe removes a listener and closes its channel.
func (l *Log) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	l.subMu.Lock()
	defer l.subMu.Unlock()

	if _, ok := l.subscribers[sub.id]; !ok {
		return
	}
	delete(l.subscribers, sub.id)
	close(sub.channel)
}

// notify fans an event out to matching subscribers. Sends are non-blocking
// and happen under the subscriber lock, so Unsubscribe can never close a
// channel mid-send.
func (l *Log) notify(event schemaaudit.Event) {
	l.subMu.RLock()
	defer l.subMu.RUnlock()

	for _, sub := range l.subscribers {
		if !sub.filter(event) {
			continue
		}
		select {
		case sub.channel <- event:
		default:
		}
	}
}
