package transport

import (
	"context"
	"sync"
)

// Loopback is an in-memory Messenger used by tests and local single-process
// runs. It records every message per recipient in arrival order.
type Loopback struct {
	mu        sync.Mutex
	all       []Message
	perTarget map[string][]Message
	groups    map[string][]string
	redirects map[string]Destination
	audience  []string
}

// NewLoopback creates an empty loopback messenger.
func NewLoopback() *Loopback {
	return &Loopback{
		perTarget: make(map[string][]Message),
		groups:    make(map[string][]string),
		redirects: make(map[string]Destination),
	}
}

// SetAudience defines the recipients of SendToAll.
func (l *Loopback) SetAudience(participantIDs []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.audience = append([]string(nil), participantIDs...)
}

// SetGroup defines the recipients of SendToGroup for groupID.
func (l *Loopback) SetGroup(groupID string, participantIDs []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.groups[groupID] = append([]string(nil), participantIDs...)
}

// SendToOne records a message for one participant.
func (l *Loopback) SendToOne(_ context.Context, participantID string, topic Topic, payload any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.record(Message{To: participantID, Topic: topic, Payload: payload})
	return nil
}

// SendToAll records a message for every participant in the audience.
func (l *Loopback) SendToAll(_ context.Context, topic Topic, payload any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range l.audience {
		l.record(Message{To: id, Topic: topic, Payload: payload})
	}
	return nil
}

// SendToGroup records a message for every member of groupID.
func (l *Loopback) SendToGroup(_ context.Context, groupID string, topic Topic, payload any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range l.groups[groupID] {
		l.record(Message{To: id, Topic: topic, Payload: payload})
	}
	return nil
}

// Redirect records the destination a participant was sent to.
func (l *Loopback) Redirect(_ context.Context, participantID string, destination Destination) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.redirects[participantID] = destination
	return nil
}

// MessagesFor returns all messages recorded for a participant, in order.
func (l *Loopback) MessagesFor(participantID string) []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Message(nil), l.perTarget[participantID]...)
}

// RedirectFor returns the recorded redirect destination, if any.
func (l *Loopback) RedirectFor(participantID string) (Destination, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	dest, ok := l.redirects[participantID]
	return dest, ok
}

// All returns every recorded message in arrival order.
func (l *Loopback) All() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Message(nil), l.all...)
}

func (l *Loopback) record(msg Message) {
	l.all = append(l.all, msg)
	l.perTarget[msg.To] = append(l.perTarget[msg.To], msg)
}

var _ Messenger = (*Loopback)(nil)
