package fulfillment

import "time"

// RequestedEvent asks a worker to drive a session's fulfillment forward.
type RequestedEvent struct {
	SessionID  string    `json:"sessionId"`
	Trigger    string    `json:"trigger"`
	OccurredAt time.Time `json:"occurredAt"`
}

func (RequestedEvent) EventName() string { return "fulfillment.requested" }

func (e RequestedEvent) AggregateID() string { return e.SessionID }

func NewRequestedEvent(sessionID, trigger string) RequestedEvent {
	return RequestedEvent{
		SessionID:  sessionID,
		Trigger:    trigger,
		OccurredAt: time.Now().UTC(),
	}
}

// CompletedEvent is emitted once a record reaches Notified.
type CompletedEvent struct {
	SessionID    string    `json:"sessionId"`
	TrackingCode string    `json:"trackingCode,omitempty"`
	Carrier      string    `json:"carrier,omitempty"`
	Service      string    `json:"service,omitempty"`
	Shipped      bool      `json:"shipped"`
	OccurredAt   time.Time `json:"occurredAt"`
}

func (CompletedEvent) EventName() string { return "fulfillment.completed" }

func (e CompletedEvent) AggregateID() string { return e.SessionID }

func NewCompletedEvent(r *Record) CompletedEvent {
	return CompletedEvent{
		SessionID:    r.SessionID,
		TrackingCode: r.TrackingCode,
		Carrier:      r.Carrier,
		Service:      r.Service,
		Shipped:      r.TrackingCode != "",
		OccurredAt:   time.Now().UTC(),
	}
}

// FailedEvent is emitted once a record reaches Failed; it needs an operator.
type FailedEvent struct {
	SessionID    string    `json:"sessionId"`
	Reason       string    `json:"reason"`
	AttemptCount int       `json:"attemptCount"`
	OccurredAt   time.Time `json:"occurredAt"`
}

func (FailedEvent) EventName() string { return "fulfillment.failed" }

func (e FailedEvent) AggregateID() string { return e.SessionID }

func NewFailedEvent(r *Record) FailedEvent {
	return FailedEvent{
		SessionID:    r.SessionID,
		Reason:       r.LastError,
		AttemptCount: r.AttemptCount,
		OccurredAt:   time.Now().UTC(),
	}
}
