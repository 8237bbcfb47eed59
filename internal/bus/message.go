package bus

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ErrDeliveryFailed is matched by every DeliveryError.
var ErrDeliveryFailed = errors.New("message delivery failed")

// ErrUnknownMessage is returned when acknowledging a message the inbox does
// not track.
var ErrUnknownMessage = errors.New("unknown message")

type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(s) {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

func (p Priority) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Status is a message's delivery state.
//
//	Pending   accepted into the recipient's inbox, not yet received
//	Delivered taken from the inbox by the recipient
//	Acked     explicitly acknowledged by the recipient
//	Failed    terminated recipient, ack deadline passed, or rejected
type Status int

const (
	StatusPending Status = iota
	StatusDelivered
	StatusAcked
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusDelivered:
		return "delivered"
	case StatusAcked:
		return "acked"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	for _, v := range []Status{StatusPending, StatusDelivered, StatusAcked, StatusFailed} {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", b)
}

type Message struct {
	ID          string    `json:"id"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Payload     []byte    `json:"payload"`
	Priority    Priority  `json:"priority"`
	RequiresAck bool      `json:"requires_ack"`
	Status      Status    `json:"status"`
	Reason      string    `json:"reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// DeliveryError carries the message and recipient of a failed delivery.
type DeliveryError struct {
	MessageID string
	Recipient string
	Reason    string
}

func (e *DeliveryError) Error() string {
	if e.MessageID == "" {
		return fmt.Sprintf("deliver to %s: %s", e.Recipient, e.Reason)
	}
	return fmt.Sprintf("deliver %s to %s: %s", e.MessageID, e.Recipient, e.Reason)
}

func (e *DeliveryError) Is(target error) bool { return target == ErrDeliveryFailed }

// DeliveryResult is the final (or current) state of one send.
type DeliveryResult struct {
	MessageID string `json:"message_id"`
	Recipient string `json:"recipient"`
	Status    Status `json:"status"`
	Reason    string `json:"reason,omitempty"`
}

// entry is the bus-side record of a sent message. Its status may change
// after the sender returns, so it has its own lock.
type entry struct {
	mu   sync.Mutex
	msg  Message
	seq  uint64
	done chan struct{}
}

func (e *entry) terminal() bool {
	switch e.msg.Status {
	case StatusAcked, StatusFailed:
		return true
	case StatusDelivered:
		return !e.msg.RequiresAck
	}
	return false
}

// transition moves the entry to status and reports whether it changed. It
// must be called with e.mu held.
func (e *entry) transition(status Status, reason string, now time.Time) bool {
	if e.terminal() {
		return false
	}
	e.msg.Status = status
	e.msg.Reason = reason
	e.msg.UpdatedAt = now
	if e.terminal() {
		close(e.done)
	}
	return true
}

func (e *entry) snapshot() Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	m := e.msg
	m.Payload = append([]byte(nil), e.msg.Payload...)
	return m
}

func (e *entry) result() DeliveryResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return DeliveryResult{
		MessageID: e.msg.ID,
		Recipient: e.msg.To,
		Status:    e.msg.Status,
		Reason:    e.msg.Reason,
	}
}
