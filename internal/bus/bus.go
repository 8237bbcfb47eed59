package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/syntonia/internal/config"
	"github.com/mtzanidakis/syntonia/internal/natsbus"
)

// Publisher mirrors accepted deliveries to an out-of-process transport.
type Publisher interface {
	PublishJSON(topic string, v any) error
}

// Archiver receives messages removed by Sweep.
type Archiver interface {
	Archive(ctx context.Context, msgs []Message) error
}

type ArchiverFunc func(ctx context.Context, msgs []Message) error

func (f ArchiverFunc) Archive(ctx context.Context, msgs []Message) error { return f(ctx, msgs) }

type Option func(*Bus)

func WithMirror(p Publisher) Option { return func(b *Bus) { b.mirror = p } }

func WithArchiver(a Archiver) Option { return func(b *Bus) { b.archive = a } }

func WithClock(now func() time.Time) Option { return func(b *Bus) { b.now = now } }

// SendOptions control a single send.
type SendOptions struct {
	Priority    Priority
	RequiresAck bool
}

// Metrics is a point-in-time snapshot of the bus counters.
type Metrics struct {
	Sent      int64 `json:"sent"`
	Delivered int64 `json:"delivered"`
	Acked     int64 `json:"acked"`
	Failed    int64 `json:"failed"`
}

// Bus delivers messages between registered agents. The registry map has its
// own lock; every inbox is locked independently.
type Bus struct {
	mu      sync.RWMutex
	inboxes map[string]*inbox

	seq        atomic.Uint64
	retention  time.Duration
	inboxLimit int
	mirror     Publisher
	archive    Archiver
	now        func() time.Time

	sent, delivered, acked, failed atomic.Int64
}

func New(cfg config.BusConfig, opts ...Option) *Bus {
	b := &Bus{
		inboxes:    make(map[string]*inbox),
		retention:  cfg.Retention,
		inboxLimit: cfg.InboxLimit,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Register creates an inbox for agentID. Registering an existing live inbox
// is a no-op.
func (b *Bus) Register(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if in, ok := b.inboxes[agentID]; ok && !in.closed {
		return
	}
	b.inboxes[agentID] = newInbox(agentID)
}

// Unregister closes agentID's inbox. Queued messages and delivered messages
// still awaiting an ack are failed. It returns how many were failed.
func (b *Bus) Unregister(agentID, reason string) int {
	b.mu.RLock()
	in, ok := b.inboxes[agentID]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	if reason == "" {
		reason = "recipient terminated"
	}

	now := b.now()
	n := 0
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return 0
	}
	in.closed = true
	close(in.notify)
	for _, e := range in.tracked {
		e.mu.Lock()
		if e.transition(StatusFailed, reason, now) {
			n++
		}
		e.mu.Unlock()
	}
	in.pending = nil
	in.mu.Unlock()

	b.failed.Add(int64(n))
	if n > 0 {
		slog.Warn("failed in-flight messages", "agent", agentID, "count", n, "reason", reason)
	}
	return n
}

func (b *Bus) inbox(agentID string) (*inbox, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	in, ok := b.inboxes[agentID]
	return in, ok
}

// SendDirect queues payload in to's inbox. Unknown or terminated recipients
// and full inboxes fail immediately with a DeliveryError.
func (b *Bus) SendDirect(from, to string, payload []byte, opts SendOptions) (*Receipt, error) {
	in, ok := b.inbox(to)
	if !ok {
		b.failed.Add(1)
		return nil, &DeliveryError{Recipient: to, Reason: "unknown recipient"}
	}

	now := b.now()
	e := &entry{
		msg: Message{
			ID:          uuid.New().String(),
			From:        from,
			To:          to,
			Payload:     append([]byte(nil), payload...),
			Priority:    opts.Priority,
			RequiresAck: opts.RequiresAck,
			Status:      StatusPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		seq:  b.seq.Add(1),
		done: make(chan struct{}),
	}

	in.mu.Lock()
	switch {
	case in.closed:
		in.mu.Unlock()
		b.failed.Add(1)
		return nil, &DeliveryError{MessageID: e.msg.ID, Recipient: to, Reason: "recipient terminated"}
	case b.inboxLimit > 0 && in.pending.Len() >= b.inboxLimit:
		in.mu.Unlock()
		b.failed.Add(1)
		return nil, &DeliveryError{MessageID: e.msg.ID, Recipient: to, Reason: "inbox full"}
	}
	in.push(e)
	in.mu.Unlock()

	b.sent.Add(1)
	b.publish(e)
	return &Receipt{ID: e.msg.ID, bus: b, entry: e}, nil
}

func (b *Bus) publish(e *entry) {
	if b.mirror == nil {
		return
	}
	msg := e.snapshot()
	if err := b.mirror.PublishJSON(natsbus.TopicAgentInbox(msg.To), msg); err != nil {
		slog.Warn("mirror delivery failed", "message", msg.ID, "recipient", msg.To, "error", err)
	}
}

type BroadcastResult struct {
	Delivered []string            `json:"delivered"`
	Failed    []string            `json:"failed"`
	Receipts  map[string]*Receipt `json:"-"`
}

// Broadcast sends payload to every recipient independently. Each recipient
// ends up in exactly one of Delivered or Failed.
func (b *Bus) Broadcast(from string, recipients []string, payload []byte, opts SendOptions) BroadcastResult {
	res := BroadcastResult{Receipts: make(map[string]*Receipt, len(recipients))}
	for _, to := range recipients {
		r, err := b.SendDirect(from, to, payload, opts)
		if err != nil {
			res.Failed = append(res.Failed, to)
			continue
		}
		res.Delivered = append(res.Delivered, to)
		res.Receipts[to] = r
	}
	return res
}

// Node is one recipient in a hierarchical delivery tree.
type Node struct {
	AgentID  string  `json:"agent_id"`
	Children []*Node `json:"children,omitempty"`
}

type HierarchyResult struct {
	Reached  int                 `json:"reached"`
	Failed   []string            `json:"failed,omitempty"`
	Receipts map[string]*Receipt `json:"-"`
}

// SendHierarchical walks tree depth-first, sending to every node. A failure
// at one node does not stop delivery to its subtree or its siblings.
func (b *Bus) SendHierarchical(from string, tree *Node, payload []byte, opts SendOptions) HierarchyResult {
	res := HierarchyResult{Receipts: make(map[string]*Receipt)}
	var walk func(n *Node)
	walk = func(n *Node) {
		if n == nil {
			return
		}
		if r, err := b.SendDirect(from, n.AgentID, payload, opts); err != nil {
			res.Failed = append(res.Failed, n.AgentID)
		} else {
			res.Reached++
			res.Receipts[r.ID] = r
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(tree)
	return res
}

// Receive takes the highest-priority pending message from agentID's inbox.
// ok is false when the inbox is empty.
func (b *Bus) Receive(agentID string) (Message, bool, error) {
	in, found := b.inbox(agentID)
	if !found {
		return Message{}, false, &DeliveryError{Recipient: agentID, Reason: "unknown recipient"}
	}

	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return Message{}, false, &DeliveryError{Recipient: agentID, Reason: "recipient terminated"}
	}
	e := in.pop()
	if in.pending.Len() > 0 {
		in.signal()
	}
	in.mu.Unlock()
	if e == nil {
		return Message{}, false, nil
	}

	e.mu.Lock()
	changed := e.transition(StatusDelivered, "", b.now())
	e.mu.Unlock()
	if !changed {
		// Failed between pop and transition; treat as empty.
		return Message{}, false, nil
	}
	b.delivered.Add(1)
	return e.snapshot(), true, nil
}

// Next blocks until a message is available for agentID or ctx is done.
func (b *Bus) Next(ctx context.Context, agentID string) (Message, error) {
	in, found := b.inbox(agentID)
	if !found {
		return Message{}, &DeliveryError{Recipient: agentID, Reason: "unknown recipient"}
	}
	for {
		msg, ok, err := b.Receive(agentID)
		if err != nil {
			return Message{}, err
		}
		if ok {
			return msg, nil
		}
		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case _, open := <-in.notify:
			if !open {
				return Message{}, &DeliveryError{Recipient: agentID, Reason: "recipient terminated"}
			}
		}
	}
}

// Ack acknowledges a delivered message on behalf of its recipient.
func (b *Bus) Ack(agentID, messageID string) error {
	in, found := b.inbox(agentID)
	if !found {
		return &DeliveryError{MessageID: messageID, Recipient: agentID, Reason: "unknown recipient"}
	}
	in.mu.Lock()
	e, ok := in.tracked[messageID]
	in.mu.Unlock()
	if !ok {
		return fmt.Errorf("ack %s: %w", messageID, ErrUnknownMessage)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case !e.msg.RequiresAck:
		return fmt.Errorf("ack %s: message does not require an ack", messageID)
	case e.msg.Status != StatusDelivered:
		return fmt.Errorf("ack %s: message is %s", messageID, e.msg.Status)
	}
	e.transition(StatusAcked, "", b.now())
	b.acked.Add(1)
	return nil
}

// Status returns the current state of a message addressed to agentID.
func (b *Bus) Status(agentID, messageID string) (DeliveryResult, bool) {
	in, found := b.inbox(agentID)
	if !found {
		return DeliveryResult{}, false
	}
	in.mu.Lock()
	e, ok := in.tracked[messageID]
	in.mu.Unlock()
	if !ok {
		return DeliveryResult{}, false
	}
	return e.result(), true
}

// Pending returns the number of queued messages for agentID.
func (b *Bus) Pending(agentID string) int {
	in, found := b.inbox(agentID)
	if !found {
		return 0
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.pending.Len()
}

func (b *Bus) Metrics() Metrics {
	return Metrics{
		Sent:      b.sent.Load(),
		Delivered: b.delivered.Load(),
		Acked:     b.acked.Load(),
		Failed:    b.failed.Load(),
	}
}

// Sweep removes messages that reached a terminal status more than the
// retention window before now, hands them to the archiver and drops closed
// inboxes that no longer track anything.
func (b *Bus) Sweep(ctx context.Context, now time.Time) (int, error) {
	b.mu.RLock()
	inboxes := make([]*inbox, 0, len(b.inboxes))
	for _, in := range b.inboxes {
		inboxes = append(inboxes, in)
	}
	b.mu.RUnlock()

	var removed []Message
	var empty []*inbox
	for _, in := range inboxes {
		in.mu.Lock()
		for id, e := range in.tracked {
			e.mu.Lock()
			expired := e.terminal() && now.Sub(e.msg.UpdatedAt) >= b.retention
			e.mu.Unlock()
			if expired {
				removed = append(removed, e.snapshot())
				delete(in.tracked, id)
			}
		}
		if in.closed && len(in.tracked) == 0 {
			empty = append(empty, in)
		}
		in.mu.Unlock()
	}

	if len(empty) > 0 {
		b.mu.Lock()
		for _, in := range empty {
			if b.inboxes[in.id] == in {
				delete(b.inboxes, in.id)
			}
		}
		b.mu.Unlock()
	}

	if len(removed) == 0 {
		return 0, nil
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].CreatedAt.Before(removed[j].CreatedAt) })
	if b.archive != nil {
		if err := b.archive.Archive(ctx, removed); err != nil {
			return len(removed), fmt.Errorf("archive messages: %w", err)
		}
	}
	return len(removed), nil
}

// Receipt is the sender's handle on one message.
type Receipt struct {
	ID    string
	bus   *Bus
	entry *entry
}

func (r *Receipt) Status() DeliveryResult {
	return r.entry.result()
}

// Wait blocks until the message reaches a terminal status. For messages that
// require an ack, ctx expiring first marks the message Failed and returns a
// DeliveryError; other messages are left untouched and ctx.Err is returned.
func (r *Receipt) Wait(ctx context.Context) (DeliveryResult, error) {
	select {
	case <-r.entry.done:
		res := r.entry.result()
		if res.Status == StatusFailed {
			return res, &DeliveryError{MessageID: res.MessageID, Recipient: res.Recipient, Reason: res.Reason}
		}
		return res, nil
	case <-ctx.Done():
	}

	e := r.entry
	e.mu.Lock()
	if !e.msg.RequiresAck {
		e.mu.Unlock()
		return r.entry.result(), ctx.Err()
	}
	changed := e.transition(StatusFailed, "ack deadline exceeded", r.bus.now())
	e.mu.Unlock()
	if changed {
		r.bus.failed.Add(1)
	}

	res := r.entry.result()
	if res.Status == StatusAcked {
		return res, nil
	}
	return res, &DeliveryError{MessageID: res.MessageID, Recipient: res.Recipient, Reason: res.Reason}
}
