// Package channel implements the Communication Channel (C3): a logical
// per-receiver FIFO queue of envelopes plus append-only audit logs for
// messages and handoffs.
package channel

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conductorhq/conductor/internal/envelope"
	"github.com/conductorhq/conductor/internal/errs"
	"github.com/conductorhq/conductor/internal/logging"
	"github.com/conductorhq/conductor/internal/store"
)

const (
	messagesLog = "messages.jsonl"
	handoffsLog = "handoffs.jsonl"
)

// messageRecord is one line of the messages.jsonl audit log.
type messageRecord struct {
	MessageID string          `json:"message_id"`
	Kind      string          `json:"kind"` // "input" | "output"
	AgentID   string          `json:"agent_id"`
	TaskID    string          `json:"task_id"`
	Sender    string          `json:"sender,omitempty"`
	Receiver  string          `json:"receiver,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Envelope  json.RawMessage `json:"envelope"`
}

// handoffRecord is one line of the handoffs.jsonl audit log.
type handoffRecord struct {
	HandoffID string    `json:"handoff_id"`
	TaskID    string    `json:"task_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Channel is the logical message bus for one conductor process. Per-receiver
// queues are in-memory; the audit trail is durable on the backing store.
type Channel struct {
	st     *store.JSONStore
	logger logging.Logger

	mu       sync.Mutex
	queues   map[string][]envelope.Input // keyed by agent_id; "" is the catch-all queue
	order    []string                    // recorded invocation order (message ids)
}

// New creates a Channel whose audit logs live under dir.
func New(dir string, logger logging.Logger) (*Channel, error) {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	st, err := store.NewJSONStore(dir, logger)
	if err != nil {
		return nil, err
	}
	return &Channel{
		st:     st,
		logger: logger.WithComponent("conductor/channel"),
		queues: make(map[string][]envelope.Input),
	}, nil
}

// Send validates and enqueues in, appends one audit record, and records the
// invocation order. sender is optional context (e.g. "coordinator", another
// agent id) recorded in the audit trail only.
func (c *Channel) Send(in envelope.Input, sender string) (string, error) {
	if !envelope.ValidAgentID(in.AgentID) {
		return "", errs.New("channel.Send", "InvalidContract", in.TaskID, errs.ErrInvalidContract)
	}

	msgID := uuid.NewString()
	raw, err := json.Marshal(in)
	if err != nil {
		return "", errs.New("channel.Send", "InvalidContract", in.TaskID, fmt.Errorf("%w: %v", errs.ErrInvalidContract, err))
	}

	c.mu.Lock()
	c.queues[in.AgentID] = append(c.queues[in.AgentID], in)
	c.order = append(c.order, msgID)
	c.mu.Unlock()

	rec := messageRecord{
		MessageID: msgID, Kind: "input", AgentID: in.AgentID, TaskID: in.TaskID,
		Sender: sender, Timestamp: time.Now().UTC(), Envelope: raw,
	}
	if err := c.appendMessage(rec); err != nil {
		return "", err
	}
	c.logger.Debug("envelope sent", map[string]interface{}{"message_id": msgID, "agent_id": in.AgentID, "task_id": in.TaskID})
	return msgID, nil
}

// Receive pops the oldest queued Input for agentID (FIFO). If agentID is
// empty, it pops from the catch-all queue. Returns nil if the queue is
// empty. Send files every Input under its own agent_id, which is never
// empty, so nothing reaches the catch-all queue through Send and
// Receive("") returns nil; an empty agentID does not read other queues.
func (c *Channel) Receive(agentID string) *envelope.Input {
	c.mu.Lock()
	defer c.mu.Unlock()

	q := c.queues[agentID]
	if len(q) == 0 {
		return nil
	}
	head := q[0]
	c.queues[agentID] = q[1:]
	return &head
}

// Respond checks that out carries a well-formed agent_id, audits it, and
// returns a message id. It does not check out against a previously sent
// Input; (agent_id, task_id) correlation is left to MakeOutput. receiver is
// optional audit context (who consumes this output next).
func (c *Channel) Respond(out envelope.Output, receiver string) (string, error) {
	if !envelope.ValidAgentID(out.AgentID) {
		return "", errs.New("channel.Respond", "InvalidContract", out.TaskID, errs.ErrInvalidContract)
	}

	msgID := uuid.NewString()
	raw, err := json.Marshal(out)
	if err != nil {
		return "", errs.New("channel.Respond", "InvalidContract", out.TaskID, fmt.Errorf("%w: %v", errs.ErrInvalidContract, err))
	}

	rec := messageRecord{
		MessageID: msgID, Kind: "output", AgentID: out.AgentID, TaskID: out.TaskID,
		Receiver: receiver, Timestamp: time.Now().UTC(), Envelope: raw,
	}
	if err := c.appendMessage(rec); err != nil {
		return "", err
	}
	c.logger.Debug("envelope responded", map[string]interface{}{"message_id": msgID, "agent_id": out.AgentID, "task_id": out.TaskID})
	return msgID, nil
}

// Handoff records a context transfer from one agent to another.
func (c *Channel) Handoff(from, to string, ctx envelope.Context, reason string) (string, error) {
	handoffID := uuid.NewString()
	rec := handoffRecord{
		HandoffID: handoffID, TaskID: taskIDFromContext(ctx), From: from, To: to,
		Reason: reason, Timestamp: time.Now().UTC(),
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return "", errs.New("channel.Handoff", "InvalidContract", "", fmt.Errorf("%w: %v", errs.ErrInvalidContract, err))
	}
	if err := c.st.AppendLine(handoffsLog, b); err != nil {
		return "", err
	}
	c.logger.Debug("context handoff recorded", map[string]interface{}{"handoff_id": handoffID, "from": from, "to": to})
	return handoffID, nil
}

// taskIDFromContext best-effort extracts a task id from the latest output
// in ctx, for audit labeling only; handoffs do not otherwise require it.
func taskIDFromContext(ctx envelope.Context) string {
	if o := ctx.LatestOutput(); o != nil {
		return o.TaskID
	}
	return ""
}

func (c *Channel) appendMessage(rec messageRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return errs.New("channel.appendMessage", "InvalidContract", rec.TaskID, fmt.Errorf("%w: %v", errs.ErrInvalidContract, err))
	}
	return c.st.AppendLine(messagesLog, b)
}

// ExportAuditTrail writes a combined, task-filtered snapshot of the message
// and handoff logs to <dir>/<task_id>_audit.json and returns its path.
func (c *Channel) ExportAuditTrail(taskID string) (string, error) {
	messages, err := readJSONLFiltered[messageRecord](filepath.Join(c.st.Dir(), messagesLog), func(m messageRecord) bool {
		return m.TaskID == taskID
	})
	if err != nil {
		return "", err
	}
	handoffs, err := readJSONLFiltered[handoffRecord](filepath.Join(c.st.Dir(), handoffsLog), func(h handoffRecord) bool {
		return h.TaskID == taskID
	})
	if err != nil {
		return "", err
	}

	doc := struct {
		TaskID   string          `json:"task_id"`
		Messages []messageRecord `json:"messages"`
		Handoffs []handoffRecord `json:"handoffs"`
	}{TaskID: taskID, Messages: messages, Handoffs: handoffs}

	path := filepath.Join(c.st.Dir(), taskID+"_audit.json")
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", errs.New("channel.ExportAuditTrail", "InvalidContract", taskID, fmt.Errorf("%w: %v", errs.ErrInvalidContract, err))
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return "", errs.New("channel.ExportAuditTrail", "StoreUnavailable", taskID, fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err))
	}
	return path, nil
}

func readJSONLFiltered[T any](path string, keep func(T) bool) ([]T, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return []T{}, nil
	}
	if err != nil {
		return nil, errs.New("channel.readJSONLFiltered", "StoreUnavailable", "", fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err))
	}
	defer f.Close()

	var out []T
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var v T
		if err := json.Unmarshal(scanner.Bytes(), &v); err != nil {
			continue
		}
		if keep(v) {
			out = append(out, v)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errs.New("channel.readJSONLFiltered", "StoreUnavailable", "", fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err))
	}
	return out, nil
}
