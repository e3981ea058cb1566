// Package server implements the per-connection event dispatcher: the state
// machine that applies lifecycle events against the session store and emits
// the matching broadcasts.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
)

// errNotJoined marks events that require an active session arriving from a
// connection that has not joined yet. Recoverable: logged, nothing broadcast.
var errNotJoined = errors.New("dispatcher: connection has not joined")

// Re-join policy names accepted by the configuration. RejoinReplace mirrors
// the historical behavior: a second join from an active connection drops the
// old record (its notes are lost and the canonical identity is freed) and
// creates a fresh one. RejoinReject logs the attempt and leaves the session
// untouched.
const (
	RejoinReplace = "replace"
	RejoinReject  = "reject"
)

// emitter abstracts the hub's delivery primitives so the dispatcher can be
// exercised in tests without live websocket connections.
type emitter interface {
	Multicast(payload []byte)
	Unicast(client *Client, payload []byte) bool
}

// Dispatcher routes decoded client events through the session store and
// guarantees that every state-changing event is followed by exactly one
// roster broadcast reflecting the post-mutation state. Event processing is
// serialized behind a single mutex so a mutation plus its snapshot behave as
// one atomic step, even when transport goroutines deliver events in parallel.
// Broadcasts are published inside the same critical section, so the hub
// receives them in mutation order and never leaves clients on a stale final
// roster.
type Dispatcher struct {
	mu           sync.Mutex
	store        *SessionStore
	out          emitter
	logger       *slog.Logger
	rejoinPolicy string
}

// NewDispatcher creates a dispatcher bound to a session store and an outbound
// emitter. Unknown re-join policies fall back to RejoinReplace.
func NewDispatcher(store *SessionStore, out emitter, logger *slog.Logger, rejoinPolicy string) *Dispatcher {
	if rejoinPolicy != RejoinReject {
		rejoinPolicy = RejoinReplace
	}
	return &Dispatcher{
		store:        store,
		out:          out,
		logger:       logger.With(slog.String("component", "dispatcher")),
		rejoinPolicy: rejoinPolicy,
	}
}

// HandleConnect sends the current roster snapshot to a freshly registered
// connection. The connection does not appear in the roster until it joins.
// Runs on the hub's event loop, so it must not take d.mu: a handler holding
// the lock may be blocked publishing through that same loop. The store
// snapshot is atomic on its own, which is all a read-only path needs.
func (d *Dispatcher) HandleConnect(c *Client) {
	d.out.Unicast(c, d.encode(eventAllUsers, d.store.Snapshot()))
}

// HandleMessage decodes one inbound envelope and applies it. Malformed
// envelopes and unknown events are logged and dropped; no inbound event ever
// terminates the connection or the process.
func (d *Dispatcher) HandleMessage(c *Client, raw []byte) {
	var env clientEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		d.logger.Warn("Discarding malformed envelope",
			slog.String("addr", c.addr), slog.Any("error", err))
		return
	}

	switch env.Event {
	case eventJoin:
		d.handleJoin(c, env.Payload)
	case eventMessage:
		d.handleChat(c, env.Payload)
	case eventProfileUpdate:
		d.handleProfileUpdate(c, env.Payload)
	case eventNicknameUpdate:
		d.handleNicknameUpdate(c, env.Payload)
	case eventLogout:
		d.handleLogout(c)
	default:
		d.logger.Warn("Discarding unknown event",
			slog.String("event", env.Event), slog.String("addr", c.addr))
		return
	}
	metricEventsTotal.WithLabelValues(env.Event).Inc()
}

// HandleDisconnect finishes a connection's lifecycle when the transport drops
// it. A connection that was still active is treated exactly like a logout; one
// that never joined leaves no trace.
func (d *Dispatcher) HandleDisconnect(c *Client) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, removed := d.store.Remove(c.id)
	if !removed {
		return
	}
	c.active = false
	d.out.Multicast(d.encode(eventLogout, chatEvent{User: rec.DisplayLabel, Status: statusLeft}))
	d.out.Multicast(d.encode(eventAllUsers, d.store.Snapshot()))
}

func (d *Dispatcher) handleJoin(c *Client, payload json.RawMessage) {
	var p joinPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		d.logger.Warn("Discarding join with malformed payload",
			slog.String("addr", c.addr), slog.Any("error", err))
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if c.active {
		if d.rejoinPolicy == RejoinReject {
			d.logger.Warn("Rejecting re-join from active connection",
				slog.String("connID", c.id.String()), slog.String("identity", p.Identity))
			d.out.Unicast(c, d.encode(eventResUser, false))
			return
		}
		d.store.Remove(c.id)
	}
	rec, err := d.store.Create(c.id, p.Identity)
	if err != nil {
		d.logger.Error("Session create reported duplicate connection",
			slog.String("connID", c.id.String()), slog.Any("error", err))
	}
	c.active = true

	d.logger.Info("User joined",
		slog.String("connID", c.id.String()), slog.String("label", rec.DisplayLabel))
	d.out.Unicast(c, d.encode(eventResUser, true))
	d.out.Multicast(d.encode(eventNewUser, chatEvent{User: rec.DisplayLabel, Status: statusJoined}))
	d.out.Multicast(d.encode(eventAllUsers, d.store.Snapshot()))
}

func (d *Dispatcher) handleChat(c *Client, payload json.RawMessage) {
	var p messagePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		d.logger.Warn("Discarding message with malformed payload",
			slog.String("addr", c.addr), slog.Any("error", err))
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.store.Get(c.id)
	if !ok {
		d.logger.Warn("Discarding message from connection without a session",
			slog.String("addr", c.addr), slog.Any("error", errNotJoined))
		return
	}

	d.out.Multicast(d.encode(eventMessage, chatEvent{
		User:    rec.DisplayLabel,
		Message: p.Text,
		Status:  statusMessage,
	}))
}

func (d *Dispatcher) handleProfileUpdate(c *Client, payload json.RawMessage) {
	var p profileUpdatePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		d.logger.Warn("Discarding profile update with malformed payload",
			slog.String("addr", c.addr), slog.Any("error", err))
		return
	}
	d.applyAnnotation(c, p.Target, p.Text, d.store.AppendProfileNote)
}

func (d *Dispatcher) handleNicknameUpdate(c *Client, payload json.RawMessage) {
	var p nicknameUpdatePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		d.logger.Warn("Discarding nickname update with malformed payload",
			slog.String("addr", c.addr), slog.Any("error", err))
		return
	}
	d.applyAnnotation(c, p.Target, p.Name, d.store.AppendNickname)
}

// applyAnnotation appends an annotation to the targeted session and, when the
// append succeeds, broadcasts the updated roster. Unknown targets are logged
// and produce no broadcast.
func (d *Dispatcher) applyAnnotation(c *Client, target, text string, appendFn func(string, string) error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !c.active {
		d.logger.Warn("Discarding annotation from connection without a session",
			slog.String("addr", c.addr), slog.Any("error", errNotJoined))
		return
	}
	if err := appendFn(target, text); err != nil {
		d.logger.Warn("Annotation targeted unknown session",
			slog.String("target", target), slog.Any("error", err))
		return
	}
	d.out.Multicast(d.encode(eventAllUsers, d.store.Snapshot()))
}

func (d *Dispatcher) handleLogout(c *Client) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, removed := d.store.Remove(c.id)
	if !removed {
		d.logger.Warn("Discarding logout from connection without a session",
			slog.String("addr", c.addr), slog.Any("error", errNotJoined))
		return
	}
	c.active = false
	d.logger.Info("User logged out",
		slog.String("connID", c.id.String()), slog.String("label", rec.DisplayLabel))
	d.out.Multicast(d.encode(eventLogout, chatEvent{User: rec.DisplayLabel, Status: statusLeft}))
	d.out.Multicast(d.encode(eventAllUsers, d.store.Snapshot()))
}

// encode serializes an outbound envelope. Payloads are plain structs and
// slices, so a marshal failure indicates a bug; it is logged and the event is
// skipped rather than crashing the dispatcher.
func (d *Dispatcher) encode(event string, payload any) []byte {
	data, err := json.Marshal(serverEnvelope{Event: event, Payload: payload})
	if err != nil {
		d.logger.Error("Failed to marshal outbound event",
			slog.String("event", event), slog.Any("error", err))
		return nil
	}
	return data
}
