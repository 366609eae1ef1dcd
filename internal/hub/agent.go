package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/vesaa/talonwatch/internal/store"
	"github.com/vesaa/talonwatch/internal/traffic"
)

// MaxFutureSkew is how far ahead of server time a metrics timestamp may be
// before it is clamped to now.
const MaxFutureSkew = 5 * time.Minute

// SessionState is the lifecycle stage of an agent socket.
type SessionState int

const (
	Unauthenticated SessionState = iota
	Authenticated
	Closed
)

func (s SessionState) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Authenticated:
		return "authenticated"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// AgentSession is one agent socket. Frames are handled one at a time.
type AgentSession struct {
	hub  *Hub
	peer Peer

	mu        sync.Mutex
	state     SessionState
	machineID uint
	lastSeen  time.Time
}

// RegisterAgent opens an unauthenticated session for peer.
func (h *Hub) RegisterAgent(peer Peer) *AgentSession {
	return &AgentSession{hub: h, peer: peer}
}

// State returns the session's lifecycle stage.
func (s *AgentSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// MachineID is zero until hello succeeds.
func (s *AgentSession) MachineID() uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machineID
}

// Handle processes one inbound frame. A *CloseError means the transport must
// close the socket with its code; any other error is informational and the
// socket stays open.
func (s *AgentSession) Handle(ctx context.Context, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Closed {
		return nil
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.hub.metrics.AgentFrames.WithLabelValues("invalid").Inc()
		replyError(s.peer, CodeBadMessage)
		return fmt.Errorf("decoding frame: %w", err)
	}

	switch env.Type {
	case TypeHello:
		s.hub.metrics.AgentFrames.WithLabelValues(TypeHello).Inc()
		var msg AgentHello
		if err := json.Unmarshal(raw, &msg); err != nil || !msg.valid() {
			replyError(s.peer, CodeBadMessage)
			return nil
		}
		return s.hello(ctx, &msg)
	case TypeMetrics:
		s.hub.metrics.AgentFrames.WithLabelValues(TypeMetrics).Inc()
		if s.state != Authenticated {
			replyError(s.peer, CodeNotHelloed)
			return ErrNotHelloed
		}
		var msg Metrics
		if err := json.Unmarshal(raw, &msg); err != nil || !msg.valid() {
			replyError(s.peer, CodeBadMessage)
			return nil
		}
		return s.metrics(ctx, &msg)
	default:
		s.hub.metrics.AgentFrames.WithLabelValues("invalid").Inc()
		replyError(s.peer, CodeBadMessage)
		return nil
	}
}

func (s *AgentSession) hello(ctx context.Context, msg *AgentHello) error {
	h := s.hub
	if s.state == Authenticated {
		replyError(s.peer, CodeAlreadyAuth)
		return nil
	}
	if !h.limiter.Allow(s.peer.RemoteIP()) {
		h.metrics.HelloRejected.WithLabelValues("rate_limited").Inc()
		return &CloseError{Code: CloseTryAgainLater, Reason: "rate_limited", Err: ErrRateLimited}
	}

	id := uint(msg.MachineID)
	m, err := h.store.Machine(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		h.metrics.HelloRejected.WithLabelValues("unknown_machine").Inc()
		return &CloseError{Code: CloseUnknownMachine, Reason: "unknown_machine", Err: ErrUnknownMachine}
	}
	if err != nil {
		replyError(s.peer, CodeInternal)
		return fmt.Errorf("loading machine %d: %w", id, err)
	}
	if bcrypt.CompareHashAndPassword([]byte(m.AgentKeyHash), []byte(msg.Key)) != nil {
		h.metrics.HelloRejected.WithLabelValues("bad_key").Inc()
		return &CloseError{Code: CloseBadKey, Reason: "bad_key", Err: ErrBadKey}
	}

	unlock := h.lockMachine(id)
	defer unlock()

	s.state = Authenticated
	s.machineID = id
	if prev := h.bind(id, s); prev != nil {
		log.Printf("[hub] machine %d: new session supersedes %s", id, prev.peer.RemoteIP())
	}

	now := h.clock.Now()
	s.lastSeen = now
	reply(s.peer, HelloOK{Type: TypeHelloOK, MachineID: id, IntervalSec: h.intervalSec})

	if err := h.store.UpdateHostMeta(ctx, id, msg.meta()); err != nil {
		return fmt.Errorf("machine %d host metadata: %w", id, err)
	}
	if err := h.store.MarkOnline(ctx, id, now); err != nil {
		return fmt.Errorf("machine %d mark online: %w", id, err)
	}
	log.Printf("[hub] machine %d (%s) online from %s", id, m.DisplayName(), s.peer.RemoteIP())
	h.broadcastStatus(id, true, &now)
	return nil
}

// sampleTime turns the agent's optional timestamp into a trusted one.
func sampleTime(at *int64, now time.Time) time.Time {
	if at == nil || *at <= 0 {
		return now
	}
	t := time.UnixMilli(*at)
	if t.Sub(now) > MaxFutureSkew {
		return now
	}
	return t
}

func (s *AgentSession) metrics(ctx context.Context, msg *Metrics) error {
	h := s.hub
	id := s.machineID
	now := h.clock.Now()
	at := sampleTime(msg.At, now)

	if err := h.store.InsertSample(ctx, msg.sample(id, at)); err != nil {
		return fmt.Errorf("machine %d insert sample: %w", id, err)
	}
	if err := h.store.MarkOnline(ctx, id, now); err != nil {
		return fmt.Errorf("machine %d mark online: %w", id, err)
	}
	s.lastSeen = now

	var snap *traffic.Snapshot
	if msg.Net != nil && h.traffic != nil {
		got, err := h.traffic.Account(ctx, id, at, msg.Net.RxBytes, msg.Net.TxBytes)
		if err != nil {
			return fmt.Errorf("machine %d traffic: %w", id, err)
		}
		snap = &got
	}
	h.Broadcast(id, metricsEvent(id, at, msg, snap))
	return nil
}

// Close ends the session. Only the machine's current session marks it
// offline; a superseded session closes quietly. Release, the offline write
// and its broadcast run under the machine lock, so a reconnecting agent's
// hello cannot interleave with them.
func (s *AgentSession) Close(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	was := s.state
	s.state = Closed
	if was != Authenticated {
		return
	}
	h := s.hub
	id := s.machineID
	unlock := h.lockMachine(id)
	defer unlock()
	if !h.release(id, s) {
		return
	}
	if err := h.store.MarkOffline(ctx, id); err != nil {
		log.Printf("[hub] machine %d mark offline: %v", id, err)
	}
	log.Printf("[hub] machine %d offline", id)
	last := s.lastSeen
	h.broadcastStatus(id, false, &last)
}
