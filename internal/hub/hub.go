// Package hub multiplexes agent and viewer sockets.
//
// Agents authenticate with hello, then push metrics; the hub persists each
// report, runs traffic accounting and fans the result out to every viewer
// whose subscription covers the machine. Viewer delivery is best effort: a
// full send buffer drops the event instead of stalling ingestion.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/coder/quartz"

	"github.com/vesaa/talonwatch/internal/instrument"
	"github.com/vesaa/talonwatch/internal/models"
	"github.com/vesaa/talonwatch/internal/traffic"
)

var (
	ErrUnknownMachine = errors.New("unknown machine")
	ErrBadKey         = errors.New("bad agent key")
	ErrNotHelloed     = errors.New("metrics before hello")
	ErrRateLimited    = errors.New("too many hello attempts")
)

// CloseError asks the transport to close the socket with Code.
type CloseError struct {
	Code   int
	Reason string
	Err    error
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("close %d: %v", e.Code, e.Err)
}

func (e *CloseError) Unwrap() error { return e.Err }

// Store is the persistence the hub writes through.
type Store interface {
	Machine(ctx context.Context, id uint) (*models.Machine, error)
	UpdateHostMeta(ctx context.Context, id uint, meta models.HostMeta) error
	MarkOnline(ctx context.Context, id uint, at time.Time) error
	MarkOffline(ctx context.Context, id uint) error
	InsertSample(ctx context.Context, s *models.MetricSample) error
}

// Accountant folds a counter sample into the billing period usage.
type Accountant interface {
	Account(ctx context.Context, machineID uint, at time.Time, rx, tx uint64) (traffic.Snapshot, error)
}

// Peer is one socket as seen by the hub. Send must not block.
type Peer interface {
	Send(msg []byte) bool
	Close(code int, reason string)
	RemoteIP() string
}

// Options configure a Hub.
type Options struct {
	Store       Store
	Traffic     Accountant
	Clock       quartz.Clock
	Limiter     *Limiter
	Metrics     *instrument.Metrics
	IntervalSec int
}

// Hub is the registry of live sessions.
type Hub struct {
	store       Store
	traffic     Accountant
	clock       quartz.Clock
	limiter     *Limiter
	metrics     *instrument.Metrics
	intervalSec int

	mu      sync.Mutex
	agents  map[uint]*AgentSession
	viewers map[*Viewer]struct{}
	// machine serializes bind and release per machine id, together with the
	// store write and status broadcast that follow each.
	machine map[uint]*sync.Mutex
}

// New creates a Hub.
func New(opts Options) *Hub {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Metrics == nil {
		opts.Metrics = instrument.New(nil)
	}
	if opts.IntervalSec <= 0 {
		opts.IntervalSec = 5
	}
	return &Hub{
		store:       opts.Store,
		traffic:     opts.Traffic,
		clock:       opts.Clock,
		limiter:     opts.Limiter,
		metrics:     opts.Metrics,
		intervalSec: opts.IntervalSec,
		agents:      make(map[uint]*AgentSession),
		viewers:     make(map[*Viewer]struct{}),
		machine:     make(map[uint]*sync.Mutex),
	}
}

// lockMachine holds the per-machine lock until the returned func is called.
func (h *Hub) lockMachine(id uint) func() {
	h.mu.Lock()
	l, ok := h.machine[id]
	if !ok {
		l = &sync.Mutex{}
		h.machine[id] = l
	}
	h.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// bind makes s the current session for id and returns the one it replaced.
func (h *Hub) bind(id uint, s *AgentSession) (prev *AgentSession) {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev = h.agents[id]
	h.agents[id] = s
	h.metrics.AgentsConnected.Set(float64(len(h.agents)))
	return prev
}

// release drops the entry for id only if it still points at s.
func (h *Hub) release(id uint, s *AgentSession) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.agents[id] != s {
		return false
	}
	delete(h.agents, id)
	h.metrics.AgentsConnected.Set(float64(len(h.agents)))
	return true
}

// Connected returns the ids with a live agent session.
func (h *Hub) Connected() []uint {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]uint, 0, len(h.agents))
	for id := range h.agents {
		out = append(out, id)
	}
	return out
}

func (h *Hub) addViewer(v *Viewer) {
	h.mu.Lock()
	h.viewers[v] = struct{}{}
	n := len(h.viewers)
	h.mu.Unlock()
	h.metrics.ViewersConnected.Set(float64(n))
}

func (h *Hub) removeViewer(v *Viewer) {
	h.mu.Lock()
	delete(h.viewers, v)
	n := len(h.viewers)
	h.mu.Unlock()
	h.metrics.ViewersConnected.Set(float64(n))
}

// Broadcast sends event to every viewer interested in machineID. A zero
// machineID reaches every viewer. It never blocks on a viewer.
func (h *Hub) Broadcast(machineID uint, event any) {
	msg, err := json.Marshal(event)
	if err != nil {
		log.Printf("[hub] marshal broadcast: %v", err)
		return
	}

	h.mu.Lock()
	targets := make([]*Viewer, 0, len(h.viewers))
	for v := range h.viewers {
		if machineID == 0 || v.wants(machineID) {
			targets = append(targets, v)
		}
	}
	h.mu.Unlock()

	for _, v := range targets {
		if !v.peer.Send(msg) {
			h.metrics.BroadcastDropped.Inc()
		}
	}
}

func (h *Hub) broadcastStatus(id uint, online bool, lastSeen *time.Time) {
	h.Broadcast(id, MachineStatus{
		Type:       TypeMachineStatus,
		MachineID:  id,
		Online:     online,
		LastSeenAt: millis(lastSeen),
	})
}

func reply(p Peer, v any) {
	msg, err := json.Marshal(v)
	if err != nil {
		log.Printf("[hub] marshal reply: %v", err)
		return
	}
	p.Send(msg)
}

func replyError(p Peer, code string) {
	reply(p, ErrorFrame{Type: TypeError, Error: code})
}
