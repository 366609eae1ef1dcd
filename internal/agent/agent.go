// Package agent implements the talonwatch reporting daemon.
// It keeps one socket open to the server data plane (port 1616), authenticates
// with hello and then streams metrics at the interval the server hands back.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/coder/quartz"
	"github.com/gorilla/websocket"

	"github.com/vesaa/talonwatch/internal/hub"
)

const (
	writeWait       = 10 * time.Second
	helloWait       = 15 * time.Second
	pongWait        = 90 * time.Second
	defaultInterval = 5 * time.Second
)

// ErrRejected is matched by errors.Is when the server refuses the agent's
// identity. Retrying cannot succeed.
var ErrRejected = errors.New("agent rejected by server")

// RejectedError carries the close code of a permanent rejection.
type RejectedError struct {
	Code   int
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("server closed with %d: %s", e.Code, e.Reason)
}

func (e *RejectedError) Is(target error) bool { return target == ErrRejected }

// Options configures an Agent.
type Options struct {
	ServerURL  string
	MachineID  uint
	Key        string
	Source     Source
	Clock      quartz.Clock
	Dialer     *websocket.Dialer
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Agent reports one machine to the server.
type Agent struct {
	opts Options
}

// New fills defaults and returns an Agent.
func New(opts Options) *Agent {
	if opts.Source == nil {
		opts.Source = NewCollector()
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = time.Second
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = max(time.Minute, opts.MinBackoff)
	}
	return &Agent{opts: opts}
}

// Run connects and reports until ctx is done, reconnecting with exponential
// backoff. It returns a *RejectedError when the server refuses the machine id
// or key, and nil on cancellation.
func (a *Agent) Run(ctx context.Context) error {
	backoff := a.opts.MinBackoff
	for {
		helloed, err := a.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrRejected) {
			log.Printf("[agent] %v", err)
			return err
		}
		if helloed {
			backoff = a.opts.MinBackoff
		}
		log.Printf("[agent] disconnected: %v (retry in %s)", err, backoff)
		if !a.sleep(ctx, backoff) {
			return nil
		}
		backoff = min(backoff*2, a.opts.MaxBackoff)
	}
}

func (a *Agent) sleep(ctx context.Context, d time.Duration) bool {
	t := a.opts.Clock.NewTimer(d, "backoff")
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// session runs one connection. helloed reports whether the server accepted
// the hello before the connection ended.
func (a *Agent) session(ctx context.Context) (helloed bool, err error) {
	conn, _, err := a.opts.Dialer.DialContext(ctx, a.opts.ServerURL, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", a.opts.ServerURL, err)
	}
	defer conn.Close()

	hello := a.opts.Source.HostInfo(ctx)
	hello.Type = hub.TypeHello
	hello.MachineID = int64(a.opts.MachineID)
	hello.Key = a.opts.Key
	if err := a.write(conn, hello); err != nil {
		return false, fmt.Errorf("send hello: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(helloWait))
	ok, err := awaitHelloOK(conn)
	if err != nil {
		return false, err
	}
	interval := time.Duration(ok.IntervalSec) * time.Second
	if interval <= 0 {
		interval = defaultInterval
	}
	log.Printf("[agent] connected as machine %d, reporting every %s", ok.MachineID, interval)

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})
	errc := make(chan error, 1)
	go func() { errc <- readLoop(conn) }()

	if err := a.report(ctx, conn); err != nil {
		return true, err
	}
	ticker := a.opts.Clock.NewTicker(interval, "metrics")
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return true, ctx.Err()
		case err := <-errc:
			return true, err
		case <-ticker.C:
			if err := a.report(ctx, conn); err != nil {
				return true, err
			}
		}
	}
}

// report collects and sends one metrics frame. Collection failures skip the
// frame; only write failures end the session.
func (a *Agent) report(ctx context.Context, conn *websocket.Conn) error {
	m, err := a.opts.Source.Collect(ctx)
	if err != nil {
		log.Printf("[agent] collect error: %v", err)
		return nil
	}
	m.Type = hub.TypeMetrics
	at := a.opts.Clock.Now().UnixMilli()
	m.At = &at
	if err := a.write(conn, m); err != nil {
		return fmt.Errorf("send metrics: %w", err)
	}
	return nil
}

func (a *Agent) write(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

type inbound struct {
	Type        string `json:"type"`
	MachineID   uint   `json:"machineId"`
	IntervalSec int    `json:"intervalSec"`
	Error       string `json:"error"`
}

func awaitHelloOK(conn *websocket.Conn) (*hub.HelloOK, error) {
	for {
		var msg inbound
		if err := readJSON(conn, &msg); err != nil {
			return nil, err
		}
		switch msg.Type {
		case hub.TypeHelloOK:
			return &hub.HelloOK{Type: msg.Type, MachineID: msg.MachineID, IntervalSec: msg.IntervalSec}, nil
		case hub.TypeError:
			return nil, fmt.Errorf("hello refused: %s", msg.Error)
		}
	}
}

// readLoop drains server frames so control frames are processed, logging
// error frames. It returns when the connection fails or closes.
func readLoop(conn *websocket.Conn) error {
	for {
		var msg inbound
		if err := readJSON(conn, &msg); err != nil {
			return err
		}
		if msg.Type == hub.TypeError {
			log.Printf("[agent] server error: %s", msg.Error)
		}
	}
}

func readJSON(conn *websocket.Conn, v any) error {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return classify(err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	return nil
}

// classify maps identity close codes to a RejectedError. Anything else,
// including 1013 try-again-later, is retryable.
func classify(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case hub.CloseBadKey, hub.CloseUnknownMachine:
			return &RejectedError{Code: ce.Code, Reason: ce.Text}
		}
	}
	return err
}
