// Package bridge owns the upstream streaming connection for one relay
// session. Audio input is queued and drained by a dedicated sender so the
// connection handler's receive loop never blocks on backend backpressure;
// backend responses surface on an ordered output channel consumed by the
// session's forwarder.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/halcyon-voice/speechbridge/pkg/gateway/creds"
	"github.com/halcyon-voice/speechbridge/pkg/gateway/relay/protocol"
)

// ErrNotActive reports an operation against a bridge whose upstream
// connection is gone or was never established.
var ErrNotActive = errors.New("bridge is not active")

// CredentialSource provides the latest credential snapshot for outbound
// calls. *creds.Refresher satisfies it.
type CredentialSource interface {
	Current() (creds.Snapshot, bool)
}

type Config struct {
	URL              string
	Region           string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	AudioQueueSize   int
	OutputQueueSize  int
}

// Bridge relays envelopes to and from the upstream streaming backend for a
// single session.
type Bridge struct {
	cfg    Config
	logger *slog.Logger
	creds  CredentialSource

	conn    *websocket.Conn
	writeMu sync.Mutex

	audio  chan protocol.Envelope
	output chan protocol.Envelope

	active    atomic.Bool
	closeOnce sync.Once
	closed    chan struct{}
}

func New(cfg Config, logger *slog.Logger, source CredentialSource) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.AudioQueueSize <= 0 {
		cfg.AudioQueueSize = 256
	}
	if cfg.OutputQueueSize <= 0 {
		cfg.OutputQueueSize = 128
	}
	return &Bridge{
		cfg:    cfg,
		logger: logger,
		creds:  source,
		audio:  make(chan protocol.Envelope, cfg.AudioQueueSize),
		output: make(chan protocol.Envelope, cfg.OutputQueueSize),
		closed: make(chan struct{}),
	}
}

// Initialize dials the backend and starts the bridge's send and receive
// loops. Failure leaves the bridge inactive; Close is still safe to call.
func (b *Bridge) Initialize(ctx context.Context) error {
	if b.cfg.URL == "" {
		return errors.New("backend url is not configured")
	}

	headers := http.Header{}
	if b.cfg.Region != "" {
		headers.Set("X-Amzn-Region", b.cfg.Region)
	}
	if b.creds != nil {
		if snap, ok := b.creds.Current(); ok && snap.SessionToken != "" {
			headers.Set("X-Amz-Security-Token", snap.SessionToken)
		}
	}

	dialer := websocket.Dialer{HandshakeTimeout: b.cfg.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, b.cfg.URL, headers)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			if len(body) > 0 {
				return fmt.Errorf("backend connect (status %d): %s", resp.StatusCode, string(body))
			}
			return fmt.Errorf("backend connect: status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("backend connect: %w", err)
	}

	b.conn = conn
	b.active.Store(true)
	go b.readLoop()
	go b.sendLoop()
	return nil
}

// SendRaw forwards one envelope to the backend. Used for every non-audio
// event; audio input goes through EnqueueAudio instead.
func (b *Bridge) SendRaw(env protocol.Envelope) error {
	if !b.active.Load() {
		return ErrNotActive
	}
	data, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return b.write(data)
}

func (b *Bridge) write(data []byte) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	_ = b.conn.SetWriteDeadline(time.Now().Add(b.cfg.WriteTimeout))
	return b.conn.WriteMessage(websocket.TextMessage, data)
}

// EnqueueAudio appends one audio input frame to the ordered send queue.
// Blocks only on queue-full, and unblocks when the bridge closes.
func (b *Bridge) EnqueueAudio(promptName, contentName, payload string) error {
	env := protocol.Envelope{Kind: protocol.KindAudioInput, Payload: map[string]any{
		"promptName":  promptName,
		"contentName": contentName,
		"content":     payload,
	}}
	select {
	case b.audio <- env:
		return nil
	case <-b.closed:
		return ErrNotActive
	}
}

// Output is the ordered stream of backend responses. It is closed when the
// backend connection ends.
func (b *Bridge) Output() <-chan protocol.Envelope {
	return b.output
}

// Active reports whether the bridge is usable.
func (b *Bridge) Active() bool {
	return b.active.Load()
}

// Close releases the upstream connection. Idempotent, and safe to call after
// a failed Initialize.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		b.active.Store(false)
		close(b.closed)
		if b.conn != nil {
			b.writeMu.Lock()
			deadline := time.Now().Add(b.cfg.WriteTimeout)
			_ = b.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			b.writeMu.Unlock()
			_ = b.conn.Close()
		}
	})
	return nil
}

func (b *Bridge) sendLoop() {
	for {
		select {
		case <-b.closed:
			return
		case env := <-b.audio:
			if err := b.SendRaw(env); err != nil {
				if errors.Is(err, ErrNotActive) || isConnClosed(err) {
					return
				}
				b.logger.Warn("audio send failed", "error", err)
			}
		}
	}
}

func (b *Bridge) readLoop() {
	defer close(b.output)
	defer b.active.Store(false)

	for {
		_, data, err := b.conn.ReadMessage()
		if err != nil {
			if !isConnClosed(err) {
				b.logger.Warn("backend read failed", "error", err)
			}
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			if errors.Is(err, protocol.ErrNoEvent) {
				b.logger.Warn("backend message without event object; ignoring")
			} else {
				b.logger.Warn("undecodable backend message", "error", err)
			}
			continue
		}

		select {
		case b.output <- env:
		case <-b.closed:
			return
		}
	}
}

func isConnClosed(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		errors.Is(err, websocket.ErrCloseSent) ||
		errors.Is(err, net.ErrClosed)
}
