// Package session implements the per-connection relay state machine: it
// routes client envelopes to a backend bridge and runs the forwarder that
// relays backend responses to the client socket.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/halcyon-voice/speechbridge/pkg/gateway/config"
	"github.com/halcyon-voice/speechbridge/pkg/gateway/lifecycle"
	"github.com/halcyon-voice/speechbridge/pkg/gateway/metrics"
	"github.com/halcyon-voice/speechbridge/pkg/gateway/relay/protocol"
	"github.com/halcyon-voice/speechbridge/pkg/gateway/relay/sessions"
)

// BackendBridge is the per-session upstream streaming link consumed by the
// handler. *bridge.Bridge satisfies it.
type BackendBridge interface {
	Initialize(ctx context.Context) error
	SendRaw(env protocol.Envelope) error
	EnqueueAudio(promptName, contentName, payload string) error
	Output() <-chan protocol.Envelope
	Close() error
	Active() bool
}

// BridgeFactory constructs an unstarted bridge for a new session.
type BridgeFactory func() BackendBridge

// Handler serves the relay websocket endpoint. One instance is shared by all
// connections; all per-connection state lives in serve.
type Handler struct {
	Config    config.Config
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Lifecycle *lifecycle.Lifecycle
	Sessions  *sessions.Tracker
	NewBridge BridgeFactory
}

// state is the connection-local session state, owned exclusively by the
// receive loop. The invariant is at most one bridge and one forwarder alive
// per connection at any instant.
type state struct {
	bridge           BackendBridge
	fwd              *forwarderHandle
	promptName       string
	audioContentName string
}

func (st *state) active() bool {
	return st.bridge != nil && st.bridge.Active()
}

type forwarderHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (h Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.Lifecycle.IsDraining() {
		http.Error(w, "draining", http.StatusServiceUnavailable)
		return
	}
	if !h.Config.OriginAllowed(r.Header.Get("Origin")) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	if h.Config.MaxClientMessageBytes > 0 {
		conn.SetReadLimit(h.Config.MaxClientMessageBytes)
	}

	connID := "conn_" + randHex(6)
	unregister := func() {}
	if h.Sessions != nil {
		unregister = h.Sessions.Register(connID, sessions.Handle{
			Cancel: func() { _ = conn.Close() },
		})
	}
	defer unregister()

	h.serve(r.Context(), connID, conn)
}

func (h Handler) serve(ctx context.Context, connID string, conn *websocket.Conn) {
	logger := h.logger().With("conn_id", connID)
	writer := &lockedWriter{ws: conn, timeout: h.writeTimeout()}
	st := &state{}

	logger.Info("client connected")
	defer func() {
		h.teardown(st, logger)
		_ = conn.Close()
		logger.Info("client disconnected")
	}()

	stopPing := h.startPinger(conn, logger)
	defer stopPing()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			logger.Debug("client read ended", "error", err)
			return
		}
		if msgType != websocket.TextMessage {
			logger.Warn("ignoring non-text client frame", "message_type", msgType)
			continue
		}

		env, err := protocol.Decode(data)
		if err != nil {
			if errors.Is(err, protocol.ErrNoEvent) {
				logger.Warn("client message without event object; ignoring")
				continue
			}
			logger.Warn("malformed client message", "error", err)
			if werr := writer.write(protocol.EncodeError("invalid message: " + err.Error())); werr != nil && isClientGone(werr) {
				return
			}
			continue
		}
		if h.Metrics != nil {
			h.Metrics.ClientMessagesTotal.WithLabelValues(env.Kind).Inc()
		}

		switch env.Kind {
		case protocol.KindSessionStart:
			h.startSession(ctx, st, env, writer, logger)

		case protocol.KindSessionEnd:
			if st.bridge == nil {
				logger.Debug("sessionEnd without an active session")
				continue
			}
			h.teardown(st, logger)

		case protocol.KindPromptStart:
			if !st.active() {
				h.dropInactive(env, logger)
				continue
			}
			if name, ok := env.StringField("promptName"); ok {
				st.promptName = name
			}
			h.forward(st, env, logger)

		case protocol.KindContentStart:
			if !st.active() {
				h.dropInactive(env, logger)
				continue
			}
			if env.IsAudioContentStart() {
				if name, ok := env.StringField("contentName"); ok {
					st.audioContentName = name
				}
			}
			h.forward(st, env, logger)

		case protocol.KindAudioInput:
			if !st.active() {
				h.dropInactive(env, logger)
				continue
			}
			content, ok := env.Content()
			if !ok {
				logger.Warn("audioInput without content field")
				continue
			}
			if err := st.bridge.EnqueueAudio(st.promptName, st.audioContentName, content); err != nil {
				logger.Warn("failed to enqueue audio", "error", err)
				continue
			}
			if h.Metrics != nil {
				h.Metrics.AudioFramesEnqueued.Inc()
			}

		default:
			if !st.active() {
				h.dropInactive(env, logger)
				continue
			}
			h.forward(st, env, logger)
		}
	}
}

// startSession replaces any existing session with a fresh bridge/forwarder
// pair. Teardown of the old pair fully completes before the new one is
// created, and the new forwarder is listening before sessionStart goes
// upstream.
func (h Handler) startSession(ctx context.Context, st *state, env protocol.Envelope, writer *lockedWriter, logger *slog.Logger) {
	if st.bridge != nil {
		logger.Info("sessionStart while a session is active; replacing")
		h.teardown(st, logger)
	}

	b := h.NewBridge()
	if err := b.Initialize(ctx); err != nil {
		logger.Error("bridge initialize failed", "error", err)
		_ = b.Close()
		if werr := writer.write(protocol.EncodeError("failed to start session")); werr != nil {
			logger.Debug("error ack failed", "error", werr)
		}
		if h.Metrics != nil {
			h.Metrics.SessionsTotal.WithLabelValues("failed").Inc()
		}
		return
	}

	fctx, cancel := context.WithCancel(ctx)
	fwd := &forwarder{
		logger:    logger,
		writer:    writer,
		output:    b.Output(),
		threshold: h.forwardThreshold(),
		metrics:   h.Metrics,
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		fwd.run(fctx)
	}()

	st.bridge = b
	st.fwd = &forwarderHandle{cancel: cancel, done: done}
	st.promptName = ""
	st.audioContentName = ""
	if h.Metrics != nil {
		h.Metrics.SessionsActive.Inc()
		h.Metrics.SessionsTotal.WithLabelValues("started").Inc()
	}
	logger.Info("session started")

	if err := b.SendRaw(env); err != nil {
		logger.Warn("failed to send sessionStart upstream", "error", err)
	}
}

// teardown closes the bridge and cancels-then-awaits the forwarder, in that
// order, so no forwarder write can race with whatever the caller does next
// with the socket.
func (h Handler) teardown(st *state, logger *slog.Logger) {
	if st.bridge == nil && st.fwd == nil {
		return
	}
	if st.bridge != nil {
		_ = st.bridge.Close()
	}
	if st.fwd != nil {
		st.fwd.cancel()
		<-st.fwd.done
	}
	if st.bridge != nil && h.Metrics != nil {
		h.Metrics.SessionsActive.Dec()
	}
	st.bridge = nil
	st.fwd = nil
	st.promptName = ""
	st.audioContentName = ""
	logger.Info("session ended")
}

func (h Handler) forward(st *state, env protocol.Envelope, logger *slog.Logger) {
	if err := st.bridge.SendRaw(env); err != nil {
		logger.Warn("failed to forward envelope upstream", "kind", env.Kind, "error", err)
	}
}

func (h Handler) dropInactive(env protocol.Envelope, logger *slog.Logger) {
	logger.Warn("dropping event without an active session", "kind", env.Kind)
}

// startPinger keeps the client connection alive. WriteControl is safe to call
// concurrently with the locked data writes.
func (h Handler) startPinger(conn *websocket.Conn, logger *slog.Logger) (stop func()) {
	interval := h.Config.WSPingInterval
	if interval <= 0 {
		interval = 20 * time.Second
	}
	stopCh := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				deadline := time.Now().Add(h.writeTimeout())
				if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
					if isClientGone(err) {
						return
					}
					logger.Debug("ping failed", "error", err)
				}
			}
		}
	}()
	return func() { close(stopCh) }
}

func (h Handler) forwardThreshold() int {
	if h.Config.ForwardThresholdBytes > 0 {
		return h.Config.ForwardThresholdBytes
	}
	return 64 << 10
}

func (h Handler) writeTimeout() time.Duration {
	if h.Config.WSWriteTimeout > 0 {
		return h.Config.WSWriteTimeout
	}
	return 5 * time.Second
}

func (h Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func randHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "00000000"
	}
	return hex.EncodeToString(buf)
}
