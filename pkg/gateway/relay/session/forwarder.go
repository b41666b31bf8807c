package session

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/halcyon-voice/speechbridge/pkg/gateway/metrics"
	"github.com/halcyon-voice/speechbridge/pkg/gateway/relay/protocol"
)

type wsWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
}

// lockedWriter serializes the two writers that may touch one client socket:
// the session's forwarder and the receive loop's error acknowledgments. They
// only ever interleave at message boundaries.
type lockedWriter struct {
	mu      sync.Mutex
	ws      wsWriter
	timeout time.Duration
}

func (w *lockedWriter) write(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.ws.SetWriteDeadline(time.Now().Add(w.timeout))
	return w.ws.WriteMessage(websocket.TextMessage, data)
}

// forwarder drains one bridge's output queue to the client socket, splitting
// envelopes that exceed the forwarding threshold. Exactly one forwarder is
// bound to a bridge, and it is running before the session's sessionStart goes
// upstream so no early backend response is lost.
type forwarder struct {
	logger    *slog.Logger
	writer    *lockedWriter
	output    <-chan protocol.Envelope
	threshold int
	metrics   *metrics.Metrics
}

func (f *forwarder) run(ctx context.Context) {
	// Termination is always logged, whatever the exit path.
	defer f.logger.Info("forwarder stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-f.output:
			if !ok {
				f.logger.Debug("bridge output closed")
				return
			}
			if fatal := f.deliver(env); fatal {
				return
			}
		}
	}
}

// deliver writes one backend response (split into chunks if oversized) to the
// client. Returns true when the connection is no longer usable.
func (f *forwarder) deliver(env protocol.Envelope) (fatal bool) {
	chunks, oversized := protocol.Split(env, f.threshold)
	if oversized {
		f.logger.Warn("oversized envelope has no content field; forwarding unsplit",
			"kind", env.Kind)
		if f.metrics != nil {
			f.metrics.OversizedUnsplittable.Inc()
		}
	}
	if len(chunks) > 1 {
		f.logger.Debug("split oversized envelope", "kind", env.Kind, "chunks", len(chunks))
		if f.metrics != nil {
			f.metrics.SplitChunksTotal.Add(float64(len(chunks)))
		}
	}

	for _, chunk := range chunks {
		data, err := chunk.Marshal()
		if err != nil {
			f.logger.Warn("failed to marshal chunk", "kind", chunk.Kind, "error", err)
			continue
		}
		if err := f.writer.write(data); err != nil {
			if isClientGone(err) {
				f.logger.Info("client connection closed", "error", err)
				return true
			}
			// Best effort: later messages may still get through.
			f.logger.Warn("client write failed", "kind", chunk.Kind, "error", err)
			continue
		}
		if f.metrics != nil {
			f.metrics.FramesForwarded.Inc()
		}
	}
	return false
}

// isClientGone classifies a write failure as transport-fatal: the peer sent a
// close frame, the close handshake already ran, or the underlying connection
// is gone.
func isClientGone(err error) bool {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return true
	}
	return errors.Is(err, websocket.ErrCloseSent) || errors.Is(err, net.ErrClosed)
}
