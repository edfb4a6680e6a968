package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/turntaking"
	"github.com/MrWong99/parley/pkg/audio"
)

// control is a client-to-server text message.
type control struct {
	// Type is one of "start", "stop", "send", "new_thread", "say" or
	// "status".
	Type string `json:"type"`

	// Text is the typed command for "say".
	Text string `json:"text,omitempty"`
}

// serverMessage is a server-to-client text message. Type is "ready",
// "status" or "error".
type serverMessage struct {
	Type string `json:"type"`

	// Set on "ready".
	Session    string `json:"session,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`

	// Set on "status" and "error".
	Update     string `json:"update,omitempty"`
	Mode       string `json:"mode,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Command    string `json:"command,omitempty"`
	Wake       bool   `json:"wake,omitempty"`
	Submitting bool   `json:"submitting,omitempty"`
	Text       string `json:"text,omitempty"`

	// Set on "error".
	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
}

func statusMessage(kind string, s turntaking.Snapshot) serverMessage {
	return serverMessage{
		Type:       "status",
		Update:     kind,
		Mode:       s.Mode.String(),
		Transcript: s.Transcript,
		Command:    s.Command,
		Wake:       s.WakeAcquired,
		Submitting: s.Submitting,
	}
}

func errorMessage(err error) serverMessage {
	code, _ := classify(err)
	return serverMessage{Type: "error", Code: code, Error: err.Error()}
}

// serveVoice upgrades the request and runs one voice session until either
// side goes away.
func (h *Handler) serveVoice(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	if user == "" {
		http.Error(w, "user is required", http.StatusBadRequest)
		return
	}
	if h.opener == nil {
		http.Error(w, "voice is not configured", http.StatusServiceUnavailable)
		return
	}

	ws, err := websocket.Accept(w, r, h.accept)
	if err != nil {
		h.log.Warn("websocket accept failed", "user", user, "err", err)
		return
	}
	defer ws.CloseNow()

	id := uuid.NewString()
	c := &voiceConn{
		ws:     ws,
		dev:    newSocketDevice(h.format, h.inputBuffer),
		status: make(chan serverMessage, defaultStatusBuffer),
		log:    h.log.With("user", user, "session", id),
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	voice, err := h.opener.OpenVoice(ctx, user, c.dev, c.observe)
	if err != nil {
		c.log.Warn("open voice session failed", "err", err)
		ws.Close(websocket.StatusTryAgainLater, "voice session unavailable")
		return
	}
	c.enqueue(serverMessage{
		Type:       "ready",
		Session:    id,
		SampleRate: h.format.SampleRate,
		Channels:   h.format.Channels,
	})
	c.log.Info("voice session connected")
	started := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return voice.Run(gctx) })
	g.Go(func() error { return c.read(gctx, voice) })
	g.Go(func() error { return c.write(gctx) })
	err = g.Wait()
	cancel()
	c.wg.Wait()

	log := c.log.With("duration", time.Since(started), "dropped_frames", c.dropped.Load())
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		log.Info("voice session closed")
	default:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("voice session ended", "err", err)
		} else {
			log.Info("voice session closed")
		}
	}
	ws.Close(websocket.StatusNormalClosure, "")
}

// voiceConn is the per-connection state shared by the reader and writer.
type voiceConn struct {
	ws     *websocket.Conn
	dev    *socketDevice
	status chan serverMessage
	log    *slog.Logger

	// wg tracks typed submits still waiting for the backend.
	wg      sync.WaitGroup
	dropped atomic.Int64
	offset  time.Duration
}

// observe runs on the machine loop and never blocks.
func (c *voiceConn) observe(u turntaking.Update) {
	if u.Kind == turntaking.UpdateError {
		msg := errorMessage(u.Err)
		msg.Mode = u.Mode.String()
		c.enqueue(msg)
		return
	}
	msg := statusMessage(u.Kind.String(), u.Snapshot)
	msg.Text = u.Text
	c.enqueue(msg)
}

func (c *voiceConn) enqueue(msg serverMessage) {
	select {
	case c.status <- msg:
	default:
		c.log.Debug("status message dropped", "type", msg.Type, "update", msg.Update)
	}
}

// read handles client frames until the connection closes. The device input is
// closed on return.
func (c *voiceConn) read(ctx context.Context, v Voice) error {
	defer c.dev.closeInput()
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		switch typ {
		case websocket.MessageBinary:
			if len(data) == 0 {
				continue
			}
			f := audio.Frame{
				Data:       data,
				SampleRate: c.dev.format.SampleRate,
				Channels:   c.dev.format.Channels,
				Timestamp:  c.offset,
			}
			c.offset += audio.Duration(data, c.dev.format)
			if !c.dev.push(f) {
				c.dropped.Add(1)
			}
		case websocket.MessageText:
			var msg control
			if err := json.Unmarshal(data, &msg); err != nil {
				c.enqueue(errorMessage(fmt.Errorf("%w: %w", errBadControl, err)))
				continue
			}
			c.control(ctx, v, msg)
		}
	}
}

func (c *voiceConn) control(ctx context.Context, v Voice, msg control) {
	var err error
	switch msg.Type {
	case "start":
		err = v.StartListening(ctx)
	case "stop":
		err = v.Stop(ctx)
	case "send":
		err = v.Send(ctx)
	case "new_thread":
		err = v.NewThread(ctx)
	case "status":
		c.enqueue(statusMessage("snapshot", v.Snapshot()))
	case "say":
		text := msg.Text
		c.wg.Go(func() {
			if err := v.Say(ctx, text); err != nil && ctx.Err() == nil {
				c.enqueue(errorMessage(err))
			}
		})
	default:
		err = fmt.Errorf("%w: unknown type %q", errBadControl, msg.Type)
	}
	if err != nil {
		c.log.Debug("control rejected", "type", msg.Type, "err", err)
		c.enqueue(errorMessage(err))
	}
}

// write sends playback audio and status messages until ctx is done.
func (c *voiceConn) write(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-c.dev.out:
			if err := c.ws.Write(ctx, websocket.MessageBinary, f.Data); err != nil {
				return writeErr(ctx, err)
			}
		case msg := <-c.status:
			data, err := json.Marshal(msg)
			if err != nil {
				return fmt.Errorf("bridge: encode %s message: %w", msg.Type, err)
			}
			if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
				return writeErr(ctx, err)
			}
		}
	}
}

func writeErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("bridge: write: %w", err)
}
