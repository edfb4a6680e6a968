package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/internal/backend"
	"github.com/MrWong99/parley/internal/conversation"
	"github.com/MrWong99/parley/internal/turntaking"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/thread"
)

// ── test doubles ─────────────────────────────────────────────────────────────

type fakeVoice struct {
	sayErr  error
	sendErr error

	mu    sync.Mutex
	calls []string

	stopped chan struct{}
}

var _ Voice = (*fakeVoice)(nil)

func newFakeVoice() *fakeVoice { return &fakeVoice{stopped: make(chan struct{})} }

func (v *fakeVoice) record(call string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls = append(v.calls, call)
}

func (v *fakeVoice) Calls() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.calls...)
}

func (v *fakeVoice) Run(ctx context.Context) error {
	<-ctx.Done()
	close(v.stopped)
	return nil
}

func (v *fakeVoice) StartListening(context.Context) error { v.record("start"); return nil }
func (v *fakeVoice) Stop(context.Context) error           { v.record("stop"); return nil }
func (v *fakeVoice) Send(context.Context) error           { v.record("send"); return v.sendErr }
func (v *fakeVoice) NewThread(context.Context) error      { v.record("new_thread"); return nil }

func (v *fakeVoice) Say(_ context.Context, text string) error {
	v.record("say:" + text)
	return v.sayErr
}

func (v *fakeVoice) Snapshot() turntaking.Snapshot {
	return turntaking.Snapshot{Mode: turntaking.Listening, Transcript: "hey parley"}
}

type opened struct {
	user     string
	dev      audio.Device
	observer func(turntaking.Update)
}

type fakeOpener struct {
	voice  *fakeVoice
	err    error
	opened chan opened
}

func newFakeOpener(v *fakeVoice) *fakeOpener {
	return &fakeOpener{voice: v, opened: make(chan opened, 1)}
}

func (o *fakeOpener) OpenVoice(_ context.Context, user string, dev audio.Device, observer func(turntaking.Update)) (Voice, error) {
	if o.err != nil {
		return nil, o.err
	}
	o.opened <- opened{user: user, dev: dev, observer: observer}
	return o.voice, nil
}

type fakeThreads struct {
	threads []thread.Thread
	history []thread.Turn
	active  thread.Thread
	err     error
	submit  func(user, text string) (thread.Turn, error)
}

func (f *fakeThreads) Threads(context.Context, string) ([]thread.Thread, error) {
	return f.threads, f.err
}

func (f *fakeThreads) History(context.Context, string) (thread.Thread, []thread.Turn, error) {
	return f.active, f.history, f.err
}

func (f *fakeThreads) NewThread(_ context.Context, user string) (thread.Thread, error) {
	return thread.Thread{ID: "t-new", UserID: user, IsActive: true}, f.err
}

func (f *fakeThreads) SwitchThread(_ context.Context, user, id string) (thread.Thread, error) {
	if f.err != nil {
		return thread.Thread{}, f.err
	}
	return thread.Thread{ID: id, UserID: user, IsActive: true}, nil
}

func (f *fakeThreads) Submit(_ context.Context, user, text string) (thread.Turn, error) {
	return f.submit(user, text)
}

// ── helpers ──────────────────────────────────────────────────────────────────

func startServer(t *testing.T, h *Handler) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, user string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/voice?user=" + user
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

// readMessage returns the next text message, skipping audio.
func readMessage(t *testing.T, conn *websocket.Conn) serverMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if typ != websocket.MessageText {
			continue
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decode %q: %v", data, err)
		}
		return msg
	}
}

func writeControl(t *testing.T, conn *websocket.Conn, c control) {
	t.Helper()
	data, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func waitOpened(t *testing.T, o *fakeOpener) opened {
	t.Helper()
	select {
	case s := <-o.opened:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("voice session was not opened")
		return opened{}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 2s")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ── voice ────────────────────────────────────────────────────────────────────

func TestVoice_RejectsBadRequests(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		opener Opener
		query  string
		want   int
	}{
		{"missing user", newFakeOpener(newFakeVoice()), "", http.StatusBadRequest},
		{"voice not configured", nil, "?user=alice", http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := startServer(t, New(tt.opener, &fakeThreads{}))
			resp, err := http.Get(srv.URL + "/v1/voice" + tt.query)
			if err != nil {
				t.Fatalf("GET: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status: got %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestVoice_ReadyAndControls(t *testing.T) {
	t.Parallel()

	v := newFakeVoice()
	o := newFakeOpener(v)
	srv := startServer(t, New(o, &fakeThreads{}, WithDeviceFormat(audio.Format{SampleRate: 16000, Channels: 1})))
	conn := dial(t, srv, "alice")

	ready := readMessage(t, conn)
	if ready.Type != "ready" || ready.Session == "" {
		t.Fatalf("first message: got %+v, want ready with a session id", ready)
	}
	if ready.SampleRate != 16000 || ready.Channels != 1 {
		t.Errorf("ready format: got %d/%d, want 16000/1", ready.SampleRate, ready.Channels)
	}
	if s := waitOpened(t, o); s.user != "alice" {
		t.Errorf("opened for user %q, want %q", s.user, "alice")
	}

	for _, typ := range []string{"start", "send", "stop", "new_thread"} {
		writeControl(t, conn, control{Type: typ})
	}
	writeControl(t, conn, control{Type: "say", Text: "what time is it"})
	waitFor(t, func() bool { return len(v.Calls()) == 5 })

	want := []string{"start", "send", "stop", "new_thread", "say:what time is it"}
	for i, call := range v.Calls() {
		if call != want[i] {
			t.Errorf("call %d: got %q, want %q", i, call, want[i])
		}
	}

	writeControl(t, conn, control{Type: "status"})
	snap := readMessage(t, conn)
	if snap.Type != "status" || snap.Update != "snapshot" || snap.Mode != "listening" || snap.Transcript != "hey parley" {
		t.Errorf("snapshot: got %+v", snap)
	}
}

func TestVoice_ControlErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		raw      string
		sendErr  error
		sayErr   error
		wantCode string
	}{
		{name: "unknown type", raw: `{"type":"dance"}`, wantCode: "bad_request"},
		{name: "malformed json", raw: `{"type":`, wantCode: "bad_request"},
		{name: "nothing to send", raw: `{"type":"send"}`, sendErr: turntaking.ErrNothingToSend, wantCode: "nothing_to_send"},
		{name: "empty typed command", raw: `{"type":"say","text":"  "}`, sayErr: conversation.ErrEmptyCommand, wantCode: "empty_command"},
		{
			name:     "backend failure",
			raw:      `{"type":"say","text":"hi"}`,
			sayErr:   fmt.Errorf("conversation: complete: %w", backend.ErrUnreachable),
			wantCode: "backend_unreachable",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			v := newFakeVoice()
			v.sendErr, v.sayErr = tt.sendErr, tt.sayErr
			srv := startServer(t, New(newFakeOpener(v), &fakeThreads{}))
			conn := dial(t, srv, "bob")
			readMessage(t, conn) // ready

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := conn.Write(ctx, websocket.MessageText, []byte(tt.raw)); err != nil {
				t.Fatalf("write: %v", err)
			}
			msg := readMessage(t, conn)
			if msg.Type != "error" || msg.Code != tt.wantCode {
				t.Errorf("got %+v, want error with code %q", msg, tt.wantCode)
			}
		})
	}
}

func TestVoice_AudioBothWays(t *testing.T) {
	t.Parallel()

	format := audio.Format{SampleRate: 16000, Channels: 1}
	o := newFakeOpener(newFakeVoice())
	srv := startServer(t, New(o, &fakeThreads{}, WithDeviceFormat(format)))
	conn := dial(t, srv, "carol")
	readMessage(t, conn)
	s := waitOpened(t, o)

	if got := s.dev.Format(); got != format {
		t.Errorf("device format: got %+v, want %+v", got, format)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	mic := make([]byte, 320) // 10ms at 16kHz mono
	mic[0] = 7
	for range 2 {
		if err := conn.Write(ctx, websocket.MessageBinary, mic); err != nil {
			t.Fatalf("write audio: %v", err)
		}
	}
	var frames []audio.Frame
	for range 2 {
		select {
		case f := <-s.dev.Input():
			frames = append(frames, f)
		case <-ctx.Done():
			t.Fatal("microphone frame not delivered")
		}
	}
	if !bytes.Equal(frames[0].Data, mic) || frames[0].SampleRate != 16000 || frames[0].Channels != 1 {
		t.Errorf("input frame: got %d bytes at %d/%d", len(frames[0].Data), frames[0].SampleRate, frames[0].Channels)
	}
	if frames[1].Timestamp != 10*time.Millisecond {
		t.Errorf("second frame timestamp: got %v, want 10ms", frames[1].Timestamp)
	}

	speaker := []byte{1, 2, 3, 4}
	s.dev.Output() <- audio.Frame{Data: speaker, SampleRate: 16000, Channels: 1}
	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read audio: %v", err)
	}
	if typ != websocket.MessageBinary || !bytes.Equal(data, speaker) {
		t.Errorf("playback: got type %v data %v, want binary %v", typ, data, speaker)
	}
}

func TestVoice_ObserverUpdates(t *testing.T) {
	t.Parallel()

	o := newFakeOpener(newFakeVoice())
	srv := startServer(t, New(o, &fakeThreads{}))
	conn := dial(t, srv, "dave")
	readMessage(t, conn)
	s := waitOpened(t, o)

	s.observer(turntaking.Update{
		Kind:     turntaking.UpdateInterrupt,
		Snapshot: turntaking.Snapshot{Mode: turntaking.ListeningDuringPlayback, Transcript: "wait stop"},
		Text:     "wait stop",
	})
	msg := readMessage(t, conn)
	if msg.Type != "status" || msg.Update != "interrupt" || msg.Mode != "listening_during_playback" || msg.Text != "wait stop" {
		t.Errorf("interrupt update: got %+v", msg)
	}

	s.observer(turntaking.Update{
		Kind:     turntaking.UpdateError,
		Snapshot: turntaking.Snapshot{Mode: turntaking.Idle},
		Err:      fmt.Errorf("%w: mic unplugged", turntaking.ErrDeviceUnavailable),
	})
	msg = readMessage(t, conn)
	if msg.Type != "error" || msg.Code != "device_unavailable" || msg.Mode != "idle" {
		t.Errorf("error update: got %+v", msg)
	}
}

func TestVoice_ClientCloseEndsSession(t *testing.T) {
	t.Parallel()

	v := newFakeVoice()
	o := newFakeOpener(v)
	srv := startServer(t, New(o, &fakeThreads{}))
	conn := dial(t, srv, "erin")
	readMessage(t, conn)
	s := waitOpened(t, o)

	conn.Close(websocket.StatusNormalClosure, "bye")

	select {
	case <-v.stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("voice session still running after the client closed")
	}
	select {
	case _, ok := <-s.dev.Input():
		if ok {
			t.Error("device input delivered a frame after close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("device input not closed")
	}
}

func TestVoice_OpenFailureClosesConnection(t *testing.T) {
	t.Parallel()

	o := newFakeOpener(newFakeVoice())
	o.err = errors.New("stt unavailable")
	srv := startServer(t, New(o, &fakeThreads{}))
	conn := dial(t, srv, "frank")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusTryAgainLater {
		t.Errorf("close status: got %v, want %v (err %v)", got, websocket.StatusTryAgainLater, err)
	}
}

func TestSocketDevice_DropsWhenFull(t *testing.T) {
	t.Parallel()

	d := newSocketDevice(audio.Format{SampleRate: 16000, Channels: 1}, 1)
	if !d.push(audio.Frame{Data: []byte{1, 0}}) {
		t.Fatal("first push should be accepted")
	}
	if d.push(audio.Frame{Data: []byte{2, 0}}) {
		t.Error("push into a full buffer should drop")
	}
	d.closeInput()
	d.closeInput()
	if d.push(audio.Frame{Data: []byte{3, 0}}) {
		t.Error("push after close should drop")
	}
}

// ── threads API ──────────────────────────────────────────────────────────────

func TestThreadsAPI(t *testing.T) {
	t.Parallel()

	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name       string
		threads    *fakeThreads
		method     string
		path       string
		body       string
		wantStatus int
		wantBody   string
	}{
		{
			name: "list",
			threads: &fakeThreads{threads: []thread.Thread{
				{ID: "t2", IsActive: true, CreatedAt: created, TurnCount: 3},
				{ID: "t1", CreatedAt: created},
			}},
			method:     http.MethodGet,
			path:       "/v1/users/alice/threads",
			wantStatus: http.StatusOK,
			wantBody:   `"id":"t2","active":true`,
		},
		{
			name:       "list empty",
			threads:    &fakeThreads{},
			method:     http.MethodGet,
			path:       "/v1/users/alice/threads",
			wantStatus: http.StatusOK,
			wantBody:   `[]`,
		},
		{
			name:       "new thread",
			threads:    &fakeThreads{},
			method:     http.MethodPost,
			path:       "/v1/users/alice/threads",
			wantStatus: http.StatusCreated,
			wantBody:   `"id":"t-new"`,
		},
		{
			name:       "activate",
			threads:    &fakeThreads{},
			method:     http.MethodPost,
			path:       "/v1/users/alice/threads/t1/activate",
			wantStatus: http.StatusOK,
			wantBody:   `"id":"t1","active":true`,
		},
		{
			name:       "activate unknown",
			threads:    &fakeThreads{err: fmt.Errorf("memstore: activate: %w", thread.ErrNotFound)},
			method:     http.MethodPost,
			path:       "/v1/users/alice/threads/nope/activate",
			wantStatus: http.StatusNotFound,
			wantBody:   `"code":"not_found"`,
		},
		{
			name: "active turns",
			threads: &fakeThreads{
				active:  thread.Thread{ID: "t2", IsActive: true},
				history: []thread.Turn{{Index: 0, UserMessage: "hi", AssistantReply: "hello"}},
			},
			method:     http.MethodGet,
			path:       "/v1/users/alice/threads/active/turns",
			wantStatus: http.StatusOK,
			wantBody:   `"turns":[{"index":0,"user":"hi","assistant":"hello"`,
		},
		{
			name:       "no active thread",
			threads:    &fakeThreads{},
			method:     http.MethodGet,
			path:       "/v1/users/alice/threads/active/turns",
			wantStatus: http.StatusOK,
			wantBody:   `{"thread":null,"turns":[]}`,
		},
		{
			name: "submit",
			threads: &fakeThreads{submit: func(user, text string) (thread.Turn, error) {
				return thread.Turn{Index: 4, UserMessage: text, AssistantReply: "echo " + user}, nil
			}},
			method:     http.MethodPost,
			path:       "/v1/users/alice/messages",
			body:       `{"text":"ping"}`,
			wantStatus: http.StatusOK,
			wantBody:   `"index":4,"user":"ping","assistant":"echo alice"`,
		},
		{
			name:       "submit bad body",
			threads:    &fakeThreads{},
			method:     http.MethodPost,
			path:       "/v1/users/alice/messages",
			body:       `not json`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "submit busy",
			threads: &fakeThreads{submit: func(string, string) (thread.Turn, error) {
				return thread.Turn{}, conversation.ErrSubmitInFlight
			}},
			method:     http.MethodPost,
			path:       "/v1/users/alice/messages",
			body:       `{"text":"again"}`,
			wantStatus: http.StatusConflict,
			wantBody:   `"code":"busy"`,
		},
		{
			name: "submit backend status",
			threads: &fakeThreads{submit: func(string, string) (thread.Turn, error) {
				return thread.Turn{}, &backend.StatusError{Code: 503, Err: errors.New("overloaded")}
			}},
			method:     http.MethodPost,
			path:       "/v1/users/alice/messages",
			body:       `{"text":"hi"}`,
			wantStatus: http.StatusBadGateway,
			wantBody:   `"code":"backend_status"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			mux := http.NewServeMux()
			New(nil, tt.threads).Register(mux)

			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status: got %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body)
			}
			if tt.wantBody != "" && !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("body: got %s, want it to contain %s", rec.Body, tt.wantBody)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err        error
		wantCode   string
		wantStatus int
	}{
		{conversation.ErrEmptyCommand, "empty_command", http.StatusBadRequest},
		{turntaking.ErrSubmitPending, "busy", http.StatusConflict},
		{conversation.ErrThreadSwitched, "thread_switched", http.StatusConflict},
		{fmt.Errorf("start: %w", turntaking.ErrInvalidTransition), "invalid_transition", http.StatusConflict},
		{fmt.Errorf("x: %w", backend.ErrDecodeFailure), "backend_decode", http.StatusBadGateway},
		{context.DeadlineExceeded, "cancelled", http.StatusServiceUnavailable},
		{errors.New("disk on fire"), "internal", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.wantCode, func(t *testing.T) {
			t.Parallel()
			code, status := classify(tt.err)
			if code != tt.wantCode || status != tt.wantStatus {
				t.Errorf("classify(%v): got %s/%d, want %s/%d", tt.err, code, status, tt.wantCode, tt.wantStatus)
			}
		})
	}
}
