package bridge

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/MrWong99/parley/pkg/thread"
)

// threadJSON is the wire form of a [thread.Thread].
type threadJSON struct {
	ID            string    `json:"id"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
	LastMessageAt time.Time `json:"last_message_at"`
	Turns         int       `json:"turns"`
}

func toThreadJSON(t thread.Thread) threadJSON {
	return threadJSON{
		ID:            t.ID,
		Active:        t.IsActive,
		CreatedAt:     t.CreatedAt,
		LastMessageAt: t.LastMessageAt,
		Turns:         t.TurnCount,
	}
}

// turnJSON is the wire form of a [thread.Turn].
type turnJSON struct {
	Index     int       `json:"index"`
	User      string    `json:"user"`
	Assistant string    `json:"assistant"`
	CreatedAt time.Time `json:"created_at"`
	Language  string    `json:"language,omitempty"`
}

func toTurnJSON(t thread.Turn) turnJSON {
	return turnJSON{
		Index:     t.Index,
		User:      t.UserMessage,
		Assistant: t.AssistantReply,
		CreatedAt: t.CreatedAt,
		Language:  t.Language,
	}
}

// historyResponse is returned by the active turns endpoint. Thread is nil when
// the user has no active thread.
type historyResponse struct {
	Thread *threadJSON `json:"thread"`
	Turns  []turnJSON  `json:"turns"`
}

// messageRequest is the body of the typed command endpoint.
type messageRequest struct {
	Text string `json:"text"`
}

// listThreads handles GET /v1/users/{user}/threads.
func (h *Handler) listThreads(w http.ResponseWriter, r *http.Request) {
	ths, err := h.threads.Threads(r.Context(), r.PathValue("user"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]threadJSON, 0, len(ths))
	for _, t := range ths {
		out = append(out, toThreadJSON(t))
	}
	writeJSON(w, http.StatusOK, out)
}

// newThread handles POST /v1/users/{user}/threads.
func (h *Handler) newThread(w http.ResponseWriter, r *http.Request) {
	th, err := h.threads.NewThread(r.Context(), r.PathValue("user"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toThreadJSON(th))
}

// activateThread handles POST /v1/users/{user}/threads/{id}/activate.
func (h *Handler) activateThread(w http.ResponseWriter, r *http.Request) {
	th, err := h.threads.SwitchThread(r.Context(), r.PathValue("user"), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toThreadJSON(th))
}

// activeTurns handles GET /v1/users/{user}/threads/active/turns.
func (h *Handler) activeTurns(w http.ResponseWriter, r *http.Request) {
	th, turns, err := h.threads.History(r.Context(), r.PathValue("user"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := historyResponse{Turns: make([]turnJSON, 0, len(turns))}
	if th.ID != "" {
		tj := toThreadJSON(th)
		resp.Thread = &tj
	}
	for _, t := range turns {
		resp.Turns = append(resp.Turns, toTurnJSON(t))
	}
	writeJSON(w, http.StatusOK, resp)
}

// submit handles POST /v1/users/{user}/messages. The reply is returned and,
// when the user has a voice session, also spoken.
func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	turn, err := h.threads.Submit(r.Context(), r.PathValue("user"), req.Text)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTurnJSON(turn))
}

type errorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, status := classify(err)
	if status >= http.StatusInternalServerError {
		h.log.Warn("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	writeJSON(w, status, errorResponse{Code: code, Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
