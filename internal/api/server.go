package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/flitsinc/go-rooms/internal/ai"
	"github.com/flitsinc/go-rooms/internal/directory"
	"github.com/flitsinc/go-rooms/internal/engine"
	"github.com/flitsinc/go-rooms/internal/eventbus"
	"github.com/flitsinc/go-rooms/internal/store"
)

type Server struct {
	Store        *store.Store
	Directory    *directory.Directory
	Orchestrator *engine.Orchestrator
	Pool         *ai.Pool
	Bus          *eventbus.Bus
	StartedAt    time.Time
	Info         DiagnosticsInfo
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/agents", s.handleAgents)
	mux.HandleFunc("/api/rooms", s.handleRooms)
	mux.HandleFunc("/api/rooms/", s.handleRoomItem)
	mux.HandleFunc("/api/diagnostics", s.handleDiagnostics)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC()})
}

// handleAgents lists every agent available on disk.
func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	ids, err := s.Directory.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	type agentInfo struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		Group  string `json:"group,omitempty"`
		Memory int    `json:"memory_fragments"`
	}
	out := make([]agentInfo, 0, len(ids))
	for _, id := range ids {
		snap, err := s.Directory.Load(id)
		if err != nil {
			continue
		}
		out = append(out, agentInfo{ID: snap.ID, Name: snap.Name, Group: snap.Group, Memory: len(snap.Fragments())})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		limit := parseInt(r.URL.Query().Get("limit"), 100)
		rooms, err := s.Store.ListRooms(r.Context(), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, rooms)
	case http.MethodPost:
		var payload struct {
			Name   string   `json:"name"`
			Agents []string `json:"agents"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		room, err := s.Store.CreateRoom(r.Context(), strings.TrimSpace(payload.Name))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		for _, agentID := range payload.Agents {
			if _, err := s.Directory.Load(agentID); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			if err := s.Store.AddAgent(r.Context(), room.ID, agentID); err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
		}
		writeJSON(w, http.StatusCreated, room)
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleRoomItem(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/rooms/")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		writeError(w, http.StatusNotFound, errNotFound("room"))
		return
	}
	roomID := segments[0]

	if len(segments) == 1 {
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		s.handleRoomGet(w, r, roomID)
		return
	}

	switch segments[1] {
	case "messages":
		s.handleRoomMessages(w, r, roomID)
	case "agents":
		s.handleRoomAgents(w, r, roomID, segments[2:])
	case "pause":
		s.handleRoomPause(w, r, roomID, true)
	case "resume":
		s.handleRoomPause(w, r, roomID, false)
	case "clear":
		s.handleRoomClear(w, r, roomID)
	case "limit":
		s.handleRoomLimit(w, r, roomID)
	case "poke":
		s.handleRoomPoke(w, r, roomID)
	case "subscribe":
		s.handleRoomSubscribe(w, r, roomID)
	case "ws":
		s.handleRoomWS(w, r, roomID)
	default:
		writeError(w, http.StatusNotFound, errNotFound("room action"))
	}
}

func (s *Server) handleRoomGet(w http.ResponseWriter, r *http.Request, roomID string) {
	room, err := s.Store.GetRoom(r.Context(), roomID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	agents, err := s.Store.RoomAgents(r.Context(), roomID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"room": room, "agents": agents})
}

func (s *Server) handleRoomMessages(w http.ResponseWriter, r *http.Request, roomID string) {
	switch r.Method {
	case http.MethodGet:
		if _, err := s.Store.GetRoom(r.Context(), roomID); err != nil {
			writeStoreError(w, err)
			return
		}
		since := int64(parseInt(r.URL.Query().Get("since"), 0))
		messages, err := s.Store.Messages(r.Context(), roomID, since)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if r.URL.Query().Get("include_skipped") == "" {
			messages = withoutSkipped(messages)
		}
		writeJSON(w, http.StatusOK, messages)
	case http.MethodPost:
		var payload struct {
			Content         string `json:"content"`
			Participant     string `json:"participant"`
			ParticipantName string `json:"participant_name"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		content := strings.TrimSpace(payload.Content)
		if content == "" {
			writeError(w, http.StatusBadRequest, errors.New("content is required"))
			return
		}
		participant := store.Participant(strings.TrimSpace(payload.Participant))
		switch participant {
		case "", store.ParticipantUser, store.ParticipantCharacter, store.ParticipantNarrator:
		default:
			// System notices and agent turns are internal; clients cannot
			// forge them.
			writeError(w, http.StatusBadRequest, errors.New("participant must be user, character, or narrator"))
			return
		}
		msg, err := s.Orchestrator.HandleUserMessage(r.Context(), roomID, store.MessageInput{
			Participant:     participant,
			ParticipantName: strings.TrimSpace(payload.ParticipantName),
			Content:         content,
		})
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, msg)
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleRoomAgents(w http.ResponseWriter, r *http.Request, roomID string, rest []string) {
	if _, err := s.Store.GetRoom(r.Context(), roomID); err != nil {
		writeStoreError(w, err)
		return
	}
	if len(rest) == 0 {
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		var payload struct {
			AgentID string `json:"agent_id"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if _, err := s.Directory.Load(payload.AgentID); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := s.Store.AddAgent(r.Context(), roomID, payload.AgentID); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"ok": true})
		return
	}

	agentID := rest[0]
	if r.Method != http.MethodDelete {
		writeMethodNotAllowed(w)
		return
	}
	if err := s.Store.RemoveAgent(r.Context(), roomID, agentID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	// Session teardown is off the critical path.
	s.Pool.CloseAgent(roomID, agentID)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleRoomPause(w http.ResponseWriter, r *http.Request, roomID string, paused bool) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if _, err := s.Store.GetRoom(r.Context(), roomID); err != nil {
		writeStoreError(w, err)
		return
	}
	if err := s.Store.SetPaused(r.Context(), roomID, paused); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if paused {
		s.Orchestrator.CancelRoom(roomID)
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "paused": paused})
}

func (s *Server) handleRoomClear(w http.ResponseWriter, r *http.Request, roomID string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if _, err := s.Store.GetRoom(r.Context(), roomID); err != nil {
		writeStoreError(w, err)
		return
	}
	s.Orchestrator.CancelRoom(roomID)
	if err := s.Store.ClearRoom(r.Context(), roomID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	// Old sessions remember the cleared conversation; drop them.
	s.Pool.CloseRoom(roomID)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleRoomLimit(w http.ResponseWriter, r *http.Request, roomID string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if _, err := s.Store.GetRoom(r.Context(), roomID); err != nil {
		writeStoreError(w, err)
		return
	}
	var payload struct {
		MaxInteractions *int `json:"max_interactions"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.MaxInteractions != nil && *payload.MaxInteractions < 1 {
		writeError(w, http.StatusBadRequest, errors.New("max_interactions must be positive"))
		return
	}
	if err := s.Store.SetMaxInteractions(r.Context(), roomID, payload.MaxInteractions); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleRoomPoke starts a burst without a new message, letting agents
// open or continue the conversation on their own.
func (s *Server) handleRoomPoke(w http.ResponseWriter, r *http.Request, roomID string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	room, err := s.Store.GetRoom(r.Context(), roomID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if room.Paused {
		writeError(w, http.StatusConflict, errors.New("room is paused"))
		return
	}
	s.Orchestrator.StartBurst(roomID)
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func withoutSkipped(messages []store.Message) []store.Message {
	out := make([]store.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Skipped {
			continue
		}
		out = append(out, msg)
	}
	return out
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}

func decodeJSON(body io.Reader, dest any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitComma(value string) []string {
	parts := strings.Split(value, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

type notFoundError struct {
	msg string
}

func (e notFoundError) Error() string { return e.msg }

func errNotFound(target string) error {
	return notFoundError{msg: target + " not found"}
}
