package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/jeeves-cluster-organization/finrouter/commbus"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/agents"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/envelope"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/runtime"
)

// chatBody is the JSON body of /chat and /chat/stream. Statement is optional
// CSV text analysed in this turn only.
type chatBody struct {
	UserID    string `json:"user_id"`
	Message   string `json:"message"`
	Statement string `json:"statement,omitempty"`
}

func (b chatBody) validate() error {
	if strings.TrimSpace(b.UserID) == "" {
		return errors.New("user_id is required")
	}
	if strings.TrimSpace(b.Message) == "" {
		return errors.New("message is required")
	}
	return nil
}

func (b chatBody) request() runtime.ChatRequest {
	req := runtime.ChatRequest{UserID: b.UserID, Message: b.Message}
	if b.Statement != "" {
		req.Statement = []byte(b.Statement)
	}
	return req
}

// decodeChat reads and validates a chat body, writing the error response
// itself when it fails.
func (s *Server) decodeChat(w http.ResponseWriter, r *http.Request) (chatBody, bool) {
	var body chatBody
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return body, false
	}
	if err := body.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return body, false
	}
	return body, s.allow(w, body.UserID, "chat")
}

// =============================================================================
// CHAT
// =============================================================================

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decodeChat(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.backend.Chat(r.Context(), body.request()))
}

type executeCommandBody struct {
	UserID string         `json:"user_id"`
	Action string         `json:"action"`
	Params map[string]any `json:"params"`
}

func (s *Server) handleExecuteCommand(w http.ResponseWriter, r *http.Request) {
	var body executeCommandBody
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if body.UserID == "" || body.Action == "" {
		writeError(w, http.StatusBadRequest, "user_id and action are required")
		return
	}
	if !s.allow(w, body.UserID, "chat") {
		return
	}
	out, err := s.backend.ExecuteCommand(r.Context(), body.UserID, envelope.ProposedAction{Action: body.Action, Params: body.Params})
	if err != nil {
		s.fail(w, r, "execute_command", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "action": body.Action, "result": out})
}

type userBody struct {
	UserID string `json:"user_id"`
}

func (s *Server) handleClearChat(w http.ResponseWriter, r *http.Request) {
	var body userBody
	if err := decode(r, &body); err != nil || body.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if err := s.backend.ClearHistory(r.Context(), body.UserID); err != nil {
		s.fail(w, r, "clear_chat", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// =============================================================================
// ACTIONS & UPLOAD
// =============================================================================

type executeActionBody struct {
	UserID  string        `json:"user_id"`
	Consent bool          `json:"consent"`
	Action  agents.Action `json:"action"`
}

func (s *Server) handleExecuteAction(w http.ResponseWriter, r *http.Request) {
	var body executeActionBody
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if body.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if _, err := agents.ParseActionType(string(body.Action.Type)); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.backend.ExecuteAction(r.Context(), body.UserID, body.Action, body.Consent)
	if err != nil {
		s.fail(w, r, "execute_action", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(s.maxUpload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid upload: "+err.Error())
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()
	if !strings.HasSuffix(strings.ToLower(header.Filename), ".csv") {
		writeError(w, http.StatusBadRequest, "only CSV files are supported")
		return
	}

	res, err := s.backend.ImportStatement(r.Context(), userID, file)
	if err != nil {
		s.fail(w, r, "upload", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// =============================================================================
// CATALOG & PROFILE
// =============================================================================

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	catalog, err := s.backend.Tools(r.Context(), r.URL.Query().Get("user_id"))
	if err != nil {
		s.fail(w, r, "tools", err)
		return
	}
	writeJSON(w, http.StatusOK, catalog)
}

func (s *Server) handleExamples(w http.ResponseWriter, r *http.Request) {
	examples, err := s.backend.Examples(r.Context(), r.URL.Query().Get("user_id"))
	if err != nil {
		s.fail(w, r, "examples", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"examples": examples})
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	p, err := s.backend.Profile(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.fail(w, r, "get_profile", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var u runtime.ProfileUpdate
	if err := decode(r, &u); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	p, err := s.backend.UpdateProfile(r.Context(), chi.URLParam(r, "userID"), u)
	if err != nil {
		s.fail(w, r, "update_profile", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// =============================================================================
// HEALTH
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := s.health(r.Context())
	status := http.StatusOK
	if resp.Status == commbus.HealthStatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) health(ctx context.Context) *commbus.HealthCheckResponse {
	if s.bus == nil || !s.bus.HasHandler("HealthCheckRequest") {
		return &commbus.HealthCheckResponse{Component: "http", Status: commbus.HealthStatusHealthy}
	}
	out, err := s.bus.QuerySync(ctx, &commbus.HealthCheckRequest{Component: "http"})
	if err != nil {
		return &commbus.HealthCheckResponse{
			Component: "http",
			Status:    commbus.HealthStatusUnhealthy,
			Details:   map[string]string{"bus": err.Error()},
		}
	}
	resp, ok := out.(*commbus.HealthCheckResponse)
	if !ok {
		return &commbus.HealthCheckResponse{Component: "http", Status: commbus.HealthStatusDegraded}
	}
	return resp
}
