// Package api provides HTTP handlers for Botflow endpoints.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/chatfuse/botflow/internal/models"
)

// healthHandler handles GET /health.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"status": "healthy"}))
}

// inboundMessageHandler handles POST /webhook/message. It accepts a JSON
// inbound message and routes it through the engine.
func (s *Server) inboundMessageHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.inboundMessageHandler: processing inbound message", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.inboundMessageHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var msg models.InboundMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		slog.Warn("Server.inboundMessageHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if msg.TenantID == "" || msg.ConversationID == "" {
		slog.Warn("Server.inboundMessageHandler: missing required fields")
		writeJSONResponse(w, http.StatusBadRequest, models.Error("tenant_id and conversation_id are required"))
		return
	}

	if err := s.engine.HandleInbound(r.Context(), msg); err != nil {
		slog.Error("Server.inboundMessageHandler: engine failed", "error", err, "conversationID", msg.ConversationID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process message"))
		return
	}

	slog.Info("Server.inboundMessageHandler: message processed", "conversationID", msg.ConversationID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Message processed", nil))
}

// getSessionHandler handles GET /sessions?id=... or ?conversation_id=...
func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var session *models.Session
	var err error
	if id := r.URL.Query().Get("id"); id != "" {
		session, err = s.st.GetSession(id)
	} else if conversationID := r.URL.Query().Get("conversation_id"); conversationID != "" {
		session, err = s.st.GetLiveSessionByConversation(conversationID)
	} else {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("id or conversation_id query parameter required"))
		return
	}
	if err != nil {
		slog.Error("Server.getSessionHandler: lookup failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to look up session"))
		return
	}
	if session == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Session not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(session))
}

// saveBotHandler handles PUT /bots.
func (s *Server) saveBotHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPut {
		w.Header().Set("Allow", http.MethodPut)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var bot models.Bot
	if err := json.NewDecoder(r.Body).Decode(&bot); err != nil {
		slog.Warn("Server.saveBotHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if bot.ID == "" || bot.TenantID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("id and tenant_id are required"))
		return
	}

	if err := s.st.SaveBot(bot); err != nil {
		slog.Error("Server.saveBotHandler: save failed", "error", err, "botID", bot.ID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save bot"))
		return
	}
	slog.Info("Server.saveBotHandler: bot saved", "botID", bot.ID, "tenantID", bot.TenantID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Bot saved", nil))
}

// saveFlowHandler handles PUT /flows. The flow graph is validated before it
// is persisted so broken graphs never reach the engine.
func (s *Server) saveFlowHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPut {
		w.Header().Set("Allow", http.MethodPut)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var f models.Flow
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		slog.Warn("Server.saveFlowHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if f.ID == "" || f.BotID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("id and bot_id are required"))
		return
	}
	if f.Active && len(f.Nodes) == 0 {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("an active flow must have at least one node"))
		return
	}
	for _, n := range f.Nodes {
		if !models.IsValidNodeType(n.Type) {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("unsupported node type: "+string(n.Type)))
			return
		}
	}
	if _, err := models.NewFlowGraph(f.ID, f.BotID, f.Nodes, f.Edges); err != nil {
		slog.Warn("Server.saveFlowHandler: invalid graph", "error", err, "flowID", f.ID)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	if err := s.st.SaveFlow(f); err != nil {
		slog.Error("Server.saveFlowHandler: save failed", "error", err, "flowID", f.ID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save flow"))
		return
	}
	slog.Info("Server.saveFlowHandler: flow saved", "flowID", f.ID, "botID", f.BotID, "active", f.Active)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Flow saved", nil))
}

// saveContactHandler handles PUT /contacts.
func (s *Server) saveContactHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPut {
		w.Header().Set("Allow", http.MethodPut)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var c models.Contact
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		slog.Warn("Server.saveContactHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if c.ID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("id is required"))
		return
	}

	if err := s.st.SaveContact(c); err != nil {
		slog.Error("Server.saveContactHandler: save failed", "error", err, "contactID", c.ID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save contact"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Contact saved", nil))
}

// saveWorkingHoursHandler handles PUT /working-hours?tenant_id=...
func (s *Server) saveWorkingHoursHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPut {
		w.Header().Set("Allow", http.MethodPut)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("tenant_id query parameter required"))
		return
	}

	var cfg models.WorkingHoursConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		slog.Warn("Server.saveWorkingHoursHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	if err := s.st.SaveWorkingHours(tenantID, cfg); err != nil {
		slog.Error("Server.saveWorkingHoursHandler: save failed", "error", err, "tenantID", tenantID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save working hours"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Working hours saved", nil))
}
