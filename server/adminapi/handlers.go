package adminapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/verayang01/chatd/server/chat"
	"github.com/verayang01/chatd/store"
)

// Request/Response types

type CredentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type SendMessageRequest struct {
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Message   string `json:"message"`
}

type DeleteMessageRequest struct {
	Sender  string `json:"sender"`
	Message string `json:"message"`
}

type MessageResponse struct {
	ID       string    `json:"id"`
	Position int       `json:"position"`
	Sender   string    `json:"sender"`
	Message  string    `json:"message"`
	Read     bool      `json:"read"`
	SentAt   time.Time `json:"sent_at"`
}

type StatusResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type HealthResponse struct {
	Status string      `json:"status"`
	Uptime string      `json:"uptime"`
	Store  store.Stats `json:"store"`
}

func toMessages(msgs []store.Message) []MessageResponse {
	out := make([]MessageResponse, len(msgs))
	for i, m := range msgs {
		out[i] = MessageResponse{
			ID:       m.ID,
			Position: m.Position,
			Sender:   m.Sender,
			Message:  m.Content,
			Read:     m.Read,
			SentAt:   m.SentAt,
		}
	}
	return out
}

// Handler functions

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Uptime: time.Since(s.startTime).Round(time.Second).String(),
		Store:  s.backend.Stats(),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	created, err := s.backend.Login(req.Username, req.Password)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if created {
		s.writeJSON(w, http.StatusCreated, StatusResponse{Success: true, Message: chat.MsgAccountCreated})
		return
	}
	s.writeJSON(w, http.StatusOK, StatusResponse{Success: true, Message: chat.MsgLoginOK})
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := s.backend.CreateAccount(req.Username, req.Password); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"username": req.Username, "message": "Account created successfully."})
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts := s.backend.ListAccounts(r.URL.Query().Get("query"))
	if accounts == nil {
		accounts = []string{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"accounts": accounts, "total": len(accounts)})
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]
	if err := s.backend.DeleteAccount(username); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, StatusResponse{Success: true, Message: chat.MsgAccountDeleted})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	msg, err := s.backend.SendMessage(req.Sender, req.Recipient, req.Message)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, toMessages([]store.Message{msg})[0])
}

func (s *Server) handleReadMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.backend.ReadMessages(mux.Vars(r)["username"])
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"messages": toMessages(msgs), "total": len(msgs)})
}

func (s *Server) handleGetUnread(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.backend.GetUnreadMessages(mux.Vars(r)["username"])
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"messages": toMessages(msgs), "total": len(msgs)})
}

func (s *Server) handleReadUnread(w http.ResponseWriter, r *http.Request) {
	perPage := 0
	if v := r.URL.Query().Get("per_page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "Invalid per_page parameter")
			return
		}
		perPage = n
	}
	msgs, err := s.backend.ReadUnreadMessages(mux.Vars(r)["username"], perPage)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"messages": toMessages(msgs), "total": len(msgs)})
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	idx, err := strconv.Atoi(vars["idx"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid message index")
		return
	}
	var req DeleteMessageRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := s.backend.DeleteMessage(vars["username"], req.Sender, req.Message, idx); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, StatusResponse{Success: true, Message: chat.MsgMessageDeleted})
}
