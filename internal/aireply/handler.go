package aireply

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/KR7-gen/ai-vent-app/internal/utils"
)

// Request is the body of POST /api/ai-reply.
type Request struct {
	RoomID   string `json:"roomId"`
	UserText string `json:"userText"`
}

// Response is the success body of POST /api/ai-reply.
type Response struct {
	ReplyText string `json:"replyText"`
}

// Mount registers POST /api/ai-reply on r.
func (s *Service) Mount(r *mux.Router) {
	r.HandleFunc("/api/ai-reply", s.handleReply).Methods(http.MethodPost)
}

func (s *Service) handleReply(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.UserText == "" {
		utils.WriteError(w, http.StatusBadRequest, "Invalid userText provided")
		return
	}
	if req.RoomID == "" {
		utils.WriteError(w, http.StatusBadRequest, "Invalid roomId provided")
		return
	}

	reply, err := s.Complete(r.Context(), req.RoomID, req.UserText)
	switch {
	case err == nil:
		utils.WriteJSON(w, http.StatusOK, Response{ReplyText: reply})
	case errors.Is(err, ErrInvalidInput):
		utils.WriteError(w, http.StatusBadRequest, "Invalid userText provided")
	case errors.Is(err, ErrNotConfigured):
		utils.WriteError(w, http.StatusInternalServerError, ErrNotConfigured.Error())
	case errors.Is(err, ErrTimeout):
		utils.WriteError(w, http.StatusGatewayTimeout, "Request timeout")
	default:
		utils.WriteError(w, http.StatusInternalServerError, "Failed to generate response")
	}
}
