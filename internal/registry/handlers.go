package registry

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/KR7-gen/ai-vent-app/internal/utils"
)

const (
	errInvalidRoomID = "Invalid roomId"
	errInvalidBody   = "Invalid request body"
)

type roomRequest struct {
	RoomID any `json:"roomId"`
}

// CheckResponse is the body of /api/rooms/check.
type CheckResponse struct {
	Exists bool `json:"exists"`
}

// SuccessResponse is the body of /api/rooms/register and /api/rooms/unregister.
type SuccessResponse struct {
	Success bool `json:"success"`
}

// Mount registers the room endpoints on r.
func (reg *Registry) Mount(r *mux.Router) {
	r.HandleFunc("/api/rooms/check", reg.handleCheck).Methods(http.MethodPost)
	r.HandleFunc("/api/rooms/register", reg.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/api/rooms/unregister", reg.handleUnregister).Methods(http.MethodPost)
}

func (reg *Registry) handleCheck(w http.ResponseWriter, r *http.Request) {
	roomID, ok := readRoomID(w, r)
	if !ok {
		return
	}
	exists := reg.Contains(roomID)
	reg.logger.Debug("room check", "room", roomID, "exists", exists)
	utils.WriteJSON(w, http.StatusOK, CheckResponse{Exists: exists})
}

func (reg *Registry) handleRegister(w http.ResponseWriter, r *http.Request) {
	roomID, ok := readRoomID(w, r)
	if !ok {
		return
	}
	reg.Add(roomID)
	utils.WriteJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

func (reg *Registry) handleUnregister(w http.ResponseWriter, r *http.Request) {
	roomID, ok := readRoomID(w, r)
	if !ok {
		return
	}
	reg.Remove(roomID)
	utils.WriteJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// readRoomID decodes {"roomId": "..."} and writes the 400 response itself
// when the body is unusable.
func readRoomID(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req roomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteError(w, http.StatusBadRequest, errInvalidBody)
		return "", false
	}
	roomID, ok := req.RoomID.(string)
	if !ok || roomID == "" {
		utils.WriteError(w, http.StatusBadRequest, errInvalidRoomID)
		return "", false
	}
	return roomID, true
}
