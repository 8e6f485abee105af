package handlers

import (
	"net/http"
	"strconv"
)

// NewHealthHandler returns GET /health handler. relayStates may be nil.
func NewHealthHandler(relayStates func() map[int]bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]interface{}{"status": "ok"}
		if relayStates != nil {
			sockets := make(map[string]bool)
			for socket, on := range relayStates() {
				sockets[strconv.Itoa(socket)] = on
			}
			resp["sockets"] = sockets
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
