package api

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the JSON envelope every REST error carries:
// {type: "<Kebab.Kind.Path>", error: "<human message>"}.
type ErrorResponse struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind string, err error) {
	writeJSON(w, status, ErrorResponse{Type: kind, Error: err.Error()})
}
