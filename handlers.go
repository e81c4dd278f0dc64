package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

const maxRequestBytes = 32 << 20

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", mimeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, APIResponse{OK: true})
}

// decodeJSON reads a bounded JSON body into v, answering 400 itself on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	body := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		status := http.StatusBadRequest
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			status = http.StatusRequestEntityTooLarge
		}
		http.Error(w, "invalid JSON body: "+err.Error(), status)
		return false
	}
	return true
}

// decodeIDList accepts either a bare JSON array of ids or {"posts": [...]}.
func decodeIDList(w http.ResponseWriter, r *http.Request) ([]string, bool) {
	var raw json.RawMessage
	if !decodeJSON(w, r, &raw) {
		return nil, false
	}
	trimmed := strings.TrimSpace(string(raw))
	var ids []string
	var err error
	if strings.HasPrefix(trimmed, "{") {
		var wrapped struct {
			Posts []string `json:"posts"`
		}
		err = json.Unmarshal(raw, &wrapped)
		ids = wrapped.Posts
	} else {
		err = json.Unmarshal(raw, &ids)
	}
	if err != nil {
		http.Error(w, fmt.Sprintf("expected a list of post ids: %v", err), http.StatusBadRequest)
		return nil, false
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, true
}

func (n *Node) internalError(w http.ResponseWriter, what string, err error) {
	n.log.Error(what, zap.Error(err))
	http.Error(w, "internal server error", http.StatusInternalServerError)
}
