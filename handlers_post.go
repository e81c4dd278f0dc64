package main

import (
	"net/http"

	"go.uber.org/zap"
)

func (n *Node) handleOutbox(w http.ResponseWriter, r *http.Request) {
	writeEnvelopes(w, r, n.Outbox())
}

func (n *Node) handleInbox(w http.ResponseWriter, r *http.Request) {
	var envs []Envelope
	if !decodeJSON(w, r, &envs) {
		return
	}

	imported, err := n.ImportEnvelopes(r.Context(), envs)
	if err != nil {
		if imported == 0 {
			n.log.Warn("all posts failed validation", zap.Error(err))
			http.Error(w, "no valid posts", http.StatusBadRequest)
			return
		}
		n.log.Warn("some posts failed validation", zap.Error(err))
	}
	n.log.Info("imported posts", zap.Int("count", imported))
	writeOK(w)
}

func (n *Node) handlePeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, n.peers.Addresses())
}

func (n *Node) handleSync(w http.ResponseWriter, r *http.Request) {
	var req SyncRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, n.Sync(r.Context(), req.Address))
}
