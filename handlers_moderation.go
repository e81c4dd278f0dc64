package main

import (
	"net/http"

	"go.uber.org/zap"
)

func (n *Node) handleModerationLookup(w http.ResponseWriter, r *http.Request) {
	ids, ok := decodeIDList(w, r)
	if !ok {
		return
	}
	labels, err := n.store.PostLabels(r.Context(), ids)
	if err != nil {
		n.internalError(w, "moderation lookup", err)
		return
	}
	writeJSON(w, http.StatusOK, labels)
}

func (n *Node) handleModerationLabels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, n.labels.List())
}

func (n *Node) handleModerationReport(w http.ResponseWriter, r *http.Request) {
	reporter := reporterIP(r)
	if !n.limits.Allow(reporter) {
		http.Error(w, "too many reports", http.StatusTooManyRequests)
		return
	}
	var reports []ModerationReport
	if !decodeJSON(w, r, &reports) {
		return
	}
	kept, err := n.FileReports(r.Context(), reports, reporter)
	if err != nil {
		n.internalError(w, "file reports", err)
		return
	}
	n.log.Debug("filed moderation reports", zap.Int("count", kept))
	writeOK(w)
}
