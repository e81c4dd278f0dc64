package main

import (
	"errors"
	"net/http"
)

func karmaStatus(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrCodeExpired):
		return http.StatusGone
	case errors.Is(err, ErrCodeInUse):
		return http.StatusConflict
	case errors.Is(err, ErrDirectionMismatch):
		return http.StatusBadRequest
	case errors.Is(err, ErrOutsideRegion):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func (n *Node) handleUpvote(w http.ResponseWriter, r *http.Request) {
	n.castVote(w, r, voteUp)
}

func (n *Node) handleDownvote(w http.ResponseWriter, r *http.Request) {
	n.castVote(w, r, voteDown)
}

func (n *Node) castVote(w http.ResponseWriter, r *http.Request, direction string) {
	code := r.PathValue("code")
	var env Envelope
	if !decodeJSON(w, r, &env) {
		return
	}
	if _, err := n.store.KarmaCode(r.Context(), code); err != nil {
		if errors.Is(err, ErrNotFound) {
			http.Error(w, "unknown karma code", http.StatusNotFound)
			return
		}
		n.internalError(w, "load karma code", err)
		return
	}
	post, err := n.validator.Validate(&env)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := n.Vote(r.Context(), code, post, direction); err != nil {
		status := karmaStatus(err)
		if status == http.StatusInternalServerError {
			n.internalError(w, "cast vote", err)
			return
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeOK(w)
}

func (n *Node) handleRevokeKarma(w http.ResponseWriter, r *http.Request) {
	if err := n.RevokeVote(r.Context(), r.PathValue("code")); err != nil {
		if errors.Is(err, ErrNotFound) {
			http.Error(w, "unknown karma code", http.StatusNotFound)
			return
		}
		n.internalError(w, "revoke vote", err)
		return
	}
	writeOK(w)
}

func (n *Node) handleKarmaMetadata(w http.ResponseWriter, r *http.Request) {
	kc, err := n.store.KarmaCode(r.Context(), r.PathValue("code"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			http.Error(w, "unknown karma code", http.StatusNotFound)
			return
		}
		n.internalError(w, "load karma code", err)
		return
	}
	writeJSON(w, http.StatusOK, KarmaMetadata{Code: kc.Code, Expires: kc.Expires, CurrentPost: kc.CurrentPost})
}

func (n *Node) handleKarmaLookup(w http.ResponseWriter, r *http.Request) {
	ids, ok := decodeIDList(w, r)
	if !ok {
		return
	}
	scores, err := n.store.KarmaScores(r.Context(), ids)
	if err != nil {
		n.internalError(w, "karma lookup", err)
		return
	}
	writeJSON(w, http.StatusOK, scores)
}
