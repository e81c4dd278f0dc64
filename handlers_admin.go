package main

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

type adminPageData struct {
	Title  string
	Labels []ModerationLabel
	Peers  []string
}

func (n *Node) handleAdminUI(w http.ResponseWriter, r *http.Request) {
	n.executeTemplate(w, "admin.html", adminPageData{
		Title:  "OpenHerd admin",
		Labels: n.labels.List(),
		Peers:  n.peers.Addresses(),
	})
}

func (n *Node) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	var auth AdminAuth
	if !decodeJSON(w, r, &auth) {
		return
	}
	if !n.IsAdmin(r.Context(), auth.Password) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if err := n.startAdminSession(w, r); err != nil {
		n.internalError(w, "save admin session", err)
		return
	}
	writeOK(w)
}

func (n *Node) handleAdminLogout(w http.ResponseWriter, r *http.Request) {
	if err := n.endAdminSession(w, r); err != nil {
		n.internalError(w, "clear admin session", err)
		return
	}
	writeOK(w)
}

// requireAdmin rejects requests that carry neither an admin password header
// nor an admin session.
func (n *Node) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !n.adminFromRequest(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// handleAdminReports takes the password in the body; an empty body falls back
// to the header or session.
func (n *Node) handleAdminReports(w http.ResponseWriter, r *http.Request) {
	var auth AdminAuth
	if r.ContentLength != 0 {
		if !decodeJSON(w, r, &auth) {
			return
		}
	}
	var authorized bool
	if auth.Password != "" {
		authorized = n.IsAdmin(r.Context(), auth.Password)
	} else {
		authorized = n.adminFromRequest(r)
	}
	if !authorized {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	reports, err := n.store.Reports(r.Context())
	if err != nil {
		n.internalError(w, "list reports", err)
		return
	}
	writeJSON(w, http.StatusOK, reports)
}

func (n *Node) handleAdminAccept(w http.ResponseWriter, r *http.Request) {
	var action ModerationAction
	if !decodeJSON(w, r, &action) {
		return
	}
	if err := n.ResolveReport(r.Context(), action.ReportID, action.Label); err != nil {
		if errors.Is(err, ErrNotFound) {
			http.Error(w, "unknown report", http.StatusNotFound)
			return
		}
		n.internalError(w, "accept report", err)
		return
	}
	writeOK(w)
}

func (n *Node) handleAdminDeleteReport(w http.ResponseWriter, r *http.Request) {
	if _, err := n.store.DeleteReport(r.Context(), r.PathValue("id")); err != nil {
		n.internalError(w, "delete report", err)
		return
	}
	writeOK(w)
}

func (n *Node) handleAdminAddLabel(w http.ResponseWriter, r *http.Request) {
	var label ModerationLabel
	if !decodeJSON(w, r, &label) {
		return
	}
	if strings.TrimSpace(label.Label) == "" {
		http.Error(w, "label must not be empty", http.StatusBadRequest)
		return
	}
	if err := n.labels.Add(label); err != nil {
		if errors.Is(err, ErrLabelExists) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		n.internalError(w, "save labels", err)
		return
	}
	writeOK(w)
}

func (n *Node) handleAdminDeleteLabel(w http.ResponseWriter, r *http.Request) {
	if err := n.DeleteLabel(r.Context(), r.PathValue("label")); err != nil {
		n.internalError(w, "delete label", err)
		return
	}
	writeOK(w)
}

func (n *Node) mintFromRequest(w http.ResponseWriter, r *http.Request) ([]KarmaCode, *KarmaGenerateRequest, bool) {
	var req KarmaGenerateRequest
	if !decodeJSON(w, r, &req) {
		return nil, nil, false
	}
	codes, err := n.MintKarmaCodes(r.Context(), &req, n.cfg.Admin.MaxCodesPerMint)
	if err != nil {
		if errors.Is(err, ErrInvalidVoteType) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return nil, nil, false
		}
		n.internalError(w, "mint karma codes", err)
		return nil, nil, false
	}
	n.log.Info("minted karma codes", zap.String("issuer", req.Issuer), zap.Int("count", len(codes)))
	return codes, &req, true
}

func (n *Node) handleAdminKarmaCodes(w http.ResponseWriter, r *http.Request) {
	codes, _, ok := n.mintFromRequest(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, codes)
}

// handleAdminKarmaCodesText answers with the issuer on the first line and one
// code per following line, ready to print.
func (n *Node) handleAdminKarmaCodesText(w http.ResponseWriter, r *http.Request) {
	codes, req, ok := n.mintFromRequest(w, r)
	if !ok {
		return
	}
	lines := make([]string, 0, len(codes)+1)
	lines = append(lines, req.Issuer)
	for _, kc := range codes {
		lines = append(lines, kc.Code)
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, strings.Join(lines, "\n"))
}
