package main

import (
	"context"
	"crypto/rand"
	"errors"
	"net/http"

	"github.com/gorilla/sessions"
	"golang.org/x/crypto/bcrypt"
)

const (
	sessionName         = "openherd-admin"
	adminPasswordHeader = "X-Admin-Password"
)

// passwordCost is a var so tests can trade strength for speed.
var passwordCost = bcrypt.DefaultCost

// EnrollAdmin adds password to the admin set and reports whether it was new.
func EnrollAdmin(ctx context.Context, store *Store, password string) (bool, error) {
	if password == "" {
		return false, errors.New("password must not be empty")
	}
	existing, err := matchingAdminHashes(ctx, store, password)
	if err != nil {
		return false, err
	}
	if len(existing) > 0 {
		return false, nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), passwordCost)
	if err != nil {
		return false, err
	}
	return true, store.AddAdminHash(ctx, string(hash))
}

// DenrollAdmin removes password from the admin set. Removing an unknown
// password is not an error.
func DenrollAdmin(ctx context.Context, store *Store, password string) error {
	hashes, err := matchingAdminHashes(ctx, store, password)
	if err != nil {
		return err
	}
	for _, h := range hashes {
		if err := store.RemoveAdminHash(ctx, h); err != nil {
			return err
		}
	}
	return nil
}

func matchingAdminHashes(ctx context.Context, store *Store, password string) ([]string, error) {
	hashes, err := store.AdminHashes(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, h := range hashes {
		if bcrypt.CompareHashAndPassword([]byte(h), []byte(password)) == nil {
			out = append(out, h)
		}
	}
	return out, nil
}

// IsAdmin reports whether password belongs to an enrolled admin.
func (n *Node) IsAdmin(ctx context.Context, password string) bool {
	if password == "" {
		return false
	}
	hashes, err := matchingAdminHashes(ctx, n.store, password)
	return err == nil && len(hashes) > 0
}

func newAdminSessions(secret string, secure bool) *sessions.CookieStore {
	key := []byte(secret)
	if len(key) == 0 {
		// sessions then last until restart
		key = make([]byte, 32)
		_, _ = rand.Read(key)
	}
	s := sessions.NewCookieStore(key)
	s.Options = &sessions.Options{
		Path:     "/_openherd/",
		MaxAge:   12 * 60 * 60,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	}
	return s
}

// adminFromRequest accepts the password header or a logged-in session.
func (n *Node) adminFromRequest(r *http.Request) bool {
	if pw := r.Header.Get(adminPasswordHeader); pw != "" {
		return n.IsAdmin(r.Context(), pw)
	}
	session, err := n.sessions.Get(r, sessionName)
	if err != nil {
		return false
	}
	ok, _ := session.Values["admin"].(bool)
	return ok
}

func (n *Node) startAdminSession(w http.ResponseWriter, r *http.Request) error {
	session, _ := n.sessions.Get(r, sessionName)
	session.Values["admin"] = true
	return session.Save(r, w)
}

func (n *Node) endAdminSession(w http.ResponseWriter, r *http.Request) error {
	session, _ := n.sessions.Get(r, sessionName)
	session.Values["admin"] = nil
	session.Options.MaxAge = -1
	return session.Save(r, w)
}
