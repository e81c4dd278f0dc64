package main

import (
	"context"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnrollAndDenrollAdmin(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(t)

	added, err := EnrollAdmin(ctx, n.store, "hunter2")
	require.NoError(t, err)
	assert.True(t, added)
	added, err = EnrollAdmin(ctx, n.store, "hunter2")
	require.NoError(t, err)
	assert.False(t, added, "already enrolled")
	_, err = EnrollAdmin(ctx, n.store, "")
	assert.Error(t, err)

	hashes, err := n.store.AdminHashes(ctx)
	require.NoError(t, err)
	require.Len(t, hashes, 1)
	assert.NotContains(t, hashes[0], "hunter2")

	assert.True(t, n.IsAdmin(ctx, "hunter2"))
	assert.False(t, n.IsAdmin(ctx, "hunter3"))
	assert.False(t, n.IsAdmin(ctx, ""))

	require.NoError(t, DenrollAdmin(ctx, n.store, "hunter2"))
	require.NoError(t, DenrollAdmin(ctx, n.store, "hunter2"))
	assert.False(t, n.IsAdmin(ctx, "hunter2"))
}

func adminNode(t *testing.T) (*Node, http.Handler) {
	t.Helper()
	n := newTestNode(t)
	_, err := EnrollAdmin(context.Background(), n.store, "hunter2")
	require.NoError(t, err)
	return n, n.routes(prometheus.NewRegistry())
}

var adminHeader = http.Header{adminPasswordHeader: {"hunter2"}}

func TestAdminRequiresAuth(t *testing.T) {
	_, h := adminNode(t)
	wrong := http.Header{adminPasswordHeader: {"nope"}}

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/_openherd/admin/accept"},
		{http.MethodDelete, "/_openherd/admin/delete/some-id"},
		{http.MethodPost, "/_openherd/admin/karma/codes"},
		{http.MethodPost, "/_openherd/admin/karma/codes.txt"},
		{http.MethodPost, "/_openherd/admin/moderation/labels"},
		{http.MethodDelete, "/_openherd/admin/moderation/labels/spam"},
	} {
		w := call(t, h, tc.method, tc.path, "{}", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code, tc.path)
		w = call(t, h, tc.method, tc.path, "{}", wrong)
		assert.Equal(t, http.StatusUnauthorized, w.Code, tc.path)
	}

	w := call(t, h, http.MethodPost, "/_openherd/admin/reports", AdminAuth{Password: "nope"}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = call(t, h, http.MethodPost, "/_openherd/admin/login", AdminAuth{Password: "nope"}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminReportWorkflow(t *testing.T) {
	n, h := adminNode(t)
	ctx := context.Background()
	env := newTestAuthor(t).post(t, "questionable", 0, 0)
	_, err := n.FileReports(ctx, []ModerationReport{
		{Post: env, Reason: "spam"},
		{Post: env, Reason: "duplicate"},
	}, "192.0.2.1")
	require.NoError(t, err)

	w := call(t, h, http.MethodPost, "/_openherd/admin/reports", AdminAuth{Password: "hunter2"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "192.0.2.1", "reporter addresses stay private")
	reports := decodeBody[[]ModerationReport](t, w)
	require.Len(t, reports, 2)
	assert.NotEmpty(t, reports[0].ID)
	assert.False(t, reports[0].ReportedAt.IsZero())
	assert.Equal(t, env, reports[0].Post)

	w = call(t, h, http.MethodPost, "/_openherd/admin/accept", ModerationAction{ReportID: "missing"}, adminHeader)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = call(t, h, http.MethodPost, "/_openherd/admin/accept", ModerationAction{ReportID: reports[0].ID, Label: strPtr("spam")}, adminHeader)
	require.Equal(t, http.StatusOK, w.Code)
	w = call(t, h, http.MethodDelete, "/_openherd/admin/delete/"+reports[1].ID, nil, adminHeader)
	require.Equal(t, http.StatusOK, w.Code)

	w = call(t, h, http.MethodPost, "/_openherd/admin/reports", AdminAuth{Password: "hunter2"}, nil)
	assert.JSONEq(t, "[]", w.Body.String())

	labels, err := n.store.PostLabels(ctx, []string{env.ID})
	require.NoError(t, err)
	assert.Equal(t, "spam", *labels[0])
}

func TestAdminSessionLogin(t *testing.T) {
	_, h := adminNode(t)

	w := call(t, h, http.MethodPost, "/_openherd/admin/login", AdminAuth{Password: "hunter2"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	cookies := w.Result().Cookies()
	require.NotEmpty(t, cookies)
	assert.Equal(t, sessionName, cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)
	assert.Equal(t, "/_openherd/", cookies[0].Path)

	withCookie := http.Header{"Cookie": {cookies[0].Name + "=" + cookies[0].Value}}
	w = call(t, h, http.MethodPost, "/_openherd/admin/reports", "", withCookie)
	assert.Equal(t, http.StatusOK, w.Code, "an empty body falls back to the session")
	w = call(t, h, http.MethodPost, "/_openherd/admin/reports", AdminAuth{}, withCookie)
	assert.Equal(t, http.StatusOK, w.Code)
	w = call(t, h, http.MethodPost, "/_openherd/admin/karma/codes", KarmaGenerateRequest{Count: 1, Issuer: "ui"}, withCookie)
	assert.Equal(t, http.StatusOK, w.Code)

	w = call(t, h, http.MethodPost, "/_openherd/admin/logout", nil, withCookie)
	require.Equal(t, http.StatusOK, w.Code)
	cleared := w.Result().Cookies()
	require.NotEmpty(t, cleared)
	assert.Less(t, cleared[0].MaxAge, 0)

	w = call(t, h, http.MethodPost, "/_openherd/admin/reports", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminKarmaCodes(t *testing.T) {
	n, h := adminNode(t)
	n.cfg.Admin.MaxCodesPerMint = 5
	expires := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Second)

	w := call(t, h, http.MethodPost, "/_openherd/admin/karma/codes", KarmaGenerateRequest{
		Count: 3, Issuer: "meetup", Expires: expires, VoteType: strPtr(voteUp),
		Region: &GeoRegion{Lat: 1, Lon: 2, RadiusKm: 3},
	}, adminHeader)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	codes := decodeBody[[]KarmaCode](t, w)
	require.Len(t, codes, 3)
	assert.Equal(t, "meetup", codes[0].Issuer)
	assert.True(t, expires.Equal(codes[0].Expires))
	assert.Equal(t, voteUp, *codes[0].VoteType)

	w = call(t, h, http.MethodPost, "/_openherd/admin/karma/codes", KarmaGenerateRequest{Count: 99}, adminHeader)
	assert.Len(t, decodeBody[[]KarmaCode](t, w), 5)

	w = call(t, h, http.MethodPost, "/_openherd/admin/karma/codes", KarmaGenerateRequest{Count: 1, VoteType: strPtr("meh")}, adminHeader)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = call(t, h, http.MethodPost, "/_openherd/admin/karma/codes.txt", KarmaGenerateRequest{Count: 2, Issuer: "flyers"}, adminHeader)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/plain; charset=utf-8", w.Header().Get("Content-Type"))
	lines := strings.Split(w.Body.String(), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "flyers", lines[0])
	for _, code := range lines[1:] {
		_, err := n.store.KarmaCode(context.Background(), code)
		assert.NoError(t, err, code)
	}
}

func TestAdminLabels(t *testing.T) {
	n, h := adminNode(t)

	w := call(t, h, http.MethodPost, "/_openherd/admin/moderation/labels", ModerationLabel{Label: "nsfw", Description: "not safe"}, adminHeader)
	require.Equal(t, http.StatusOK, w.Code)
	w = call(t, h, http.MethodPost, "/_openherd/admin/moderation/labels", ModerationLabel{Label: "nsfw"}, adminHeader)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = call(t, h, http.MethodPost, "/_openherd/admin/moderation/labels", ModerationLabel{Label: " "}, adminHeader)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	reloaded := NewLabelBook(n.cfg.Storage.LabelsPath)
	_, err := reloaded.Load()
	require.NoError(t, err)
	assert.Equal(t, []ModerationLabel{{Label: "nsfw", Description: "not safe"}}, reloaded.List())

	w = call(t, h, http.MethodDelete, "/_openherd/admin/moderation/labels/nsfw", nil, adminHeader)
	require.Equal(t, http.StatusOK, w.Code)
	w = call(t, h, http.MethodGet, "/_openherd/moderation/labels", nil, nil)
	assert.JSONEq(t, "[]", w.Body.String())
}

func TestAdminAddLabelReportsSaveFailure(t *testing.T) {
	n := newTestNode(t, func(c *Config) {
		c.Storage.LabelsPath = filepath.Join(c.Storage.DataDir, "missing", "labels.json")
	})
	_, err := EnrollAdmin(context.Background(), n.store, "hunter2")
	require.NoError(t, err)
	h := n.routes(prometheus.NewRegistry())

	w := call(t, h, http.MethodPost, "/_openherd/admin/moderation/labels", ModerationLabel{Label: "nsfw"}, adminHeader)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestAdminPage(t *testing.T) {
	n, h := adminNode(t)
	require.NoError(t, n.labels.Add(ModerationLabel{Label: "spam", Description: "<b>unsolicited</b>"}))

	w := call(t, h, http.MethodGet, "/_openherd/admin", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	body := w.Body.String()
	assert.Contains(t, body, "OpenHerd admin")
	assert.Contains(t, body, "&lt;b&gt;unsolicited&lt;/b&gt;")
}
