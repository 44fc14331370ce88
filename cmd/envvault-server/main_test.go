package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

type stubGitHub struct {
	user     *githubUser
	userErr  error
	perms    map[string]*repoPermissions
	permsErr map[string]error
	repos    []string
	reposErr error
}

func (s *stubGitHub) User(_ context.Context, token string) (*githubUser, error) {
	if s.userErr != nil {
		return nil, s.userErr
	}
	if token == "" || s.user == nil {
		return nil, errGitHubUnauthorized
	}
	return s.user, nil
}

func (s *stubGitHub) RepoPermissions(_ context.Context, _, owner, repo string) (*repoPermissions, error) {
	key := owner + "/" + repo
	if err := s.permsErr[key]; err != nil {
		return nil, err
	}
	if perms, ok := s.perms[key]; ok {
		return perms, nil
	}
	return nil, errRepoNotFound
}

func (s *stubGitHub) ListAccessibleRepos(context.Context, string) ([]string, error) {
	if s.reposErr != nil {
		return nil, s.reposErr
	}
	return s.repos, nil
}

func newTestServer(gh githubAPI, repo envRepo) (*vaultServer, http.Handler) {
	srv := &vaultServer{
		repo:          repo,
		gh:            gh,
		frontendURL:   "http://frontend.test",
		encryptionKey: "test-key",
		maxBodyBytes:  1 << 20,
		oauth: &oauth2.Config{
			ClientID:     "client-id",
			ClientSecret: "client-secret",
			RedirectURL:  "http://backend.test/auth/github/callback",
			Endpoint: oauth2.Endpoint{
				AuthURL:  "https://github.test/login/oauth/authorize",
				TokenURL: "https://github.test/login/oauth/access_token",
			},
		},
	}
	return srv, withRequestID(srv.routes())
}

func authedUser() *stubGitHub {
	return &stubGitHub{
		user: &githubUser{ID: 42, Login: "alice"},
		perms: map[string]*repoPermissions{
			"alice/widget": {Pull: true, Push: true, Admin: true},
			"bob/readonly": {Pull: true},
		},
		permsErr: map[string]error{},
	}
}

func doJSON(t *testing.T, handler http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	_, handler := newTestServer(authedUser(), newMemoryRepo())
	rec := doJSON(t, handler, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok": true}`, rec.Body.String())
}

func TestEncryptionKeyIsOpen(t *testing.T) {
	_, handler := newTestServer(authedUser(), newMemoryRepo())
	rec := doJSON(t, handler, http.MethodGet, "/v1/encryption-key", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var payload struct {
		EncryptionKey string `json:"encryptionKey"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, "test-key", payload.EncryptionKey)
}

func TestMe(t *testing.T) {
	_, handler := newTestServer(authedUser(), newMemoryRepo())

	rec := doJSON(t, handler, http.MethodGet, "/v1/me", "gho_tok", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id": 42, "login": "alice"}`, rec.Body.String())

	rec = doJSON(t, handler, http.MethodGet, "/v1/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPushStoresRecord(t *testing.T) {
	repo := newMemoryRepo()
	_, handler := newTestServer(authedUser(), repo)

	rec := doJSON(t, handler, http.MethodPost, "/v1/push", "gho_tok", pushRequest{
		RepoFullName: "alice/widget",
		Directory:    "api",
		EnvName:      ".env.prod",
		Content:      "ev1:ciphertext",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		ID int64 `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	stored, err := repo.Get(context.Background(), resp.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(42), stored.UserID)
	assert.Equal(t, "alice", stored.UserName)
	assert.Equal(t, "widget", stored.RepoName)
	assert.Equal(t, "ev1:ciphertext", stored.Content)
	assert.True(t, stored.IsEncrypted)
}

func TestPushValidation(t *testing.T) {
	repo := newMemoryRepo()
	_, handler := newTestServer(authedUser(), repo)

	cases := []struct {
		name string
		req  pushRequest
		code int
	}{
		{"bad repo name", pushRequest{RepoFullName: "widget", EnvName: ".env", Content: "x"}, http.StatusBadRequest},
		{"missing env name", pushRequest{RepoFullName: "alice/widget", Content: "x"}, http.StatusBadRequest},
		{"missing content", pushRequest{RepoFullName: "alice/widget", EnvName: ".env"}, http.StatusBadRequest},
		{"no push permission", pushRequest{RepoFullName: "bob/readonly", EnvName: ".env", Content: "x"}, http.StatusForbidden},
		{"unknown repo", pushRequest{RepoFullName: "ghost/none", EnvName: ".env", Content: "x"}, http.StatusNotFound},
	}
	for _, tc := range cases {
		rec := doJSON(t, handler, http.MethodPost, "/v1/push", "gho_tok", tc.req)
		assert.Equal(t, tc.code, rec.Code, tc.name)
	}

	rec := doJSON(t, handler, http.MethodPost, "/v1/push", "", pushRequest{RepoFullName: "alice/widget", EnvName: ".env", Content: "x"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// None of the rejected requests may have written anything.
	assert.Empty(t, repo.data)
}

func TestPullReturnsNewestFirst(t *testing.T) {
	repo := newMemoryRepo()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	times := []time.Time{base, base.Add(time.Hour)}
	i := 0
	repo.now = func() time.Time { ts := times[i%len(times)]; i++; return ts }

	_, handler := newTestServer(authedUser(), repo)
	for _, name := range []string{".env.old", ".env.new"} {
		rec := doJSON(t, handler, http.MethodPost, "/v1/push", "gho_tok", pushRequest{
			RepoFullName: "alice/widget",
			EnvName:      name,
			Content:      "ev1:" + name,
		})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := doJSON(t, handler, http.MethodPost, "/v1/pull", "gho_tok", pullRequest{RepoFullName: "alice/widget"})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		EnvFiles []envRecord `json:"envFiles"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.EnvFiles, 2)
	assert.Equal(t, ".env.new", resp.EnvFiles[0].EnvName)
	assert.Equal(t, ".env.old", resp.EnvFiles[1].EnvName)
}

func TestPullRequiresReadAccess(t *testing.T) {
	gh := authedUser()
	gh.perms["carol/private"] = &repoPermissions{}
	_, handler := newTestServer(gh, newMemoryRepo())

	rec := doJSON(t, handler, http.MethodPost, "/v1/pull", "gho_tok", pullRequest{RepoFullName: "carol/private"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

// recordingRepo wraps a repo to observe fan-out chunk sizes.
type recordingRepo struct {
	envRepo
	chunks []int
}

func (r *recordingRepo) QueryRepos(ctx context.Context, names []string) ([]envRecord, error) {
	r.chunks = append(r.chunks, len(names))
	return r.envRepo.QueryRepos(ctx, names)
}

func TestListFansOutInChunks(t *testing.T) {
	mem := newMemoryRepo()
	repo := &recordingRepo{envRepo: mem}
	gh := authedUser()
	for i := 0; i < 65; i++ {
		gh.repos = append(gh.repos, fmt.Sprintf("alice/repo-%02d", i))
	}
	_, err := mem.Insert(context.Background(), &envRecord{
		UserID: 42, UserName: "alice",
		RepoFullName: "alice/repo-07", RepoName: "repo-07",
		EnvName: ".env", Content: "ev1:x", IsEncrypted: true,
	})
	require.NoError(t, err)

	_, handler := newTestServer(gh, repo)
	rec := doJSON(t, handler, http.MethodPost, "/v1/list", "gho_tok", listRequest{})
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []int{30, 30, 5}, repo.chunks)
	var resp struct {
		EnvFiles []envRecord `json:"envFiles"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.EnvFiles, 1)
	assert.Equal(t, "alice/repo-07", resp.EnvFiles[0].RepoFullName)
}

func TestListScopedToRepo(t *testing.T) {
	repo := newMemoryRepo()
	for _, rec := range []envRecord{
		{UserID: 42, RepoFullName: "alice/widget", RepoName: "widget", EnvName: ".env", Content: "ev1:a", IsEncrypted: true},
		{UserID: 42, RepoFullName: "alice/other", RepoName: "other", EnvName: ".env", Content: "ev1:b", IsEncrypted: true},
	} {
		r := rec
		_, err := repo.Insert(context.Background(), &r)
		require.NoError(t, err)
	}
	_, handler := newTestServer(authedUser(), repo)

	rec := doJSON(t, handler, http.MethodPost, "/v1/list", "gho_tok", listRequest{RepoFullName: "alice/widget"})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		EnvFiles []envRecord `json:"envFiles"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.EnvFiles, 1)
	assert.Equal(t, "alice/widget", resp.EnvFiles[0].RepoFullName)
}

func TestDeleteOwnerOnly(t *testing.T) {
	repo := newMemoryRepo()
	id, err := repo.Insert(context.Background(), &envRecord{
		UserID: 7, UserName: "carol",
		RepoFullName: "carol/app", RepoName: "app",
		EnvName: ".env", Content: "ev1:x", IsEncrypted: true,
	})
	require.NoError(t, err)

	_, handler := newTestServer(authedUser(), repo)

	rec := doJSON(t, handler, http.MethodDelete, fmt.Sprintf("/v1/env/%d", id), "gho_tok", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	ownID, err := repo.Insert(context.Background(), &envRecord{
		UserID: 42, UserName: "alice",
		RepoFullName: "alice/widget", RepoName: "widget",
		EnvName: ".env", Content: "ev1:y", IsEncrypted: true,
	})
	require.NoError(t, err)
	rec = doJSON(t, handler, http.MethodDelete, fmt.Sprintf("/v1/env/%d", ownID), "gho_tok", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, handler, http.MethodDelete, fmt.Sprintf("/v1/env/%d", ownID), "gho_tok", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, handler, http.MethodDelete, "/v1/env/abc", "gho_tok", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthGitHubCLIRedirect(t *testing.T) {
	_, handler := newTestServer(authedUser(), newMemoryRepo())

	target := "/auth/github/cli?redirect_uri=" + url.QueryEscape("http://localhost:3456/callback")
	rec := doJSON(t, handler, http.MethodGet, target, "", nil)
	require.Equal(t, http.StatusFound, rec.Code)

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "github.test", loc.Host)
	assert.Equal(t, "client-id", loc.Query().Get("client_id"))

	st, err := decodeState(loc.Query().Get("state"))
	require.NoError(t, err)
	assert.True(t, st.CLI)
	assert.Equal(t, "http://localhost:3456/callback", st.RedirectURI)
	assert.NotEmpty(t, st.Nonce)
}

func TestAuthGitHubCLIRejectsNonLoopback(t *testing.T) {
	_, handler := newTestServer(authedUser(), newMemoryRepo())

	for _, bad := range []string{"", "https://evil.example/callback", "http://evil.example/callback"} {
		target := "/auth/github/cli"
		if bad != "" {
			target += "?redirect_uri=" + url.QueryEscape(bad)
		}
		rec := doJSON(t, handler, http.MethodGet, target, "", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}
}

func TestCallbackHandsTokenToCLI(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "gho_exchanged",
			"token_type":   "bearer",
		})
	}))
	defer tokenSrv.Close()

	srv, handler := newTestServer(&stubGitHub{user: &githubUser{ID: 42, Login: "alice"}}, newMemoryRepo())
	srv.oauth.Endpoint.TokenURL = tokenSrv.URL + "/token"

	state, err := encodeState(cliState{CLI: true, RedirectURI: "http://localhost:3456/callback", Nonce: "n"})
	require.NoError(t, err)
	rec := doJSON(t, handler, http.MethodGet, "/auth/github/callback?code=abc&state="+state, "", nil)
	require.Equal(t, http.StatusFound, rec.Code)

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "localhost:3456", loc.Host)
	assert.Equal(t, "gho_exchanged", loc.Query().Get("token"))

	var user struct {
		ID    int64  `json:"id"`
		Login string `json:"login"`
	}
	require.NoError(t, json.Unmarshal([]byte(loc.Query().Get("user")), &user))
	assert.Equal(t, int64(42), user.ID)
	assert.Equal(t, "alice", user.Login)
}

func TestCallbackFailureRedirectsToFrontend(t *testing.T) {
	_, handler := newTestServer(authedUser(), newMemoryRepo())

	rec := doJSON(t, handler, http.MethodGet, "/auth/github/callback?code=abc&state=%21%21", "", nil)
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "http://frontend.test/?auth=failed", rec.Header().Get("Location"))
}

func TestValidateLoopbackRedirect(t *testing.T) {
	assert.NoError(t, validateLoopbackRedirect("http://localhost:3456/callback"))
	assert.NoError(t, validateLoopbackRedirect("http://127.0.0.1:3456/callback"))
	assert.Error(t, validateLoopbackRedirect(""))
	assert.Error(t, validateLoopbackRedirect("https://localhost:3456/callback"))
	assert.Error(t, validateLoopbackRedirect("http://localhost.evil.example/callback"))
}

func TestRateLimiter(t *testing.T) {
	limiter := newRateLimiter(2, 1)
	for i := 0; i < 3; i++ {
		assert.True(t, limiter.allow("1.2.3.4"), "request %d", i)
	}
	assert.False(t, limiter.allow("1.2.3.4"))
	assert.True(t, limiter.allow("5.6.7.8"))
}

func TestRequestIDPropagation(t *testing.T) {
	_, handler := newTestServer(authedUser(), newMemoryRepo())

	req := httptest.NewRequest(http.MethodGet, "/v1/me", nil)
	req.Header.Set("X-Request-Id", "req-fixture")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "req-fixture", rec.Header().Get("X-Request-Id"))
	assert.True(t, strings.Contains(rec.Body.String(), "req-fixture"))
}
