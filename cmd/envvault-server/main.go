package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"embed"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"golang.org/x/oauth2"
	githuboauth "golang.org/x/oauth2/github"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// listChunkSize bounds the IN clause when fanning a list request out over the
// caller's accessible repositories.
const listChunkSize = 30

type vaultServer struct {
	repo          envRepo
	gh            githubAPI
	oauth         *oauth2.Config
	frontendURL   string
	encryptionKey string
	maxBodyBytes  int64
}

type pushRequest struct {
	RepoFullName string `json:"repoFullName"`
	RepoName     string `json:"repoName"`
	Directory    string `json:"directory"`
	EnvName      string `json:"envName"`
	Content      string `json:"content"`
}

type pullRequest struct {
	RepoFullName string `json:"repoFullName"`
	Directory    string `json:"directory"`
}

type listRequest struct {
	RepoFullName string `json:"repoFullName"`
}

// cliState rides through GitHub's authorize redirect as base64url JSON and
// carries the CLI's local callback back to the exchange handler.
type cliState struct {
	CLI         bool   `json:"cli"`
	RedirectURI string `json:"redirect_uri"`
	Nonce       string `json:"nonce"`
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

type contextKey string

const requestIDKey contextKey = "request_id"

func main() {
	addr := strings.TrimSpace(os.Getenv("ENVVAULT_SERVER_ADDR"))
	if addr == "" {
		if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
			addr = ":" + port
		} else {
			addr = ":8000"
		}
	}
	databaseURL := strings.TrimSpace(os.Getenv("ENVVAULT_DATABASE_URL"))
	useMemory := envBool("ENVVAULT_INMEMORY", false)
	maxBodyBytes := envInt64("ENVVAULT_MAX_BODY_BYTES", 1<<20)
	rateLimitRPM := envInt("ENVVAULT_RATE_LIMIT_RPM", 240)
	rateLimitBurst := envInt("ENVVAULT_RATE_LIMIT_BURST", 40)
	if rateLimitBurst <= 0 {
		rateLimitBurst = 40
	}
	if maxBodyBytes <= 0 {
		maxBodyBytes = 1 << 20
	}
	encryptionKey := strings.TrimSpace(os.Getenv("ENVVAULT_ENCRYPTION_KEY"))
	if encryptionKey == "" {
		log.Fatal("ENVVAULT_ENCRYPTION_KEY is required")
	}
	clientID := strings.TrimSpace(os.Getenv("GITHUB_CLIENT_ID"))
	clientSecret := strings.TrimSpace(os.Getenv("GITHUB_CLIENT_SECRET"))
	if clientID == "" || clientSecret == "" {
		log.Fatal("GITHUB_CLIENT_ID and GITHUB_CLIENT_SECRET are required")
	}

	var repo envRepo
	if useMemory {
		repo = newMemoryRepo()
		log.Printf("envvault-server: using in-memory store")
	} else {
		if databaseURL == "" {
			log.Fatal("ENVVAULT_DATABASE_URL is required unless ENVVAULT_INMEMORY=true")
		}
		db, err := sql.Open("pgx", databaseURL)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		if err := db.Ping(); err != nil {
			log.Fatalf("ping db: %v", err)
		}
		if err := runMigrations(db); err != nil {
			log.Fatalf("run migrations: %v", err)
		}
		repo = &pgRepo{db: db}
		log.Printf("envvault-server: connected to postgres")
	}

	gh, err := newGithubClient("")
	if err != nil {
		log.Fatalf("init github client: %v", err)
	}

	srv := &vaultServer{
		repo: repo,
		gh:   gh,
		oauth: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     githuboauth.Endpoint,
			RedirectURL:  strings.TrimSpace(os.Getenv("GITHUB_CALLBACK_URL")),
			Scopes:       []string{"read:user", "repo"},
		},
		frontendURL:   strings.TrimSuffix(env("ENVVAULT_FRONTEND_URL", "http://localhost:5173"), "/"),
		encryptionKey: encryptionKey,
		maxBodyBytes:  maxBodyBytes,
	}

	handler := withRequestLog(withRateLimit(srv.routes(), newRateLimiter(rateLimitRPM, rateLimitBurst)))
	handler = withRequestID(handler)

	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(ctx)
	}()

	log.Printf("envvault-server listening on %s", addr)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("listen: %v", err)
	}
}

func (s *vaultServer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/auth/github", s.handleAuthGitHub)
	mux.HandleFunc("/auth/github/cli", s.handleAuthGitHubCLI)
	mux.HandleFunc("/auth/github/callback", s.handleAuthGitHubCallback)
	mux.HandleFunc("/v1/encryption-key", s.handleEncryptionKey)
	mux.HandleFunc("/v1/me", s.handleMe)
	mux.HandleFunc("/v1/push", s.handlePush)
	mux.HandleFunc("/v1/pull", s.handlePull)
	mux.HandleFunc("/v1/list", s.handleList)
	mux.HandleFunc("/v1/env/", s.handleEnvDelete)
	return mux
}

func (s *vaultServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleEncryptionKey serves the shared symmetric key. The key only protects
// env files at rest in this service's own database, so the endpoint is open;
// records remain useless without repo access to learn they exist.
func (s *vaultServer) handleEncryptionKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"encryptionKey": s.encryptionKey})
}

func (s *vaultServer) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	user, _, err := s.authenticate(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": user.ID, "login": user.Login})
}

func (s *vaultServer) handlePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	user, token, err := s.authenticate(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}
	var req pushRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	owner, repoName, err := splitRepo(req.RepoFullName)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if strings.TrimSpace(req.EnvName) == "" {
		writeError(w, r, http.StatusBadRequest, "bad_request", "envName is required")
		return
	}
	if req.Content == "" {
		writeError(w, r, http.StatusBadRequest, "bad_request", "content is required")
		return
	}

	perms, err := s.gh.RepoPermissions(r.Context(), token, owner, repoName)
	if err != nil {
		s.writeGitHubError(w, r, err)
		return
	}
	if !perms.Push {
		writeError(w, r, http.StatusForbidden, "permission_denied", "push access to the repository is required")
		return
	}

	if req.RepoName == "" {
		req.RepoName = repoName
	}
	id, err := s.repo.Insert(r.Context(), &envRecord{
		UserID:       user.ID,
		UserName:     user.Login,
		RepoFullName: req.RepoFullName,
		RepoName:     req.RepoName,
		Directory:    req.Directory,
		EnvName:      req.EnvName,
		Content:      req.Content,
		IsEncrypted:  true,
	})
	if err != nil {
		log.Printf("request_id=%s insert failed: %v", requestID(r.Context()), err)
		writeError(w, r, http.StatusInternalServerError, "internal_error", "store env file failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id})
}

func (s *vaultServer) handlePull(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	_, token, err := s.authenticate(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}
	var req pullRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	owner, repoName, err := splitRepo(req.RepoFullName)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	perms, err := s.gh.RepoPermissions(r.Context(), token, owner, repoName)
	if err != nil {
		s.writeGitHubError(w, r, err)
		return
	}
	if !perms.Pull {
		writeError(w, r, http.StatusForbidden, "permission_denied", "read access to the repository is required")
		return
	}

	records, err := s.repo.Query(r.Context(), req.RepoFullName, req.Directory)
	if err != nil {
		log.Printf("request_id=%s query failed: %v", requestID(r.Context()), err)
		writeError(w, r, http.StatusInternalServerError, "internal_error", "read env files failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"envFiles": records})
}

func (s *vaultServer) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	_, token, err := s.authenticate(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}
	var req listRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	var repoNames []string
	if strings.TrimSpace(req.RepoFullName) != "" {
		owner, repoName, err := splitRepo(req.RepoFullName)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		perms, err := s.gh.RepoPermissions(r.Context(), token, owner, repoName)
		if err != nil {
			s.writeGitHubError(w, r, err)
			return
		}
		if !perms.Pull {
			writeError(w, r, http.StatusForbidden, "permission_denied", "read access to the repository is required")
			return
		}
		repoNames = []string{req.RepoFullName}
	} else {
		repoNames, err = s.gh.ListAccessibleRepos(r.Context(), token)
		if err != nil {
			s.writeGitHubError(w, r, err)
			return
		}
	}

	records := make([]envRecord, 0)
	for start := 0; start < len(repoNames); start += listChunkSize {
		end := start + listChunkSize
		if end > len(repoNames) {
			end = len(repoNames)
		}
		chunk, err := s.repo.QueryRepos(r.Context(), repoNames[start:end])
		if err != nil {
			log.Printf("request_id=%s query failed: %v", requestID(r.Context()), err)
			writeError(w, r, http.StatusInternalServerError, "internal_error", "read env files failed")
			return
		}
		records = append(records, chunk...)
	}
	sortNewestFirst(records)
	writeJSON(w, http.StatusOK, map[string]any{"envFiles": records})
}

func (s *vaultServer) handleEnvDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		w.Header().Set("Allow", http.MethodDelete)
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	user, _, err := s.authenticate(r)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}
	rawID := strings.TrimSpace(strings.TrimPrefix(r.URL.Path, "/v1/env/"))
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, r, http.StatusBadRequest, "bad_request", "invalid env file id")
		return
	}
	rec, err := s.repo.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, errRecordNotFound) {
			writeError(w, r, http.StatusNotFound, "not_found", "env file not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal_error", "read env file failed")
		return
	}
	if rec.UserID != user.ID {
		writeError(w, r, http.StatusForbidden, "permission_denied", "only the uploader can delete an env file")
		return
	}
	if err := s.repo.Delete(r.Context(), id); err != nil {
		if errors.Is(err, errRecordNotFound) {
			writeError(w, r, http.StatusNotFound, "not_found", "env file not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal_error", "delete env file failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAuthGitHub starts the browser flow for the web frontend.
func (s *vaultServer) handleAuthGitHub(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	state, err := encodeState(cliState{Nonce: newNonce()})
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal_error", "state encoding failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"url": s.oauth.AuthCodeURL(state)})
}

// handleAuthGitHubCLI starts the CLI flow: the CLI's loopback callback is
// validated, folded into the OAuth state, and the browser is sent to GitHub.
func (s *vaultServer) handleAuthGitHubCLI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	redirectURI := strings.TrimSpace(r.URL.Query().Get("redirect_uri"))
	if err := validateLoopbackRedirect(redirectURI); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	state, err := encodeState(cliState{CLI: true, RedirectURI: redirectURI, Nonce: newNonce()})
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal_error", "state encoding failed")
		return
	}
	http.Redirect(w, r, s.oauth.AuthCodeURL(state), http.StatusFound)
}

// handleAuthGitHubCallback finishes both flows: exchange the code, resolve the
// GitHub identity, then hand off to either the CLI's loopback listener or the
// web frontend.
func (s *vaultServer) handleAuthGitHubCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	q := r.URL.Query()
	st, stateErr := decodeState(q.Get("state"))

	fail := func(reason string) {
		log.Printf("request_id=%s oauth callback failed: %s", requestID(r.Context()), reason)
		if stateErr == nil && st.CLI && validateLoopbackRedirect(st.RedirectURI) == nil {
			http.Redirect(w, r, st.RedirectURI, http.StatusFound)
			return
		}
		http.Redirect(w, r, s.frontendURL+"/?auth=failed", http.StatusFound)
	}

	if stateErr != nil {
		fail("invalid state")
		return
	}
	code := q.Get("code")
	if code == "" {
		fail("missing code")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	tok, err := s.oauth.Exchange(ctx, code)
	if err != nil {
		fail(fmt.Sprintf("code exchange: %v", err))
		return
	}
	user, err := s.gh.User(ctx, tok.AccessToken)
	if err != nil {
		fail(fmt.Sprintf("user lookup: %v", err))
		return
	}

	if st.CLI {
		if err := validateLoopbackRedirect(st.RedirectURI); err != nil {
			fail("invalid loopback redirect in state")
			return
		}
		userJSON, err := json.Marshal(map[string]any{"id": user.ID, "login": user.Login})
		if err != nil {
			fail("user encoding failed")
			return
		}
		target := st.RedirectURI + "?user=" + url.QueryEscape(string(userJSON)) +
			"&token=" + url.QueryEscape(tok.AccessToken)
		http.Redirect(w, r, target, http.StatusFound)
		return
	}
	http.Redirect(w, r, s.frontendURL+"/?auth=success", http.StatusFound)
}

func (s *vaultServer) authenticate(r *http.Request) (*githubUser, string, error) {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if auth == "" || !strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return nil, "", errors.New("missing bearer token")
	}
	token := strings.TrimSpace(auth[len("Bearer "):])
	if token == "" {
		return nil, "", errors.New("missing bearer token")
	}
	user, err := s.gh.User(r.Context(), token)
	if err != nil {
		if errors.Is(err, errGitHubUnauthorized) {
			return nil, "", errors.New("invalid token")
		}
		return nil, "", fmt.Errorf("verify token: %v", err)
	}
	return user, token, nil
}

func (s *vaultServer) decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		var bodyErr *http.MaxBytesError
		if errors.As(err, &bodyErr) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds maximum allowed size")
			return false
		}
		writeError(w, r, http.StatusBadRequest, "bad_request", "invalid JSON payload")
		return false
	}
	return true
}

func (s *vaultServer) writeGitHubError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, errRepoNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", "repository not found")
	case errors.Is(err, errGitHubUnauthorized):
		writeError(w, r, http.StatusUnauthorized, "unauthorized", "github rejected the token")
	default:
		log.Printf("request_id=%s github call failed: %v", requestID(r.Context()), err)
		writeError(w, r, http.StatusBadGateway, "github_unavailable", "github is unavailable")
	}
}

// validateLoopbackRedirect accepts only plain-HTTP loopback callbacks, the
// shape the CLI's local listener registers.
func validateLoopbackRedirect(raw string) error {
	if raw == "" {
		return errors.New("redirect_uri is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return errors.New("redirect_uri is not a valid URL")
	}
	if u.Scheme != "http" {
		return errors.New("redirect_uri must use http")
	}
	host := u.Hostname()
	if host != "localhost" && host != "127.0.0.1" && host != "::1" {
		return errors.New("redirect_uri must point at the loopback interface")
	}
	return nil
}

func encodeState(st cliState) (string, error) {
	raw, err := json.Marshal(st)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func decodeState(raw string) (cliState, error) {
	var st cliState
	if strings.TrimSpace(raw) == "" {
		return st, errors.New("missing state")
	}
	decoded, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return st, err
	}
	if err := json.Unmarshal(decoded, &st); err != nil {
		return st, err
	}
	return st, nil
}

func newNonce() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("nonce-%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("%x", b)
}

func runMigrations(db *sql.DB) error {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)
	for _, name := range files {
		raw, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return err
		}
		if _, err := db.Exec(string(raw)); err != nil {
			return fmt.Errorf("migration %s failed: %w", name, err)
		}
	}
	return nil
}

func env(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return fallback
}

func envInt(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envInt64(name string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return v
}

func envBool(name string, fallback bool) bool {
	raw := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if raw == "" {
		return fallback
	}
	switch raw {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Printf("request_id=%s method=%s path=%s status=%d duration_ms=%d remote=%s",
			requestID(r.Context()),
			r.Method,
			r.URL.Path,
			rec.status,
			time.Since(start).Milliseconds(),
			r.RemoteAddr,
		)
	})
}

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if requestID == "" {
			requestID = newRequestID()
		}
		w.Header().Set("X-Request-Id", requestID)
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func requestID(ctx context.Context) string {
	v := ctx.Value(requestIDKey)
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error":      code,
		"message":    message,
		"request_id": requestID(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func newRequestID() string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("req-%x", b)
}

type rateLimiter struct {
	mu      sync.Mutex
	rpm     int
	burst   int
	clients map[string]*rateState
}

type rateState struct {
	windowStart time.Time
	count       int
}

func newRateLimiter(rpm, burst int) *rateLimiter {
	return &rateLimiter{
		rpm:     rpm,
		burst:   burst,
		clients: map[string]*rateState{},
	}
}

func (l *rateLimiter) allow(ip string) bool {
	if l == nil || l.rpm <= 0 {
		return true
	}
	now := time.Now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	state := l.clients[ip]
	if state == nil {
		l.clients[ip] = &rateState{windowStart: now, count: 1}
		return true
	}
	if now.Sub(state.windowStart) >= time.Minute {
		state.windowStart = now
		state.count = 1
		return true
	}
	limit := l.rpm + l.burst
	if state.count >= limit {
		return false
	}
	state.count++
	return true
}

func withRateLimit(next http.Handler, limiter *rateLimiter) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		if !limiter.allow(clientIP(r)) {
			writeError(w, r, http.StatusTooManyRequests, "too_many_requests", "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}
