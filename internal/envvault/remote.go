package envvault

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// EnvRecord is one stored, encrypted env file as the backend returns it.
// Multiple records may share (repo, directory, name); the backend orders them
// newest-first.
type EnvRecord struct {
	ID           int64  `json:"id"`
	UserID       int64  `json:"userId"`
	UserName     string `json:"userName"`
	RepoFullName string `json:"repoFullName"`
	RepoName     string `json:"repoName"`
	Directory    string `json:"directory"`
	EnvName      string `json:"envName"`
	Content      string `json:"content"`
	IsEncrypted  bool   `json:"isEncrypted"`
	CreatedAt    string `json:"createdAt"`
	UpdatedAt    string `json:"updatedAt"`
}

type pushRequest struct {
	RepoFullName string `json:"repoFullName"`
	RepoName     string `json:"repoName"`
	Directory    string `json:"directory"`
	EnvName      string `json:"envName"`
	Content      string `json:"content"`
}

type pushResponse struct {
	ID int64 `json:"id"`
}

type pullRequest struct {
	RepoFullName string `json:"repoFullName"`
	Directory    string `json:"directory"`
}

type listRequest struct {
	RepoFullName string `json:"repoFullName,omitempty"`
}

type envFilesResponse struct {
	EnvFiles []EnvRecord `json:"envFiles"`
}

type remoteError struct {
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (a *App) backendURL() string {
	return strings.TrimSuffix(strings.TrimSpace(a.BackendURL), "/")
}

func (a *App) frontendURL() string {
	return strings.TrimSuffix(strings.TrimSpace(a.FrontendURL), "/")
}

func (a *App) httpClient() *http.Client {
	if a.HTTPClient != nil {
		return a.HTTPClient
	}
	return &http.Client{Timeout: 15 * time.Second}
}

// encryptionKey fetches the shared symmetric key from the backend, memoizing it
// on the App so one invocation fetches at most once.
func (a *App) encryptionKey() (string, error) {
	if a.keyCache != "" {
		return a.keyCache, nil
	}
	req, err := http.NewRequest(http.MethodGet, a.backendURL()+"/v1/encryption-key", nil)
	if err != nil {
		return "", err
	}
	resp, err := a.httpClient().Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: encryption key endpoint returned %s", errTransport, resp.Status)
	}
	var payload struct {
		EncryptionKey string `json:"encryptionKey"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("%w: %v", errTransport, err)
	}
	if strings.TrimSpace(payload.EncryptionKey) == "" {
		return "", fmt.Errorf("%w: backend returned an empty encryption key", errTransport)
	}
	a.keyCache = payload.EncryptionKey
	return a.keyCache, nil
}

func (a *App) remotePush(token string, req *pushRequest) (int64, error) {
	var resp pushResponse
	if err := a.postJSON("/v1/push", token, req, &resp); err != nil {
		return 0, err
	}
	return resp.ID, nil
}

func (a *App) remotePull(token string, req *pullRequest) ([]EnvRecord, error) {
	var resp envFilesResponse
	if err := a.postJSON("/v1/pull", token, req, &resp); err != nil {
		return nil, err
	}
	return resp.EnvFiles, nil
}

func (a *App) remoteList(token string, req *listRequest) ([]EnvRecord, error) {
	var resp envFilesResponse
	if err := a.postJSON("/v1/list", token, req, &resp); err != nil {
		return nil, err
	}
	return resp.EnvFiles, nil
}

// remoteVerify checks the bearer token against the backend identity endpoint.
func (a *App) remoteVerify(token string) error {
	req, err := http.NewRequest(http.MethodGet, a.backendURL()+"/v1/me", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := a.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", errTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	return nil
}

func (a *App) postJSON(path, token string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, a.backendURL()+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := a.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", errTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// statusError maps a non-200 backend response onto the sentinel taxonomy,
// keeping the server's own message visible to the user.
func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(raw))
	var decoded remoteError
	if json.Unmarshal(raw, &decoded) == nil && decoded.Message != "" {
		msg = decoded.Message
	}

	var base error
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		base = errAuthRequired
	case resp.StatusCode == http.StatusForbidden:
		base = errPermissionDenied
	case resp.StatusCode == http.StatusNotFound:
		base = errNotFound
	case resp.StatusCode == http.StatusBadRequest:
		base = errValidation
	default:
		base = errTransport
	}
	if msg == "" {
		return fmt.Errorf("%w (%s)", base, resp.Status)
	}
	return fmt.Errorf("%w: %s", base, msg)
}
