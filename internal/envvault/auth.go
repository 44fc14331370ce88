package envvault

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
)

// Credential is the persisted GitHub identity for this machine. An absent or
// malformed credentials file means "not authenticated", never an error.
type Credential struct {
	UserID   int64  `json:"user_id"`
	UserName string `json:"user_name"`
	Token    string `json:"token"`
}

func (a *App) saveCredential(cred *Credential) error {
	if err := os.MkdirAll(a.ConfigDir, 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return err
	}
	tmp := a.CredentialsPath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, a.CredentialsPath)
}

func (a *App) loadCredential() (*Credential, error) {
	b, err := os.ReadFile(a.CredentialsPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var cred Credential
	if err := json.Unmarshal(b, &cred); err != nil {
		return nil, nil
	}
	if cred.UserID <= 0 {
		return nil, nil
	}
	return &cred, nil
}

func (a *App) clearCredential() error {
	if err := os.Remove(a.CredentialsPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (a *App) isAuthenticated() bool {
	cred, err := a.loadCredential()
	return err == nil && cred != nil
}

// requireCredential loads the stored credential or fails with errAuthRequired.
func (a *App) requireCredential() (*Credential, error) {
	cred, err := a.loadCredential()
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, errAuthRequired
	}
	return cred, nil
}

func defaultConfigDir() (string, error) {
	if dir := os.Getenv("ENVVAULT_CONFIG_DIR"); dir != "" {
		return dir, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "envvault"), nil
}
