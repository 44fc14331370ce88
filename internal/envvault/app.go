package envvault

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const defaultEnvFile = ".env"

// App wires the CLI commands to the local credential store, the secret codec,
// and the remote backend. Every external touchpoint is a field so tests can
// inject fakes.
type App struct {
	ConfigDir       string
	CredentialsPath string
	BackendURL      string
	FrontendURL     string
	CallbackPort    int

	HandshakeTimeout time.Duration
	CWD              string
	Now              func() time.Time
	HTTPClient       *http.Client
	Stdin            io.Reader
	Stdout           io.Writer
	Stderr           io.Writer
	OpenBrowser      func(url string) error
	GitRemote        func() string

	keyCache string
	stdin    *bufio.Reader
}

// PushOptions carries the push command flags; empty fields fall back to git
// remote defaults and interactive prompts.
type PushOptions struct {
	File      string
	Owner     string
	Repo      string
	Directory string
	Name      string
}

// PullOptions carries the pull command flags.
type PullOptions struct {
	Owner     string
	Repo      string
	Directory string
	Output    string
}

// ListOptions carries the list command flags.
type ListOptions struct {
	Owner string
	Repo  string
}

func NewApp() (*App, error) {
	configDir, err := defaultConfigDir()
	if err != nil {
		return nil, err
	}
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	backendURL := os.Getenv("ENVVAULT_BACKEND_URL")
	if backendURL == "" {
		backendURL = "http://localhost:8000"
	}
	frontendURL := os.Getenv("ENVVAULT_FRONTEND_URL")
	if frontendURL == "" {
		frontendURL = "http://localhost:5173"
	}
	port := 0
	if raw := strings.TrimSpace(os.Getenv("ENVVAULT_CALLBACK_PORT")); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			port = v
		}
	}
	return &App{
		ConfigDir:       configDir,
		CredentialsPath: filepath.Join(configDir, "credentials.json"),
		BackendURL:      backendURL,
		FrontendURL:     frontendURL,
		CallbackPort:    port,
		CWD:             cwd,
		Now:             time.Now,
		HTTPClient:      &http.Client{Timeout: 15 * time.Second},
		Stdin:           os.Stdin,
		Stdout:          os.Stdout,
		Stderr:          os.Stderr,
	}, nil
}

// Login runs the GitHub OAuth handshake and persists the resulting credential.
func (a *App) Login() error {
	cred, err := a.newAuthBroker().run()
	if err != nil {
		return err
	}
	if err := a.saveCredential(cred); err != nil {
		return err
	}
	fmt.Fprintf(a.Stdout, "%s %s\n", cSuccess("logged in as"), cBold("%s (ID: %d)", cred.UserName, cred.UserID))
	return nil
}

// Logout clears the stored credential. Logging out while already logged out is
// not an error.
func (a *App) Logout() error {
	if err := a.clearCredential(); err != nil {
		return err
	}
	fmt.Fprintln(a.Stdout, cSuccess("logged out"))
	return nil
}

// WhoAmI prints the stored identity; with verify it also validates the token
// against the backend.
func (a *App) WhoAmI(verify bool) error {
	cred, err := a.requireCredential()
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Stdout, "user: %s\n", cred.UserName)
	fmt.Fprintf(a.Stdout, "id: %d\n", cred.UserID)
	if verify {
		if err := a.remoteVerify(cred.Token); err != nil {
			return err
		}
		fmt.Fprintln(a.Stdout, cSuccess("token OK"))
	}
	return nil
}

// Push encrypts a local env file and stores it for a repository.
func (a *App) Push(opts PushOptions) error {
	cred, err := a.requireCredential()
	if err != nil {
		return err
	}

	file := opts.File
	if file == "" {
		file = defaultEnvFile
	}
	content, err := os.ReadFile(a.resolvePath(file))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", errFileNotFound, file)
		}
		return err
	}

	target := a.resolveTarget(cred, opts.Owner, opts.Repo, opts.Directory)
	envName := opts.Name
	if envName == "" {
		envName = a.promptString("Environment file name", defaultEnvName(a.Now))
	}
	if target.repo == "" {
		return fmt.Errorf("%w: repository name is required", errValidation)
	}

	stop := a.startSpinner("Encrypting and pushing environment variables...")
	defer stop()

	key, err := a.encryptionKey()
	if err != nil {
		return err
	}
	ciphertext, err := encryptEnv(string(content), key)
	if err != nil {
		return err
	}
	_, err = a.remotePush(cred.Token, &pushRequest{
		RepoFullName: target.fullName(),
		RepoName:     target.repo,
		Directory:    target.directory,
		EnvName:      envName,
		Content:      ciphertext,
	})
	if err != nil {
		stop()
		if errors.Is(err, errPermissionDenied) {
			fmt.Fprintln(a.Stderr, cWarn("You must be the owner or have push access to store environment variables for this repository."))
		}
		return err
	}
	stop()
	fmt.Fprintf(a.Stdout, "%s\n", cSuccess("environment variables encrypted and pushed to %s", target.fullName()))
	return nil
}

// Pull fetches, decrypts, and writes an env file for a repository. Zero
// matches is reported, not failed: absence is a normal answer.
func (a *App) Pull(opts PullOptions) error {
	cred, err := a.requireCredential()
	if err != nil {
		return err
	}
	target := a.resolveTarget(cred, opts.Owner, opts.Repo, opts.Directory)
	if target.repo == "" {
		return fmt.Errorf("%w: repository name is required", errValidation)
	}

	stop := a.startSpinner("Fetching environment variables...")
	records, err := a.remotePull(cred.Token, &pullRequest{
		RepoFullName: target.fullName(),
		Directory:    target.directory,
	})
	stop()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(a.Stdout, cWarn("no environment files found for this repository"))
		return nil
	}

	record := a.pickRecord(records)

	plaintext := record.Content
	if record.IsEncrypted {
		key, err := a.encryptionKey()
		if err != nil {
			return err
		}
		plaintext, err = decryptEnv(record.Content, key)
		if err != nil {
			return err
		}
	}

	output := opts.Output
	if output == "" {
		output = record.EnvName
		if sanitized := sanitizeFilename(record.EnvName); sanitized != record.EnvName {
			output = a.promptString("Save as", sanitized)
		}
	}
	if err := os.WriteFile(a.resolvePath(output), []byte(plaintext), 0o600); err != nil {
		return err
	}
	fmt.Fprintf(a.Stdout, "%s\n", cSuccess("environment variables saved to %s", output))
	return nil
}

// List renders the caller's env files grouped by repository.
func (a *App) List(opts ListOptions) error {
	cred, err := a.requireCredential()
	if err != nil {
		return err
	}
	req := &listRequest{}
	if opts.Repo != "" {
		owner := opts.Owner
		if owner == "" {
			owner = gitOwner(a.gitRemoteURL())
		}
		if owner == "" {
			owner = cred.UserName
		}
		req.RepoFullName = owner + "/" + opts.Repo
	}

	stop := a.startSpinner("Fetching your environment files...")
	records, err := a.remoteList(cred.Token, req)
	stop()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(a.Stdout, cWarn("no environment files found"))
		return nil
	}

	grouped := map[string][]EnvRecord{}
	for _, record := range records {
		grouped[record.RepoFullName] = append(grouped[record.RepoFullName], record)
	}
	repos := make([]string, 0, len(grouped))
	for repo := range grouped {
		repos = append(repos, repo)
	}
	sort.Strings(repos)

	for _, repo := range repos {
		fmt.Fprintf(a.Stdout, "%s\n", cInfo(repo))
		for _, record := range grouped[repo] {
			dir := "/root"
			if record.Directory != "" {
				dir = "/" + record.Directory
			}
			fmt.Fprintf(a.Stdout, "  %s %s %s\n", record.EnvName, cDim("(%s)", dir), cDim("updated %s", record.UpdatedAt))
		}
	}
	return nil
}

type pushTarget struct {
	owner     string
	repo      string
	directory string
}

func (t pushTarget) fullName() string {
	return t.owner + "/" + t.repo
}

// resolveTarget fills owner/repo/directory from flags, falling back to the git
// remote and finally to interactive prompts. The authenticated user is the
// last-resort owner default, matching what a developer usually wants for a
// personal repo.
func (a *App) resolveTarget(cred *Credential, owner, repo, directory string) pushTarget {
	remoteURL := a.gitRemoteURL()

	if owner == "" {
		def := gitOwner(remoteURL)
		if def == "" {
			def = cred.UserName
		}
		owner = a.promptString("Repository Owner", def)
	}
	if repo == "" {
		repo = a.promptString("Repository Name", gitRepoName(remoteURL))
	}
	if directory == "" {
		directory = a.promptString("Directory path (leave empty for root)", "")
	}
	return pushTarget{owner: owner, repo: repo, directory: directory}
}

// pickRecord lets the user choose between duplicate records; the default (and
// the non-interactive answer) is the newest, which the backend lists first.
func (a *App) pickRecord(records []EnvRecord) EnvRecord {
	if len(records) == 1 {
		return records[0]
	}
	fmt.Fprintln(a.Stderr, "Multiple environment files found:")
	for i, record := range records {
		fmt.Fprintf(a.Stderr, "  %d) %s %s\n", i+1, record.EnvName, cDim("(updated %s)", record.UpdatedAt))
	}
	choice := a.promptString(fmt.Sprintf("Select environment file [1-%d]", len(records)), "1")
	idx, err := strconv.Atoi(choice)
	if err != nil || idx < 1 || idx > len(records) {
		idx = 1
	}
	return records[idx-1]
}

func (a *App) promptString(label, def string) string {
	if a.stdin == nil {
		a.stdin = bufio.NewReader(a.Stdin)
	}
	if def != "" {
		fmt.Fprintf(a.Stderr, "%s [%s]: ", label, def)
	} else {
		fmt.Fprintf(a.Stderr, "%s: ", label)
	}
	line, err := a.stdin.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return def
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return def
	}
	return line
}

func (a *App) resolvePath(p string) string {
	if filepath.IsAbs(p) || a.CWD == "" {
		return p
	}
	return filepath.Join(a.CWD, p)
}

func defaultEnvName(now func() time.Time) string {
	return ".env." + now().UTC().Format("2006-01-02")
}

// sanitizeFilename replaces path separators and control characters so a stored
// env name can never escape the target directory when written to disk.
func sanitizeFilename(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r == '/' || r == '\\' || r == os.PathSeparator:
			b.WriteRune('_')
		case r < 0x20:
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	out := b.String()
	if out == "" || out == "." || out == ".." {
		return "_"
	}
	return out
}
