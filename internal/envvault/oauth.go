package envvault

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os/exec"
	"runtime"
	"sync"
	"time"
)

// defaultCallbackPort is the fixed local port the backend redirects back to.
// It is part of the backend's OAuth app configuration, so there is no
// retry-with-alternate-port logic: a busy port is reported and the user tries
// again.
const defaultCallbackPort = 3456

// defaultHandshakeTimeout bounds how long the broker waits for the browser
// round trip.
const defaultHandshakeTimeout = 5 * time.Minute

// redirectGrace is how long the broker lets the redirect response flush to the
// browser before force-closing the listener.
const redirectGrace = 100 * time.Millisecond

type handshakeState int

const (
	handshakeIdle handshakeState = iota
	handshakeListening
	handshakeAwaitingCallback
	handshakeSucceeded
	handshakeFailed
	handshakeTimedOut
)

func (s handshakeState) String() string {
	switch s {
	case handshakeIdle:
		return "idle"
	case handshakeListening:
		return "listening"
	case handshakeAwaitingCallback:
		return "awaiting_callback"
	case handshakeSucceeded:
		return "succeeded"
	case handshakeFailed:
		return "failed"
	case handshakeTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

type handshakeOutcome struct {
	cred *Credential
	err  error
}

// authBroker runs one OAuth handshake: a local callback listener, a browser
// redirect through the backend, and a single-resolution result. The timeout
// timer and the callback handler race; resolve's sync.Once guarantees exactly
// one of them wins and exactly one teardown happens.
type authBroker struct {
	app     *App
	port    int
	timeout time.Duration

	mu     sync.Mutex
	state  handshakeState
	once   sync.Once
	result chan handshakeOutcome
	server *http.Server
}

func (a *App) newAuthBroker() *authBroker {
	port := a.CallbackPort
	if port <= 0 {
		port = defaultCallbackPort
	}
	timeout := a.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	return &authBroker{
		app:     a,
		port:    port,
		timeout: timeout,
		state:   handshakeIdle,
		result:  make(chan handshakeOutcome, 1),
	}
}

func (b *authBroker) setState(s handshakeState) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

// resolve delivers the handshake outcome exactly once and schedules listener
// teardown after the in-flight redirect has had time to flush.
func (b *authBroker) resolve(final handshakeState, out handshakeOutcome) {
	b.once.Do(func() {
		b.setState(final)
		b.result <- out
		go func() {
			time.Sleep(redirectGrace)
			if b.server != nil {
				_ = b.server.Close()
			}
		}()
	})
}

// run executes the handshake and blocks until it succeeds, fails, or times out.
func (b *authBroker) run() (*Credential, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", b.port))
	if err != nil {
		return nil, fmt.Errorf("%w: port %d is unavailable - close whatever is using it and try again",
			errHandshakeFailed, b.port)
	}
	b.setState(handshakeListening)

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", b.handleCallback)
	b.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := b.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			b.resolve(handshakeFailed, handshakeOutcome{err: fmt.Errorf("%w: %v", errHandshakeFailed, err)})
		}
	}()

	callbackURL := fmt.Sprintf("http://localhost:%d/callback", b.port)
	authURL := b.app.backendURL() + "/auth/github/cli?redirect_uri=" + url.QueryEscape(callbackURL)

	fmt.Fprintln(b.app.Stderr, cInfo("Opening GitHub authentication in your browser..."))
	b.setState(handshakeAwaitingCallback)
	if err := b.app.openBrowser(authURL); err != nil {
		// Not fatal: the user can follow the link by hand.
		fmt.Fprintln(b.app.Stderr, cWarn("Could not open a browser automatically."))
		fmt.Fprintf(b.app.Stderr, "Visit this URL to continue: %s\n", authURL)
	} else {
		fmt.Fprintln(b.app.Stderr, cDim("Auth URL: %s", authURL))
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()
	select {
	case out := <-b.result:
		return out.cred, out.err
	case <-timer.C:
		b.resolve(handshakeTimedOut, handshakeOutcome{err: errHandshakeTimeout})
		out := <-b.result
		return out.cred, out.err
	}
}

// handleCallback receives the backend's redirect carrying `user` (URL-encoded
// JSON) and `token`. The browser redirect is written before the result is
// resolved so the user always lands on a success/failure page.
func (b *authBroker) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rawUser := q.Get("user")
	token := q.Get("token")

	cred, parseErr := parseCallbackCredential(rawUser, token)
	if parseErr != nil {
		http.Redirect(w, r, b.app.frontendURL()+"/?auth=failed", http.StatusFound)
		b.resolve(handshakeFailed, handshakeOutcome{err: parseErr})
		return
	}

	http.Redirect(w, r, b.app.frontendURL()+"/?auth=success", http.StatusFound)
	b.resolve(handshakeSucceeded, handshakeOutcome{cred: cred})
}

func parseCallbackCredential(rawUser, token string) (*Credential, error) {
	if rawUser == "" || token == "" {
		return nil, fmt.Errorf("%w: callback is missing user or token", errHandshakeFailed)
	}
	var user struct {
		ID    int64  `json:"id"`
		Login string `json:"login"`
	}
	if err := json.Unmarshal([]byte(rawUser), &user); err != nil {
		return nil, fmt.Errorf("%w: malformed user payload: %v", errHandshakeFailed, err)
	}
	if user.ID <= 0 || user.Login == "" {
		return nil, fmt.Errorf("%w: user payload is missing id or login", errHandshakeFailed)
	}
	return &Credential{UserID: user.ID, UserName: user.Login, Token: token}, nil
}

// openBrowser launches the default browser. Overridable for tests.
func (a *App) openBrowser(target string) error {
	if a.OpenBrowser != nil {
		return a.OpenBrowser(target)
	}
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", target).Start()
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", target).Start()
	default:
		return exec.Command("xdg-open", target).Start()
	}
}
