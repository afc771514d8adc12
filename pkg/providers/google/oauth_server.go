package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
)

// OAuthCallbackServer receives the authorization redirect on localhost
type OAuthCallbackServer struct {
	server   *http.Server
	listener net.Listener
	port     int
	state    string
	codeChan chan string
	errChan  chan error
	logger   *slog.Logger
	mu       sync.Mutex
}

// NewOAuthCallbackServer creates a new callback server on a free port.
// Redirects carrying a state other than state are rejected.
func NewOAuthCallbackServer(state string, logger *slog.Logger) (*OAuthCallbackServer, error) {
	listener, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		return nil, fmt.Errorf("failed to create listener: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &OAuthCallbackServer{
		listener: listener,
		port:     listener.Addr().(*net.TCPAddr).Port,
		state:    state,
		codeChan: make(chan string, 1),
		errChan:  make(chan error, 1),
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", s.handleCallback)
	s.server = &http.Server{Handler: mux}

	return s, nil
}

// Start starts the callback server
func (s *OAuthCallbackServer) Start() {
	go func() {
		if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("OAuth callback server error", "error", err)
		}
	}()
}

// Stop stops the callback server
func (s *OAuthCallbackServer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		s.server.Shutdown(context.Background())
	}
}

// GetRedirectURL returns the callback URL
func (s *OAuthCallbackServer) GetRedirectURL() string {
	return fmt.Sprintf("http://localhost:%d/callback", s.port)
}

// WaitForCode waits for the authorization code
func (s *OAuthCallbackServer) WaitForCode(ctx context.Context) (string, error) {
	select {
	case code := <-s.codeChan:
		return code, nil
	case err := <-s.errChan:
		return "", err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *OAuthCallbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if query.Get("state") != s.state {
		http.Error(w, "Invalid state", http.StatusBadRequest)
		return
	}

	code := query.Get("code")
	if code == "" {
		errMsg := query.Get("error")
		if errMsg == "" {
			errMsg = "no authorization code received"
		}
		s.deliverErr(fmt.Errorf("OAuth error: %s", errMsg))
		http.Error(w, "Authorization failed", http.StatusBadRequest)
		return
	}

	select {
	case s.codeChan <- code:
	default:
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "Authorization successful. You can close this window and return to calsync.")
}

func (s *OAuthCallbackServer) deliverErr(err error) {
	select {
	case s.errChan <- err:
	default:
	}
}
