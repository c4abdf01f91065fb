package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/goodtune/mediabadge/internal/bridge"
	"github.com/goodtune/mediabadge/internal/message"
	"github.com/goodtune/mediabadge/internal/profile"
	"github.com/goodtune/mediabadge/internal/storage"
)

const (
	// LoginPath authenticates and connects the session
	LoginPath = "/v1/login"

	// LogoutPath disconnects the session
	LogoutPath = "/v1/logout"
)

// Authenticator resolves an identity to a profile and account.
type Authenticator interface {
	Login(ctx context.Context, method storage.AuthMethod, authID, displayName string) (profile.LoginResult, error)
}

// LoginRequest is the body of a login call.
type LoginRequest struct {
	AuthMethod  storage.AuthMethod `json:"auth_method"`
	AuthID      string             `json:"auth_id"`
	DisplayName string             `json:"display_name,omitempty"`
}

// SessionResponse answers login and logout.
type SessionResponse struct {
	Session storage.SessionState `json:"session"`
	Applied bool                 `json:"applied"`
	Error   string               `json:"error,omitempty"`
}

// SetAuthenticator enables the login route. Call before Start.
func (s *Server) SetAuthenticator(a Authenticator) {
	s.auth = a
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil {
		writeJSON(w, http.StatusNotImplemented, SessionResponse{Error: "login is not configured"})
		return
	}
	if !s.rateLimiter.Allow(remoteHost(r.RemoteAddr)) {
		writeJSON(w, http.StatusTooManyRequests, SessionResponse{Error: "rate limit exceeded"})
		return
	}

	var req LoginRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxEnvelopeBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, SessionResponse{Error: "invalid request body"})
		return
	}

	result, err := s.auth.Login(r.Context(), req.AuthMethod, req.AuthID, req.DisplayName)
	if err != nil {
		s.logger.Warn().Err(err).Str("method", string(req.AuthMethod)).Msg("Login failed")
		writeJSON(w, http.StatusUnauthorized, SessionResponse{Error: err.Error()})
		return
	}

	state := bridge.NewConnectedState(req.AuthMethod, result.Account, result.Profile.Ref, time.Now())
	s.setSession(w, r, state)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UnixMilli()
	current, err := s.store.Sessions().Get(r.Context())
	switch {
	case err == nil && current.UpdatedAtMs >= now:
		now = current.UpdatedAtMs + 1
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		writeJSON(w, http.StatusServiceUnavailable, SessionResponse{Error: err.Error()})
		return
	}

	s.setSession(w, r, storage.LoggedOut(time.UnixMilli(now)))
}

// setSession hands state to the coordinator as SESSION_SET.
func (s *Server) setSession(w http.ResponseWriter, r *http.Request, state storage.SessionState) {
	env, err := message.New(message.SessionSet, message.SourceWebApp, state)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, SessionResponse{Error: err.Error()})
		return
	}

	reply, err := s.handler.Handle(r.Context(), env)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, SessionResponse{Error: err.Error()})
		return
	}

	var set message.SessionSetReply
	if err := reply.Unmarshal(&set); err != nil {
		writeJSON(w, http.StatusBadRequest, SessionResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, SessionResponse{Session: state, Applied: set.Applied})
}
