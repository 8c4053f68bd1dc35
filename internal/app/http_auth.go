package app

import (
	"net/http"

	"conarchive/api/internal/auth"
)

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserName string `json:"user_name"`
		Password string `json:"password"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	if body.UserName == "" || body.Password == "" {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "Missing user name or password", nil)
		return
	}
	session, err := s.service.Login(r.Context(), body.UserName, body.Password)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *HTTPServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	session, err := s.service.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// handleLogout revokes whatever credentials it is given. An expired or
// unknown access token is not an error here.
func (s *HTTPServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	var who auth.Identity
	if parsed, err := s.identify(r); err == nil {
		who = parsed
	}
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	_ = decodeBody(w, r, &body)
	if err := s.service.Logout(r.Context(), who, body.RefreshToken); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	who, err := s.identify(r)
	if err != nil || who.UserID == 0 {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "user_name": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"user_id":       who.UserID,
		"user_name":     who.UserName,
		"role":          who.Role,
		"expires_at":    who.ExpiresAt,
	})
}
