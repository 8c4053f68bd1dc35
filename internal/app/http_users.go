package app

import (
	"net/http"
	"strings"

	"conarchive/api/internal/rbac"
	"conarchive/api/internal/store"
)

func (s *HTTPServer) handleUserSubmissions(w http.ResponseWriter, r *http.Request) {
	who, ok := s.requireAction(w, r, rbac.ActionSubmit)
	if !ok {
		return
	}
	userID, err := userPath(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	entity := store.EntityGuest
	if strings.HasSuffix(r.URL.Path, "/collectible_submissions") {
		entity = store.EntityCollectible
	}
	page, err := s.service.UserSubmissions(r.Context(), who, entity, userID, queryInt(r, "page", 1), queryInt(r, "per_page", 0))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *HTTPServer) handleUserMetrics(w http.ResponseWriter, r *http.Request) {
	who, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	userID, err := userPath(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	metrics, err := s.service.UserMetrics(r.Context(), who, userID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

func (s *HTTPServer) handleUsers(w http.ResponseWriter, r *http.Request) {
	who, ok := s.requireAction(w, r, rbac.ActionManageUsers)
	if !ok {
		return
	}
	users, err := s.service.Users(r.Context(), who)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (s *HTTPServer) handleUserCreate(w http.ResponseWriter, r *http.Request) {
	who, ok := s.requireAction(w, r, rbac.ActionManageUsers)
	if !ok {
		return
	}
	var body struct {
		UserName string `json:"user_name"`
		Password string `json:"password"`
		Role     string `json:"role"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	if body.Role == "" {
		body.Role = string(rbac.RoleEditor)
	}
	user, reactivated, err := s.service.CreateUser(r.Context(), who, body.UserName, body.Password, body.Role)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if reactivated {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{"user": user, "reactivated": reactivated})
}

func (s *HTTPServer) handleUserDeactivate(w http.ResponseWriter, r *http.Request) {
	who, ok := s.requireAction(w, r, rbac.ActionManageUsers)
	if !ok {
		return
	}
	userID, err := userPath(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.service.DeactivateUser(r.Context(), who, userID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleUserPassword(w http.ResponseWriter, r *http.Request) {
	who, ok := s.requireAction(w, r, rbac.ActionManageUsers)
	if !ok {
		return
	}
	userID, err := userPath(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var body struct {
		Password string `json:"password"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.service.SetPassword(r.Context(), who, userID, body.Password); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleUserRole(w http.ResponseWriter, r *http.Request) {
	who, ok := s.requireAction(w, r, rbac.ActionManageUsers)
	if !ok {
		return
	}
	userID, err := userPath(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var body struct {
		Role string `json:"role"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.service.SetRole(r.Context(), who, userID, body.Role); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
