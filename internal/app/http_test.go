package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conarchive/api/internal/store"
)

func TestHealthReadyAndCORS(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = h.do(http.MethodGet, "/api/ready", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "ready", body["status"])

	rec = h.do(http.MethodOptions, "/api/guests/add", "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.do(http.MethodGet, "/api/nowhere", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decode(t, rec)["code"])
}

func TestLoginRefreshLogout(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodPost, "/api/auth/login", "", map[string]any{"user_name": "editor-a", "password": "wrong password"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "INVALID_CREDENTIAL", decode(t, rec)["code"])

	rec = h.do(http.MethodPost, "/api/auth/login", "", map[string]any{"user_name": "editor-a", "password": testPassword})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	login := decode(t, rec)
	assert.Equal(t, "editor", login["role"])
	token := login["token"].(string)
	refresh := login["refresh_token"].(string)

	rec = h.do(http.MethodGet, "/api/auth/session", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["authenticated"])

	rec = h.do(http.MethodPost, "/api/auth/refresh", "", map[string]any{"refresh_token": refresh})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rotated := decode(t, rec)
	newRefresh := rotated["refresh_token"].(string)
	assert.NotEqual(t, refresh, newRefresh)

	rec = h.do(http.MethodPost, "/api/auth/refresh", "", map[string]any{"refresh_token": refresh})
	require.Equal(t, http.StatusUnauthorized, rec.Code, "old refresh token must be spent")

	rec = h.do(http.MethodPost, "/api/auth/logout", token, map[string]any{"refresh_token": newRefresh})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(http.MethodPost, "/api/guests/add", token, map[string]any{"guest_name": "Ada", "year": 2020})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "INVALID_CREDENTIAL", decode(t, rec)["code"])

	rec = h.do(http.MethodPost, "/api/auth/refresh", "", map[string]any{"refresh_token": newRefresh})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(http.MethodGet, "/api/auth/session", token, nil)
	assert.Equal(t, false, decode(t, rec)["authenticated"])
}

func TestWriteRoutesRequireCredential(t *testing.T) {
	h := newHarness(t)
	routes := []struct{ method, path string }{
		{http.MethodPost, "/api/guests/add"},
		{http.MethodPut, "/api/guests/1/2020"},
		{http.MethodPost, "/api/guests/delete/1/2020"},
		{http.MethodPost, "/api/collectibles/add"},
		{http.MethodPut, "/api/collectibles/abc"},
		{http.MethodPost, "/api/collectibles/delete/abc"},
		{http.MethodGet, "/api/moderation/guests/pending"},
		{http.MethodPost, "/api/moderation/guests/approve"},
		{http.MethodPost, "/api/moderation/collectibles/reject"},
		{http.MethodGet, "/api/users"},
		{http.MethodPost, "/api/users"},
	}

	token := h.login("admin")
	h.clock.Advance(16 * time.Minute)

	for _, route := range routes {
		t.Run(route.method+" "+route.path, func(t *testing.T) {
			rec := h.do(route.method, route.path, "", map[string]any{})
			require.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, "INVALID_CREDENTIAL", decode(t, rec)["code"])

			rec = h.do(route.method, route.path, token, map[string]any{})
			require.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, "EXPIRED", decode(t, rec)["code"])

			rec = h.do(route.method, route.path, "garbage.token", map[string]any{})
			require.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, "INVALID_CREDENTIAL", decode(t, rec)["code"])
		})
	}
}

func TestAuthorizationBeforeValidation(t *testing.T) {
	h := newHarness(t)

	rec := h.as("editor-a", http.MethodPost, "/api/moderation/guests/approve", "{not json")
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "FORBIDDEN", decode(t, rec)["code"])

	rec = h.as("editor-a", http.MethodGet, "/api/moderation/guests/pending", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.as("moderator", http.MethodPost, "/api/users", map[string]any{})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.as("moderator", http.MethodPost, "/api/moderation/guests/approve", "{not json")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGuestLifecycle(t *testing.T) {
	h := newHarness(t)

	id := h.submitGuest("editor-a", "  ada   lovelace ", 2020)

	rec := h.do(http.MethodGet, "/api/guests?year=2020", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeList(t, rec), "submitting must not touch canonical data")

	rec = h.as("moderator", http.MethodGet, "/api/moderation/guests/pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	groups := decode(t, rec)["groups"].([]any)
	require.Len(t, groups, 1)
	group := groups[0].(map[string]any)
	assert.Equal(t, false, group["exists"])
	subject := group["subject"].(map[string]any)
	assert.Equal(t, "Ada Lovelace", subject["guest_name"])

	rec = h.decide("guests", "approve", id)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	approved := decode(t, rec)
	assert.EqualValues(t, 1, approved["version"])
	assert.Equal(t, "approved", approved["submission"].(map[string]any)["state"])
	guestID := number(approved["guest"].(map[string]any)["guest_id"])

	rec = h.decide("guests", "approve", id)
	require.Equal(t, http.StatusNotFound, rec.Code, "a decided submission cannot be decided again")

	rec = h.do(http.MethodGet, fmt.Sprintf("/api/guests/%d/2020", guestID), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	guest := decode(t, rec)
	assert.Equal(t, "Ada Lovelace", guest["guest_name"])
	assert.EqualValues(t, 1, guest["version"])

	rec = h.do(http.MethodGet, "/api/years", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{float64(2020)}, decodeList(t, rec))

	rec = h.do(http.MethodGet, "/api/guests/search?q=ada", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode(t, rec)
	assert.EqualValues(t, 1, page["total"])

	rec = h.do(http.MethodGet, fmt.Sprintf("/api/history/guests/%d/2020", guestID), "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	history := decode(t, rec)
	assert.Len(t, history["audit"], 1)
	assert.Len(t, history["versions"], 1)
}

func TestUpdateWithoutBaseVersionUsesCurrent(t *testing.T) {
	h := newHarness(t)
	guestID := h.approvedGuest("Ursula Le Guin", 2022)
	path := fmt.Sprintf("/api/guests/%d/2022", guestID)

	rec := h.as("editor-a", http.MethodPut, path, map[string]any{"blurb": "second"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.EqualValues(t, 1, decode(t, rec)["base_version"])

	rec = h.as("editor-a", http.MethodPut, path, map[string]any{"accolades_2": "Legend", "base_version": 3})
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	assert.Equal(t, "CONFLICT", decode(t, rec)["code"])
}

func TestStaleUpdateIsConflict(t *testing.T) {
	h := newHarness(t)
	guestID := h.approvedGuest("Grace Hopper", 2021)
	path := fmt.Sprintf("/api/guests/%d/2021", guestID)

	rec := h.as("editor-a", http.MethodPut, path, map[string]any{"blurb": "from A", "base_version": 1})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	fromA := number(decode(t, rec)["id"])

	rec = h.as("editor-b", http.MethodPut, path, map[string]any{"blurb": "from B", "base_version": 1})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	fromB := number(decode(t, rec)["id"])

	rec = h.decide("guests", "approve", fromA)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 2, decode(t, rec)["version"])

	rec = h.decide("guests", "approve", fromB)
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	assert.Equal(t, "CONFLICT", decode(t, rec)["code"])

	item, err := h.store.GetSubmission(context.Background(), fromB)
	require.NoError(t, err)
	assert.Equal(t, store.StatePending, item.State)

	rec = h.do(http.MethodGet, path, "", nil)
	guest := decode(t, rec)
	assert.Equal(t, "from A", guest["blurb"])
	assert.EqualValues(t, 2, guest["version"])

	rec = h.decide("guests", "reject", fromB)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "rejected", decode(t, rec)["submission"].(map[string]any)["state"])
}

func TestDeleteRejectThenApprove(t *testing.T) {
	h := newHarness(t)
	guestID := h.approvedGuest("Alan Turing", 2022)
	path := fmt.Sprintf("/api/guests/%d/2022", guestID)
	deletePath := fmt.Sprintf("/api/guests/delete/%d/2022", guestID)

	rec := h.as("editor-a", http.MethodPost, deletePath, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	first := number(decode(t, rec)["id"])

	rec = h.as("moderator", http.MethodPost, "/api/moderation/guests/reject", map[string]any{"id": first, "deleted": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, path, "", nil).Code)

	rec = h.as("editor-a", http.MethodPost, deletePath, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	second := number(decode(t, rec)["id"])

	rec = h.as("moderator", http.MethodPost, "/api/moderation/guests/approve", map[string]any{"id": second, "deleted": false})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "deleted", decode(t, rec)["details"].(map[string]any)["field"])

	rec = h.as("moderator", http.MethodPost, "/api/moderation/guests/approve", map[string]any{"id": second, "deleted": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, decode(t, rec)["removed"])

	require.Equal(t, http.StatusNotFound, h.do(http.MethodGet, path, "", nil).Code)
	assert.Len(t, h.store.DeletedGuests(), 1)
}

func TestValidationNamesField(t *testing.T) {
	h := newHarness(t)
	cases := []struct {
		name    string
		payload map[string]any
		field   string
	}{
		{"missing name", map[string]any{"year": 2020}, "guest_name"},
		{"missing year", map[string]any{"guest_name": "Ada"}, "year"},
		{"year out of range", map[string]any{"guest_name": "Ada", "year": 1200}, "year"},
		{"duplicate accolades", map[string]any{"guest_name": "Ada", "year": 2020, "accolades_1": "Hugo", "accolades_2": "hugo"}, "accolades_2"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := h.as("editor-a", http.MethodPost, "/api/guests/add", tc.payload)
			require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
			body := decode(t, rec)
			assert.Equal(t, "VALIDATION_ERROR", body["code"])
			assert.Equal(t, tc.field, body["details"].(map[string]any)["field"])
		})
	}

	rec := h.as("editor-a", http.MethodPost, "/api/guests/add", "{broken")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateOfMissingGuestIsNotFound(t *testing.T) {
	h := newHarness(t)
	rec := h.as("editor-a", http.MethodPut, "/api/guests/99/2020", map[string]any{"blurb": "x", "base_version": 1})
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = h.as("editor-a", http.MethodPost, "/api/collectibles/delete/nope", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t)
	h.submitGuest("editor-a", "Ada", 2020)

	rec := h.do(http.MethodGet, "/api/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	text := rec.Body.String()
	assert.Contains(t, text, "archive_submissions_total")
	assert.True(t, strings.Contains(text, `route="/api/guests/add"`), text)
}
