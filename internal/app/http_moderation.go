package app

import (
	"net/http"

	"github.com/gorilla/mux"

	"conarchive/api/internal/moderation"
	"conarchive/api/internal/rbac"
	"conarchive/api/internal/store"
)

func entityFromPath(r *http.Request) store.EntityType {
	if mux.Vars(r)["entity"] == "collectibles" {
		return store.EntityCollectible
	}
	return store.EntityGuest
}

func (s *HTTPServer) handlePending(w http.ResponseWriter, r *http.Request) {
	who, ok := s.requireAction(w, r, rbac.ActionReview)
	if !ok {
		return
	}
	groups, err := s.service.Pending(r.Context(), who, entityFromPath(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": groups})
}

func (s *HTTPServer) handleDecide(w http.ResponseWriter, r *http.Request) {
	who, ok := s.requireAction(w, r, rbac.ActionDecide)
	if !ok {
		return
	}
	var body struct {
		ID      int64 `json:"id"`
		Deleted *bool `json:"deleted"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	if body.ID <= 0 {
		s.fail(w, r, fieldError("id", "required"))
		return
	}

	outcome, err := s.service.Decide(r.Context(), who, entityFromPath(r), moderation.DecideRequest{
		ID:      body.ID,
		Verdict: moderation.Verdict(mux.Vars(r)["decision"]),
		Deleted: body.Deleted,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	response := map[string]any{"submission": outcome.Submission}
	if outcome.Result != nil {
		response["version"] = outcome.Result.Version
		response["removed"] = outcome.Result.Removed
		switch {
		case outcome.Result.Guest != nil:
			response["guest"] = outcome.Result.Guest
		case outcome.Result.Collectible != nil:
			response["collectible"] = outcome.Result.Collectible
		}
	}
	writeJSON(w, http.StatusOK, response)
}
