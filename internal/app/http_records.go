package app

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"conarchive/api/internal/rbac"
	"conarchive/api/internal/search"
	"conarchive/api/internal/store"
)

func (s *HTTPServer) handleYears(w http.ResponseWriter, r *http.Request) {
	years, err := s.service.Years(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, years)
}

func (s *HTTPServer) handleGuestsByYear(w http.ResponseWriter, r *http.Request) {
	year, err := strconv.Atoi(r.URL.Query().Get("year"))
	if err != nil {
		s.fail(w, r, fieldError("year", "must be a number"))
		return
	}
	guests, err := s.service.GuestsByYear(r.Context(), year)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, guests)
}

func (s *HTTPServer) handleGuest(w http.ResponseWriter, r *http.Request) {
	id, year, err := guestPath(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	guest, err := s.service.Guest(r.Context(), id, year)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, guest)
}

func (s *HTTPServer) handleGuestSearch(w http.ResponseWriter, r *http.Request) {
	page, err := s.service.SearchGuests(r.Context(), strings.TrimSpace(r.URL.Query().Get("q")), queryInt(r, "page", 1))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *HTTPServer) handleAccolades(w http.ResponseWriter, r *http.Request) {
	guests, err := s.service.Accolades(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, guests)
}

func (s *HTTPServer) handleCollectiblesByYear(w http.ResponseWriter, r *http.Request) {
	year, err := pathInt(r, "year")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeCollectibles(w, r, year)
}

func (s *HTTPServer) handleCollectiblesUnsorted(w http.ResponseWriter, r *http.Request) {
	s.writeCollectibles(w, r, 0)
}

func (s *HTTPServer) writeCollectibles(w http.ResponseWriter, r *http.Request, year int) {
	items, err := s.service.Collectibles(r.Context(), year)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *HTTPServer) handleCollectible(w http.ResponseWriter, r *http.Request) {
	item, err := s.service.Collectible(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *HTTPServer) handleCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := s.service.Categories(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, categories)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	q := search.Query{
		Text:   strings.TrimSpace(params.Get("q")),
		Year:   queryInt(r, "year", 0),
		Limit:  queryInt(r, "limit", 20),
		Offset: queryInt(r, "offset", 0),
	}
	switch params.Get("type") {
	case "":
	case string(search.ResultGuest):
		q.FilterType = search.ResultGuest
	case string(search.ResultCollectible):
		q.FilterType = search.ResultCollectible
	default:
		s.fail(w, r, fieldError("type", "must be guest or collectible"))
		return
	}
	writeJSON(w, http.StatusOK, s.service.Search(r.Context(), q))
}

func (s *HTTPServer) handleGuestHistory(w http.ResponseWriter, r *http.Request) {
	id, year, err := guestPath(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	history, err := s.service.GuestHistory(r.Context(), id, year)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *HTTPServer) handleCollectibleHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.service.CollectibleHistory(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *HTTPServer) handleGuestAdd(w http.ResponseWriter, r *http.Request) {
	who, ok := s.requireAction(w, r, rbac.ActionSubmit)
	if !ok {
		return
	}
	var fields store.GuestFields
	if err := decodeBody(w, r, &fields); err != nil {
		s.fail(w, r, err)
		return
	}
	item, err := s.service.SubmitGuest(r.Context(), who, fields)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, item)
}

func (s *HTTPServer) handleGuestUpdate(w http.ResponseWriter, r *http.Request) {
	who, ok := s.requireAction(w, r, rbac.ActionSubmit)
	if !ok {
		return
	}
	id, year, err := guestPath(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var body struct {
		store.GuestFields
		BaseVersion int `json:"base_version"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	item, err := s.service.UpdateGuest(r.Context(), who, id, year, body.GuestFields, body.BaseVersion)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, item)
}

func (s *HTTPServer) handleGuestDelete(w http.ResponseWriter, r *http.Request) {
	who, ok := s.requireAction(w, r, rbac.ActionSubmit)
	if !ok {
		return
	}
	id, year, err := guestPath(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	item, err := s.service.DeleteGuest(r.Context(), who, id, year)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, item)
}

// handleCollectibleAdd accepts multipart form data with an optional "file"
// part, or a plain JSON body without an image.
func (s *HTTPServer) handleCollectibleAdd(w http.ResponseWriter, r *http.Request) {
	who, ok := s.requireAction(w, r, rbac.ActionSubmit)
	if !ok {
		return
	}

	var (
		fields store.CollectibleFields
		upload *Upload
	)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if r.ContentLength > s.maxUploadBytes {
			s.fail(w, r, fieldError("file", "too large"))
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
		if err := r.ParseMultipartForm(s.maxUploadBytes); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				s.fail(w, r, fieldError("file", "too large"))
				return
			}
			s.fail(w, r, badRequest("invalid multipart body"))
			return
		}
		defer r.MultipartForm.RemoveAll()

		parsed, err := collectibleFieldsFromForm(r)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		fields = parsed

		file, header, err := r.FormFile("file")
		switch {
		case errors.Is(err, http.ErrMissingFile):
		case err != nil:
			s.fail(w, r, badRequest("invalid file part"))
			return
		default:
			defer file.Close()
			upload = &Upload{
				Filename:    header.Filename,
				ContentType: header.Header.Get("Content-Type"),
				Size:        header.Size,
				Body:        file,
			}
		}
	} else if err := decodeBody(w, r, &fields); err != nil {
		s.fail(w, r, err)
		return
	}

	item, err := s.service.SubmitCollectible(r.Context(), who, fields, upload)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, item)
}

func collectibleFieldsFromForm(r *http.Request) (store.CollectibleFields, error) {
	var fields store.CollectibleFields
	text := func(name string) *string {
		values, ok := r.MultipartForm.Value[name]
		if !ok || len(values) == 0 {
			return nil
		}
		value := values[0]
		return &value
	}
	if raw := text("year"); raw != nil {
		year, err := strconv.Atoi(strings.TrimSpace(*raw))
		if err != nil {
			return store.CollectibleFields{}, fieldError("year", "must be a number")
		}
		fields.Year = &year
	}
	fields.GuestName = text("guest_name")
	fields.Name = text("name")
	fields.Category = text("category")
	fields.Notes1 = text("notes_1")
	fields.Notes2 = text("notes_2")
	return fields, nil
}

func (s *HTTPServer) handleCollectibleUpdate(w http.ResponseWriter, r *http.Request) {
	who, ok := s.requireAction(w, r, rbac.ActionSubmit)
	if !ok {
		return
	}
	var body struct {
		store.CollectibleFields
		BaseVersion int `json:"base_version"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	item, err := s.service.UpdateCollectible(r.Context(), who, mux.Vars(r)["id"], body.CollectibleFields, body.BaseVersion)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, item)
}

func (s *HTTPServer) handleCollectibleDelete(w http.ResponseWriter, r *http.Request) {
	who, ok := s.requireAction(w, r, rbac.ActionSubmit)
	if !ok {
		return
	}
	item, err := s.service.DeleteCollectible(r.Context(), who, mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, item)
}
