package app

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
)

func (s *HTTPServer) handleVendors(w http.ResponseWriter, r *http.Request) {
	year := 0
	if r.URL.Query().Get("year") != "" {
		year = queryInt(r, "year", -1)
		if year < 0 {
			s.fail(w, r, fieldError("year", "must be a number"))
			return
		}
	}
	vendors, err := s.service.Vendors(r.Context(), year)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, vendors)
}

func (s *HTTPServer) handleVendor(w http.ResponseWriter, r *http.Request) {
	id, year, err := guestPath(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	vendor, err := s.service.Vendor(r.Context(), id, year)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, vendor)
}

func (s *HTTPServer) handleVendorYears(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	years, err := s.service.VendorYears(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, years)
}

func (s *HTTPServer) handleVendorSearch(w http.ResponseWriter, r *http.Request) {
	page, err := s.service.SearchVendors(r.Context(), strings.TrimSpace(r.URL.Query().Get("q")), queryInt(r, "page", 1))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *HTTPServer) handleAccoladeNames(w http.ResponseWriter, r *http.Request) {
	names, err := s.service.AccoladeNames(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, names)
}

func (s *HTTPServer) handleAccoladeCategory(w http.ResponseWriter, r *http.Request) {
	guests, err := s.service.AccoladeHolders(r.Context(), mux.Vars(r)["category"], false)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, guests)
}

func (s *HTTPServer) handleAccolade(w http.ResponseWriter, r *http.Request) {
	accolade := strings.TrimSpace(mux.Vars(r)["accolade"])
	guests, err := s.service.AccoladeHolders(r.Context(), accolade, true)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accolade": accolade, "guests": guests})
}
