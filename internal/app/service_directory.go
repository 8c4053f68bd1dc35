package app

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"conarchive/api/internal/store"
)

// GuestTypeVendor marks yearly guest rows listed in the vendor directory.
const GuestTypeVendor = "vendor"

func isVendor(g store.Guest) bool {
	return strings.EqualFold(strings.TrimSpace(g.GuestType), GuestTypeVendor)
}

func (s *Service) vendors(ctx context.Context, year int) ([]store.Guest, error) {
	sctx, cancel := s.storageContext(ctx)
	defer cancel()
	guests, err := s.store.ListGuests(sctx, year)
	if err != nil {
		return nil, err
	}
	out := make([]store.Guest, 0, len(guests))
	for _, g := range guests {
		if isVendor(g) {
			out = append(out, g)
		}
	}
	return out, nil
}

// Vendors lists vendor rows of one year, or of every year when year is 0,
// ordered by name.
func (s *Service) Vendors(ctx context.Context, year int) ([]store.Guest, error) {
	return s.vendors(ctx, year)
}

func (s *Service) Vendor(ctx context.Context, guestID int64, year int) (store.Guest, error) {
	g, err := s.Guest(ctx, guestID, year)
	if err != nil {
		return store.Guest{}, err
	}
	if !isVendor(g) {
		return store.Guest{}, fmt.Errorf("vendor %d/%d: %w", guestID, year, store.ErrNotFound)
	}
	return g, nil
}

// VendorYears returns every year a vendor attended, oldest first.
func (s *Service) VendorYears(ctx context.Context, guestID int64) ([]store.Guest, error) {
	all, err := s.vendors(ctx, 0)
	if err != nil {
		return nil, err
	}
	out := make([]store.Guest, 0)
	for _, g := range all {
		if g.GuestID == guestID {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Year < out[j].Year })
	return out, nil
}

// SearchVendors pages through distinct vendors whose name contains query.
func (s *Service) SearchVendors(ctx context.Context, query string, page int) (GuestPage, error) {
	if page < 1 {
		page = 1
	}
	all, err := s.vendors(ctx, 0)
	if err != nil {
		return GuestPage{}, err
	}
	needle := strings.ToLower(strings.TrimSpace(query))
	seen := make(map[int64]bool)
	refs := make([]store.GuestRef, 0)
	for _, g := range all {
		if seen[g.GuestID] || !strings.Contains(strings.ToLower(g.GuestName), needle) {
			continue
		}
		seen[g.GuestID] = true
		refs = append(refs, store.GuestRef{GuestID: g.GuestID, GuestName: g.GuestName})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].GuestName < refs[j].GuestName })

	total := len(refs)
	start := min((page-1)*guestSearchPageSize, total)
	end := min(start+guestSearchPageSize, total)
	return GuestPage{Guests: refs[start:end], Total: total, Page: page, Pages: pageCount(total, guestSearchPageSize)}, nil
}

// AccoladeNames returns each distinct accolade held by any guest, sorted.
func (s *Service) AccoladeNames(ctx context.Context) ([]string, error) {
	guests, err := s.Accolades(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	names := make([]string, 0)
	for _, g := range guests {
		for _, a := range []string{g.Accolades1, g.Accolades2} {
			a = strings.TrimSpace(a)
			if a == "" || seen[a] {
				continue
			}
			seen[a] = true
			names = append(names, a)
		}
	}
	sort.Strings(names)
	return names, nil
}

// AccoladeHolders returns the guest rows holding accolade in either slot,
// oldest year first unless newestFirst is set.
func (s *Service) AccoladeHolders(ctx context.Context, accolade string, newestFirst bool) ([]store.Guest, error) {
	accolade = strings.TrimSpace(accolade)
	if accolade == "" {
		return nil, fieldError("accolade", "required")
	}
	guests, err := s.Accolades(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]store.Guest, 0)
	for _, g := range guests {
		if strings.EqualFold(strings.TrimSpace(g.Accolades1), accolade) || strings.EqualFold(strings.TrimSpace(g.Accolades2), accolade) {
			out = append(out, g)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Year != out[j].Year {
			if newestFirst {
				return out[i].Year > out[j].Year
			}
			return out[i].Year < out[j].Year
		}
		return out[i].GuestName < out[j].GuestName
	})
	return out, nil
}
