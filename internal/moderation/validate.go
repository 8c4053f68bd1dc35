package moderation

import (
	"strings"

	"conarchive/api/internal/store"
)

const (
	minYear = 1900
	maxYear = 2200
)

func blank(value *string) bool {
	return value == nil || strings.TrimSpace(*value) == ""
}

func checkYear(year *int, required bool) error {
	if year == nil {
		if required {
			return invalid("year", "required")
		}
		return nil
	}
	if *year < minYear || *year > maxYear {
		return invalid("year", "out of range")
	}
	return nil
}

func checkAccolades(first, second string) error {
	first, second = strings.TrimSpace(first), strings.TrimSpace(second)
	if first != "" && second != "" && strings.EqualFold(first, second) {
		return invalid("accolades_2", "must differ from accolades_1")
	}
	return nil
}

func normalizedName(value *string) *string {
	if value == nil {
		return nil
	}
	name := NormalizeGuestName(*value)
	return &name
}

func emptyGuestFields(f *store.GuestFields) bool {
	return f.GuestName == nil && f.Year == nil && f.URL == nil && f.Blurb == nil &&
		f.Biography == nil && f.GuestType == nil && f.GuestCategory == nil &&
		f.Accolades1 == nil && f.Accolades2 == nil
}

func emptyCollectibleFields(f *store.CollectibleFields) bool {
	return f.Year == nil && f.GuestName == nil && f.Name == nil && f.Category == nil &&
		f.Notes1 == nil && f.Notes2 == nil && f.Filename == nil
}

// validateGuestCreate normalizes f in place and returns the subject it proposes.
func validateGuestCreate(f *store.GuestFields) (store.SubjectKey, error) {
	if f == nil {
		return store.SubjectKey{}, invalid("guest", "payload required")
	}
	if blank(f.GuestName) {
		return store.SubjectKey{}, invalid("guest_name", "required")
	}
	f.GuestName = normalizedName(f.GuestName)
	if err := checkYear(f.Year, true); err != nil {
		return store.SubjectKey{}, err
	}
	merged := store.Guest{}
	applyGuestFields(&merged, f)
	if err := checkAccolades(merged.Accolades1, merged.Accolades2); err != nil {
		return store.SubjectKey{}, err
	}
	return store.GuestSubject(*f.GuestName, *f.Year), nil
}

func validateGuestUpdate(f *store.GuestFields, current store.Guest) error {
	if f == nil || emptyGuestFields(f) {
		return invalid("guest", "no fields to update")
	}
	if f.GuestName != nil {
		f.GuestName = normalizedName(f.GuestName)
		if *f.GuestName != current.GuestName {
			return invalid("guest_name", "cannot change on update")
		}
	}
	if f.Year != nil && *f.Year != current.Year {
		return invalid("year", "cannot change on update")
	}
	merged := current
	applyGuestFields(&merged, f)
	return checkAccolades(merged.Accolades1, merged.Accolades2)
}

func validateCollectibleCreate(f *store.CollectibleFields) error {
	if f == nil {
		return invalid("collectible", "payload required")
	}
	if blank(f.Name) {
		return invalid("name", "required")
	}
	if err := checkYear(f.Year, true); err != nil {
		return err
	}
	f.GuestName = normalizedName(f.GuestName)
	return nil
}

func validateCollectibleUpdate(f *store.CollectibleFields) error {
	if f == nil || emptyCollectibleFields(f) {
		return invalid("collectible", "no fields to update")
	}
	if f.Name != nil && blank(f.Name) {
		return invalid("name", "cannot be blank")
	}
	if err := checkYear(f.Year, false); err != nil {
		return err
	}
	f.GuestName = normalizedName(f.GuestName)
	return nil
}
