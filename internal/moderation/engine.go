package moderation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"conarchive/api/internal/store"
)

// Result describes what an applied submission did to canonical data.
type Result struct {
	Subject     store.SubjectKey
	Kind        store.Kind
	Version     int
	Removed     bool
	Guest       *store.Guest
	Collectible *store.Collectible
}

// Engine merges approved submissions into canonical storage. Apply must be
// called inside Store.WithSubject for the submission's subject.
type Engine struct{}

func NewEngine() *Engine {
	return &Engine{}
}

func (e *Engine) Apply(ctx context.Context, unit store.Unit, item store.Submission, appliedBy int64, at time.Time) (Result, error) {
	var (
		result Result
		err    error
	)
	switch item.Entity {
	case store.EntityGuest:
		result, err = e.applyGuest(ctx, unit, item, appliedBy, at)
	case store.EntityCollectible:
		result, err = e.applyCollectible(ctx, unit, item, appliedBy, at)
	default:
		return Result{}, invalid("entity_type", "unknown entity")
	}
	if err != nil {
		return Result{}, err
	}

	err = unit.InsertAudit(ctx, store.AuditEntry{
		Entity:           item.Entity,
		SubjectKey:       item.Subject.String(),
		SubmissionID:     item.ID,
		Kind:             item.Kind,
		AppliedBy:        appliedBy,
		AppliedAt:        at,
		ResultingVersion: result.Version,
	})
	if err != nil {
		return Result{}, translate("insert audit", err)
	}
	return result, nil
}

func (e *Engine) applyGuest(ctx context.Context, unit store.Unit, item store.Submission, appliedBy int64, at time.Time) (Result, error) {
	key := item.Subject
	result := Result{Subject: key, Kind: item.Kind}

	current, err := unit.Guest(ctx, key.GuestName, key.Year)
	exists := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Result{}, translate("load guest", err)
	}

	switch item.Kind {
	case store.KindCreate:
		if exists {
			return Result{}, fmt.Errorf("guest %s already exists: %w", key, ErrConflict)
		}
		version, err := nextVersion(ctx, unit, key)
		if err != nil {
			return Result{}, err
		}
		next := store.Guest{GuestName: key.GuestName, Year: key.Year, Version: version}
		applyGuestFields(&next, item.Guest)
		if err := checkAccolades(next.Accolades1, next.Accolades2); err != nil {
			return Result{}, err
		}
		stored, err := unit.PutGuest(ctx, next)
		if err != nil {
			return Result{}, translate("insert guest", err)
		}
		result.Guest, result.Version = &stored, stored.Version
	case store.KindUpdate:
		if !exists {
			return Result{}, fmt.Errorf("guest %s: %w", key, ErrNotFound)
		}
		if current.Version != item.BaseVersion {
			return Result{}, fmt.Errorf("guest %s at version %d, submission based on %d: %w", key, current.Version, item.BaseVersion, ErrConflict)
		}
		next := current
		applyGuestFields(&next, item.Guest)
		if err := checkAccolades(next.Accolades1, next.Accolades2); err != nil {
			return Result{}, err
		}
		next.Version = current.Version + 1
		next.Modified = true
		stored, err := unit.PutGuest(ctx, next)
		if err != nil {
			return Result{}, translate("update guest", err)
		}
		result.Guest, result.Version = &stored, stored.Version
	case store.KindDelete:
		if !exists {
			return Result{}, fmt.Errorf("guest %s: %w", key, ErrNotFound)
		}
		if err := unit.DeleteGuest(ctx, current, appliedBy, at); err != nil {
			return Result{}, translate("delete guest", err)
		}
		result.Guest, result.Version, result.Removed = &current, current.Version, true
	default:
		return Result{}, invalid("kind", "unknown kind")
	}
	return result, nil
}

func (e *Engine) applyCollectible(ctx context.Context, unit store.Unit, item store.Submission, appliedBy int64, at time.Time) (Result, error) {
	key := item.Subject
	result := Result{Subject: key, Kind: item.Kind}

	current, err := unit.Collectible(ctx, key.CollectibleID)
	exists := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Result{}, translate("load collectible", err)
	}

	switch item.Kind {
	case store.KindCreate:
		if exists {
			return Result{}, fmt.Errorf("collectible %s already exists: %w", key.CollectibleID, ErrConflict)
		}
		version, err := nextVersion(ctx, unit, key)
		if err != nil {
			return Result{}, err
		}
		next := store.Collectible{CollectibleID: key.CollectibleID, Version: version}
		applyCollectibleFields(&next, item.Collectible)
		stored, err := unit.PutCollectible(ctx, next)
		if err != nil {
			return Result{}, translate("insert collectible", err)
		}
		result.Collectible, result.Version = &stored, stored.Version
	case store.KindUpdate:
		if !exists {
			return Result{}, fmt.Errorf("collectible %s: %w", key.CollectibleID, ErrNotFound)
		}
		if current.Version != item.BaseVersion {
			return Result{}, fmt.Errorf("collectible %s at version %d, submission based on %d: %w", key.CollectibleID, current.Version, item.BaseVersion, ErrConflict)
		}
		next := current
		applyCollectibleFields(&next, item.Collectible)
		next.Version = current.Version + 1
		next.Modified = true
		stored, err := unit.PutCollectible(ctx, next)
		if err != nil {
			return Result{}, translate("update collectible", err)
		}
		result.Collectible, result.Version = &stored, stored.Version
	case store.KindDelete:
		if !exists {
			return Result{}, fmt.Errorf("collectible %s: %w", key.CollectibleID, ErrNotFound)
		}
		if err := unit.DeleteCollectible(ctx, current, appliedBy, at); err != nil {
			return Result{}, translate("delete collectible", err)
		}
		result.Collectible, result.Version, result.Removed = &current, current.Version, true
	default:
		return Result{}, invalid("kind", "unknown kind")
	}
	return result, nil
}

// nextVersion continues the subject's version sequence, so a record created
// again after a delete never repeats a version an old submission was based on.
func nextVersion(ctx context.Context, unit store.Unit, key store.SubjectKey) (int, error) {
	last, err := unit.LastVersion(ctx, key)
	if err != nil {
		return 0, translate("load last version", err)
	}
	return last + 1, nil
}

// applyGuestFields overwrites the fields present in f. Name and year are the
// subject and never change here.
func applyGuestFields(g *store.Guest, f *store.GuestFields) {
	if f == nil {
		return
	}
	set := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	set(&g.URL, f.URL)
	set(&g.Blurb, f.Blurb)
	set(&g.Biography, f.Biography)
	set(&g.GuestType, f.GuestType)
	set(&g.GuestCategory, f.GuestCategory)
	set(&g.Accolades1, f.Accolades1)
	set(&g.Accolades2, f.Accolades2)
}

func applyCollectibleFields(c *store.Collectible, f *store.CollectibleFields) {
	if f == nil {
		return
	}
	if f.Year != nil {
		c.Year = *f.Year
	}
	set := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	set(&c.GuestName, f.GuestName)
	set(&c.Name, f.Name)
	set(&c.Category, f.Category)
	set(&c.Notes1, f.Notes1)
	set(&c.Notes2, f.Notes2)
	set(&c.Filename, f.Filename)
}
