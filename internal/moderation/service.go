// Package moderation turns contributor proposals into pending submissions and
// lets moderators merge them into canonical records.
package moderation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"conarchive/api/internal/auth"
	"conarchive/api/internal/clock"
	"conarchive/api/internal/rbac"
	"conarchive/api/internal/store"
	"conarchive/api/internal/util"
)

// Verdict is a moderator decision on a pending submission.
type Verdict string

const (
	Approve Verdict = "approve"
	Reject  Verdict = "reject"
)

// Payload carries the proposed fields for one entity type.
type Payload struct {
	Guest       *store.GuestFields
	Collectible *store.CollectibleFields
}

// DecideRequest names the submission to decide. Deleted, when set, must
// match the stored delete flag.
type DecideRequest struct {
	ID      int64
	Verdict Verdict
	Deleted *bool
}

// Outcome is the decided submission and, for approvals, what was applied.
type Outcome struct {
	Submission store.Submission
	Result     *Result
}

// Group is the pending work for one subject, oldest submission first.
type Group struct {
	Subject        store.SubjectKey   `json:"subject"`
	Exists         bool               `json:"exists"`
	CurrentVersion int                `json:"current_version"`
	Submissions    []store.Submission `json:"submissions"`
}

// Service builds submissions and decides them. It is safe for concurrent use.
type Service struct {
	store     store.Store
	engine    *Engine
	clock     clock.Clock
	logger    *slog.Logger
	metrics   *Metrics
	observers []Observer
	timeout   time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the time source for submission and decision timestamps.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithLogger sets the logger. Output is discarded by default.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithMetrics enables the prometheus counters.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithObservers registers hooks run after each committed approval.
func WithObservers(observers ...Observer) Option {
	return func(s *Service) { s.observers = append(s.observers, observers...) }
}

// WithStorageTimeout bounds every storage call made on behalf of a request.
func WithStorageTimeout(d time.Duration) Option {
	return func(s *Service) { s.timeout = d }
}

// NewService returns a Service over st.
func NewService(st store.Store, opts ...Option) *Service {
	s := &Service{
		store:  st,
		engine: NewEngine(),
		clock:  clock.New(),
		logger: slog.New(slog.NewJSONHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "moderation")
	return s
}

func (s *Service) storageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func authorize(who auth.Identity, action rbac.Action) error {
	if who.UserID <= 0 {
		return ErrForbidden
	}
	return rbac.Authorize(rbac.Normalize(who.Role), action)
}

func checkEntity(entity store.EntityType) error {
	if !entity.Valid() {
		return invalid("entity_type", "must be guest or collectible")
	}
	return nil
}

func (s *Service) SubmitCreate(ctx context.Context, who auth.Identity, entity store.EntityType, p Payload) (store.Submission, error) {
	if err := authorize(who, rbac.ActionSubmit); err != nil {
		return store.Submission{}, err
	}
	if err := checkEntity(entity); err != nil {
		return store.Submission{}, err
	}

	item := store.Submission{Entity: entity, Kind: store.KindCreate}
	switch entity {
	case store.EntityGuest:
		if p.Guest == nil {
			return store.Submission{}, invalid("guest", "payload required")
		}
		fields := *p.Guest
		subject, err := validateGuestCreate(&fields)
		if err != nil {
			return store.Submission{}, err
		}
		item.Subject, item.Guest = subject, &fields
	case store.EntityCollectible:
		if p.Collectible == nil {
			return store.Submission{}, invalid("collectible", "payload required")
		}
		fields := *p.Collectible
		if err := validateCollectibleCreate(&fields); err != nil {
			return store.Submission{}, err
		}
		item.Subject, item.Collectible = store.CollectibleSubject(util.NewCollectibleID()), &fields
	}
	return s.insert(ctx, who, item)
}

func (s *Service) SubmitUpdate(ctx context.Context, who auth.Identity, entity store.EntityType, subject store.SubjectKey, p Payload, baseVersion int) (store.Submission, error) {
	if err := authorize(who, rbac.ActionSubmit); err != nil {
		return store.Submission{}, err
	}
	if err := checkEntity(entity); err != nil {
		return store.Submission{}, err
	}
	if subject.Entity != entity {
		return store.Submission{}, invalid("entity_type", "does not match subject")
	}
	if baseVersion < 1 {
		return store.Submission{}, invalid("base_version", "must be at least 1")
	}

	item := store.Submission{Entity: entity, Kind: store.KindUpdate, Subject: subject, BaseVersion: baseVersion}
	switch entity {
	case store.EntityGuest:
		if p.Guest == nil {
			return store.Submission{}, invalid("guest", "no fields to update")
		}
		current, err := s.currentGuest(ctx, subject)
		if err != nil {
			return store.Submission{}, err
		}
		if err := checkBase(subject, current.Version, baseVersion); err != nil {
			return store.Submission{}, err
		}
		fields := *p.Guest
		if err := validateGuestUpdate(&fields, current); err != nil {
			return store.Submission{}, err
		}
		item.Guest = &fields
	case store.EntityCollectible:
		if p.Collectible == nil {
			return store.Submission{}, invalid("collectible", "no fields to update")
		}
		current, err := s.currentCollectible(ctx, subject)
		if err != nil {
			return store.Submission{}, err
		}
		if err := checkBase(subject, current.Version, baseVersion); err != nil {
			return store.Submission{}, err
		}
		fields := *p.Collectible
		if err := validateCollectibleUpdate(&fields); err != nil {
			return store.Submission{}, err
		}
		item.Collectible = &fields
	}
	return s.insert(ctx, who, item)
}

// checkBase refuses an update proposed against any version but the current one.
func checkBase(subject store.SubjectKey, current, base int) error {
	if current != base {
		return fmt.Errorf("%s at version %d, update based on %d: %w", subject, current, base, ErrConflict)
	}
	return nil
}

// SubmitDelete proposes removing subject. The payload is a snapshot of the
// record as it was when the request was made.
func (s *Service) SubmitDelete(ctx context.Context, who auth.Identity, entity store.EntityType, subject store.SubjectKey) (store.Submission, error) {
	if err := authorize(who, rbac.ActionSubmit); err != nil {
		return store.Submission{}, err
	}
	if err := checkEntity(entity); err != nil {
		return store.Submission{}, err
	}
	if subject.Entity != entity {
		return store.Submission{}, invalid("entity_type", "does not match subject")
	}

	item := store.Submission{Entity: entity, Kind: store.KindDelete, Subject: subject, Deleted: true}
	switch entity {
	case store.EntityGuest:
		current, err := s.currentGuest(ctx, subject)
		if err != nil {
			return store.Submission{}, err
		}
		item.Guest, item.BaseVersion = guestSnapshot(current), current.Version
	case store.EntityCollectible:
		current, err := s.currentCollectible(ctx, subject)
		if err != nil {
			return store.Submission{}, err
		}
		item.Collectible, item.BaseVersion = collectibleSnapshot(current), current.Version
	}
	return s.insert(ctx, who, item)
}

func (s *Service) insert(ctx context.Context, who auth.Identity, item store.Submission) (store.Submission, error) {
	item.SubmittedBy = who.UserID
	item.SubmitterName = who.UserName
	item.SubmittedAt = s.clock.Now()
	item.State = store.StatePending

	sctx, cancel := s.storageContext(ctx)
	defer cancel()
	saved, err := s.store.InsertSubmission(sctx, item)
	if err != nil {
		return store.Submission{}, translate("insert submission", err)
	}
	s.metrics.submitted(saved.Entity, saved.Kind)
	s.logger.Info("submission queued",
		"submission_id", saved.ID,
		"entity", saved.Entity,
		"kind", saved.Kind,
		"subject", saved.Subject.String(),
		"user_id", who.UserID,
	)
	return saved, nil
}

func (s *Service) currentGuest(ctx context.Context, subject store.SubjectKey) (store.Guest, error) {
	sctx, cancel := s.storageContext(ctx)
	defer cancel()
	g, err := s.store.GetGuestByName(sctx, subject.GuestName, subject.Year)
	if err != nil {
		return store.Guest{}, translate("load guest", err)
	}
	return g, nil
}

func (s *Service) currentCollectible(ctx context.Context, subject store.SubjectKey) (store.Collectible, error) {
	sctx, cancel := s.storageContext(ctx)
	defer cancel()
	c, err := s.store.GetCollectible(sctx, subject.CollectibleID)
	if err != nil {
		return store.Collectible{}, translate("load collectible", err)
	}
	return c, nil
}

// ListPending groups the pending submissions of one entity type by subject.
// Groups are ordered by their oldest submission.
func (s *Service) ListPending(ctx context.Context, who auth.Identity, entity store.EntityType) ([]Group, error) {
	if err := authorize(who, rbac.ActionReview); err != nil {
		return nil, err
	}
	if err := checkEntity(entity); err != nil {
		return nil, err
	}

	sctx, cancel := s.storageContext(ctx)
	defer cancel()
	items, err := s.store.ListPending(sctx, entity)
	if err != nil {
		return nil, translate("list pending", err)
	}
	s.metrics.pendingCount(entity, len(items))

	groups := make([]Group, 0)
	index := make(map[store.SubjectKey]int)
	for _, item := range items {
		i, ok := index[item.Subject]
		if !ok {
			i = len(groups)
			index[item.Subject] = i
			groups = append(groups, Group{Subject: item.Subject})
		}
		groups[i].Submissions = append(groups[i].Submissions, item)
	}

	for i := range groups {
		version, exists, err := s.canonicalVersion(sctx, groups[i].Subject)
		if err != nil {
			return nil, err
		}
		groups[i].Exists, groups[i].CurrentVersion = exists, version
	}
	return groups, nil
}

func (s *Service) canonicalVersion(ctx context.Context, subject store.SubjectKey) (int, bool, error) {
	var (
		version int
		err     error
	)
	switch subject.Entity {
	case store.EntityGuest:
		var g store.Guest
		g, err = s.store.GetGuestByName(ctx, subject.GuestName, subject.Year)
		version = g.Version
	default:
		var c store.Collectible
		c, err = s.store.GetCollectible(ctx, subject.CollectibleID)
		version = c.Version
	}
	if errors.Is(err, store.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, translate("load subject", err)
	}
	return version, true, nil
}

// Decide approves or rejects a pending submission. An approval that fails to
// apply leaves the submission pending.
func (s *Service) Decide(ctx context.Context, who auth.Identity, entity store.EntityType, req DecideRequest) (Outcome, error) {
	if err := authorize(who, rbac.ActionDecide); err != nil {
		return Outcome{}, err
	}
	if err := checkEntity(entity); err != nil {
		return Outcome{}, err
	}
	if req.Verdict != Approve && req.Verdict != Reject {
		return Outcome{}, invalid("decision", "must be approve or reject")
	}

	sctx, cancel := s.storageContext(ctx)
	defer cancel()

	preview, err := s.store.GetSubmission(sctx, req.ID)
	if err != nil {
		return Outcome{}, translate("load submission", err)
	}
	if preview.Entity != entity || preview.State != store.StatePending {
		return Outcome{}, fmt.Errorf("submission %d: %w", req.ID, ErrNotFound)
	}
	if req.Deleted != nil && *req.Deleted != preview.Deleted {
		return Outcome{}, invalid("deleted", "does not match submission")
	}

	started := time.Now()
	var outcome Outcome
	err = s.store.WithSubject(sctx, preview.Subject, func(unit store.Unit) error {
		item, err := unit.Submission(sctx, req.ID)
		if err != nil {
			return translate("lock submission", err)
		}
		if item.State != store.StatePending {
			return fmt.Errorf("submission %d is %s: %w", item.ID, item.State, ErrNotFound)
		}

		now := s.clock.Now()
		state := store.StateRejected
		if req.Verdict == Approve {
			result, err := s.engine.Apply(sctx, unit, item, who.UserID, now)
			if err != nil {
				return err
			}
			outcome.Result = &result
			state = store.StateApproved
		}
		if err := unit.SetSubmissionState(sctx, item.ID, state, who.UserID, now); err != nil {
			return translate("set submission state", err)
		}

		decidedBy := who.UserID
		item.State, item.DecidedBy, item.DecidedAt = state, &decidedBy, &now
		outcome.Submission = item
		return nil
	})
	elapsed := time.Since(started)
	if err != nil {
		err = translate("decide submission", err)
		s.metrics.decided(entity, req.Verdict, outcomeLabel(err), elapsed)
		s.logger.Warn("decision failed",
			"submission_id", req.ID,
			"decision", req.Verdict,
			"user_id", who.UserID,
			"error", err,
		)
		return Outcome{}, err
	}

	s.metrics.decided(entity, req.Verdict, string(outcome.Submission.State), elapsed)
	s.logger.Info("submission decided",
		"submission_id", outcome.Submission.ID,
		"subject", outcome.Submission.Subject.String(),
		"state", outcome.Submission.State,
		"user_id", who.UserID,
	)
	if outcome.Result != nil {
		s.notify(ctx, Change{
			Submission: outcome.Submission,
			Result:     *outcome.Result,
			DecidedBy:  who.UserID,
			DecidedAt:  *outcome.Submission.DecidedAt,
		})
	}
	return outcome, nil
}

func (s *Service) notify(ctx context.Context, change Change) {
	for _, observer := range s.observers {
		if err := observer.AfterApply(ctx, change); err != nil {
			s.logger.Error("observer failed",
				"submission_id", change.Submission.ID,
				"subject", change.Result.Subject.String(),
				"error", err,
			)
		}
	}
}

// History returns the audit trail of a subject, oldest first.
func (s *Service) History(ctx context.Context, subject store.SubjectKey) ([]store.AuditEntry, error) {
	sctx, cancel := s.storageContext(ctx)
	defer cancel()
	entries, err := s.store.ListAudit(sctx, subject)
	if err != nil {
		return nil, translate("list audit", err)
	}
	return entries, nil
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	}
	return "error"
}

func guestSnapshot(g store.Guest) *store.GuestFields {
	return &store.GuestFields{
		GuestName:     &g.GuestName,
		Year:          &g.Year,
		URL:           &g.URL,
		Blurb:         &g.Blurb,
		Biography:     &g.Biography,
		GuestType:     &g.GuestType,
		GuestCategory: &g.GuestCategory,
		Accolades1:    &g.Accolades1,
		Accolades2:    &g.Accolades2,
	}
}

func collectibleSnapshot(c store.Collectible) *store.CollectibleFields {
	return &store.CollectibleFields{
		Year:      &c.Year,
		GuestName: &c.GuestName,
		Name:      &c.Name,
		Category:  &c.Category,
		Notes1:    &c.Notes1,
		Notes2:    &c.Notes2,
		Filename:  &c.Filename,
	}
}
