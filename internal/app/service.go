package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"conarchive/api/internal/assets"
	"conarchive/api/internal/auth"
	"conarchive/api/internal/authpw"
	"conarchive/api/internal/clock"
	"conarchive/api/internal/config"
	"conarchive/api/internal/gitrepo"
	"conarchive/api/internal/moderation"
	"conarchive/api/internal/rbac"
	"conarchive/api/internal/search"
	"conarchive/api/internal/session"
	"conarchive/api/internal/store"
	"conarchive/api/internal/util"
)

const (
	guestSearchPageSize    = 100
	submissionsPageSize    = 20
	maxSubmissionsPageSize = 100
	historyLimit           = 50
)

// Deps are the collaborators of Service. History, Search and Assets may be
// nil, which disables the matching endpoints.
type Deps struct {
	Store      store.Store
	Sessions   session.Store
	Moderation *moderation.Service
	History    *gitrepo.Service
	Search     *search.Service
	Assets     assets.Store
	Clock      clock.Clock
	Logger     *slog.Logger
}

type Service struct {
	cfg        config.Config
	store      store.Store
	sessions   session.Store
	accounts   *authpw.Service
	moderation *moderation.Service
	history    *gitrepo.Service
	search     *search.Service
	assets     assets.Store
	clock      clock.Clock
	logger     *slog.Logger
}

type Session struct {
	Token        string    `json:"token"`
	RefreshToken string    `json:"refresh_token"`
	UserID       int64     `json:"user_id"`
	UserName     string    `json:"user_name"`
	Role         string    `json:"role"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func New(cfg config.Config, deps Deps) *Service {
	s := &Service{
		cfg:        cfg,
		store:      deps.Store,
		sessions:   deps.Sessions,
		accounts:   authpw.NewService(deps.Store),
		moderation: deps.Moderation,
		history:    deps.History,
		search:     deps.Search,
		assets:     deps.Assets,
		clock:      deps.Clock,
		logger:     deps.Logger,
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if s.moderation == nil {
		s.moderation = moderation.NewService(deps.Store,
			moderation.WithClock(s.clock),
			moderation.WithLogger(s.logger),
			moderation.WithStorageTimeout(cfg.StorageTimeout),
		)
	}
	s.logger = s.logger.With("component", "app")
	return s
}

func (s *Service) storageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.StorageTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.StorageTimeout)
}

// Can reports whether who may perform action. Anonymous callers have UserID 0.
func (s *Service) Can(who auth.Identity, action rbac.Action) bool {
	role := rbac.RoleAnonymous
	if who.UserID > 0 {
		role = rbac.Normalize(who.Role)
	}
	return rbac.Can(role, action)
}

func (s *Service) authorize(who auth.Identity, action rbac.Action) error {
	if !s.Can(who, action) {
		return moderation.ErrForbidden
	}
	return nil
}

func (s *Service) Login(ctx context.Context, name, password string) (Session, error) {
	sctx, cancel := s.storageContext(ctx)
	defer cancel()
	user, err := s.accounts.Login(sctx, name, password)
	if err != nil {
		return Session{}, err
	}
	s.logger.Info("user logged in", "user_id", user.ID)
	return s.issueSession(sctx, user)
}

// Refresh rotates a refresh token. The old token stops working either way.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if refreshToken == "" {
		return Session{}, auth.ErrInvalidCredential
	}
	sctx, cancel := s.storageContext(ctx)
	defer cancel()

	tokenHash := auth.HashToken(refreshToken)
	userID, err := s.sessions.LookupRefreshSession(sctx, tokenHash)
	if errors.Is(err, session.ErrSessionNotFound) {
		return Session{}, auth.ErrInvalidCredential
	}
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(sctx, tokenHash); err != nil {
		return Session{}, err
	}
	user, err := s.activeUser(sctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(sctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := s.clock.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewToken("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		UserID:   user.ID,
		UserName: user.Name,
		Role:     user.Role,
		JTI:      jti,
		Exp:      expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewToken("rft") + util.NewToken("")
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, now.Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, fmt.Errorf("save refresh session: %w", err)
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.Name,
		Role:         user.Role,
		ExpiresAt:    time.Unix(expiresAt.Unix(), 0).UTC(),
	}, nil
}

// Identify resolves a bearer token. The role comes from the stored account,
// so role changes and deactivation take effect before the token expires.
func (s *Service) Identify(ctx context.Context, token string) (auth.Identity, error) {
	who, err := auth.Resolve([]byte(s.cfg.JWTSecret), token, s.clock.Now())
	if err != nil {
		return auth.Identity{}, err
	}

	sctx, cancel := s.storageContext(ctx)
	defer cancel()
	revoked, err := s.sessions.IsRevoked(sctx, who.TokenID)
	if err != nil {
		return auth.Identity{}, err
	}
	if revoked {
		return auth.Identity{}, auth.ErrInvalidCredential
	}
	user, err := s.activeUser(sctx, who.UserID)
	if err != nil {
		return auth.Identity{}, err
	}
	who.UserName, who.Role = user.Name, user.Role
	return who, nil
}

func (s *Service) activeUser(ctx context.Context, id int64) (store.User, error) {
	user, err := s.store.GetUserByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return store.User{}, auth.ErrInvalidCredential
	}
	if err != nil {
		return store.User{}, err
	}
	if !user.Active {
		return store.User{}, auth.ErrInvalidCredential
	}
	return user, nil
}

func (s *Service) Logout(ctx context.Context, who auth.Identity, refreshToken string) error {
	sctx, cancel := s.storageContext(ctx)
	defer cancel()
	if who.TokenID != "" {
		if err := s.sessions.RevokeToken(sctx, who.TokenID, who.ExpiresAt); err != nil {
			return err
		}
	}
	if refreshToken != "" {
		if err := s.sessions.RevokeRefreshSession(sctx, auth.HashToken(refreshToken)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) Years(ctx context.Context) ([]int, error) {
	sctx, cancel := s.storageContext(ctx)
	defer cancel()
	return s.store.Years(sctx)
}

func (s *Service) GuestsByYear(ctx context.Context, year int) ([]store.Guest, error) {
	sctx, cancel := s.storageContext(ctx)
	defer cancel()
	return s.store.ListGuests(sctx, year)
}

func (s *Service) Guest(ctx context.Context, guestID int64, year int) (store.Guest, error) {
	sctx, cancel := s.storageContext(ctx)
	defer cancel()
	return s.store.GetGuest(sctx, guestID, year)
}

type GuestPage struct {
	Guests []store.GuestRef `json:"guests"`
	Total  int              `json:"total"`
	Page   int              `json:"page"`
	Pages  int              `json:"pages"`
}

func (s *Service) SearchGuests(ctx context.Context, query string, page int) (GuestPage, error) {
	if page < 1 {
		page = 1
	}
	sctx, cancel := s.storageContext(ctx)
	defer cancel()
	refs, total, err := s.store.SearchGuestDirectory(sctx, query, guestSearchPageSize, (page-1)*guestSearchPageSize)
	if err != nil {
		return GuestPage{}, err
	}
	return GuestPage{Guests: refs, Total: total, Page: page, Pages: pageCount(total, guestSearchPageSize)}, nil
}

func (s *Service) Accolades(ctx context.Context) ([]store.Guest, error) {
	sctx, cancel := s.storageContext(ctx)
	defer cancel()
	return s.store.ListGuestsWithAccolades(sctx)
}

// Collectibles lists one year, or every year when year is 0.
func (s *Service) Collectibles(ctx context.Context, year int) ([]store.Collectible, error) {
	sctx, cancel := s.storageContext(ctx)
	defer cancel()
	return s.store.ListCollectibles(sctx, year)
}

func (s *Service) Collectible(ctx context.Context, id string) (store.Collectible, error) {
	sctx, cancel := s.storageContext(ctx)
	defer cancel()
	return s.store.GetCollectible(sctx, id)
}

func (s *Service) Categories(ctx context.Context, query string) ([]string, error) {
	sctx, cancel := s.storageContext(ctx)
	defer cancel()
	return s.store.CollectibleCategories(sctx, query)
}

func (s *Service) Search(ctx context.Context, q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(ctx, q)
}

func (s *Service) SubmitGuest(ctx context.Context, who auth.Identity, fields store.GuestFields) (store.Submission, error) {
	return s.moderation.SubmitCreate(ctx, who, store.EntityGuest, moderation.Payload{Guest: &fields})
}

// UpdateGuest proposes an edit. A zero baseVersion means the version
// currently stored.
func (s *Service) UpdateGuest(ctx context.Context, who auth.Identity, guestID int64, year int, fields store.GuestFields, baseVersion int) (store.Submission, error) {
	if err := s.authorize(who, rbac.ActionSubmit); err != nil {
		return store.Submission{}, err
	}
	current, err := s.Guest(ctx, guestID, year)
	if err != nil {
		return store.Submission{}, err
	}
	if baseVersion == 0 {
		baseVersion = current.Version
	}
	return s.moderation.SubmitUpdate(ctx, who, store.EntityGuest, current.Subject(), moderation.Payload{Guest: &fields}, baseVersion)
}

func (s *Service) DeleteGuest(ctx context.Context, who auth.Identity, guestID int64, year int) (store.Submission, error) {
	if err := s.authorize(who, rbac.ActionSubmit); err != nil {
		return store.Submission{}, err
	}
	current, err := s.Guest(ctx, guestID, year)
	if err != nil {
		return store.Submission{}, err
	}
	return s.moderation.SubmitDelete(ctx, who, store.EntityGuest, current.Subject())
}

// Upload is an image attached to a collectible submission.
type Upload struct {
	Filename    string
	ContentType string
	Size        int64
	Body        io.Reader
}

// SubmitCollectible stores the optional image first so the submission can
// name it. The image is removed again if the submission is refused.
func (s *Service) SubmitCollectible(ctx context.Context, who auth.Identity, fields store.CollectibleFields, upload *Upload) (store.Submission, error) {
	if err := s.authorize(who, rbac.ActionSubmit); err != nil {
		return store.Submission{}, err
	}
	var stored string
	if upload != nil {
		name, err := s.storeUpload(ctx, *upload)
		if err != nil {
			return store.Submission{}, err
		}
		stored = name
		fields.Filename = &stored
	}

	item, err := s.moderation.SubmitCreate(ctx, who, store.EntityCollectible, moderation.Payload{Collectible: &fields})
	if err != nil && stored != "" {
		if rmErr := s.assets.Remove(context.WithoutCancel(ctx), stored); rmErr != nil {
			s.logger.Warn("remove orphaned upload", "name", stored, "error", rmErr)
		}
	}
	return item, err
}

func (s *Service) storeUpload(ctx context.Context, upload Upload) (string, error) {
	if s.assets == nil {
		return "", domainError(http.StatusServiceUnavailable, "UNAVAILABLE", "Uploads are not configured", nil)
	}
	if !assets.AllowedExtension(upload.Filename, s.cfg.AllowedExtensions) {
		return "", fieldError("file", "file type not allowed")
	}
	name := "uploads/" + util.UploadName(upload.Filename)
	if err := s.assets.Put(ctx, name, upload.Body, upload.Size, upload.ContentType); err != nil {
		return "", err
	}
	return name, nil
}

// UpdateCollectible proposes an edit. A zero baseVersion means the version
// currently stored.
func (s *Service) UpdateCollectible(ctx context.Context, who auth.Identity, id string, fields store.CollectibleFields, baseVersion int) (store.Submission, error) {
	if baseVersion == 0 {
		if err := s.authorize(who, rbac.ActionSubmit); err != nil {
			return store.Submission{}, err
		}
		current, err := s.Collectible(ctx, id)
		if err != nil {
			return store.Submission{}, err
		}
		baseVersion = current.Version
	}
	return s.moderation.SubmitUpdate(ctx, who, store.EntityCollectible, store.CollectibleSubject(id), moderation.Payload{Collectible: &fields}, baseVersion)
}

func (s *Service) DeleteCollectible(ctx context.Context, who auth.Identity, id string) (store.Submission, error) {
	return s.moderation.SubmitDelete(ctx, who, store.EntityCollectible, store.CollectibleSubject(id))
}

func (s *Service) Pending(ctx context.Context, who auth.Identity, entity store.EntityType) ([]moderation.Group, error) {
	return s.moderation.ListPending(ctx, who, entity)
}

func (s *Service) Decide(ctx context.Context, who auth.Identity, entity store.EntityType, req moderation.DecideRequest) (moderation.Outcome, error) {
	return s.moderation.Decide(ctx, who, entity, req)
}

type SubmissionPage struct {
	Submissions []store.Submission `json:"submissions"`
	TotalCount  int                `json:"total_count"`
	Page        int                `json:"page"`
	PerPage     int                `json:"per_page"`
	TotalPages  int                `json:"total_pages"`
}

func (s *Service) UserSubmissions(ctx context.Context, who auth.Identity, entity store.EntityType, userID int64, page, perPage int) (SubmissionPage, error) {
	if err := s.authorize(who, rbac.ActionSubmit); err != nil {
		return SubmissionPage{}, err
	}
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = submissionsPageSize
	}
	perPage = min(perPage, maxSubmissionsPageSize)

	sctx, cancel := s.storageContext(ctx)
	defer cancel()
	items, total, err := s.store.ListSubmissionsByUser(sctx, entity, userID, perPage, (page-1)*perPage)
	if err != nil {
		return SubmissionPage{}, err
	}
	return SubmissionPage{
		Submissions: items,
		TotalCount:  total,
		Page:        page,
		PerPage:     perPage,
		TotalPages:  pageCount(total, perPage),
	}, nil
}

// UserMetrics is available to admins and to the user themselves.
func (s *Service) UserMetrics(ctx context.Context, who auth.Identity, userID int64) (store.UserMetrics, error) {
	if who.UserID != userID || who.UserID <= 0 {
		if err := s.authorize(who, rbac.ActionViewMetrics); err != nil {
			return store.UserMetrics{}, err
		}
	}
	sctx, cancel := s.storageContext(ctx)
	defer cancel()
	return s.store.UserMetrics(sctx, userID)
}

func (s *Service) Users(ctx context.Context, who auth.Identity) ([]store.User, error) {
	if err := s.authorize(who, rbac.ActionManageUsers); err != nil {
		return nil, err
	}
	sctx, cancel := s.storageContext(ctx)
	defer cancel()
	return s.store.ListUsers(sctx)
}

func (s *Service) CreateUser(ctx context.Context, who auth.Identity, name, password, role string) (store.User, bool, error) {
	if err := s.authorize(who, rbac.ActionManageUsers); err != nil {
		return store.User{}, false, err
	}
	sctx, cancel := s.storageContext(ctx)
	defer cancel()
	user, reactivated, err := s.accounts.CreateUser(sctx, name, password, role)
	if err != nil {
		return store.User{}, false, err
	}
	s.logger.Info("user saved", "user_id", user.ID, "role", user.Role, "reactivated", reactivated, "by", who.UserID)
	return user, reactivated, nil
}

func (s *Service) DeactivateUser(ctx context.Context, who auth.Identity, userID int64) error {
	if err := s.authorize(who, rbac.ActionManageUsers); err != nil {
		return err
	}
	if userID == who.UserID {
		return fieldError("id", "cannot deactivate yourself")
	}
	sctx, cancel := s.storageContext(ctx)
	defer cancel()
	return s.accounts.Deactivate(sctx, userID)
}

func (s *Service) SetPassword(ctx context.Context, who auth.Identity, userID int64, password string) error {
	if err := s.authorize(who, rbac.ActionManageUsers); err != nil {
		return err
	}
	sctx, cancel := s.storageContext(ctx)
	defer cancel()
	return s.accounts.SetPassword(sctx, userID, password)
}

func (s *Service) SetRole(ctx context.Context, who auth.Identity, userID int64, role string) error {
	if err := s.authorize(who, rbac.ActionManageUsers); err != nil {
		return err
	}
	sctx, cancel := s.storageContext(ctx)
	defer cancel()
	return s.accounts.SetRole(sctx, userID, role)
}

// History is the audit trail of a subject plus its archived snapshots.
type History struct {
	Subject  store.SubjectKey   `json:"subject"`
	Audit    []store.AuditEntry `json:"audit"`
	Versions []gitrepo.Entry    `json:"versions"`
}

func (s *Service) GuestHistory(ctx context.Context, guestID int64, year int) (History, error) {
	current, err := s.Guest(ctx, guestID, year)
	if err != nil {
		return History{}, err
	}
	return s.subjectHistory(ctx, current.Subject())
}

func (s *Service) CollectibleHistory(ctx context.Context, id string) (History, error) {
	return s.subjectHistory(ctx, store.CollectibleSubject(id))
}

func (s *Service) subjectHistory(ctx context.Context, subject store.SubjectKey) (History, error) {
	audit, err := s.moderation.History(ctx, subject)
	if err != nil {
		return History{}, err
	}
	out := History{Subject: subject, Audit: audit, Versions: []gitrepo.Entry{}}
	if s.history == nil {
		return out, nil
	}
	versions, err := s.history.History(subject, historyLimit)
	switch {
	case errors.Is(err, gitrepo.ErrNoHistory):
	case err != nil:
		return History{}, err
	default:
		out.Versions = versions
	}
	if len(out.Audit) == 0 && len(out.Versions) == 0 {
		return History{}, gitrepo.ErrNoHistory
	}
	return out, nil
}

// Ping checks the stores a request depends on.
func (s *Service) Ping(ctx context.Context) map[string]error {
	sctx, cancel := s.storageContext(ctx)
	defer cancel()
	return map[string]error{
		"database": s.store.Ping(sctx),
		"sessions": s.sessions.Ping(sctx),
	}
}

func pageCount(total, perPage int) int {
	if perPage <= 0 {
		return 0
	}
	return (total + perPage - 1) / perPage
}
