package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type deferredDrop struct {
	deletedBy int64
	at        time.Time
}

type guestRowKey struct {
	guestID int64
	year    int
}

// MemoryStore keeps the archive in process memory. It backs local runs and
// the test suites, and gives the same per-subject atomicity as Postgres:
// one mutex per subject key, with a unit's writes staged and applied together.
type MemoryStore struct {
	mu           sync.RWMutex
	users        map[int64]User
	userNames    map[string]int64
	nextUserID   int64
	directory    map[int64]string
	directoryIDs map[string]int64
	nextGuestID  int64
	guests       map[guestRowKey]Guest
	collectibles map[string]Collectible
	submissions  []Submission
	audit        []AuditEntry

	deletedGuests       []Guest
	deletedDirectory    []GuestRef
	deletedCollectibles []Collectible

	// inflight counts uncommitted units that staged a row pointing at a
	// directory id. Such ids are not orphans yet.
	inflight map[int64]int
	// deferredDrops are orphan removals skipped while an id was in flight.
	deferredDrops map[int64]deferredDrop

	lockMu sync.Mutex
	locks  map[SubjectKey]*sync.Mutex
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[int64]User),
		userNames:     make(map[string]int64),
		directory:     make(map[int64]string),
		directoryIDs:  make(map[string]int64),
		guests:        make(map[guestRowKey]Guest),
		collectibles:  make(map[string]Collectible),
		inflight:      make(map[int64]int),
		deferredDrops: make(map[int64]deferredDrop),
		locks:         make(map[SubjectKey]*sync.Mutex),
	}
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func (s *MemoryStore) subjectLock(key SubjectKey) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[key] = lock
	}
	return lock
}

func (s *MemoryStore) WithSubject(ctx context.Context, key SubjectKey, fn func(Unit) error) error {
	if err := ctx.Err(); err != nil {
		return classify("lock subject", err)
	}
	lock := s.subjectLock(key)
	lock.Lock()
	defer lock.Unlock()

	unit := &memUnit{store: s}
	if err := fn(unit); err != nil {
		s.mu.Lock()
		unit.releaseLocked()
		for i := len(unit.undo) - 1; i >= 0; i-- {
			unit.undo[i]()
		}
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range unit.ops {
		op()
	}
	unit.releaseLocked()
	return nil
}

type memUnit struct {
	store *MemoryStore
	ops   []func()
	undo  []func()
	held  []int64
}

// holdLocked marks guestID as referenced by this unit until it finishes.
// Callers hold mu.
func (u *memUnit) holdLocked(guestID int64) {
	u.store.inflight[guestID]++
	u.held = append(u.held, guestID)
}

func (u *memUnit) releaseLocked() {
	s := u.store
	for _, id := range u.held {
		if s.inflight[id]--; s.inflight[id] > 0 {
			continue
		}
		delete(s.inflight, id)
		if drop, ok := s.deferredDrops[id]; ok {
			delete(s.deferredDrops, id)
			s.dropOrphanLocked(id, drop.deletedBy, drop.at, true)
		}
	}
	u.held = nil
}

func (u *memUnit) Submission(_ context.Context, id int64) (Submission, error) {
	u.store.mu.RLock()
	defer u.store.mu.RUnlock()
	return u.store.submissionLocked(id)
}

func (u *memUnit) SetSubmissionState(_ context.Context, id int64, state State, decidedBy int64, at time.Time) error {
	u.store.mu.RLock()
	current, err := u.store.submissionLocked(id)
	u.store.mu.RUnlock()
	if err != nil {
		return err
	}
	if current.State != StatePending {
		return fmt.Errorf("set submission state: %w", ErrNotFound)
	}
	u.ops = append(u.ops, func() {
		item := &u.store.submissions[id-1]
		item.State = state
		by := decidedBy
		when := at
		item.DecidedBy = &by
		item.DecidedAt = &when
	})
	return nil
}

func (u *memUnit) Guest(_ context.Context, name string, year int) (Guest, error) {
	u.store.mu.RLock()
	defer u.store.mu.RUnlock()
	return u.store.guestByNameLocked(name, year)
}

func (u *memUnit) PutGuest(_ context.Context, g Guest) (Guest, error) {
	s := u.store
	if g.GuestID == 0 {
		s.mu.Lock()
		id, ok := s.directoryIDs[g.GuestName]
		if !ok {
			s.nextGuestID++
			id = s.nextGuestID
			s.directory[id] = g.GuestName
			s.directoryIDs[g.GuestName] = id
			u.undo = append(u.undo, func() { s.dropOrphanLocked(id, 0, time.Time{}, false) })
		}
		u.holdLocked(id)
		s.mu.Unlock()
		g.GuestID = id
	}
	row := g
	u.ops = append(u.ops, func() {
		s.guests[guestRowKey{row.GuestID, row.Year}] = row
	})
	return g, nil
}

func (u *memUnit) DeleteGuest(_ context.Context, g Guest, deletedBy int64, at time.Time) error {
	s := u.store
	key := guestRowKey{g.GuestID, g.Year}
	s.mu.RLock()
	_, ok := s.guests[key]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("delete guest: %w", ErrNotFound)
	}
	u.ops = append(u.ops, func() {
		s.deletedGuests = append(s.deletedGuests, s.guests[key])
		delete(s.guests, key)
		s.dropOrphanLocked(g.GuestID, deletedBy, at, true)
	})
	return nil
}

func (u *memUnit) Collectible(_ context.Context, id string) (Collectible, error) {
	u.store.mu.RLock()
	defer u.store.mu.RUnlock()
	c, ok := u.store.collectibles[id]
	if !ok {
		return Collectible{}, fmt.Errorf("lock collectible: %w", ErrNotFound)
	}
	return c, nil
}

func (u *memUnit) PutCollectible(_ context.Context, c Collectible) (Collectible, error) {
	s := u.store
	c.GuestID = nil
	if c.GuestName != "" {
		s.mu.Lock()
		if id, ok := s.directoryIDs[c.GuestName]; ok {
			c.GuestID = &id
			u.holdLocked(id)
		}
		s.mu.Unlock()
	}
	row := c
	u.ops = append(u.ops, func() {
		s.collectibles[row.CollectibleID] = row
	})
	return c, nil
}

func (u *memUnit) DeleteCollectible(_ context.Context, c Collectible, deletedBy int64, at time.Time) error {
	s := u.store
	s.mu.RLock()
	current, ok := s.collectibles[c.CollectibleID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("delete collectible: %w", ErrNotFound)
	}
	u.ops = append(u.ops, func() {
		s.deletedCollectibles = append(s.deletedCollectibles, current)
		delete(s.collectibles, current.CollectibleID)
		if current.GuestID != nil {
			s.dropOrphanLocked(*current.GuestID, deletedBy, at, true)
		}
	})
	return nil
}

func (u *memUnit) InsertAudit(_ context.Context, e AuditEntry) error {
	s := u.store
	u.ops = append(u.ops, func() {
		e.ID = int64(len(s.audit) + 1)
		s.audit = append(s.audit, e)
	})
	return nil
}

func (u *memUnit) LastVersion(_ context.Context, key SubjectKey) (int, error) {
	u.store.mu.RLock()
	defer u.store.mu.RUnlock()
	subject := key.String()
	last := 0
	for _, e := range u.store.audit {
		if e.SubjectKey == subject && e.ResultingVersion > last {
			last = e.ResultingVersion
		}
	}
	return last, nil
}

// dropOrphanLocked removes a directory entry nothing refers to. Callers hold mu.
func (s *MemoryStore) dropOrphanLocked(guestID int64, deletedBy int64, at time.Time, backup bool) {
	name, ok := s.directory[guestID]
	if !ok {
		return
	}
	if s.inflight[guestID] > 0 {
		if backup {
			s.deferredDrops[guestID] = deferredDrop{deletedBy: deletedBy, at: at}
		}
		return
	}
	for key := range s.guests {
		if key.guestID == guestID {
			return
		}
	}
	for _, c := range s.collectibles {
		if c.GuestID != nil && *c.GuestID == guestID {
			return
		}
	}
	if backup {
		s.deletedDirectory = append(s.deletedDirectory, GuestRef{GuestID: guestID, GuestName: name})
	}
	delete(s.directory, guestID)
	delete(s.directoryIDs, name)
}

func (s *MemoryStore) submissionLocked(id int64) (Submission, error) {
	if id <= 0 || id > int64(len(s.submissions)) {
		return Submission{}, fmt.Errorf("get submission: %w", ErrNotFound)
	}
	return s.submissions[id-1], nil
}

func (s *MemoryStore) guestByNameLocked(name string, year int) (Guest, error) {
	id, ok := s.directoryIDs[name]
	if !ok {
		return Guest{}, fmt.Errorf("get guest by name: %w", ErrNotFound)
	}
	g, ok := s.guests[guestRowKey{id, year}]
	if !ok {
		return Guest{}, fmt.Errorf("get guest by name: %w", ErrNotFound)
	}
	return g, nil
}

func (s *MemoryStore) InsertSubmission(_ context.Context, item Submission) (Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item.ID = int64(len(s.submissions) + 1)
	item.State = StatePending
	item.DecidedBy = nil
	item.DecidedAt = nil
	if u, ok := s.users[item.SubmittedBy]; ok {
		item.SubmitterName = u.Name
	}
	s.submissions = append(s.submissions, item)
	return item, nil
}

func (s *MemoryStore) GetSubmission(_ context.Context, id int64) (Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.submissionLocked(id)
}

func (s *MemoryStore) ListPending(_ context.Context, entity EntityType) ([]Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]Submission, 0)
	for _, item := range s.submissions {
		if item.Entity == entity && item.State == StatePending {
			items = append(items, item)
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].SubmittedAt.Equal(items[j].SubmittedAt) {
			return items[i].SubmittedAt.Before(items[j].SubmittedAt)
		}
		return items[i].ID < items[j].ID
	})
	return items, nil
}

func (s *MemoryStore) ListSubmissionsByUser(_ context.Context, entity EntityType, userID int64, limit, offset int) ([]Submission, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matched := make([]Submission, 0)
	for i := len(s.submissions) - 1; i >= 0; i-- {
		item := s.submissions[i]
		if item.Entity == entity && item.SubmittedBy == userID {
			matched = append(matched, item)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].SubmittedAt.After(matched[j].SubmittedAt)
	})
	return page(matched, limit, offset), len(matched), nil
}

func (s *MemoryStore) ListAudit(_ context.Context, key SubjectKey) ([]AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	subject := key.String()
	items := make([]AuditEntry, 0)
	for _, entry := range s.audit {
		if entry.SubjectKey == subject {
			items = append(items, entry)
		}
	}
	return items, nil
}

func (s *MemoryStore) UserMetrics(_ context.Context, userID int64) (UserMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[userID]
	if !ok {
		return UserMetrics{}, fmt.Errorf("user metrics: %w", ErrNotFound)
	}
	metrics := UserMetrics{UserID: user.ID, UserName: user.Name}
	for _, item := range s.submissions {
		if item.SubmittedBy != userID {
			continue
		}
		target := &metrics.Guests
		if item.Entity == EntityCollectible {
			target = &metrics.Collectibles
		}
		target.Submitted++
		switch item.State {
		case StateApproved:
			target.Approved++
		case StateRejected:
			target.Rejected++
		case StatePending:
			target.Pending++
		}
		at := item.SubmittedAt
		if target.FirstActivity == nil || at.Before(*target.FirstActivity) {
			first := at
			target.FirstActivity = &first
		}
		if target.LastActivity == nil || at.After(*target.LastActivity) {
			last := at
			target.LastActivity = &last
		}
	}
	return metrics, nil
}

func (s *MemoryStore) Years(context.Context) ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[int]struct{})
	years := make([]int, 0)
	for key := range s.guests {
		if _, ok := seen[key.year]; ok {
			continue
		}
		seen[key.year] = struct{}{}
		years = append(years, key.year)
	}
	sort.Ints(years)
	return years, nil
}

func (s *MemoryStore) ListGuests(_ context.Context, year int) ([]Guest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]Guest, 0)
	for _, g := range s.guests {
		if year == 0 || g.Year == year {
			items = append(items, g)
		}
	}
	sortGuests(items)
	return items, nil
}

func sortGuests(items []Guest) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].GuestName != items[j].GuestName {
			return items[i].GuestName < items[j].GuestName
		}
		return items[i].Year < items[j].Year
	})
}

func (s *MemoryStore) GetGuest(_ context.Context, guestID int64, year int) (Guest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.guests[guestRowKey{guestID, year}]
	if !ok {
		return Guest{}, fmt.Errorf("get guest: %w", ErrNotFound)
	}
	return g, nil
}

func (s *MemoryStore) GetGuestByName(_ context.Context, name string, year int) (Guest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.guestByNameLocked(name, year)
}

func (s *MemoryStore) SearchGuestDirectory(_ context.Context, query string, limit, offset int) ([]GuestRef, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	needle := strings.ToLower(strings.TrimSpace(query))
	refs := make([]GuestRef, 0)
	for id, name := range s.directory {
		if strings.Contains(strings.ToLower(name), needle) {
			refs = append(refs, GuestRef{GuestID: id, GuestName: name})
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].GuestName < refs[j].GuestName })
	return page(refs, limit, offset), len(refs), nil
}

func (s *MemoryStore) ListGuestsWithAccolades(context.Context) ([]Guest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]Guest, 0)
	for _, g := range s.guests {
		if g.Accolades1 != "" || g.Accolades2 != "" {
			items = append(items, g)
		}
	}
	sortGuests(items)
	return items, nil
}

func (s *MemoryStore) ListCollectibles(_ context.Context, year int) ([]Collectible, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]Collectible, 0)
	for _, c := range s.collectibles {
		if year == 0 || c.Year == year {
			items = append(items, c)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Year != b.Year {
			return a.Year < b.Year
		}
		if a.GuestName != b.GuestName {
			return a.GuestName < b.GuestName
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.CollectibleID < b.CollectibleID
	})
	return items, nil
}

func (s *MemoryStore) GetCollectible(_ context.Context, id string) (Collectible, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collectibles[id]
	if !ok {
		return Collectible{}, fmt.Errorf("get collectible: %w", ErrNotFound)
	}
	return c, nil
}

func (s *MemoryStore) CollectibleCategories(_ context.Context, query string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	needle := strings.ToLower(strings.TrimSpace(query))
	seen := make(map[string]struct{})
	categories := make([]string, 0)
	for _, c := range s.collectibles {
		if c.Category == "" || !strings.Contains(strings.ToLower(c.Category), needle) {
			continue
		}
		if _, ok := seen[c.Category]; ok {
			continue
		}
		seen[c.Category] = struct{}{}
		categories = append(categories, c.Category)
	}
	sort.Strings(categories)
	if len(categories) > 100 {
		categories = categories[:100]
	}
	return categories, nil
}

func (s *MemoryStore) GetUserByID(_ context.Context, id int64) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, fmt.Errorf("get user: %w", ErrNotFound)
	}
	return u, nil
}

func (s *MemoryStore) GetUserByName(_ context.Context, name string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.userNames[name]
	if !ok {
		return User{}, fmt.Errorf("get user by name: %w", ErrNotFound)
	}
	return s.users[id], nil
}

func (s *MemoryStore) ListUsers(context.Context) ([]User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]User, 0, len(s.users))
	for _, u := range s.users {
		if u.Active {
			users = append(users, u)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Name < users[j].Name })
	return users, nil
}

func (s *MemoryStore) CreateUser(_ context.Context, u User) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.userNames[u.Name]; exists {
		return User{}, fmt.Errorf("insert user: %w", ErrDuplicate)
	}
	s.nextUserID++
	u.ID = s.nextUserID
	u.CreatedAt = time.Now().UTC()
	s.users[u.ID] = u
	s.userNames[u.Name] = u.ID
	return u, nil
}

func (s *MemoryStore) UpdateUser(_ context.Context, u User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.users[u.ID]
	if !ok {
		return fmt.Errorf("update user: %w", ErrNotFound)
	}
	current.PasswordHash = u.PasswordHash
	current.Role = u.Role
	current.Active = u.Active
	s.users[u.ID] = current
	return nil
}

// DeletedGuests returns the backup copies written by approved guest deletions.
func (s *MemoryStore) DeletedGuests() []Guest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Guest(nil), s.deletedGuests...)
}

func (s *MemoryStore) DeletedCollectibles() []Collectible {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Collectible(nil), s.deletedCollectibles...)
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
