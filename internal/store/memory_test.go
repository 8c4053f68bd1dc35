package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

type MemoryStoreSuite struct {
	suite.Suite
	store *MemoryStore
	ctx   context.Context
	now   time.Time
}

func TestMemoryStoreSuite(t *testing.T) {
	suite.Run(t, new(MemoryStoreSuite))
}

func (s *MemoryStoreSuite) SetupTest() {
	s.store = NewMemoryStore()
	s.ctx = context.Background()
	s.now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
}

func (s *MemoryStoreSuite) putGuest(name string, year int) Guest {
	var out Guest
	err := s.store.WithSubject(s.ctx, GuestSubject(name, year), func(u Unit) error {
		var err error
		out, err = u.PutGuest(s.ctx, Guest{GuestName: name, Year: year, Version: 1})
		return err
	})
	s.Require().NoError(err)
	return out
}

// Users

func (s *MemoryStoreSuite) TestCreateAndGetUser() {
	u, err := s.store.CreateUser(s.ctx, User{Name: "alice", PasswordHash: "h", Role: "editor", Active: true})
	s.Require().NoError(err)
	s.NotZero(u.ID)

	byName, err := s.store.GetUserByName(s.ctx, "alice")
	s.Require().NoError(err)
	s.Equal(u.ID, byName.ID)

	byID, err := s.store.GetUserByID(s.ctx, u.ID)
	s.Require().NoError(err)
	s.Equal("editor", byID.Role)
}

func (s *MemoryStoreSuite) TestCreateUserDuplicate() {
	_, err := s.store.CreateUser(s.ctx, User{Name: "alice", Active: true})
	s.Require().NoError(err)
	_, err = s.store.CreateUser(s.ctx, User{Name: "alice", Active: true})
	s.ErrorIs(err, ErrDuplicate)
}

func (s *MemoryStoreSuite) TestListUsersSkipsInactive() {
	a, _ := s.store.CreateUser(s.ctx, User{Name: "alice", Role: "editor", Active: true})
	_, _ = s.store.CreateUser(s.ctx, User{Name: "bob", Role: "editor", Active: true})
	a.Active = false
	s.Require().NoError(s.store.UpdateUser(s.ctx, a))

	users, err := s.store.ListUsers(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(users, 1)
	s.Equal("bob", users[0].Name)
}

func (s *MemoryStoreSuite) TestUpdateUserNotFound() {
	s.ErrorIs(s.store.UpdateUser(s.ctx, User{ID: 42}), ErrNotFound)
}

// Submissions

func (s *MemoryStoreSuite) TestInsertSubmissionForcesPending() {
	item, err := s.store.InsertSubmission(s.ctx, Submission{
		Entity:      EntityGuest,
		Kind:        KindCreate,
		Subject:     GuestSubject("Jane Doe", 2020),
		State:       StateApproved,
		SubmittedAt: s.now,
	})
	s.Require().NoError(err)
	s.Equal(int64(1), item.ID)
	s.Equal(StatePending, item.State)

	got, err := s.store.GetSubmission(s.ctx, item.ID)
	s.Require().NoError(err)
	s.Equal(item.Subject, got.Subject)
}

func (s *MemoryStoreSuite) TestGetSubmissionNotFound() {
	_, err := s.store.GetSubmission(s.ctx, 7)
	s.ErrorIs(err, ErrNotFound)
}

func (s *MemoryStoreSuite) TestListPendingOrdersBySubmissionTime() {
	later := Submission{Entity: EntityGuest, Kind: KindCreate, Subject: GuestSubject("B", 2020), SubmittedAt: s.now.Add(time.Minute)}
	earlier := Submission{Entity: EntityGuest, Kind: KindCreate, Subject: GuestSubject("A", 2020), SubmittedAt: s.now}
	other := Submission{Entity: EntityCollectible, Kind: KindCreate, Subject: CollectibleSubject("c1"), SubmittedAt: s.now}
	_, _ = s.store.InsertSubmission(s.ctx, later)
	_, _ = s.store.InsertSubmission(s.ctx, earlier)
	_, _ = s.store.InsertSubmission(s.ctx, other)

	items, err := s.store.ListPending(s.ctx, EntityGuest)
	s.Require().NoError(err)
	s.Require().Len(items, 2)
	s.Equal("A", items[0].Subject.GuestName)
	s.Equal("B", items[1].Subject.GuestName)
}

func (s *MemoryStoreSuite) TestSetSubmissionStateOnlyFromPending() {
	item, _ := s.store.InsertSubmission(s.ctx, Submission{Entity: EntityGuest, Kind: KindCreate, Subject: GuestSubject("A", 2020), SubmittedAt: s.now})

	err := s.store.WithSubject(s.ctx, item.Subject, func(u Unit) error {
		return u.SetSubmissionState(s.ctx, item.ID, StateRejected, 9, s.now)
	})
	s.Require().NoError(err)

	got, _ := s.store.GetSubmission(s.ctx, item.ID)
	s.Equal(StateRejected, got.State)
	s.Require().NotNil(got.DecidedBy)
	s.Equal(int64(9), *got.DecidedBy)

	err = s.store.WithSubject(s.ctx, item.Subject, func(u Unit) error {
		return u.SetSubmissionState(s.ctx, item.ID, StateApproved, 9, s.now)
	})
	s.ErrorIs(err, ErrNotFound)
}

func (s *MemoryStoreSuite) TestListSubmissionsByUserPaginates() {
	for i := 0; i < 5; i++ {
		_, _ = s.store.InsertSubmission(s.ctx, Submission{
			Entity:      EntityGuest,
			Kind:        KindCreate,
			Subject:     GuestSubject("A", 2000+i),
			SubmittedBy: 3,
			SubmittedAt: s.now.Add(time.Duration(i) * time.Minute),
		})
	}
	items, total, err := s.store.ListSubmissionsByUser(s.ctx, EntityGuest, 3, 2, 2)
	s.Require().NoError(err)
	s.Equal(5, total)
	s.Require().Len(items, 2)
	s.Equal(2002, items[0].Subject.Year)
	s.Equal(2001, items[1].Subject.Year)
}

// Units of work

func (s *MemoryStoreSuite) TestWithSubjectDiscardsWritesOnError() {
	boom := errors.New("boom")
	err := s.store.WithSubject(s.ctx, GuestSubject("Jane Doe", 2020), func(u Unit) error {
		if _, err := u.PutGuest(s.ctx, Guest{GuestName: "Jane Doe", Year: 2020, Version: 1}); err != nil {
			return err
		}
		return boom
	})
	s.ErrorIs(err, boom)

	_, err = s.store.GetGuestByName(s.ctx, "Jane Doe", 2020)
	s.ErrorIs(err, ErrNotFound)

	refs, total, err := s.store.SearchGuestDirectory(s.ctx, "jane", 10, 0)
	s.Require().NoError(err)
	s.Zero(total)
	s.Empty(refs)
}

func (s *MemoryStoreSuite) TestPutGuestReusesDirectoryEntry() {
	first := s.putGuest("Jane Doe", 2020)
	second := s.putGuest("Jane Doe", 2021)
	s.Equal(first.GuestID, second.GuestID)

	years, err := s.store.Years(s.ctx)
	s.Require().NoError(err)
	s.Equal([]int{2020, 2021}, years)
}

func (s *MemoryStoreSuite) TestDeleteGuestBacksUpAndDropsOrphan() {
	g := s.putGuest("Jane Doe", 2020)

	err := s.store.WithSubject(s.ctx, g.Subject(), func(u Unit) error {
		return u.DeleteGuest(s.ctx, g, 1, s.now)
	})
	s.Require().NoError(err)

	_, err = s.store.GetGuest(s.ctx, g.GuestID, 2020)
	s.ErrorIs(err, ErrNotFound)
	s.Len(s.store.DeletedGuests(), 1)

	_, total, _ := s.store.SearchGuestDirectory(s.ctx, "Jane", 10, 0)
	s.Zero(total)
}

func (s *MemoryStoreSuite) TestDeleteGuestKeepsDirectoryWhileReferenced() {
	g := s.putGuest("Jane Doe", 2020)
	s.putGuest("Jane Doe", 2021)

	err := s.store.WithSubject(s.ctx, g.Subject(), func(u Unit) error {
		return u.DeleteGuest(s.ctx, g, 1, s.now)
	})
	s.Require().NoError(err)

	refs, total, _ := s.store.SearchGuestDirectory(s.ctx, "Jane", 10, 0)
	s.Equal(1, total)
	s.Equal(g.GuestID, refs[0].GuestID)
}

// stageGuest starts a unit that stages name/year and waits for finish before
// returning its result. It returns once the row is staged.
func (s *MemoryStoreSuite) stageGuest(name string, year int, result error) (finish func(), done <-chan error) {
	staged := make(chan struct{})
	release := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.store.WithSubject(s.ctx, GuestSubject(name, year), func(u Unit) error {
			if _, err := u.PutGuest(s.ctx, Guest{GuestName: name, Year: year, Version: 1}); err != nil {
				return err
			}
			close(staged)
			<-release
			return result
		})
	}()
	<-staged
	return func() { close(release) }, errCh
}

func (s *MemoryStoreSuite) TestDeleteKeepsDirectoryForStagedYear() {
	g := s.putGuest("Jane Doe", 2020)
	finish, done := s.stageGuest("Jane Doe", 2021, nil)

	err := s.store.WithSubject(s.ctx, g.Subject(), func(u Unit) error {
		return u.DeleteGuest(s.ctx, g, 1, s.now)
	})
	s.Require().NoError(err)
	finish()
	s.Require().NoError(<-done)

	staged, err := s.store.GetGuestByName(s.ctx, "Jane Doe", 2021)
	s.Require().NoError(err)
	s.Equal(g.GuestID, staged.GuestID)
	refs, total, _ := s.store.SearchGuestDirectory(s.ctx, "Jane", 10, 0)
	s.Require().Equal(1, total)
	s.Equal(g.GuestID, refs[0].GuestID)
}

func (s *MemoryStoreSuite) TestDeleteDropsDirectoryAfterStagedYearRollsBack() {
	g := s.putGuest("Jane Doe", 2020)
	failed := errors.New("refused")
	finish, done := s.stageGuest("Jane Doe", 2021, failed)

	err := s.store.WithSubject(s.ctx, g.Subject(), func(u Unit) error {
		return u.DeleteGuest(s.ctx, g, 1, s.now)
	})
	s.Require().NoError(err)
	finish()
	s.ErrorIs(<-done, failed)

	_, total, _ := s.store.SearchGuestDirectory(s.ctx, "Jane", 10, 0)
	s.Zero(total)
	_, err = s.store.GetGuestByName(s.ctx, "Jane Doe", 2021)
	s.ErrorIs(err, ErrNotFound)
}

func (s *MemoryStoreSuite) TestPutCollectibleLinksGuest() {
	g := s.putGuest("Jane Doe", 2020)
	var stored Collectible
	err := s.store.WithSubject(s.ctx, CollectibleSubject("c1"), func(u Unit) error {
		var err error
		stored, err = u.PutCollectible(s.ctx, Collectible{CollectibleID: "c1", Year: 2020, GuestName: "Jane Doe", Name: "Badge", Category: "Badges", Version: 1})
		return err
	})
	s.Require().NoError(err)
	s.Require().NotNil(stored.GuestID)
	s.Equal(g.GuestID, *stored.GuestID)

	categories, err := s.store.CollectibleCategories(s.ctx, "bad")
	s.Require().NoError(err)
	s.Equal([]string{"Badges"}, categories)
}

func (s *MemoryStoreSuite) TestAuditIsScopedToSubject() {
	key := GuestSubject("Jane Doe", 2020)
	err := s.store.WithSubject(s.ctx, key, func(u Unit) error {
		return u.InsertAudit(s.ctx, AuditEntry{Entity: EntityGuest, SubjectKey: key.String(), SubmissionID: 1, Kind: KindCreate, ResultingVersion: 1})
	})
	s.Require().NoError(err)

	entries, err := s.store.ListAudit(s.ctx, key)
	s.Require().NoError(err)
	s.Require().Len(entries, 1)
	s.Equal(1, entries[0].ResultingVersion)

	entries, err = s.store.ListAudit(s.ctx, GuestSubject("Other", 2020))
	s.Require().NoError(err)
	s.Empty(entries)
}

func (s *MemoryStoreSuite) TestWithSubjectSerializesSameKey() {
	key := GuestSubject("Jane Doe", 2020)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.store.WithSubject(s.ctx, key, func(Unit) error {
				mu.Lock()
				inside++
				if inside > maxSeen {
					maxSeen = inside
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	s.Equal(1, maxSeen)
}

func (s *MemoryStoreSuite) TestUserMetrics() {
	u, _ := s.store.CreateUser(s.ctx, User{Name: "alice", Role: "editor", Active: true})
	first, _ := s.store.InsertSubmission(s.ctx, Submission{Entity: EntityGuest, Kind: KindCreate, Subject: GuestSubject("A", 2020), SubmittedBy: u.ID, SubmittedAt: s.now})
	_, _ = s.store.InsertSubmission(s.ctx, Submission{Entity: EntityGuest, Kind: KindCreate, Subject: GuestSubject("B", 2020), SubmittedBy: u.ID, SubmittedAt: s.now.Add(time.Hour)})
	_, _ = s.store.InsertSubmission(s.ctx, Submission{Entity: EntityCollectible, Kind: KindCreate, Subject: CollectibleSubject("c"), SubmittedBy: u.ID, SubmittedAt: s.now})
	_ = s.store.WithSubject(s.ctx, first.Subject, func(unit Unit) error {
		return unit.SetSubmissionState(s.ctx, first.ID, StateApproved, 1, s.now)
	})

	metrics, err := s.store.UserMetrics(s.ctx, u.ID)
	s.Require().NoError(err)
	s.Equal(2, metrics.Guests.Submitted)
	s.Equal(1, metrics.Guests.Approved)
	s.Equal(1, metrics.Guests.Pending)
	s.Equal(1, metrics.Collectibles.Submitted)
	s.Require().NotNil(metrics.Guests.LastActivity)
	s.Equal(s.now.Add(time.Hour), *metrics.Guests.LastActivity)
	s.Equal("alice", metrics.UserName)
}

func (s *MemoryStoreSuite) TestWithSubjectHonoursCancelledContext() {
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()
	err := s.store.WithSubject(ctx, GuestSubject("A", 2020), func(Unit) error { return nil })
	s.Error(err)
}
