package store

import (
	"fmt"
	"time"
)

type EntityType string

const (
	EntityGuest       EntityType = "guest"
	EntityCollectible EntityType = "collectible"
)

func (e EntityType) Valid() bool {
	return e == EntityGuest || e == EntityCollectible
}

type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

type State string

const (
	StatePending  State = "pending"
	StateApproved State = "approved"
	StateRejected State = "rejected"
)

// SubjectKey is the natural key of a canonical record. Guests are keyed by
// their normalized name and year, collectibles by id. It is comparable and
// used directly as a map key.
type SubjectKey struct {
	Entity        EntityType `json:"entity"`
	GuestName     string     `json:"guest_name,omitempty"`
	Year          int        `json:"year,omitempty"`
	CollectibleID string     `json:"collectible_id,omitempty"`
}

func GuestSubject(name string, year int) SubjectKey {
	return SubjectKey{Entity: EntityGuest, GuestName: name, Year: year}
}

func CollectibleSubject(id string) SubjectKey {
	return SubjectKey{Entity: EntityCollectible, CollectibleID: id}
}

func (k SubjectKey) String() string {
	if k.Entity == EntityCollectible {
		return "collectible/" + k.CollectibleID
	}
	return fmt.Sprintf("guest/%d/%s", k.Year, k.GuestName)
}

type User struct {
	ID           int64     `json:"user_id"`
	Name         string    `json:"user_name"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

type Guest struct {
	GuestID       int64  `json:"guest_id"`
	Year          int    `json:"year"`
	GuestName     string `json:"guest_name"`
	URL           string `json:"url"`
	Blurb         string `json:"blurb"`
	Biography     string `json:"biography"`
	GuestType     string `json:"guest_type"`
	GuestCategory string `json:"guest_category"`
	Accolades1    string `json:"accolades_1"`
	Accolades2    string `json:"accolades_2"`
	Version       int    `json:"version"`
	Modified      bool   `json:"modified"`
}

func (g Guest) Subject() SubjectKey {
	return GuestSubject(g.GuestName, g.Year)
}

// GuestRef is an entry of the guest directory.
type GuestRef struct {
	GuestID   int64  `json:"guest_id"`
	GuestName string `json:"guest_name"`
}

type Collectible struct {
	CollectibleID string `json:"collectible_id"`
	Year          int    `json:"year"`
	GuestID       *int64 `json:"guest_id"`
	GuestName     string `json:"guest_name"`
	Name          string `json:"name"`
	Category      string `json:"category"`
	Notes1        string `json:"notes_1"`
	Notes2        string `json:"notes_2"`
	Filename      string `json:"filename"`
	Version       int    `json:"version"`
	Modified      bool   `json:"modified"`
}

func (c Collectible) Subject() SubjectKey {
	return CollectibleSubject(c.CollectibleID)
}

// GuestFields is a proposed guest field set. Nil means "not provided".
type GuestFields struct {
	GuestName     *string `json:"guest_name,omitempty"`
	Year          *int    `json:"year,omitempty"`
	URL           *string `json:"url,omitempty"`
	Blurb         *string `json:"blurb,omitempty"`
	Biography     *string `json:"biography,omitempty"`
	GuestType     *string `json:"guest_type,omitempty"`
	GuestCategory *string `json:"guest_category,omitempty"`
	Accolades1    *string `json:"accolades_1,omitempty"`
	Accolades2    *string `json:"accolades_2,omitempty"`
}

// CollectibleFields is a proposed collectible field set. Nil means "not provided".
type CollectibleFields struct {
	Year      *int    `json:"year,omitempty"`
	GuestName *string `json:"guest_name,omitempty"`
	Name      *string `json:"name,omitempty"`
	Category  *string `json:"category,omitempty"`
	Notes1    *string `json:"notes_1,omitempty"`
	Notes2    *string `json:"notes_2,omitempty"`
	Filename  *string `json:"filename,omitempty"`
}

type Submission struct {
	ID            int64              `json:"id"`
	Entity        EntityType         `json:"entity_type"`
	Kind          Kind               `json:"kind"`
	Subject       SubjectKey         `json:"subject"`
	Guest         *GuestFields       `json:"guest,omitempty"`
	Collectible   *CollectibleFields `json:"collectible,omitempty"`
	BaseVersion   int                `json:"base_version"`
	SubmittedBy   int64              `json:"submitted_by"`
	SubmitterName string             `json:"user_name,omitempty"`
	SubmittedAt   time.Time          `json:"submitted_at"`
	State         State              `json:"state"`
	Deleted       bool               `json:"deleted"`
	DecidedBy     *int64             `json:"decided_by,omitempty"`
	DecidedAt     *time.Time         `json:"decided_at,omitempty"`
}

type AuditEntry struct {
	ID               int64      `json:"id"`
	Entity           EntityType `json:"entity_type"`
	SubjectKey       string     `json:"subject_key"`
	SubmissionID     int64      `json:"submission_id"`
	Kind             Kind       `json:"kind"`
	AppliedBy        int64      `json:"applied_by"`
	AppliedAt        time.Time  `json:"applied_at"`
	ResultingVersion int        `json:"resulting_version"`
}

type EntityMetrics struct {
	Submitted     int        `json:"submitted"`
	Approved      int        `json:"approved"`
	Rejected      int        `json:"rejected"`
	Pending       int        `json:"pending"`
	FirstActivity *time.Time `json:"first_activity"`
	LastActivity  *time.Time `json:"last_activity"`
}

type UserMetrics struct {
	UserID       int64         `json:"user_id"`
	UserName     string        `json:"user_name"`
	Guests       EntityMetrics `json:"guests"`
	Collectibles EntityMetrics `json:"collectibles"`
}
