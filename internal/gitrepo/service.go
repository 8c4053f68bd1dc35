// Package gitrepo keeps a git history of every canonical record. Each subject
// gets its own repository whose commits are the approved versions.
package gitrepo

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"conarchive/api/internal/moderation"
	"conarchive/api/internal/store"
)

const snapshotFile = "record.json"

var ErrNoHistory = errors.New("no history for subject")

// Snapshot is the content committed for one approved change.
type Snapshot struct {
	Subject      store.SubjectKey   `json:"subject"`
	Version      int                `json:"version"`
	Deleted      bool               `json:"deleted"`
	SubmissionID int64              `json:"submission_id"`
	Guest        *store.Guest       `json:"guest,omitempty"`
	Collectible  *store.Collectible `json:"collectible,omitempty"`
}

type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"created_at"`
}

// Entry is one commit of a subject's history together with its snapshot.
type Entry struct {
	Commit   CommitInfo `json:"commit"`
	Snapshot Snapshot   `json:"snapshot"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

var _ moderation.Observer = (*Service)(nil)

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// AfterApply commits the applied version of the subject.
func (s *Service) AfterApply(_ context.Context, change moderation.Change) error {
	result := change.Result
	snapshot := Snapshot{
		Subject:      result.Subject,
		Version:      result.Version,
		Deleted:      result.Removed,
		SubmissionID: change.Submission.ID,
		Guest:        result.Guest,
		Collectible:  result.Collectible,
	}
	author := change.Submission.SubmitterName
	if author == "" {
		author = "user " + strconv.FormatInt(change.Submission.SubmittedBy, 10)
	}
	message := fmt.Sprintf("%s %s v%d (submission %d, approved by user %d)",
		result.Kind, result.Subject, result.Version, change.Submission.ID, change.DecidedBy)
	_, err := s.Record(snapshot, author, message, change.DecidedAt)
	return err
}

// Record commits snapshot to the subject's repository, creating it on first use.
func (s *Service) Record(snapshot Snapshot, author, message string, when time.Time) (CommitInfo, error) {
	path := s.repoPath(snapshot.Subject)
	lock := s.subjectLock(path)
	lock.Lock()
	defer lock.Unlock()

	repo, err := openOrInit(path)
	if err != nil {
		return CommitInfo{}, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open worktree: %w", err)
	}

	payload, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return CommitInfo{}, fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := os.WriteFile(filepath.Join(path, snapshotFile), append(payload, '\n'), 0o644); err != nil {
		return CommitInfo{}, fmt.Errorf("write snapshot: %w", err)
	}
	if _, err := worktree.Add(snapshotFile); err != nil {
		return CommitInfo{}, fmt.Errorf("git add snapshot: %w", err)
	}

	if when.IsZero() {
		when = time.Now()
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@archive.local", sanitizeEmail(author)),
			When:  when,
		},
	})
	if err != nil {
		return CommitInfo{}, fmt.Errorf("commit snapshot: %w", err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

// History returns the newest limit commits for subject, newest first.
func (s *Service) History(subject store.SubjectKey, limit int) ([]Entry, error) {
	path := s.repoPath(subject)
	lock := s.subjectLock(path)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(path)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, ErrNoHistory
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}
	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Entry, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		snapshot, err := readSnapshot(commitObj)
		if err != nil {
			return err
		}
		items = append(items, Entry{Commit: toCommitInfo(commitObj), Snapshot: snapshot})
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

func openOrInit(path string) (*git.Repository, error) {
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

// repoPath maps a subject to a directory below baseDir. Guest names are
// slugged and suffixed with a hash so distinct names never share a repo.
func (s *Service) repoPath(subject store.SubjectKey) string {
	if subject.Entity == store.EntityCollectible {
		return filepath.Join(s.baseDir, "collectibles", slug(subject.CollectibleID))
	}
	sum := sha256.Sum256([]byte(subject.GuestName))
	name := slug(subject.GuestName) + "-" + hex.EncodeToString(sum[:4])
	return filepath.Join(s.baseDir, "guests", strconv.Itoa(subject.Year), name)
}

func (s *Service) subjectLock(path string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[path]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[path] = lock
	return lock
}

func readSnapshot(commitObj *object.Commit) (Snapshot, error) {
	file, err := commitObj.File(snapshotFile)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load %s from commit: %w", snapshotFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return Snapshot{}, fmt.Errorf("open snapshot reader: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot bytes: %w", err)
	}
	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snapshot, nil
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	return CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func slug(input string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(input) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_' || r == '.':
			b.WriteByte('-')
		}
	}
	if b.Len() == 0 {
		return "subject"
	}
	return b.String()
}

func sanitizeEmail(input string) string {
	runes := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			runes = append(runes, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			runes = append(runes, '.')
		}
	}
	if len(runes) == 0 {
		return "user"
	}
	return string(runes)
}
