// Package gitrepo keeps the revision history of every GDD document in its
// own on-disk git repository holding a single content.json.
package gitrepo

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"realmforge/api/internal/store"
	"realmforge/api/internal/util"
)

const (
	contentFile = "content.json"
	mainBranch  = "main"
)

var (
	ErrNoHistory       = errors.New("document has no revision history")
	ErrUnknownRevision = errors.New("unknown revision")
	ErrInvalidTag      = errors.New("invalid tag name")
)

// Content is the versioned part of a document.
type Content struct {
	Title string          `json:"title"`
	Doc   json.RawMessage `json:"doc,omitempty"`
}

type Tag struct {
	Name string `json:"name"`
	Hash string `json:"hash"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// EnsureDocumentRepo creates the repository with a baseline commit. It is a
// no-op when the repository already exists.
func (s *Service) EnsureDocumentRepo(documentID string, initial Content, author string) error {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	_, err := s.ensure(documentID, initial, author)
	return err
}

func (s *Service) ensure(documentID string, initial Content, author string) (*git.Repository, error) {
	path := s.repoPath(documentID)
	if repo, err := git.PlainOpen(path); err == nil {
		return repo, nil
	} else if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err := git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	hash, err := writeAndCommit(repo, initial, author, "Create document", false)
	if err != nil {
		return nil, err
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName(mainBranch), hash)); err != nil {
		return nil, fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(mainBranch))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

// Commit records content as a new revision. The second return value is
// false when content equals the head revision and nothing was committed.
// A missing repository is created with content as its baseline.
func (s *Service) Commit(documentID string, content Content, author, message string) (store.CommitInfo, bool, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := git.PlainOpen(s.repoPath(documentID)); errors.Is(err, git.ErrRepositoryNotExists) {
		repo, err := s.ensure(documentID, content, author)
		if err != nil {
			return store.CommitInfo{}, false, err
		}
		head, err := headCommit(repo)
		if err != nil {
			return store.CommitInfo{}, false, err
		}
		return toCommitInfo(head), true, nil
	}

	repo, err := git.PlainOpen(s.repoPath(documentID))
	if err != nil {
		return store.CommitInfo{}, false, fmt.Errorf("open repo: %w", err)
	}
	return commitIfChanged(repo, content, author, message)
}

func commitIfChanged(repo *git.Repository, content Content, author, message string) (store.CommitInfo, bool, error) {
	head, err := headCommit(repo)
	if err != nil {
		return store.CommitInfo{}, false, err
	}
	current, err := readContentFromCommit(head)
	if err != nil {
		return store.CommitInfo{}, false, err
	}
	if !hasChanges(current, content) {
		return toCommitInfo(head), false, nil
	}

	hash, err := writeAndCommit(repo, content, author, message, false)
	if err != nil {
		return store.CommitInfo{}, false, err
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return store.CommitInfo{}, false, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), true, nil
}

// latest returns the head revision.
func (s *Service) latest(documentID string) (Content, store.CommitInfo, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if err != nil {
		return Content{}, store.CommitInfo{}, err
	}
	head, err := headCommit(repo)
	if err != nil {
		return Content{}, store.CommitInfo{}, err
	}
	content, err := readContentFromCommit(head)
	if err != nil {
		return Content{}, store.CommitInfo{}, err
	}
	return content, toCommitInfo(head), nil
}

// Revision returns the content and commit of a full or abbreviated hash or a tag.
func (s *Service) Revision(documentID, rev string) (Content, store.CommitInfo, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if err != nil {
		return Content{}, store.CommitInfo{}, err
	}
	commitObj, err := resolveCommit(repo, rev)
	if err != nil {
		return Content{}, store.CommitInfo{}, err
	}
	content, err := readContentFromCommit(commitObj)
	if err != nil {
		return Content{}, store.CommitInfo{}, err
	}
	return content, toCommitInfo(commitObj), nil
}

// Restore commits the content of rev on top of the history.
func (s *Service) Restore(documentID, rev, author string) (Content, store.CommitInfo, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if err != nil {
		return Content{}, store.CommitInfo{}, err
	}
	target, err := resolveCommit(repo, rev)
	if err != nil {
		return Content{}, store.CommitInfo{}, err
	}
	content, err := readContentFromCommit(target)
	if err != nil {
		return Content{}, store.CommitInfo{}, err
	}
	short := target.Hash.String()[:7]
	info, _, err := commitIfChanged(repo, content, author, "Restore revision "+short)
	if err != nil {
		return Content{}, store.CommitInfo{}, err
	}
	return content, info, nil
}

// History lists commits newest first. limit <= 0 means all.
func (s *Service) History(documentID string, limit int) ([]store.CommitInfo, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if err != nil {
		return nil, err
	}
	head, err := headCommit(repo)
	if err != nil {
		return nil, err
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]store.CommitInfo, 0, max(limit, 0))
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
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

// CreateTag names a revision; an empty rev tags the head. Re-tagging an
// existing name is a no-op.
func (s *Service) CreateTag(documentID, rev, name, author string) (Tag, error) {
	if !validTagName(name) {
		return Tag{}, ErrInvalidTag
	}
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if err != nil {
		return Tag{}, err
	}
	var target *object.Commit
	if rev == "" {
		target, err = headCommit(repo)
	} else {
		target, err = resolveCommit(repo, rev)
	}
	if err != nil {
		return Tag{}, err
	}

	_, err = repo.CreateTag(name, target.Hash, &git.CreateTagOptions{
		Tagger:  signature(author),
		Message: name,
	})
	if err != nil && !errors.Is(err, git.ErrTagExists) {
		return Tag{}, fmt.Errorf("create tag: %w", err)
	}
	return Tag{Name: name, Hash: target.Hash.String()[:7]}, nil
}

func (s *Service) Tags(documentID string) ([]Tag, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if err != nil {
		return nil, err
	}
	iter, err := repo.Tags()
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer iter.Close()

	tags := []Tag{}
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		hash := ref.Hash()
		if annotated, err := repo.TagObject(hash); err == nil {
			hash = annotated.Target
		}
		tags = append(tags, Tag{Name: ref.Name().Short(), Hash: hash.String()[:7]})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate tags: %w", err)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i].Name < tags[j].Name })
	return tags, nil
}

// Remove deletes the document's repository.
func (s *Service) Remove(documentID string) error {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.RemoveAll(s.repoPath(documentID)); err != nil {
		return fmt.Errorf("remove repo: %w", err)
	}
	return nil
}

func (s *Service) open(documentID string) (*git.Repository, error) {
	repo, err := git.PlainOpen(s.repoPath(documentID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, ErrNoHistory
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (s *Service) repoPath(documentID string) string {
	return filepath.Join(s.baseDir, documentID)
}

func (s *Service) documentLock(documentID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[documentID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[documentID] = lock
	return lock
}

func writeAndCommit(repo *git.Repository, content Content, author, message string, allowEmpty bool) (plumbing.Hash, error) {
	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}

	payload, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("marshal content: %w", err)
	}
	if err := os.WriteFile(filepath.Join(worktree.Filesystem.Root(), contentFile), append(payload, '\n'), 0o644); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("write %s: %w", contentFile, err)
	}
	if _, err := worktree.Add(contentFile); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("git add content: %w", err)
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: allowEmpty,
		Author:            signature(author),
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit content: %w", err)
	}
	return hash, nil
}

func signature(author string) *object.Signature {
	if author == "" {
		author = "RealmForge"
	}
	local := util.Slugify(author)
	if local == "" {
		local = "user"
	}
	return &object.Signature{
		Name:  author,
		Email: local + "@users.realmforge.dev",
		When:  time.Now(),
	}
}

func headCommit(repo *git.Repository) (*object.Commit, error) {
	ref, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("load head commit: %w", err)
	}
	return commitObj, nil
}

func resolveCommit(repo *git.Repository, rev string) (*object.Commit, error) {
	var hash plumbing.Hash
	if len(rev) == 40 {
		hash = plumbing.NewHash(rev)
	} else {
		resolved, err := repo.ResolveRevision(plumbing.Revision(rev))
		if err != nil {
			return nil, fmt.Errorf("%w %s", ErrUnknownRevision, rev)
		}
		hash = *resolved
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return nil, fmt.Errorf("%w %s", ErrUnknownRevision, rev)
	}
	return commitObj, nil
}

func readContentFromCommit(commitObj *object.Commit) (Content, error) {
	file, err := commitObj.File(contentFile)
	if err != nil {
		return Content{}, fmt.Errorf("load %s from commit: %w", contentFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return Content{}, fmt.Errorf("open content reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return Content{}, fmt.Errorf("read content bytes: %w", err)
	}
	var content Content
	if err := json.Unmarshal(raw, &content); err != nil {
		return Content{}, fmt.Errorf("decode commit content: %w", err)
	}
	return content, nil
}

// hasChanges compares titles and the documents' canonical JSON.
func hasChanges(from, to Content) bool {
	if from.Title != to.Title {
		return true
	}
	return !bytes.Equal(normalizeDoc(from.Doc), normalizeDoc(to.Doc))
}

func normalizeDoc(doc json.RawMessage) []byte {
	if len(doc) == 0 {
		return nil
	}
	var parsed any
	if err := json.Unmarshal(doc, &parsed); err != nil {
		return nil
	}
	normalized, err := json.Marshal(parsed)
	if err != nil {
		return nil
	}
	return normalized
}

func toCommitInfo(commitObj *object.Commit) store.CommitInfo {
	return store.CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

var tagName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

func validTagName(name string) bool {
	return tagName.MatchString(name) && !strings.Contains(name, "..") && !strings.HasSuffix(name, ".lock")
}
