package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const contentFile = "content.txt"

// GitStore keeps one git repository per artifact ref under a base directory.
// Every Write becomes a commit on main, so the artifact's full merge history
// survives outside the engine.
type GitStore struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewGitStore(baseDir string) *GitStore {
	return &GitStore{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

func (s *GitStore) Read(ctx context.Context, ref string) (string, error) {
	lock := s.refLock(ref)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(ref))
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("open artifact repo: %w", err)
	}

	head, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	if err != nil {
		return "", fmt.Errorf("resolve main: %w", err)
	}
	commitObj, err := repo.CommitObject(head.Hash())
	if err != nil {
		return "", fmt.Errorf("load head commit: %w", err)
	}
	return readContentFromCommit(commitObj)
}

func (s *GitStore) Write(ctx context.Context, ref, content string) error {
	lock := s.refLock(ref)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(ref)
	repo, err := git.PlainOpen(path)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = s.initRepo(path)
	}
	if err != nil {
		return fmt.Errorf("open artifact repo: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	repoRoot := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(repoRoot, contentFile), []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", contentFile, err)
	}
	if _, err := worktree.Add(contentFile); err != nil {
		return fmt.Errorf("git add content: %w", err)
	}
	_, err = worktree.Commit("Merge session result", &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  "coedit",
			Email: "engine@local.coedit.dev",
			When:  time.Now(),
		},
	})
	if err != nil {
		return fmt.Errorf("commit content: %w", err)
	}
	return nil
}

// Seed creates the artifact with initial content if it does not exist yet.
func (s *GitStore) Seed(ctx context.Context, ref, content string) error {
	if _, err := s.Read(ctx, ref); err == nil {
		return nil
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	return s.Write(ctx, ref, content)
}

func (s *GitStore) initRepo(path string) (*git.Repository, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err := git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

func (s *GitStore) repoPath(ref string) string {
	return filepath.Join(s.baseDir, sanitizeRef(ref))
}

func (s *GitStore) refLock(ref string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[ref]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[ref] = lock
	return lock
}

func readContentFromCommit(commitObj *object.Commit) (string, error) {
	file, err := commitObj.File(contentFile)
	if err != nil {
		return "", fmt.Errorf("load %s from commit: %w", contentFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return "", fmt.Errorf("open content reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("read content bytes: %w", err)
	}
	return string(raw), nil
}

// sanitizeRef maps an arbitrary artifact ref onto a filesystem-safe directory
// name. Collisions are acceptable only for refs that differ in punctuation.
func sanitizeRef(ref string) string {
	out := make([]rune, 0, len(ref))
	for _, r := range ref {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '.' {
			out = append(out, r)
			continue
		}
		out = append(out, '_')
	}
	if len(out) == 0 {
		return "artifact"
	}
	return string(out)
}
