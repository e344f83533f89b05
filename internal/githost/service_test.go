// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package githost

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazyaf/lazyaf/internal/config"
)

func TestValidateRepoID(t *testing.T) {
	tests := []struct {
		name    string
		repoID  string
		wantErr bool
	}{
		{"valid simple", "myrepo", false},
		{"valid with dashes", "my-repo-2", false},
		{"valid with underscores", "my_repo", false},
		{"valid uuid", "b3f1c2d4-5e6f-4a8b-9c0d-1e2f3a4b5c6d", false},
		{"empty", "", true},
		{"path traversal", "../etc", true},
		{"slash", "a/b", true},
		{"dot prefix hidden", ".git", true},
		{"spaces", "my repo", true},
		{"shell metacharacters", "repo;rm -rf", true},
		{"too long", strings.Repeat("a", 300), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRepoID(tt.repoID)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateBranchName(t *testing.T) {
	tests := []struct {
		name    string
		branch  string
		wantErr bool
	}{
		{"valid main", "main", false},
		{"valid nested", "lazyaf/card-123", false},
		{"valid with dots", "release-1.2", false},
		{"empty", "", true},
		{"option injection", "-delete", true},
		{"dot prefix", ".hidden", true},
		{"double dot", "a..b", true},
		{"spaces", "my branch", true},
		{"tilde", "branch~1", true},
		{"too long", strings.Repeat("b", 300), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBranchName(tt.branch)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateRef(t *testing.T) {
	tests := []struct {
		name    string
		ref     string
		wantErr bool
	}{
		{"branch name", "main", false},
		{"sha1 hash", strings.Repeat("a", 40), false},
		{"sha256 hash", strings.Repeat("0", 64), false},
		{"empty", "", true},
		{"truncated hash treated as branch", "abc123", false},
		{"option injection", "--output=/tmp/x", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateRef(tt.ref)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateFilePath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"valid relative", "src/main.go", false},
		{"valid context log", ".lazyaf-context/step_001_build.log", false},
		{"empty", "", true},
		{"absolute", "/etc/passwd", true},
		{"traversal", "../../secrets", true},
		{"embedded traversal", "a/../../b", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateFilePath(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateSourceURL(t *testing.T) {
	assert.NoError(t, validateSourceURL("https://example.com/repo.git"))
	assert.NoError(t, validateSourceURL("http://localhost:8080/git/x.git"))
	assert.NoError(t, validateSourceURL("/tmp/source"))
	assert.NoError(t, validateSourceURL("file:///tmp/source"))
	assert.Error(t, validateSourceURL(""))
	assert.Error(t, validateSourceURL("--upload-pack=/bin/sh"))
	assert.Error(t, validateSourceURL("relative/path"))
}

func TestBuildCommandRejectsDisallowedOperations(t *testing.T) {
	s := &Service{reposRoot: t.TempDir(), timeout: time.Second}

	for _, op := range []string{"push", "fetch", "gc", "filter-branch", "daemon"} {
		_, err := s.buildCommand(context.Background(), s.reposRoot, op)
		assert.Error(t, err, "operation %q should be rejected", op)
	}

	cmd, err := s.buildCommand(context.Background(), s.reposRoot, "rev-parse", "HEAD")
	require.NoError(t, err)
	assert.Contains(t, cmd.Env, "GIT_TERMINAL_PROMPT=0")
}

func TestDiffRefs(t *testing.T) {
	shaA := strings.Repeat("a", 40)
	shaB := strings.Repeat("b", 40)
	shaC := strings.Repeat("c", 40)

	before := map[string]string{
		"refs/heads/main":    shaA,
		"refs/heads/removed": shaB,
		"refs/heads/stable":  shaC,
	}
	after := map[string]string{
		"refs/heads/main":    shaB,
		"refs/heads/created": shaC,
		"refs/heads/stable":  shaC,
	}

	updates := diffRefs(before, after)
	require.Len(t, updates, 3)

	byRef := make(map[string]refUpdate)
	for _, u := range updates {
		byRef[u.Ref] = u
	}

	assert.Equal(t, refUpdate{Ref: "refs/heads/main", OldSHA: shaA, NewSHA: shaB}, byRef["refs/heads/main"])
	assert.Equal(t, refUpdate{Ref: "refs/heads/created", OldSHA: zeroSHA, NewSHA: shaC}, byRef["refs/heads/created"])
	assert.Equal(t, refUpdate{Ref: "refs/heads/removed", OldSHA: shaB, NewSHA: zeroSHA}, byRef["refs/heads/removed"])
}

func TestDiffRefsNoChanges(t *testing.T) {
	sha := strings.Repeat("d", 40)
	refs := map[string]string{"refs/heads/main": sha}
	assert.Empty(t, diffRefs(refs, refs))
}

func TestManagerAcquireReusesEntries(t *testing.T) {
	m := NewManager()
	defer m.Close()

	h1 := m.Acquire("repo-1")
	h2 := m.Acquire("repo-1")
	require.NotNil(t, h1)
	require.NotNil(t, h2)
	assert.Same(t, h1.repo, h2.repo)

	h3 := m.Acquire("repo-2")
	assert.NotSame(t, h1.repo, h3.repo)

	h1.Release()
	h2.Release()
	h3.Release()
}

func TestManagerReadLocksAreShared(t *testing.T) {
	m := NewManager()
	defer m.Close()

	h := m.Acquire("repo-1")
	defer h.Release()

	var mu sync.Mutex
	inside := 0
	maxInside := 0
	var wg sync.WaitGroup

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			handle := m.Acquire("repo-1")
			defer handle.Release()
			err := handle.WithReadLock(context.Background(), func() error {
				mu.Lock()
				inside++
				if inside > maxInside {
					maxInside = inside
				}
				mu.Unlock()
				time.Sleep(50 * time.Millisecond)
				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Greater(t, maxInside, 1, "read locks should admit concurrent readers")
}

func TestManagerWriteLockExcludesReaders(t *testing.T) {
	m := NewManager()
	defer m.Close()

	h := m.Acquire("repo-1")
	defer h.Release()

	writing := make(chan struct{})
	release := make(chan struct{})
	var writeDone, readDone time.Time

	go func() {
		_ = h.WithWriteLock(context.Background(), func() error {
			close(writing)
			<-release
			writeDone = time.Now()
			return nil
		})
	}()

	<-writing
	readStarted := make(chan struct{})
	go func() {
		handle := m.Acquire("repo-1")
		defer handle.Release()
		_ = handle.WithReadLock(context.Background(), func() error {
			readDone = time.Now()
			return nil
		})
		close(readStarted)
	}()

	time.Sleep(20 * time.Millisecond)
	close(release)
	<-readStarted

	assert.True(t, readDone.After(writeDone) || readDone.Equal(writeDone),
		"reader must wait for the writer to finish")
}

func TestManagerWriteLockHonorsContext(t *testing.T) {
	m := NewManager()
	defer m.Close()

	h := m.Acquire("repo-1")
	defer h.Release()

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = h.WithWriteLock(context.Background(), func() error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	handle := m.Acquire("repo-1")
	defer handle.Release()
	err := handle.WithWriteLock(ctx, func() error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestMergeDiffStat(t *testing.T) {
	statusOut := "M\tsrc/main.go\nA\tdocs/guide.md\nD\told.txt\nR100\ta/file.go\tb/file.go\n"
	numOut := "10\t2\tsrc/main.go\n30\t0\tdocs/guide.md\n0\t15\told.txt\n0\t0\t{a => b}/file.go\n"

	files := mergeDiffStat(statusOut, numOut)
	require.Len(t, files, 4)

	byPath := make(map[string]DiffFile)
	for _, f := range files {
		byPath[f.Path] = f
	}

	assert.Equal(t, DiffFile{Path: "src/main.go", Status: "M", Additions: 10, Deletions: 2}, byPath["src/main.go"])
	assert.Equal(t, DiffFile{Path: "docs/guide.md", Status: "A", Additions: 30}, byPath["docs/guide.md"])
	assert.Equal(t, DiffFile{Path: "old.txt", Status: "D", Deletions: 15}, byPath["old.txt"])
	assert.Equal(t, "R", byPath["b/file.go"].Status)
}

func TestMergeDiffStatBinaryFiles(t *testing.T) {
	files := mergeDiffStat("A\tlogo.png\n", "-\t-\tlogo.png\n")
	require.Len(t, files, 1)
	assert.Equal(t, DiffFile{Path: "logo.png", Status: "A"}, files[0])
}

func TestResolveNumstatPath(t *testing.T) {
	assert.Equal(t, "plain.go", resolveNumstatPath("plain.go"))
	assert.Equal(t, "new.go", resolveNumstatPath("old.go => new.go"))
	assert.Equal(t, "src/b/file.go", resolveNumstatPath("src/{a => b}/file.go"))
	assert.Equal(t, "src/file.go", resolveNumstatPath("src/{old => }/file.go"))
}

// useGitService builds a service over a throwaway repos root with one
// initialized repository.
func useGitService(t *testing.T) (*Service, context.Context) {
	t.Helper()
	cfg := &config.AppConfig{
		Data: config.DataConfig{Root: t.TempDir(), GitReposDir: "git_repos"},
		Git:  config.GitConfig{DefaultBranch: "main", OperationTimeout: 10 * time.Second},
	}
	svc, err := NewService(cfg)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, svc.InitRepo(ctx, "repo-1", "main"))
	return svc, ctx
}

func TestMergeConflictCarriesFileContent(t *testing.T) {
	svc, ctx := useGitService(t)

	_, err := svc.CommitFiles(ctx, "repo-1", "main", "add notes", map[string]string{"notes.txt": "base\n"})
	require.NoError(t, err)
	require.NoError(t, svc.CreateBranch(ctx, "repo-1", "feature", "main"))
	_, err = svc.CommitFiles(ctx, "repo-1", "feature", "feature edit", map[string]string{"notes.txt": "theirs\n"})
	require.NoError(t, err)
	_, err = svc.CommitFiles(ctx, "repo-1", "main", "main edit", map[string]string{"notes.txt": "ours\n"})
	require.NoError(t, err)

	sha, conflict, err := svc.Merge(ctx, "repo-1", "feature", "main")
	require.NoError(t, err)
	require.NotNil(t, conflict)
	assert.Empty(t, sha)
	assert.Equal(t, "feature", conflict.Source)
	assert.Equal(t, "main", conflict.Target)

	require.Len(t, conflict.Files, 1)
	file := conflict.Files[0]
	assert.Equal(t, "notes.txt", file.Path)
	assert.Equal(t, "base\n", file.Base)
	assert.Equal(t, "ours\n", file.Ours)
	assert.Equal(t, "theirs\n", file.Theirs)

	// Nothing was written: the target branch still points at its edit.
	content, err := svc.ReadFile(ctx, "repo-1", "main", "notes.txt")
	require.NoError(t, err)
	assert.Equal(t, "ours\n", content)
}

func TestRebaseConflictCarriesFileContent(t *testing.T) {
	svc, ctx := useGitService(t)

	_, err := svc.CommitFiles(ctx, "repo-1", "main", "add notes", map[string]string{"notes.txt": "base\n"})
	require.NoError(t, err)
	require.NoError(t, svc.CreateBranch(ctx, "repo-1", "feature", "main"))
	_, err = svc.CommitFiles(ctx, "repo-1", "feature", "feature edit", map[string]string{"notes.txt": "theirs\n"})
	require.NoError(t, err)
	_, err = svc.CommitFiles(ctx, "repo-1", "main", "main edit", map[string]string{"notes.txt": "ours\n"})
	require.NoError(t, err)

	sha, conflict, err := svc.Rebase(ctx, "repo-1", "feature", "main")
	require.NoError(t, err)
	require.NotNil(t, conflict)
	assert.Empty(t, sha)

	require.Len(t, conflict.Files, 1)
	file := conflict.Files[0]
	assert.Equal(t, "notes.txt", file.Path)
	assert.Equal(t, "base\n", file.Base)
	assert.Equal(t, "ours\n", file.Ours)
	assert.Equal(t, "theirs\n", file.Theirs)
}
