// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package githost hosts the bare repositories the orchestrator owns and
// exposes them over the git smart-HTTP protocol. Every git invocation
// goes through an operation allowlist with a sanitized environment and a
// hard timeout.
package githost

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lazyaf/lazyaf/internal/common"
	"github.com/lazyaf/lazyaf/internal/config"
	"github.com/lazyaf/lazyaf/internal/logger"
	"github.com/lazyaf/lazyaf/internal/store/models"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetGitLogger().With().Str("component", "service").Logger()
		log = &l
	})
	return log
}

// Security constants for validation
const (
	maxPathLength       = 4096
	maxBranchNameLength = 250
	maxRepoIDLength     = 100
	maxRefLength        = 250
	maxFilePathLength   = 1024

	defaultOperationTimeout = 30 * time.Second
)

// Regular expressions for validation
var (
	// Safe branch name pattern: alphanumeric, hyphens, underscores, forward slashes
	branchNameRegex = regexp.MustCompile(`^[a-zA-Z0-9/_.-]+$`)

	// Repo IDs are UUIDs or slug-like identifiers
	repoIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	commitHashRegex = regexp.MustCompile(`^[0-9a-fA-F]{40}$|^[0-9a-fA-F]{64}$`)
)

// Allowed git operations for security
var allowedGitOperations = map[string]bool{
	"init":         true,
	"clone":        true,
	"branch":       true,
	"rev-parse":    true,
	"diff":         true,
	"log":          true,
	"rev-list":     true,
	"show":         true,
	"show-ref":     true,
	"for-each-ref": true,
	"symbolic-ref": true,
	"ls-tree":      true,
	"hash-object":  true,
	"mktree":       true,
	"merge-base":   true,
	"merge-tree":   true,
	"commit-tree":  true,
	"read-tree":    true,
	"update-ref":   true,
	"update-index": true,
	"write-tree":   true,
	"upload-pack":  true,
	"receive-pack": true,
	"config":       true,
}

// Service executes git operations against the bare repositories under
// the configured data root. It holds no per-repo state; locking is the
// Manager's job.
type Service struct {
	reposRoot     string
	defaultBranch string
	timeout       time.Duration
}

// NewService creates the git host service, creating the repository root
// if needed.
func NewService(cfg *config.AppConfig) (*Service, error) {
	root := cfg.GitReposPath()
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create git repos root: %w", err)
	}

	timeout := cfg.Git.OperationTimeout
	if timeout <= 0 {
		timeout = defaultOperationTimeout
	}

	return &Service{
		reposRoot:     root,
		defaultBranch: cfg.Git.DefaultBranch,
		timeout:       timeout,
	}, nil
}

// ReposRoot returns the directory holding the bare repositories.
func (s *Service) ReposRoot() string {
	return s.reposRoot
}

// RepoPath returns the on-disk path of a repo's bare directory.
func (s *Service) RepoPath(repoID string) string {
	return filepath.Join(s.reposRoot, repoID+".git")
}

// Security validation functions

// ValidateRepoID validates repository identifiers used in paths and URLs.
func ValidateRepoID(repoID string) error {
	if repoID == "" {
		return fmt.Errorf("repo ID cannot be empty")
	}
	if len(repoID) > maxRepoIDLength {
		return fmt.Errorf("repo ID too long: %d characters (max: %d)", len(repoID), maxRepoIDLength)
	}
	if !repoIDRegex.MatchString(repoID) {
		return fmt.Errorf("repo ID contains invalid characters: %s", repoID)
	}
	return nil
}

// ValidateBranchName validates branch names for security.
func ValidateBranchName(name string) error {
	if name == "" {
		return fmt.Errorf("branch name cannot be empty")
	}
	if len(name) > maxBranchNameLength {
		return fmt.Errorf("branch name too long: %d characters (max: %d)", len(name), maxBranchNameLength)
	}
	if strings.HasPrefix(name, "-") || strings.HasPrefix(name, ".") {
		return fmt.Errorf("branch name cannot start with '-' or '.'")
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("branch name cannot contain '..'")
	}
	if !branchNameRegex.MatchString(name) {
		return fmt.Errorf("branch name contains invalid characters: %s", name)
	}
	return nil
}

// validateRef accepts branch names and full commit hashes.
func validateRef(ref string) error {
	if ref == "" {
		return fmt.Errorf("ref cannot be empty")
	}
	if len(ref) > maxRefLength {
		return fmt.Errorf("ref too long: %d characters (max: %d)", len(ref), maxRefLength)
	}
	if commitHashRegex.MatchString(ref) {
		return nil
	}
	return ValidateBranchName(ref)
}

// validateFilePath rejects traversal and absolute paths inside a tree.
func validateFilePath(path string) error {
	if path == "" {
		return fmt.Errorf("file path cannot be empty")
	}
	if len(path) > maxFilePathLength {
		return fmt.Errorf("file path too long: %d characters (max: %d)", len(path), maxFilePathLength)
	}
	if filepath.IsAbs(path) {
		return fmt.Errorf("file path must be relative: %s", path)
	}
	if strings.Contains(path, "..") {
		return fmt.Errorf("file path contains invalid directory traversal")
	}
	return nil
}

// validateRepoDir validates and canonicalizes a repository directory.
func (s *Service) validateRepoDir(repoID string) (string, error) {
	if err := ValidateRepoID(repoID); err != nil {
		return "", err
	}
	dir := s.RepoPath(repoID)
	if len(dir) > maxPathLength {
		return "", fmt.Errorf("repository path too long")
	}
	return filepath.Clean(dir), nil
}

// safeEnvironment returns a minimal, safe environment for git commands.
func safeEnvironment() []string {
	return []string{
		"HOME=" + os.Getenv("HOME"),
		"USER=" + os.Getenv("USER"),
		"PATH=" + os.Getenv("PATH"),
		"LANG=" + os.Getenv("LANG"),
		"LC_ALL=" + os.Getenv("LC_ALL"),
		"GIT_TERMINAL_PROMPT=0", // Disable interactive prompts
		"GIT_ASKPASS=",          // Disable password prompts
	}
}

// buildCommand builds a git command with security validations.
func (s *Service) buildCommand(ctx context.Context, dir string, args ...string) (*exec.Cmd, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("no git command specified")
	}

	operation := args[0]
	if !allowedGitOperations[operation] {
		return nil, fmt.Errorf("git operation not allowed: %s", operation)
	}

	getLog().Debug().Str("operation", operation).Strs("args", args).Str("dir", dir).Msg("Git operation")

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = safeEnvironment()
	return cmd, nil
}

// run executes a git command and returns stdout, with stderr folded into
// the error on failure.
func (s *Service) run(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd, err := s.buildCommand(ctx, dir, args...)
	if err != nil {
		return "", err
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("git %s failed: %s: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// RepoExists reports whether the bare repository directory exists.
func (s *Service) RepoExists(repoID string) bool {
	dir, err := s.validateRepoDir(repoID)
	if err != nil {
		return false
	}
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		return true
	}
	return false
}

// InitRepo creates an empty bare repository with the default branch as
// HEAD and a single empty root commit so clones start on a real branch.
func (s *Service) InitRepo(ctx context.Context, repoID, defaultBranch string) error {
	dir, err := s.validateRepoDir(repoID)
	if err != nil {
		return common.NewClientInputError("invalid repo ID: %v", err)
	}
	if defaultBranch == "" {
		defaultBranch = s.defaultBranch
	}
	if err := ValidateBranchName(defaultBranch); err != nil {
		return common.NewClientInputError("invalid default branch: %v", err)
	}

	if s.RepoExists(repoID) {
		return fmt.Errorf("repo %s: %w", repoID, common.ErrAlreadyExists)
	}

	if _, err := s.run(ctx, s.reposRoot, "init", "--bare", "--initial-branch="+defaultBranch, dir); err != nil {
		return fmt.Errorf("failed to init bare repo: %w", err)
	}

	// Empty root commit so the default branch resolves immediately.
	tree, err := s.run(ctx, dir, "mktree")
	if err != nil {
		return fmt.Errorf("failed to create empty tree: %w", err)
	}
	commitCmd, err := s.buildCommand(ctx, dir, "commit-tree", strings.TrimSpace(tree), "-m", "repository initialized")
	if err != nil {
		return err
	}
	commitCmd.Env = append(commitCmd.Env,
		"GIT_AUTHOR_NAME=lazyaf", "GIT_AUTHOR_EMAIL=lazyaf@localhost",
		"GIT_COMMITTER_NAME=lazyaf", "GIT_COMMITTER_EMAIL=lazyaf@localhost",
	)
	var out bytes.Buffer
	commitCmd.Stdout = &out
	if err := commitCmd.Run(); err != nil {
		return fmt.Errorf("failed to create root commit: %w", err)
	}
	sha := strings.TrimSpace(out.String())

	if _, err := s.run(ctx, dir, "update-ref", "refs/heads/"+defaultBranch, sha); err != nil {
		return fmt.Errorf("failed to point default branch at root commit: %w", err)
	}

	getLog().Info().Str("repo_id", repoID).Str("default_branch", defaultBranch).Msg("Initialized bare repository")
	return nil
}

// DeleteRepo removes a bare repository from disk.
func (s *Service) DeleteRepo(repoID string) error {
	dir, err := s.validateRepoDir(repoID)
	if err != nil {
		return common.NewClientInputError("invalid repo ID: %v", err)
	}
	if !s.RepoExists(repoID) {
		return nil
	}
	return os.RemoveAll(dir)
}

// HeadCommit returns the commit SHA a ref points at.
func (s *Service) HeadCommit(ctx context.Context, repoID, ref string) (string, error) {
	dir, err := s.validateRepoDir(repoID)
	if err != nil {
		return "", common.NewClientInputError("invalid repo ID: %v", err)
	}
	if err := validateRef(ref); err != nil {
		return "", common.NewClientInputError("invalid ref: %v", err)
	}
	out, err := s.run(ctx, dir, "rev-parse", ref)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// ListBranches lists branch names in the repository.
func (s *Service) ListBranches(ctx context.Context, repoID string) ([]string, error) {
	dir, err := s.validateRepoDir(repoID)
	if err != nil {
		return nil, common.NewClientInputError("invalid repo ID: %v", err)
	}

	out, err := s.run(ctx, dir, "for-each-ref", "--format=%(refname:short)", "refs/heads/")
	if err != nil {
		return nil, err
	}

	var branches []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			branches = append(branches, line)
		}
	}
	return branches, nil
}

// BranchExists reports whether a branch exists in the repository.
func (s *Service) BranchExists(ctx context.Context, repoID, branch string) (bool, error) {
	dir, err := s.validateRepoDir(repoID)
	if err != nil {
		return false, common.NewClientInputError("invalid repo ID: %v", err)
	}
	if err := ValidateBranchName(branch); err != nil {
		return false, common.NewClientInputError("invalid branch name: %v", err)
	}

	ctxT, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	cmd, err := s.buildCommand(ctxT, dir, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	if err != nil {
		return false, err
	}
	if err := cmd.Run(); err != nil {
		if exitError, ok := err.(*exec.ExitError); ok && exitError.ExitCode() == 1 {
			return false, nil
		}
		return false, fmt.Errorf("failed to check if branch exists: %w", err)
	}
	return true, nil
}

// CreateBranch creates a branch pointing at the given ref. Creating a
// branch that already points at the same commit is a no-op.
func (s *Service) CreateBranch(ctx context.Context, repoID, branch, fromRef string) error {
	dir, err := s.validateRepoDir(repoID)
	if err != nil {
		return common.NewClientInputError("invalid repo ID: %v", err)
	}
	if err := ValidateBranchName(branch); err != nil {
		return common.NewClientInputError("invalid branch name: %v", err)
	}
	if err := validateRef(fromRef); err != nil {
		return common.NewClientInputError("invalid ref: %v", err)
	}

	sha, err := s.HeadCommit(ctx, repoID, fromRef)
	if err != nil {
		return fmt.Errorf("failed to resolve ref %s: %w", fromRef, err)
	}

	exists, err := s.BranchExists(ctx, repoID, branch)
	if err != nil {
		return err
	}
	if exists {
		current, err := s.HeadCommit(ctx, repoID, branch)
		if err != nil {
			return err
		}
		if current == sha {
			return nil
		}
		return fmt.Errorf("branch %s: %w", branch, common.ErrAlreadyExists)
	}

	_, err = s.run(ctx, dir, "update-ref", "refs/heads/"+branch, sha)
	return err
}

// DeleteBranch deletes a branch. Deleting a missing branch is a no-op.
func (s *Service) DeleteBranch(ctx context.Context, repoID, branch string) error {
	dir, err := s.validateRepoDir(repoID)
	if err != nil {
		return common.NewClientInputError("invalid repo ID: %v", err)
	}
	if err := ValidateBranchName(branch); err != nil {
		return common.NewClientInputError("invalid branch name: %v", err)
	}

	exists, err := s.BranchExists(ctx, repoID, branch)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}

	_, err = s.run(ctx, dir, "branch", "-D", branch)
	return err
}

// Commit represents a commit with its metadata.
type Commit struct {
	Hash    string   `json:"hash"`
	Message string   `json:"message"`
	Author  string   `json:"author"`
	Parents []string `json:"parents"`
}

// CommitHistory retrieves commit history for a ref, newest first.
func (s *Service) CommitHistory(ctx context.Context, repoID, ref string, limit int) ([]Commit, error) {
	dir, err := s.validateRepoDir(repoID)
	if err != nil {
		return nil, common.NewClientInputError("invalid repo ID: %v", err)
	}
	if err := validateRef(ref); err != nil {
		return nil, common.NewClientInputError("invalid ref: %v", err)
	}
	if limit <= 0 {
		limit = 100
	}

	out, err := s.run(ctx, dir, "log",
		fmt.Sprintf("--max-count=%d", limit),
		"--format=%H|%s|%an|%P",
		"--topo-order",
		ref)
	if err != nil {
		if strings.Contains(err.Error(), "does not have any commits") {
			return []Commit{}, nil
		}
		return nil, err
	}

	var commits []Commit
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		parts := strings.Split(line, "|")
		if len(parts) < 4 {
			continue
		}
		commit := Commit{Hash: parts[0], Message: parts[1], Author: parts[2]}
		if parts[3] != "" {
			commit.Parents = strings.Split(parts[3], " ")
		} else {
			commit.Parents = []string{}
		}
		commits = append(commits, commit)
	}
	return commits, nil
}

// Diff returns the patch between two refs.
func (s *Service) Diff(ctx context.Context, repoID, baseRef, headRef string) (string, error) {
	dir, err := s.validateRepoDir(repoID)
	if err != nil {
		return "", common.NewClientInputError("invalid repo ID: %v", err)
	}
	if err := validateRef(baseRef); err != nil {
		return "", common.NewClientInputError("invalid base ref: %v", err)
	}
	if err := validateRef(headRef); err != nil {
		return "", common.NewClientInputError("invalid head ref: %v", err)
	}

	return s.run(ctx, dir, "diff", baseRef+"..."+headRef)
}

// DiffFile summarizes one file's change between two refs.
type DiffFile struct {
	Path      string `json:"path"`
	Status    string `json:"status"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
}

// DiffStat returns per-file status and line counts between two refs.
// Binary files report zero counts.
func (s *Service) DiffStat(ctx context.Context, repoID, baseRef, headRef string) ([]DiffFile, error) {
	dir, err := s.validateRepoDir(repoID)
	if err != nil {
		return nil, common.NewClientInputError("invalid repo ID: %v", err)
	}
	if err := validateRef(baseRef); err != nil {
		return nil, common.NewClientInputError("invalid base ref: %v", err)
	}
	if err := validateRef(headRef); err != nil {
		return nil, common.NewClientInputError("invalid head ref: %v", err)
	}

	statusOut, err := s.run(ctx, dir, "diff", "--name-status", baseRef+"..."+headRef)
	if err != nil {
		return nil, err
	}
	numOut, err := s.run(ctx, dir, "diff", "--numstat", baseRef+"..."+headRef)
	if err != nil {
		return nil, err
	}
	return mergeDiffStat(statusOut, numOut), nil
}

// mergeDiffStat joins --name-status and --numstat output by path.
// Renames report the new path with status "R".
func mergeDiffStat(statusOut, numOut string) []DiffFile {
	var files []DiffFile
	index := make(map[string]int)

	for _, line := range strings.Split(strings.TrimSpace(statusOut), "\n") {
		fields := strings.Split(line, "\t")
		if len(fields) < 2 || fields[0] == "" {
			continue
		}
		status := string(fields[0][0])
		path := fields[len(fields)-1]
		index[path] = len(files)
		files = append(files, DiffFile{Path: path, Status: status})
	}

	for _, line := range strings.Split(strings.TrimSpace(numOut), "\n") {
		fields := strings.Split(line, "\t")
		if len(fields) < 3 {
			continue
		}
		path := resolveNumstatPath(fields[len(fields)-1])
		i, ok := index[path]
		if !ok {
			continue
		}
		var adds, dels int
		fmt.Sscanf(fields[0], "%d", &adds)
		fmt.Sscanf(fields[1], "%d", &dels)
		files[i].Additions = adds
		files[i].Deletions = dels
	}
	return files
}

// resolveNumstatPath reduces numstat rename notation ("old => new",
// "prefix/{old => new}/rest") to the new path.
func resolveNumstatPath(path string) string {
	open := strings.Index(path, "{")
	arrow := strings.Index(path, " => ")
	if arrow < 0 {
		return path
	}
	if open < 0 {
		return path[arrow+4:]
	}
	closing := strings.Index(path, "}")
	if closing < arrow {
		return path
	}
	resolved := path[:open] + path[arrow+4:closing] + path[closing+1:]
	return strings.ReplaceAll(resolved, "//", "/")
}

// ReadFile reads a file's content at a ref without a checkout.
func (s *Service) ReadFile(ctx context.Context, repoID, ref, path string) (string, error) {
	dir, err := s.validateRepoDir(repoID)
	if err != nil {
		return "", common.NewClientInputError("invalid repo ID: %v", err)
	}
	if err := validateRef(ref); err != nil {
		return "", common.NewClientInputError("invalid ref: %v", err)
	}
	if err := validateFilePath(path); err != nil {
		return "", common.NewClientInputError("invalid file path: %v", err)
	}

	out, err := s.run(ctx, dir, "show", ref+":"+path)
	if err != nil {
		if strings.Contains(err.Error(), "does not exist") ||
			strings.Contains(err.Error(), "exists on disk, but not in") {
			return "", common.NewResourceUnavailableError("file %s not found at %s", path, ref)
		}
		return "", err
	}
	return out, nil
}

// ListTree lists file paths under a directory at a ref.
func (s *Service) ListTree(ctx context.Context, repoID, ref, path string) ([]string, error) {
	dir, err := s.validateRepoDir(repoID)
	if err != nil {
		return nil, common.NewClientInputError("invalid repo ID: %v", err)
	}
	if err := validateRef(ref); err != nil {
		return nil, common.NewClientInputError("invalid ref: %v", err)
	}
	if path != "" {
		if err := validateFilePath(path); err != nil {
			return nil, common.NewClientInputError("invalid path: %v", err)
		}
	}

	args := []string{"ls-tree", "--name-only", ref}
	if path != "" {
		args = append(args, path+"/")
	}
	out, err := s.run(ctx, dir, args...)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// Merge merges source into target without a working tree. Fast-forwards
// when possible, otherwise creates a merge commit. On conflict nothing
// is written and the ConflictRecord lists the conflicted paths.
func (s *Service) Merge(ctx context.Context, repoID, source, target string) (string, *models.ConflictRecord, error) {
	dir, err := s.validateRepoDir(repoID)
	if err != nil {
		return "", nil, common.NewClientInputError("invalid repo ID: %v", err)
	}
	if err := ValidateBranchName(source); err != nil {
		return "", nil, common.NewClientInputError("invalid source branch: %v", err)
	}
	if err := ValidateBranchName(target); err != nil {
		return "", nil, common.NewClientInputError("invalid target branch: %v", err)
	}

	sourceSHA, err := s.HeadCommit(ctx, repoID, source)
	if err != nil {
		return "", nil, fmt.Errorf("failed to resolve source branch: %w", err)
	}
	targetSHA, err := s.HeadCommit(ctx, repoID, target)
	if err != nil {
		return "", nil, fmt.Errorf("failed to resolve target branch: %w", err)
	}

	// Already merged.
	if sourceSHA == targetSHA {
		return targetSHA, nil, nil
	}
	if ancestor, err := s.isAncestor(ctx, dir, sourceSHA, targetSHA); err != nil {
		return "", nil, err
	} else if ancestor {
		return targetSHA, nil, nil
	}

	// Fast-forward when target is behind source.
	if ancestor, err := s.isAncestor(ctx, dir, targetSHA, sourceSHA); err != nil {
		return "", nil, err
	} else if ancestor {
		if _, err := s.run(ctx, dir, "update-ref", "refs/heads/"+target, sourceSHA, targetSHA); err != nil {
			return "", nil, fmt.Errorf("failed to fast-forward %s: %w", target, err)
		}
		getLog().Info().Str("repo_id", repoID).Str("source", source).Str("target", target).Msg("Fast-forwarded branch")
		return sourceSHA, nil, nil
	}

	// True merge via merge-tree; conflicts leave the repo untouched.
	tree, conflicts, err := s.mergeTree(ctx, dir, targetSHA, sourceSHA)
	if err != nil {
		return "", nil, err
	}
	if len(conflicts) > 0 {
		baseSHA, err := s.mergeBase(ctx, dir, targetSHA, sourceSHA)
		if err != nil {
			return "", nil, err
		}
		record := &models.ConflictRecord{Source: source, Target: target}
		record.Files = s.conflictFiles(ctx, dir, baseSHA, targetSHA, sourceSHA, conflicts)
		return "", record, nil
	}

	message := fmt.Sprintf("Merge %s into %s", source, target)
	mergeSHA, err := s.commitTree(ctx, dir, tree, message, targetSHA, sourceSHA)
	if err != nil {
		return "", nil, err
	}
	if _, err := s.run(ctx, dir, "update-ref", "refs/heads/"+target, mergeSHA, targetSHA); err != nil {
		return "", nil, fmt.Errorf("failed to update %s after merge: %w", target, err)
	}

	getLog().Info().Str("repo_id", repoID).Str("source", source).Str("target", target).Str("merge_sha", mergeSHA).Msg("Merged branch")
	return mergeSHA, nil, nil
}

// isAncestor reports whether maybeAncestor is reachable from ref.
func (s *Service) isAncestor(ctx context.Context, dir, maybeAncestor, ref string) (bool, error) {
	ctxT, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	cmd, err := s.buildCommand(ctxT, dir, "merge-base", "--is-ancestor", maybeAncestor, ref)
	if err != nil {
		return false, err
	}
	if err := cmd.Run(); err != nil {
		if exitError, ok := err.(*exec.ExitError); ok && exitError.ExitCode() == 1 {
			return false, nil
		}
		return false, fmt.Errorf("merge-base failed: %w", err)
	}
	return true, nil
}

// mergeTree runs a real merge in memory and returns the result tree, or
// the conflicted paths when the merge cannot apply cleanly.
func (s *Service) mergeTree(ctx context.Context, dir, ours, theirs string) (string, []string, error) {
	ctxT, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	cmd, err := s.buildCommand(ctxT, dir, "merge-tree", "--write-tree", "--name-only", ours, theirs)
	if err != nil {
		return "", nil, err
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()

	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	if len(lines) == 0 || lines[0] == "" {
		return "", nil, fmt.Errorf("merge-tree produced no output: %s", strings.TrimSpace(stderr.String()))
	}
	tree := strings.TrimSpace(lines[0])

	if runErr != nil {
		if exitError, ok := runErr.(*exec.ExitError); ok && exitError.ExitCode() == 1 {
			// Conflicted: remaining lines name the conflicted files.
			var conflicts []string
			for _, line := range lines[1:] {
				line = strings.TrimSpace(line)
				if line != "" {
					conflicts = append(conflicts, line)
				}
			}
			if len(conflicts) == 0 {
				conflicts = append(conflicts, "(unknown)")
			}
			return "", conflicts, nil
		}
		return "", nil, fmt.Errorf("merge-tree failed: %s: %s", runErr, strings.TrimSpace(stderr.String()))
	}

	return tree, nil, nil
}

// mergeBase resolves the common ancestor of two commits.
func (s *Service) mergeBase(ctx context.Context, dir, a, b string) (string, error) {
	out, err := s.run(ctx, dir, "merge-base", a, b)
	if err != nil {
		return "", fmt.Errorf("merge-base failed: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// conflictFiles builds the per-file base/ours/theirs content for a set
// of conflicted paths. A side where the file does not exist, such as an
// add/add conflict's base, comes back empty.
func (s *Service) conflictFiles(ctx context.Context, dir, baseRef, oursRef, theirsRef string, paths []string) []models.ConflictFile {
	files := make([]models.ConflictFile, 0, len(paths))
	for _, path := range paths {
		files = append(files, models.ConflictFile{
			Path:   path,
			Base:   s.blobAt(ctx, dir, baseRef, path),
			Ours:   s.blobAt(ctx, dir, oursRef, path),
			Theirs: s.blobAt(ctx, dir, theirsRef, path),
		})
	}
	return files
}

func (s *Service) blobAt(ctx context.Context, dir, ref, path string) string {
	if ref == "" {
		return ""
	}
	out, err := s.run(ctx, dir, "show", ref+":"+path)
	if err != nil {
		return ""
	}
	return out
}

// commitTree creates a commit object for a tree with the given parents.
func (s *Service) commitTree(ctx context.Context, dir, tree, message string, parents ...string) (string, error) {
	ctxT, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	args := []string{"commit-tree", tree, "-m", message}
	for _, p := range parents {
		args = append(args, "-p", p)
	}
	cmd, err := s.buildCommand(ctxT, dir, args...)
	if err != nil {
		return "", err
	}
	cmd.Env = append(cmd.Env,
		"GIT_AUTHOR_NAME=lazyaf", "GIT_AUTHOR_EMAIL=lazyaf@localhost",
		"GIT_COMMITTER_NAME=lazyaf", "GIT_COMMITTER_EMAIL=lazyaf@localhost",
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("commit-tree failed: %s: %s", err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Rebase replays the commits exclusive to branch onto the tip of onto,
// without a working tree. On conflict nothing is written and the
// ConflictRecord names the commit that failed to apply.
func (s *Service) Rebase(ctx context.Context, repoID, branch, onto string) (string, *models.ConflictRecord, error) {
	dir, err := s.validateRepoDir(repoID)
	if err != nil {
		return "", nil, common.NewClientInputError("invalid repo ID: %v", err)
	}
	if err := ValidateBranchName(branch); err != nil {
		return "", nil, common.NewClientInputError("invalid branch name: %v", err)
	}
	if err := validateRef(onto); err != nil {
		return "", nil, common.NewClientInputError("invalid onto ref: %v", err)
	}

	branchSHA, err := s.HeadCommit(ctx, repoID, branch)
	if err != nil {
		return "", nil, fmt.Errorf("failed to resolve branch %s: %w", branch, err)
	}
	ontoSHA, err := s.HeadCommit(ctx, repoID, onto)
	if err != nil {
		return "", nil, fmt.Errorf("failed to resolve onto ref %s: %w", onto, err)
	}

	// Already based on onto.
	if branchSHA == ontoSHA {
		return branchSHA, nil, nil
	}
	if ancestor, err := s.isAncestor(ctx, dir, ontoSHA, branchSHA); err != nil {
		return "", nil, err
	} else if ancestor {
		return branchSHA, nil, nil
	}
	// Branch is behind onto: fast-forward.
	if ancestor, err := s.isAncestor(ctx, dir, branchSHA, ontoSHA); err != nil {
		return "", nil, err
	} else if ancestor {
		if _, err := s.run(ctx, dir, "update-ref", "refs/heads/"+branch, ontoSHA, branchSHA); err != nil {
			return "", nil, fmt.Errorf("failed to fast-forward %s: %w", branch, err)
		}
		return ontoSHA, nil, nil
	}

	out, err := s.run(ctx, dir, "rev-list", "--reverse", "--no-merges", ontoSHA+".."+branchSHA)
	if err != nil {
		return "", nil, err
	}

	newTip := ontoSHA
	for _, sha := range strings.Fields(out) {
		tree, conflicts, err := s.cherryPickTree(ctx, dir, newTip, sha)
		if err != nil {
			return "", nil, err
		}
		if len(conflicts) > 0 {
			// The base for a cherry-pick conflict is the commit's first
			// parent; a root commit has no base side.
			parentsOut, err := s.run(ctx, dir, "log", "-1", "--format=%P", sha)
			if err != nil {
				return "", nil, err
			}
			baseRef := ""
			if fields := strings.Fields(parentsOut); len(fields) > 0 {
				baseRef = fields[0]
			}
			record := &models.ConflictRecord{Source: branch, Target: onto}
			record.Files = s.conflictFiles(ctx, dir, baseRef, newTip, sha, conflicts)
			return "", record, nil
		}

		message, err := s.run(ctx, dir, "log", "-1", "--format=%B", sha)
		if err != nil {
			return "", nil, err
		}
		newTip, err = s.commitTree(ctx, dir, tree, strings.TrimSpace(message), newTip)
		if err != nil {
			return "", nil, err
		}
	}

	if _, err := s.run(ctx, dir, "update-ref", "refs/heads/"+branch, newTip, branchSHA); err != nil {
		return "", nil, fmt.Errorf("failed to update %s after rebase: %w", branch, err)
	}

	getLog().Info().Str("repo_id", repoID).Str("branch", branch).Str("onto", onto).Str("new_tip", newTip).Msg("Rebased branch")
	return newTip, nil, nil
}

// cherryPickTree applies one commit on top of base in memory, using the
// commit's first parent as the merge base.
func (s *Service) cherryPickTree(ctx context.Context, dir, base, commit string) (string, []string, error) {
	parentsOut, err := s.run(ctx, dir, "log", "-1", "--format=%P", commit)
	if err != nil {
		return "", nil, err
	}
	parents := strings.Fields(parentsOut)

	args := []string{"merge-tree", "--write-tree", "--name-only"}
	if len(parents) > 0 {
		args = append(args, "--merge-base="+parents[0])
	}
	args = append(args, base, commit)

	ctxT, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	cmd, err := s.buildCommand(ctxT, dir, args...)
	if err != nil {
		return "", nil, err
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()

	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	if len(lines) == 0 || lines[0] == "" {
		return "", nil, fmt.Errorf("merge-tree produced no output: %s", strings.TrimSpace(stderr.String()))
	}
	tree := strings.TrimSpace(lines[0])

	if runErr != nil {
		if exitError, ok := runErr.(*exec.ExitError); ok && exitError.ExitCode() == 1 {
			var conflicts []string
			for _, line := range lines[1:] {
				line = strings.TrimSpace(line)
				if line != "" {
					conflicts = append(conflicts, line)
				}
			}
			if len(conflicts) == 0 {
				conflicts = append(conflicts, "(unknown)")
			}
			return "", conflicts, nil
		}
		return "", nil, fmt.Errorf("merge-tree failed: %s: %s", runErr, strings.TrimSpace(stderr.String()))
	}

	return tree, nil, nil
}

// CommitFiles writes the given files on top of a branch head as a new
// commit, without a working tree. Used for `.lazyaf-context/` bookkeeping
// commits on pipeline branches.
func (s *Service) CommitFiles(ctx context.Context, repoID, branch, message string, files map[string]string) (string, error) {
	dir, err := s.validateRepoDir(repoID)
	if err != nil {
		return "", common.NewClientInputError("invalid repo ID: %v", err)
	}
	if err := ValidateBranchName(branch); err != nil {
		return "", common.NewClientInputError("invalid branch name: %v", err)
	}
	if len(files) == 0 {
		return "", common.NewClientInputError("no files to commit")
	}
	for path := range files {
		if err := validateFilePath(path); err != nil {
			return "", common.NewClientInputError("invalid file path: %v", err)
		}
	}

	headSHA, err := s.HeadCommit(ctx, repoID, branch)
	if err != nil {
		return "", fmt.Errorf("failed to resolve branch %s: %w", branch, err)
	}

	// Stage the head tree plus the new blobs in a throwaway index.
	indexFile, err := os.CreateTemp("", "lazyaf-index-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp index: %w", err)
	}
	indexPath := indexFile.Name()
	indexFile.Close()
	os.Remove(indexPath)
	defer os.Remove(indexPath)

	runWithIndex := func(stdin string, args ...string) (string, error) {
		ctxT, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		cmd, err := s.buildCommand(ctxT, dir, args...)
		if err != nil {
			return "", err
		}
		cmd.Env = append(cmd.Env, "GIT_INDEX_FILE="+indexPath)
		if stdin != "" {
			cmd.Stdin = strings.NewReader(stdin)
		}
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return "", fmt.Errorf("git %s failed: %s: %s", args[0], err, strings.TrimSpace(stderr.String()))
		}
		return stdout.String(), nil
	}

	if _, err := runWithIndex("", "read-tree", headSHA); err != nil {
		return "", err
	}

	for path, content := range files {
		blob, err := runWithIndex(content, "hash-object", "-w", "--stdin")
		if err != nil {
			return "", err
		}
		cacheInfo := fmt.Sprintf("100644,%s,%s", strings.TrimSpace(blob), path)
		if _, err := runWithIndex("", "update-index", "--add", "--cacheinfo", cacheInfo); err != nil {
			return "", err
		}
	}

	treeOut, err := runWithIndex("", "write-tree")
	if err != nil {
		return "", err
	}
	tree := strings.TrimSpace(treeOut)

	commitSHA, err := s.commitTree(ctx, dir, tree, message, headSHA)
	if err != nil {
		return "", err
	}
	if _, err := s.run(ctx, dir, "update-ref", "refs/heads/"+branch, commitSHA, headSHA); err != nil {
		return "", fmt.Errorf("failed to advance %s: %w", branch, err)
	}
	return commitSHA, nil
}

// RemoveTree creates a commit on a branch that deletes every file under
// the given prefix. Removing a prefix with no files is a no-op.
func (s *Service) RemoveTree(ctx context.Context, repoID, branch, message, prefix string) (string, error) {
	dir, err := s.validateRepoDir(repoID)
	if err != nil {
		return "", common.NewClientInputError("invalid repo ID: %v", err)
	}
	if err := ValidateBranchName(branch); err != nil {
		return "", common.NewClientInputError("invalid branch name: %v", err)
	}
	if err := validateFilePath(prefix); err != nil {
		return "", common.NewClientInputError("invalid prefix: %v", err)
	}

	headSHA, err := s.HeadCommit(ctx, repoID, branch)
	if err != nil {
		return "", fmt.Errorf("failed to resolve branch %s: %w", branch, err)
	}

	out, err := s.run(ctx, dir, "ls-tree", "-r", "--name-only", headSHA, prefix)
	if err != nil {
		return "", err
	}
	var paths []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			paths = append(paths, line)
		}
	}
	if len(paths) == 0 {
		return headSHA, nil
	}

	indexFile, err := os.CreateTemp("", "lazyaf-index-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp index: %w", err)
	}
	indexPath := indexFile.Name()
	indexFile.Close()
	os.Remove(indexPath)
	defer os.Remove(indexPath)

	runWithIndex := func(args ...string) (string, error) {
		ctxT, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		cmd, err := s.buildCommand(ctxT, dir, args...)
		if err != nil {
			return "", err
		}
		cmd.Env = append(cmd.Env, "GIT_INDEX_FILE="+indexPath)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return "", fmt.Errorf("git %s failed: %s: %s", args[0], err, strings.TrimSpace(stderr.String()))
		}
		return stdout.String(), nil
	}

	if _, err := runWithIndex("read-tree", headSHA); err != nil {
		return "", err
	}
	for _, path := range paths {
		if _, err := runWithIndex("update-index", "--force-remove", path); err != nil {
			return "", err
		}
	}
	treeOut, err := runWithIndex("write-tree")
	if err != nil {
		return "", err
	}

	commitSHA, err := s.commitTree(ctx, dir, strings.TrimSpace(treeOut), message, headSHA)
	if err != nil {
		return "", err
	}
	if _, err := s.run(ctx, dir, "update-ref", "refs/heads/"+branch, commitSHA, headSHA); err != nil {
		return "", fmt.Errorf("failed to advance %s: %w", branch, err)
	}
	return commitSHA, nil
}
