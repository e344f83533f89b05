// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package githost

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mholt/archiver/v3"

	"github.com/lazyaf/lazyaf/internal/common"
)

// IngestFromURL mirrors an existing repository into a hosted bare repo.
// The source may be a local path or an http(s) URL.
func (s *Service) IngestFromURL(ctx context.Context, repoID, sourceURL, defaultBranch string) error {
	dir, err := s.validateRepoDir(repoID)
	if err != nil {
		return common.NewClientInputError("invalid repo ID: %v", err)
	}
	if err := validateSourceURL(sourceURL); err != nil {
		return common.NewClientInputError("invalid source: %v", err)
	}
	if s.RepoExists(repoID) {
		return fmt.Errorf("repo %s: %w", repoID, common.ErrAlreadyExists)
	}

	if _, err := s.run(ctx, s.reposRoot, "clone", "--bare", sourceURL, dir); err != nil {
		return fmt.Errorf("failed to clone source: %w", err)
	}

	return s.pointHead(ctx, repoID, defaultBranch)
}

// IngestFromArchive unpacks a tarball and mirrors its contents into a
// hosted bare repo. The archive may hold a git repository or a plain
// file tree; a plain tree becomes a single initial commit.
func (s *Service) IngestFromArchive(ctx context.Context, repoID, archivePath, defaultBranch string) error {
	if err := ValidateRepoID(repoID); err != nil {
		return common.NewClientInputError("invalid repo ID: %v", err)
	}
	if s.RepoExists(repoID) {
		return fmt.Errorf("repo %s: %w", repoID, common.ErrAlreadyExists)
	}
	if _, err := os.Stat(archivePath); err != nil {
		return common.NewClientInputError("archive not found: %s", archivePath)
	}

	tmpDir, err := os.MkdirTemp("", "lazyaf-ingest-*")
	if err != nil {
		return fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	if err := archiver.Unarchive(archivePath, tmpDir); err != nil {
		return fmt.Errorf("failed to unpack archive: %w", err)
	}

	srcRoot, err := archiveRoot(tmpDir)
	if err != nil {
		return err
	}

	if _, statErr := os.Stat(filepath.Join(srcRoot, ".git")); statErr == nil {
		return s.IngestFromURL(ctx, repoID, srcRoot, defaultBranch)
	}

	// Plain tree: build the repo, then add the tree as one commit.
	if defaultBranch == "" {
		defaultBranch = s.defaultBranch
	}
	if err := s.InitRepo(ctx, repoID, defaultBranch); err != nil {
		return err
	}

	files := make(map[string]string)
	walkErr := filepath.Walk(srcRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(srcRoot, path)
		if err != nil {
			return err
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = string(content)
		return nil
	})
	if walkErr != nil {
		_ = s.DeleteRepo(repoID)
		return fmt.Errorf("failed to read archive tree: %w", walkErr)
	}
	if len(files) > 0 {
		if _, err := s.CommitFiles(ctx, repoID, defaultBranch, "imported from archive", files); err != nil {
			_ = s.DeleteRepo(repoID)
			return err
		}
	}

	getLog().Info().Str("repo_id", repoID).Int("files", len(files)).Msg("Ingested repository from archive")
	return nil
}

// archiveRoot returns the effective content root of an unpacked archive:
// either the temp dir itself or its single top-level directory.
func archiveRoot(tmpDir string) (string, error) {
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		return "", fmt.Errorf("failed to read unpacked archive: %w", err)
	}
	if len(entries) == 1 && entries[0].IsDir() {
		return filepath.Join(tmpDir, entries[0].Name()), nil
	}
	return tmpDir, nil
}

// pointHead makes HEAD track the default branch, falling back to the
// first branch present when the requested one does not exist.
func (s *Service) pointHead(ctx context.Context, repoID, defaultBranch string) error {
	dir, err := s.validateRepoDir(repoID)
	if err != nil {
		return err
	}
	if defaultBranch == "" {
		defaultBranch = s.defaultBranch
	}

	exists, err := s.BranchExists(ctx, repoID, defaultBranch)
	if err != nil {
		return err
	}
	if !exists {
		branches, err := s.ListBranches(ctx, repoID)
		if err != nil {
			return err
		}
		if len(branches) == 0 {
			return fmt.Errorf("ingested repo %s has no branches", repoID)
		}
		defaultBranch = branches[0]
	}

	_, err = s.run(ctx, dir, "symbolic-ref", "HEAD", "refs/heads/"+defaultBranch)
	return err
}

// validateSourceURL accepts local paths and http(s) URLs, rejecting
// anything that could be parsed as a git option.
func validateSourceURL(source string) error {
	if source == "" {
		return fmt.Errorf("source cannot be empty")
	}
	if strings.HasPrefix(source, "-") {
		return fmt.Errorf("source cannot start with '-'")
	}
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") ||
		strings.HasPrefix(source, "file://") || filepath.IsAbs(source) {
		return nil
	}
	return fmt.Errorf("unsupported source: %s", source)
}

// ArchiveRepo packs a bare repository into a tar.gz at destPath,
// replacing any previous archive there.
func (s *Service) ArchiveRepo(repoID, destPath string) error {
	dir, err := s.validateRepoDir(repoID)
	if err != nil {
		return common.NewClientInputError("invalid repo ID: %v", err)
	}
	if !s.RepoExists(repoID) {
		return common.NewResourceUnavailableError("repo %s does not exist", repoID)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("failed to create snapshot dir: %w", err)
	}
	if err := os.Remove(destPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to replace previous snapshot: %w", err)
	}

	if err := archiver.Archive([]string{dir}, destPath); err != nil {
		return fmt.Errorf("failed to archive repo: %w", err)
	}

	getLog().Info().Str("repo_id", repoID).Str("dest", destPath).Msg("Archived repository")
	return nil
}
