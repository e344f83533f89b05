// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package githost

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/lazyaf/lazyaf/internal/logger"
	"github.com/lazyaf/lazyaf/internal/protocol"
)

var (
	httpLog     *zerolog.Logger
	httpLogOnce sync.Once
)

func getHTTPLog() *zerolog.Logger {
	httpLogOnce.Do(func() {
		l := logger.GetGitLogger().With().Str("component", "http").Logger()
		httpLog = &l
	})
	return httpLog
}

// EventSink receives one PushReceivedEvent per accepted ref update.
type EventSink interface {
	Publish(event protocol.Event)
}

// HTTPHandler serves the git smart-HTTP protocol for the hosted bare
// repositories. Pushes are detected by diffing ref snapshots around
// git-receive-pack.
type HTTPHandler struct {
	service *Service
	manager *Manager
	events  EventSink
}

// NewHTTPHandler creates the git HTTP plane.
func NewHTTPHandler(service *Service, manager *Manager, events EventSink) *HTTPHandler {
	return &HTTPHandler{service: service, manager: manager, events: events}
}

// Routes mounts the smart-HTTP endpoints on a chi router.
func (h *HTTPHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{repoID}.git/info/refs", h.handleInfoRefs)
	r.Post("/{repoID}.git/git-upload-pack", h.handleUploadPack)
	r.Post("/{repoID}.git/git-receive-pack", h.handleReceivePack)
	return r
}

// repoFromRequest validates the repo ID and checks the repo exists.
func (h *HTTPHandler) repoFromRequest(w http.ResponseWriter, r *http.Request) (string, bool) {
	repoID := chi.URLParam(r, "repoID")
	if err := ValidateRepoID(repoID); err != nil {
		http.Error(w, "invalid repository", http.StatusBadRequest)
		return "", false
	}
	if !h.service.RepoExists(repoID) {
		http.Error(w, "repository not found", http.StatusNotFound)
		return "", false
	}
	return repoID, true
}

// handleInfoRefs advertises refs for the requested service.
func (h *HTTPHandler) handleInfoRefs(w http.ResponseWriter, r *http.Request) {
	repoID, ok := h.repoFromRequest(w, r)
	if !ok {
		return
	}

	service := r.URL.Query().Get("service")
	if service != "git-upload-pack" && service != "git-receive-pack" {
		http.Error(w, "dumb protocol not supported", http.StatusForbidden)
		return
	}
	op := strings.TrimPrefix(service, "git-")

	handle := h.manager.Acquire(repoID)
	defer handle.Release()

	err := handle.WithReadLock(r.Context(), func() error {
		var out bytes.Buffer
		if err := h.runProtocol(r.Context(), repoID, op, []string{"--advertise-refs"}, nil, &out); err != nil {
			return err
		}

		w.Header().Set("Content-Type", fmt.Sprintf("application/x-%s-advertisement", service))
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)

		// Smart-HTTP prelude: service announcement pkt-line plus flush.
		fmt.Fprintf(w, "%04x# service=%s\n0000", len(service)+15, service)
		_, writeErr := w.Write(out.Bytes())
		return writeErr
	})
	if err != nil {
		getHTTPLog().Error().Err(err).Str("repo_id", repoID).Str("service", service).Msg("info/refs failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// handleUploadPack serves fetches and clones.
func (h *HTTPHandler) handleUploadPack(w http.ResponseWriter, r *http.Request) {
	repoID, ok := h.repoFromRequest(w, r)
	if !ok {
		return
	}

	body, err := requestBody(r)
	if err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	defer body.Close()

	handle := h.manager.Acquire(repoID)
	defer handle.Release()

	err = handle.WithReadLock(r.Context(), func() error {
		w.Header().Set("Content-Type", "application/x-git-upload-pack-result")
		w.Header().Set("Cache-Control", "no-cache")
		return h.runProtocol(r.Context(), repoID, "upload-pack", nil, body, w)
	})
	if err != nil {
		getHTTPLog().Error().Err(err).Str("repo_id", repoID).Msg("upload-pack failed")
	}
}

// handleReceivePack serves pushes. Refs are snapshotted before and after
// so every accepted update becomes a PushReceivedEvent.
func (h *HTTPHandler) handleReceivePack(w http.ResponseWriter, r *http.Request) {
	repoID, ok := h.repoFromRequest(w, r)
	if !ok {
		return
	}

	body, err := requestBody(r)
	if err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	defer body.Close()

	handle := h.manager.Acquire(repoID)
	defer handle.Release()

	err = handle.WithWriteLock(r.Context(), func() error {
		before, err := h.service.snapshotRefs(r.Context(), repoID)
		if err != nil {
			return err
		}

		w.Header().Set("Content-Type", "application/x-git-receive-pack-result")
		w.Header().Set("Cache-Control", "no-cache")
		if err := h.runProtocol(r.Context(), repoID, "receive-pack", nil, body, w); err != nil {
			return err
		}

		after, err := h.service.snapshotRefs(r.Context(), repoID)
		if err != nil {
			return err
		}

		for _, update := range diffRefs(before, after) {
			getHTTPLog().Info().
				Str("repo_id", repoID).
				Str("ref", update.Ref).
				Str("old", update.OldSHA).
				Str("new", update.NewSHA).
				Msg("Push accepted")
			if h.events != nil {
				h.events.Publish(protocol.NewPushReceivedEvent(repoID, update.Ref, update.OldSHA, update.NewSHA))
			}
		}
		return nil
	})
	if err != nil {
		getHTTPLog().Error().Err(err).Str("repo_id", repoID).Msg("receive-pack failed")
	}
}

// runProtocol invokes git upload-pack/receive-pack in stateless-rpc mode.
func (h *HTTPHandler) runProtocol(ctx context.Context, repoID, op string, extraArgs []string, stdin io.Reader, stdout io.Writer) error {
	dir, err := h.service.validateRepoDir(repoID)
	if err != nil {
		return err
	}

	args := append([]string{op, "--stateless-rpc"}, extraArgs...)
	args = append(args, dir)

	// No timeout here: large clones and pushes legitimately outlive the
	// default operation timeout; the request context bounds them.
	cmd, err := h.service.buildCommand(ctx, dir, args...)
	if err != nil {
		return err
	}
	cmd.Stdin = stdin
	cmd.Stdout = stdout

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git %s failed: %s: %s", op, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// requestBody unwraps gzip-encoded bodies the way git clients send them.
func requestBody(r *http.Request) (io.ReadCloser, error) {
	if r.Header.Get("Content-Encoding") == "gzip" {
		return gzip.NewReader(r.Body)
	}
	return r.Body, nil
}

// refUpdate is one branch movement observed across a receive-pack.
type refUpdate struct {
	Ref    string
	OldSHA string
	NewSHA string
}

const zeroSHA = "0000000000000000000000000000000000000000"

// snapshotRefs captures refs/heads as a name->sha map.
func (s *Service) snapshotRefs(ctx context.Context, repoID string) (map[string]string, error) {
	dir, err := s.validateRepoDir(repoID)
	if err != nil {
		return nil, err
	}
	out, err := s.run(ctx, dir, "for-each-ref", "--format=%(refname) %(objectname)", "refs/heads/")
	if err != nil {
		return nil, err
	}

	refs := make(map[string]string)
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 {
			refs[fields[0]] = fields[1]
		}
	}
	return refs, nil
}

// diffRefs lists updates between two ref snapshots, deletions included.
func diffRefs(before, after map[string]string) []refUpdate {
	var updates []refUpdate
	for ref, newSHA := range after {
		oldSHA, existed := before[ref]
		if !existed {
			updates = append(updates, refUpdate{Ref: ref, OldSHA: zeroSHA, NewSHA: newSHA})
		} else if oldSHA != newSHA {
			updates = append(updates, refUpdate{Ref: ref, OldSHA: oldSHA, NewSHA: newSHA})
		}
	}
	for ref, oldSHA := range before {
		if _, exists := after[ref]; !exists {
			updates = append(updates, refUpdate{Ref: ref, OldSHA: oldSHA, NewSHA: zeroSHA})
		}
	}
	return updates
}
