package sync

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/JohanCodinha/prmirror/internal/logger"
	"github.com/JohanCodinha/prmirror/internal/model"
)

const conflictStorageKey = "sync/conflicts"

// Conflict resolution strategies.
const (
	StrategyLatestWins = "latest-wins"
	StrategyManual     = "manual"
)

// Conflict entity kinds recorded in ConflictRecord.Kind.
const (
	ConflictKindRepository    = "repository"
	ConflictKindPullRequest   = "pullRequest"
	ConflictKindCommentThread = "commentThread"
)

// ConflictRecord captures a detected divergence between the local and remote
// copy of a record. Under latest-wins the record doubles as a backup of the
// discarded local version; under manual it stays pending until resolved.
type ConflictRecord struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Key        string          `json:"key"`
	Local      json.RawMessage `json:"local"`
	Remote     json.RawMessage `json:"remote"`
	DetectedAt time.Time       `json:"detected_at"`
	Resolved   bool            `json:"resolved"`
	Resolution string          `json:"resolution,omitempty"`
}

// hasConflict reports whether local and remote diverge on the inspected
// business fields. Volatile fields (FetchedAt) are never compared, so a
// record never conflicts with itself.
func hasConflict(local, remote model.PullRequest, fields []string) bool {
	for _, field := range fields {
		switch field {
		case "title":
			if local.Title != remote.Title {
				return true
			}
		case "description":
			if local.Description != remote.Description {
				return true
			}
		case "status":
			if local.Status != remote.Status {
				return true
			}
		case "labels":
			if !slices.Equal(local.Labels, remote.Labels) {
				return true
			}
		}
	}
	return false
}

// hasRepositoryConflict reports divergence on a repository's mutable content.
// Identity fields and timestamps are never compared.
func hasRepositoryConflict(local, remote model.Repository) bool {
	return local.Description != remote.Description
}

// hasThreadConflict reports divergence on a thread's resolution status. The
// comment list itself is remote-authored content and never conflicts.
func hasThreadConflict(local, remote model.CommentThread) bool {
	return local.Status != remote.Status
}

// resolveConflict applies the configured strategy and returns the value the
// store should keep. latest-wins returns remote and backs up the local copy
// as a resolved record; manual stores a pending record and keeps local.
func resolveConflict[T any](e *Engine, kind, key string, local, remote T) T {
	e.events.notify(Event{Kind: EventConflictDetected, Key: key})

	switch e.cfg.ConflictStrategy {
	case StrategyManual:
		e.createConflict(kind, key, local, remote, false, "")
		return local
	default:
		e.createConflict(kind, key, local, remote, true, StrategyLatestWins)
		return remote
	}
}

// createConflict records a divergence in the durable conflict log.
func (e *Engine) createConflict(kind, key string, local, remote any, resolved bool, resolution string) {
	localRaw, err := json.Marshal(local)
	if err != nil {
		logger.Warn("sync: failed to encode local copy for conflict %s: %v", key, err)
		return
	}
	remoteRaw, err := json.Marshal(remote)
	if err != nil {
		logger.Warn("sync: failed to encode remote copy for conflict %s: %v", key, err)
		return
	}

	record := ConflictRecord{
		ID:         uuid.NewString(),
		Kind:       kind,
		Key:        key,
		Local:      localRaw,
		Remote:     remoteRaw,
		DetectedAt: e.clock.Now().UTC(),
		Resolved:   resolved,
		Resolution: resolution,
	}

	e.mu.Lock()
	e.conflicts[key] = record
	e.persistConflictsLocked()
	e.mu.Unlock()

	logger.Info("sync: recorded conflict for %s %s (resolved=%v)", kind, key, resolved)
}

// Conflicts returns a copy of the conflict log.
func (e *Engine) Conflicts() map[string]ConflictRecord {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[string]ConflictRecord, len(e.conflicts))
	for k, v := range e.conflicts {
		out[k] = v
	}
	return out
}

// ResolveConflict settles a pending manual conflict: useRemote picks the
// remote copy, otherwise the local copy stands. Returns false for unknown or
// already-resolved keys.
func (e *Engine) ResolveConflict(key string, useRemote bool) bool {
	e.mu.Lock()
	record, ok := e.conflicts[key]
	if !ok || record.Resolved {
		e.mu.Unlock()
		return false
	}

	record.Resolved = true
	if useRemote {
		record.Resolution = "remote"
	} else {
		record.Resolution = "local"
	}
	e.conflicts[key] = record
	e.persistConflictsLocked()
	e.mu.Unlock()

	if useRemote {
		if !e.applyRemoteCopy(record) {
			return false
		}
	}
	return true
}

// applyRemoteCopy writes a conflict record's remote version into the store.
func (e *Engine) applyRemoteCopy(record ConflictRecord) bool {
	switch record.Kind {
	case ConflictKindRepository:
		var repo model.Repository
		if err := json.Unmarshal(record.Remote, &repo); err != nil {
			logger.Error("sync: failed to decode remote copy for conflict %s: %v", record.Key, err)
			return false
		}
		current := e.store.Repositories()
		current[repo.ID] = repo
		list := make([]model.Repository, 0, len(current))
		for _, r := range current {
			list = append(list, r)
		}
		e.store.UpdateRepositories(list)

	case ConflictKindCommentThread:
		var thread model.CommentThread
		if err := json.Unmarshal(record.Remote, &thread); err != nil {
			logger.Error("sync: failed to decode remote copy for conflict %s: %v", record.Key, err)
			return false
		}
		threads := e.store.GetCommentThreadsForPullRequest(thread.RepositoryID, thread.PullRequestID)
		replaced := false
		for i := range threads {
			if threads[i].ID == thread.ID {
				threads[i] = thread
				replaced = true
				break
			}
		}
		if !replaced {
			threads = append(threads, thread)
		}
		e.store.UpdateCommentThreads(thread.RepositoryID, thread.PullRequestID, threads)

	default:
		var pr model.PullRequest
		if err := json.Unmarshal(record.Remote, &pr); err != nil {
			logger.Error("sync: failed to decode remote copy for conflict %s: %v", record.Key, err)
			return false
		}
		e.store.AddPullRequest(pr)
	}
	return true
}

// persistConflictsLocked writes the conflict log to durable storage. Caller
// holds e.mu.
func (e *Engine) persistConflictsLocked() {
	raw, err := json.Marshal(e.conflicts)
	if err != nil {
		logger.Warn("sync: failed to encode conflict log: %v", err)
		return
	}
	if err := e.storage.Update(conflictStorageKey, raw); err != nil {
		logger.Warn("sync: failed to persist conflict log: %v", err)
	}
}

// loadConflicts restores the persisted conflict log at startup.
func (e *Engine) loadConflicts() {
	raw, ok, err := e.storage.Get(conflictStorageKey)
	if err != nil {
		logger.Warn("sync: failed to load conflict log: %v", err)
		return
	}
	if !ok {
		return
	}
	if err := json.Unmarshal(raw, &e.conflicts); err != nil {
		logger.Warn("sync: failed to decode conflict log: %v", err)
	}
}
