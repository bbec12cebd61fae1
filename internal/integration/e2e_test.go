//go:build integration

// Package integration contains end-to-end tests wiring the full stack:
// SQLite storage, cache, state store, sync engine and the mock remote.
// Run with: go test -tags=integration ./internal/integration/...
package integration

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/JohanCodinha/prmirror/internal/cache"
	"github.com/JohanCodinha/prmirror/internal/model"
	"github.com/JohanCodinha/prmirror/internal/remote"
	"github.com/JohanCodinha/prmirror/internal/scheduler"
	"github.com/JohanCodinha/prmirror/internal/storage"
	"github.com/JohanCodinha/prmirror/internal/store"
	"github.com/JohanCodinha/prmirror/internal/sync"
)

type stack struct {
	storage *storage.SQLiteStore
	cache   *cache.Cache
	store   *store.Store
	engine  *sync.Engine
}

func newStack(t *testing.T, dbPath string, srv *remote.MockServer, repos []string, cfg sync.Config) *stack {
	t.Helper()

	db, err := storage.OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("failed to open storage: %v", err)
	}

	clock := clockwork.NewFakeClock()
	sched := scheduler.NewWithClock(clock)
	c := cache.New(db, sched, cache.DefaultOptions())

	st := store.New(db, store.Options{})
	st.LoadPersisted()

	client := remote.NewGitHubWithBaseURL("test-token", srv.URL, repos)

	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Millisecond
	}
	engine, err := sync.New(sync.Deps{
		Store:     st,
		Remote:    client,
		Storage:   db,
		Cache:     c,
		Scheduler: sched,
		Clock:     clock,
	}, cfg)
	if err != nil {
		t.Fatalf("failed to create sync engine: %v", err)
	}

	s := &stack{storage: db, cache: c, store: st, engine: engine}
	t.Cleanup(func() {
		s.engine.Dispose()
		s.cache.Close()
		s.storage.Close()
	})
	return s
}

func TestE2E_MirrorAndRestart(t *testing.T) {
	srv := remote.NewMockServer()
	defer srv.Close()

	srv.AddRepository("octo", "alpha", "integration fixture")
	srv.SetPull("octo/alpha", remote.SeedPull(7, "Fix login flow", "Long description", "open"))
	srv.AddComment("octo/alpha", 7, remote.SeedComment(100, "main.go", 12, "looks wrong"))

	dbPath := filepath.Join(t.TempDir(), "mirror.db")
	s := newStack(t, dbPath, srv, []string{"octo/alpha"}, sync.Config{})

	if err := s.engine.ForceFullSync(context.Background()); err != nil {
		t.Fatalf("full sync failed: %v", err)
	}

	if _, ok := s.store.Repositories()["octo/alpha"]; !ok {
		t.Fatal("repository not mirrored")
	}
	pr, ok := s.store.PullRequests()["octo/alpha_7"]
	if !ok || pr.Title != "Fix login flow" {
		t.Fatalf("pull request not mirrored: %+v", pr)
	}
	if threads := s.store.GetCommentThreadsForPullRequest("octo/alpha", "7"); len(threads) != 1 {
		t.Fatalf("comment threads not mirrored: %d", len(threads))
	}

	// A second stack over the same database serves the mirror without any
	// network access. The remote server is gone by then.
	s.cache.Flush()
	srv2 := remote.NewMockServer()
	srv2.Close()

	restarted := newStack(t, dbPath, srv2, []string{"octo/alpha"}, sync.Config{})
	if got := restarted.store.PullRequests()["octo/alpha_7"].Title; got != "Fix login flow" {
		t.Errorf("mirrored data lost across restart: %q", got)
	}
	if len(restarted.store.GetCommentThreadsForPullRequest("octo/alpha", "7")) != 1 {
		t.Error("comment threads lost across restart")
	}
}

func TestE2E_ConflictLatestWins(t *testing.T) {
	srv := remote.NewMockServer()
	defer srv.Close()

	srv.AddRepository("octo", "alpha", "")
	srv.SetPull("octo/alpha", remote.SeedPull(7, "Remote title", "", "open"))

	dbPath := filepath.Join(t.TempDir(), "mirror.db")
	s := newStack(t, dbPath, srv, []string{"octo/alpha"}, sync.Config{})

	if err := s.engine.ForceFullSync(context.Background()); err != nil {
		t.Fatalf("initial sync failed: %v", err)
	}

	// Diverge locally, then sync again: latest-wins restores the remote
	// version and logs the discarded local copy.
	title := "Local divergence"
	if !s.store.UpdatePullRequest("octo/alpha", "7", model.PullRequestUpdate{Title: &title}) {
		t.Fatal("local update failed")
	}

	if err := s.engine.ForceFullSync(context.Background()); err != nil {
		t.Fatalf("second sync failed: %v", err)
	}

	if got := s.store.PullRequests()["octo/alpha_7"].Title; got != "Remote title" {
		t.Errorf("latest-wins kept %q", got)
	}
	if _, ok := s.engine.Conflicts()["octo/alpha_7"]; !ok {
		t.Error("conflict backup missing")
	}
}

func TestE2E_OfflineQueueReplayedAgainstRemote(t *testing.T) {
	srv := remote.NewMockServer()
	defer srv.Close()

	srv.AddRepository("octo", "alpha", "")
	srv.SetPull("octo/alpha", remote.SeedPull(7, "PR", "", "open"))

	dbPath := filepath.Join(t.TempDir(), "mirror.db")
	s := newStack(t, dbPath, srv, []string{"octo/alpha"}, sync.Config{})

	if err := s.engine.ForceFullSync(context.Background()); err != nil {
		t.Fatalf("initial sync failed: %v", err)
	}

	// Queue a title update while "offline", then replay it.
	title := "Queued title"
	update := model.PullRequestUpdate{Title: &title}
	s.engine.QueueOperation(sync.Operation{
		Kind:          sync.OpUpdatePullRequest,
		RepositoryID:  "octo/alpha",
		PullRequestID: "7",
		Update:        &update,
	})
	if s.engine.QueueLength() != 1 {
		t.Fatal("operation not queued")
	}

	s.engine.ProcessOfflineQueue(context.Background())

	if s.engine.QueueLength() != 0 {
		t.Fatal("queue not drained")
	}
	if p, ok := srv.Pull("octo/alpha", 7); !ok || p.Title != "Queued title" {
		t.Errorf("server copy not updated: %+v", p)
	}
}
