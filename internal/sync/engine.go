// Package sync reconciles the local mirror with the remote source: periodic
// full sync cycles, conflict detection and resolution, and a durable offline
// queue replayed when connectivity returns.
package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/JohanCodinha/prmirror/internal/cache"
	"github.com/JohanCodinha/prmirror/internal/logger"
	"github.com/JohanCodinha/prmirror/internal/model"
	"github.com/JohanCodinha/prmirror/internal/remote"
	"github.com/JohanCodinha/prmirror/internal/scheduler"
	"github.com/JohanCodinha/prmirror/internal/storage"
	"github.com/JohanCodinha/prmirror/internal/store"
)

// Config controls sync behavior.
type Config struct {
	// SyncInterval is the period between automatic full sync cycles.
	SyncInterval time.Duration

	// OfflineMode forces the engine to treat the network as unavailable.
	OfflineMode bool

	// ConflictStrategy is latest-wins (default) or manual.
	ConflictStrategy string

	// BatchSize is the chunk size for batch replay.
	BatchSize int

	// MaxRetries bounds replay attempts per offline operation.
	MaxRetries int

	// RetryDelay is the fixed wait between retry attempts.
	RetryDelay time.Duration

	// InspectedFields are the business fields compared during conflict
	// detection. Defaults to title, description and status.
	InspectedFields []string

	// KeepMissing keeps local records whose keys vanished remotely instead
	// of pruning them.
	KeepMissing bool
}

func (c Config) withDefaults() Config {
	if c.SyncInterval <= 0 {
		c.SyncInterval = 5 * time.Minute
	}
	if c.ConflictStrategy == "" {
		c.ConflictStrategy = StrategyLatestWins
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.InspectedFields == nil {
		c.InspectedFields = []string{"title", "description", "status"}
	}
	return c
}

// Statistics is the cumulative sync counters surface.
type Statistics struct {
	LastSync    time.Time
	SyncCount   int
	ErrorCount  int
	LastError   time.Time
	QueueLength int
	Conflicts   int
}

// Deps are the engine's collaborators, injected explicitly.
type Deps struct {
	Store     *store.Store
	Remote    remote.Client
	Storage   storage.Store
	Cache     *cache.Cache
	Scheduler scheduler.Scheduler
	Clock     clockwork.Clock // optional; defaults to the real clock
	Network   NetworkSource   // optional; nil means always online
}

// Engine drives reconciliation between the state store and the remote.
// Cycles run one at a time: a trigger received while a cycle is in flight is
// a no-op.
type Engine struct {
	store   *store.Store
	remote  remote.Client
	storage storage.Store
	cache   *cache.Cache
	sched   scheduler.Scheduler
	clock   clockwork.Clock
	network NetworkSource
	cfg     Config

	mu         gosync.Mutex
	syncing    bool
	replaying  bool
	disposed   bool
	online     bool
	stopTimer  scheduler.StopFunc
	queue      []Operation
	conflicts  map[string]ConflictRecord
	stats      Statistics
	unwatchNet func()

	events       listenerRegistry[Event]
	netListeners listenerRegistry[bool]
}

// New creates an engine and restores its persisted offline queue and
// conflict log. Call StartSync to arm the interval timer.
func New(deps Deps, cfg Config) (*Engine, error) {
	if deps.Store == nil || deps.Remote == nil || deps.Storage == nil || deps.Scheduler == nil {
		return nil, fmt.Errorf("sync: store, remote, storage and scheduler are required")
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}

	e := &Engine{
		store:     deps.Store,
		remote:    deps.Remote,
		storage:   deps.Storage,
		cache:     deps.Cache,
		sched:     deps.Scheduler,
		clock:     deps.Clock,
		network:   deps.Network,
		cfg:       cfg.withDefaults(),
		online:    true,
		conflicts: make(map[string]ConflictRecord),
	}

	if deps.Network != nil {
		e.online = deps.Network.Online()
		e.unwatchNet = deps.Network.AddListener(e.onNetworkChange)
	}

	e.loadQueue()
	e.loadConflicts()
	return e, nil
}

// StartSync arms the interval timer. Starting twice is idempotent.
func (e *Engine) StartSync() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.disposed || e.stopTimer != nil {
		return
	}
	e.stopTimer = e.sched.SchedulePeriodic(e.cfg.SyncInterval, func() {
		e.runCycle(context.Background())
	})
	logger.Info("sync: started (interval %s)", e.cfg.SyncInterval)
}

// StopSync disarms the interval timer. An in-flight cycle finishes; no new
// cycle is scheduled afterward.
func (e *Engine) StopSync() {
	e.mu.Lock()
	stop := e.stopTimer
	e.stopTimer = nil
	e.mu.Unlock()

	if stop != nil {
		stop()
		logger.Info("sync: stopped")
	}
}

// ForceFullSync runs one sync cycle immediately. Returns an error when a
// cycle is already in flight or the engine is offline or disposed.
func (e *Engine) ForceFullSync(ctx context.Context) error {
	if !e.runCycle(ctx) {
		return fmt.Errorf("sync: cycle not started (already syncing, offline, or disposed)")
	}
	return nil
}

// runCycle executes one full reconciliation pass. Returns whether the cycle
// actually ran.
func (e *Engine) runCycle(ctx context.Context) bool {
	e.mu.Lock()
	if e.syncing || e.disposed || !e.onlineLocked() {
		e.mu.Unlock()
		return false
	}
	e.syncing = true
	e.mu.Unlock()

	started := e.clock.Now()
	e.events.notify(Event{Kind: EventSyncStarted})

	errs := 0

	// Phase failures are isolated: a failing fetch is logged and counted,
	// and the remaining phases still run.
	if err := e.syncRepositories(ctx); err != nil {
		logger.Error("sync: repositories phase failed: %v", err)
		e.countError()
		errs++
	}

	for repoID := range e.store.Repositories() {
		if err := e.syncPullRequests(ctx, repoID); err != nil {
			logger.Error("sync: pull requests phase failed for %s: %v", repoID, err)
			e.countError()
			errs++
			continue
		}
		for _, pr := range e.store.GetPullRequestsForRepository(repoID) {
			if pr.Status != "open" && pr.Status != "draft" {
				continue
			}
			if err := e.syncCommentThreads(ctx, repoID, pr.ID); err != nil {
				logger.Error("sync: comment threads phase failed for %s#%s: %v", repoID, pr.ID, err)
				e.countError()
				errs++
			}
		}
	}

	e.ProcessOfflineQueue(ctx)

	e.mu.Lock()
	e.syncing = false
	e.stats.LastSync = e.clock.Now().UTC()
	e.stats.SyncCount++
	e.mu.Unlock()

	kind := EventSyncCompleted
	if errs > 0 {
		kind = EventSyncFailed
	}
	e.events.notify(Event{Kind: kind, Errors: errs, Duration: e.clock.Since(started)})
	return true
}

// syncRepositories reconciles the repository list entity by entity, running
// diverging records through conflict resolution like the other phases.
func (e *Engine) syncRepositories(ctx context.Context) error {
	remoteRepos, err := e.remote.FetchRepositories(ctx)
	if err != nil {
		return err
	}

	local := e.store.Repositories()

	merged := make([]model.Repository, 0, len(remoteRepos))
	seen := make(map[string]bool, len(remoteRepos))
	for _, remoteRepo := range remoteRepos {
		seen[remoteRepo.ID] = true

		localRepo, exists := local[remoteRepo.ID]
		if exists && hasRepositoryConflict(localRepo, remoteRepo) {
			merged = append(merged, resolveConflict(e, ConflictKindRepository, remoteRepo.ID, localRepo, remoteRepo))
			continue
		}
		merged = append(merged, remoteRepo)
	}

	if e.cfg.KeepMissing {
		for id, repo := range local {
			if !seen[id] {
				merged = append(merged, repo)
			}
		}
	}

	e.store.UpdateRepositories(merged)
	e.cacheSet("repositories", merged, "repositories")
	return nil
}

// syncPullRequests reconciles one repository's pull requests entity by
// entity: diverging records go through conflict resolution, unchanged keys
// are refreshed from remote, remote-only keys are added, and locally-known
// keys absent remotely are pruned unless KeepMissing is set.
func (e *Engine) syncPullRequests(ctx context.Context, repoID string) error {
	remotePRs, err := e.remote.FetchPullRequests(ctx, repoID)
	if err != nil {
		return err
	}

	local := make(map[string]model.PullRequest)
	for _, pr := range e.store.GetPullRequestsForRepository(repoID) {
		local[pr.Key()] = pr
	}

	merged := make([]model.PullRequest, 0, len(remotePRs))
	seen := make(map[string]bool, len(remotePRs))
	for _, remotePR := range remotePRs {
		key := remotePR.Key()
		seen[key] = true

		localPR, exists := local[key]
		if exists && hasConflict(localPR, remotePR, e.cfg.InspectedFields) {
			merged = append(merged, resolveConflict(e, ConflictKindPullRequest, key, localPR, remotePR))
			continue
		}
		merged = append(merged, remotePR)
	}

	if e.cfg.KeepMissing {
		for key, pr := range local {
			if !seen[key] {
				merged = append(merged, pr)
			}
		}
	}

	e.store.UpdatePullRequests(repoID, merged)
	e.cacheSet("pullRequests/"+repoID, merged, "pullRequests")
	return nil
}

// syncCommentThreads reconciles the review threads of one pull request,
// checking each surviving thread for a resolution-status conflict.
func (e *Engine) syncCommentThreads(ctx context.Context, repoID, prID string) error {
	remoteThreads, err := e.remote.FetchCommentThreads(ctx, repoID, prID)
	if err != nil {
		return err
	}

	local := make(map[string]model.CommentThread)
	for _, thread := range e.store.GetCommentThreadsForPullRequest(repoID, prID) {
		local[thread.ID] = thread
	}

	prKey := model.PullRequestKey(repoID, prID)
	merged := make([]model.CommentThread, 0, len(remoteThreads))
	seen := make(map[string]bool, len(remoteThreads))
	for _, remoteThread := range remoteThreads {
		seen[remoteThread.ID] = true

		localThread, exists := local[remoteThread.ID]
		if exists && hasThreadConflict(localThread, remoteThread) {
			merged = append(merged, resolveConflict(e, ConflictKindCommentThread, prKey+"_"+remoteThread.ID, localThread, remoteThread))
			continue
		}
		merged = append(merged, remoteThread)
	}

	if e.cfg.KeepMissing {
		for id, thread := range local {
			if !seen[id] {
				merged = append(merged, thread)
			}
		}
	}

	e.store.UpdateCommentThreads(repoID, prID, merged)
	e.cacheSet("commentThreads/"+prKey, merged, "commentThreads")
	return nil
}

// cacheSet records a fetched collection in the cache when one is wired.
func (e *Engine) cacheSet(key string, value any, tag string) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Set(key, value, 0, tag); err != nil {
		logger.Warn("sync: failed to cache %s: %v", key, err)
	}
}

// onNetworkChange tracks connectivity and relays transitions. A return to
// online drains the offline queue.
func (e *Engine) onNetworkChange(online bool) {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return
	}
	wasOnline := e.online
	e.online = online
	e.mu.Unlock()

	if wasOnline == online {
		return
	}

	logger.Info("sync: network is now %s", map[bool]string{true: "online", false: "offline"}[online])
	e.netListeners.notify(online)
	e.events.notify(Event{Kind: EventNetworkChanged, Online: online})

	if online {
		e.ProcessOfflineQueue(context.Background())
	}
}

// onlineLocked reports effective connectivity. Caller holds e.mu.
func (e *Engine) onlineLocked() bool {
	return e.online && !e.cfg.OfflineMode
}

// Online reports whether the engine currently believes the network is
// available.
func (e *Engine) Online() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.onlineLocked()
}

// AddSyncStatusListener registers a lifecycle event listener and returns its
// removal function.
func (e *Engine) AddSyncStatusListener(fn func(Event)) func() {
	return e.events.add(fn)
}

// AddNetworkStatusListener registers a connectivity transition listener and
// returns its removal function.
func (e *Engine) AddNetworkStatusListener(fn func(online bool)) func() {
	return e.netListeners.add(fn)
}

// GetSyncStatistics returns the cumulative counters.
func (e *Engine) GetSyncStatistics() Statistics {
	e.mu.Lock()
	defer e.mu.Unlock()

	stats := e.stats
	stats.QueueLength = len(e.queue)
	stats.Conflicts = len(e.conflicts)
	return stats
}

func (e *Engine) countError() {
	e.mu.Lock()
	e.stats.ErrorCount++
	e.stats.LastError = e.clock.Now().UTC()
	e.mu.Unlock()
}

// Dispose stops the timer, drops the in-memory queue and conflict log
// (both already persisted) and releases every listener. The engine is
// unusable afterward.
func (e *Engine) Dispose() {
	e.StopSync()

	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return
	}
	e.disposed = true
	e.queue = nil
	e.conflicts = make(map[string]ConflictRecord)
	unwatch := e.unwatchNet
	e.unwatchNet = nil
	e.mu.Unlock()

	if unwatch != nil {
		unwatch()
	}
	e.events.clear()
	e.netListeners.clear()
	logger.Info("sync: disposed")
}
