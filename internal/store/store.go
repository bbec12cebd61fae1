// Package store holds the authoritative in-memory mirror of the remote work
// items plus UI-agnostic view state. It hands out isolated snapshots, keeps a
// bounded undo history and notifies listeners through typed events.
//
// Mutations are applied in memory first; persistence to durable storage is
// best-effort and a failure never rolls back the in-memory change.
package store

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/JohanCodinha/prmirror/internal/logger"
	"github.com/JohanCodinha/prmirror/internal/model"
	"github.com/JohanCodinha/prmirror/internal/storage"
)

// Persisted slice keys in durable storage.
const (
	keyRepositories   = "state/repositories"
	keyPullRequests   = "state/pullRequests"
	keyCommentThreads = "state/commentThreads"
	keyViewState      = "state/viewState"
)

// defaultHistoryLimit bounds the undo ring when no limit is configured.
const defaultHistoryLimit = 20

// ViewState is the UI-agnostic selection and panel state owned by the store.
type ViewState struct {
	SelectedRepositoryID    string          `json:"selected_repository_id"`
	SelectedPullRequestKey  string          `json:"selected_pull_request_key"`
	SelectedCommentThreadID string          `json:"selected_comment_thread_id"`
	ExpandedThreadIDs       map[string]bool `json:"expanded_thread_ids"`
	SidebarVisible          bool            `json:"sidebar_visible"`
	DetailViewVisible       bool            `json:"detail_view_visible"`
	LoadingStates           map[string]bool `json:"loading_states"`
	Errors                  map[string]string `json:"errors"`
}

// State is an aggregate snapshot of all mirrored collections. Values returned
// by Snapshot are structurally independent copies.
type State struct {
	Repositories   map[string]model.Repository      `json:"repositories"`
	PullRequests   map[string]model.PullRequest     `json:"pull_requests"`
	CommentThreads map[string][]model.CommentThread `json:"comment_threads"`
	ViewState      ViewState                        `json:"view_state"`
}

// ViewStateUpdate patches individual view-state fields; nil fields are left
// unchanged.
type ViewStateUpdate struct {
	SelectedRepositoryID    *string
	SelectedPullRequestKey  *string
	SelectedCommentThreadID *string
	SidebarVisible          *bool
	DetailViewVisible       *bool
}

// Options configures a Store.
type Options struct {
	HistoryLimit   int  // undo depth, default 20
	DisableHistory bool // skip undo snapshots entirely
}

// Statistics reports entity counts and bookkeeping depth.
type Statistics struct {
	Repositories   int
	PullRequests   int
	CommentThreads int
	UndoDepth      int
	Listeners      int
	MemoryBytes    int64
}

// Store is the canonical state container. All methods are safe for
// concurrent use; every mutation is atomic with respect to snapshots.
type Store struct {
	mu        sync.Mutex
	state     State
	undo      [][]byte
	opts      Options
	storage   storage.Store
	listeners listenerRegistry
}

// New creates an empty store persisting its slices to the given storage.
func New(st storage.Store, opts Options) *Store {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = defaultHistoryLimit
	}
	return &Store{
		state:   emptyState(),
		opts:    opts,
		storage: st,
	}
}

func emptyState() State {
	return State{
		Repositories:   make(map[string]model.Repository),
		PullRequests:   make(map[string]model.PullRequest),
		CommentThreads: make(map[string][]model.CommentThread),
		ViewState: ViewState{
			SidebarVisible:    true,
			ExpandedThreadIDs: make(map[string]bool),
			LoadingStates:     make(map[string]bool),
			Errors:            make(map[string]string),
		},
	}
}

// LoadPersisted restores previously persisted slices from durable storage.
// Missing or corrupt slices are skipped with a warning; the store always ends
// up in a usable state.
func (s *Store) LoadPersisted() {
	s.mu.Lock()
	defer s.mu.Unlock()

	loadSlice(s.storage, keyRepositories, &s.state.Repositories)
	loadSlice(s.storage, keyPullRequests, &s.state.PullRequests)
	loadSlice(s.storage, keyCommentThreads, &s.state.CommentThreads)
	loadSlice(s.storage, keyViewState, &s.state.ViewState)
	if s.state.ViewState.ExpandedThreadIDs == nil {
		s.state.ViewState.ExpandedThreadIDs = make(map[string]bool)
	}
	if s.state.ViewState.LoadingStates == nil {
		s.state.ViewState.LoadingStates = make(map[string]bool)
	}
	if s.state.ViewState.Errors == nil {
		s.state.ViewState.Errors = make(map[string]string)
	}
}

func loadSlice(st storage.Store, key string, dest any) {
	raw, ok, err := st.Get(key)
	if err != nil {
		logger.Warn("store: failed to load %s: %v", key, err)
		return
	}
	if !ok {
		return
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		logger.Warn("store: failed to decode %s: %v", key, err)
	}
}

// Snapshot returns a deep, independent copy of the whole state. Mutating the
// returned value never affects the store.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyState(s.state)
}

// Repositories returns a copy of the repository map.
func (s *Store) Repositories() map[string]model.Repository {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyRepositories(s.state.Repositories)
}

// PullRequests returns a copy of the pull request map.
func (s *Store) PullRequests() map[string]model.PullRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyPullRequests(s.state.PullRequests)
}

// CommentThreads returns a copy of the comment thread map.
func (s *Store) CommentThreads() map[string][]model.CommentThread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyCommentThreads(s.state.CommentThreads)
}

// ViewState returns a copy of the view state.
func (s *Store) ViewState() ViewState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyViewState(s.state.ViewState)
}

// UpdateRepositories replaces the repository map wholesale.
func (s *Store) UpdateRepositories(repos []model.Repository) {
	s.mutate(Event{Kind: EventRepositoriesLoaded, Count: len(repos)}, []string{keyRepositories}, func() {
		next := make(map[string]model.Repository, len(repos))
		for _, r := range repos {
			next[r.ID] = r
		}
		s.state.Repositories = next
	})
}

// UpdatePullRequests replaces all pull requests for the given repository,
// leaving other repositories' entries untouched.
func (s *Store) UpdatePullRequests(repoID string, prs []model.PullRequest) {
	s.mutate(Event{Kind: EventPullRequestsLoaded, Count: len(prs), Key: repoID}, []string{keyPullRequests}, func() {
		for key, pr := range s.state.PullRequests {
			if pr.RepositoryID == repoID {
				delete(s.state.PullRequests, key)
			}
		}
		for _, pr := range prs {
			s.state.PullRequests[pr.Key()] = pr.Clone()
		}
	})
}

// UpdateCommentThreads replaces the thread list for one pull request.
func (s *Store) UpdateCommentThreads(repoID, prID string, threads []model.CommentThread) {
	key := model.PullRequestKey(repoID, prID)
	s.mutate(Event{Kind: EventCommentThreadsLoaded, Count: len(threads), Key: key}, []string{keyCommentThreads}, func() {
		copied := make([]model.CommentThread, len(threads))
		for i, t := range threads {
			copied[i] = t.Clone()
		}
		s.state.CommentThreads[key] = copied
	})
}

// AddPullRequest inserts a single pull request.
func (s *Store) AddPullRequest(pr model.PullRequest) {
	s.mutate(Event{Kind: EventPullRequestAdded, Count: 1, Key: pr.Key()}, []string{keyPullRequests}, func() {
		s.state.PullRequests[pr.Key()] = pr.Clone()
	})
}

// UpdatePullRequest merges the partial update onto an existing record.
// Unspecified fields are preserved. Returns false when the key is absent; a
// miss leaves the undo history, storage and listeners untouched.
func (s *Store) UpdatePullRequest(repoID, prID string, update model.PullRequestUpdate) bool {
	key := model.PullRequestKey(repoID, prID)

	s.mu.Lock()
	pr, ok := s.state.PullRequests[key]
	if !ok {
		s.mu.Unlock()
		return false
	}
	s.pushUndoLocked()
	s.state.PullRequests[key] = update.Apply(pr)
	payloads := s.encodeSlicesLocked(keyPullRequests)
	s.mu.Unlock()

	s.persist(payloads)
	s.listeners.notify(Event{Kind: EventPullRequestUpdated, Count: 1, Key: key})
	return true
}

// RemovePullRequest deletes a pull request and its comment threads.
func (s *Store) RemovePullRequest(repoID, prID string) {
	key := model.PullRequestKey(repoID, prID)
	s.mutate(Event{Kind: EventPullRequestRemoved, Count: 1, Key: key}, []string{keyPullRequests, keyCommentThreads}, func() {
		delete(s.state.PullRequests, key)
		delete(s.state.CommentThreads, key)
	})
}

// SetSelectedRepository records the active repository selection.
func (s *Store) SetSelectedRepository(repoID string) {
	s.mutateView(func() {
		s.state.ViewState.SelectedRepositoryID = repoID
	})
}

// SetSelectedPullRequest records the active pull request selection.
func (s *Store) SetSelectedPullRequest(repoID, prID string) {
	s.mutateView(func() {
		s.state.ViewState.SelectedPullRequestKey = model.PullRequestKey(repoID, prID)
	})
}

// SetLoadingState flags a named operation as in flight or settled.
func (s *Store) SetLoadingState(key string, loading bool) {
	s.mutateView(func() {
		if loading {
			s.state.ViewState.LoadingStates[key] = true
		} else {
			delete(s.state.ViewState.LoadingStates, key)
		}
	})
}

// SetError records an error message for a named operation; an empty message
// clears it.
func (s *Store) SetError(key, message string) {
	s.mutateView(func() {
		if message == "" {
			delete(s.state.ViewState.Errors, key)
		} else {
			s.state.ViewState.Errors[key] = message
		}
	})
}

// UpdateViewState patches multiple view-state fields atomically.
func (s *Store) UpdateViewState(update ViewStateUpdate) {
	s.mutateView(func() {
		vs := &s.state.ViewState
		if update.SelectedRepositoryID != nil {
			vs.SelectedRepositoryID = *update.SelectedRepositoryID
		}
		if update.SelectedPullRequestKey != nil {
			vs.SelectedPullRequestKey = *update.SelectedPullRequestKey
		}
		if update.SelectedCommentThreadID != nil {
			vs.SelectedCommentThreadID = *update.SelectedCommentThreadID
		}
		if update.SidebarVisible != nil {
			vs.SidebarVisible = *update.SidebarVisible
		}
		if update.DetailViewVisible != nil {
			vs.DetailViewVisible = *update.DetailViewVisible
		}
	})
}

// ToggleThreadExpansion flips the expanded flag for a thread.
func (s *Store) ToggleThreadExpansion(threadID string) {
	s.mutateView(func() {
		if s.state.ViewState.ExpandedThreadIDs[threadID] {
			delete(s.state.ViewState.ExpandedThreadIDs, threadID)
		} else {
			s.state.ViewState.ExpandedThreadIDs[threadID] = true
		}
	})
}

// SelectCommentThread records the active thread; an empty id clears the
// selection.
func (s *Store) SelectCommentThread(threadID string) {
	s.mutateView(func() {
		s.state.ViewState.SelectedCommentThreadID = threadID
	})
}

// ToggleSidebar flips sidebar visibility.
func (s *Store) ToggleSidebar() {
	s.mutateView(func() {
		s.state.ViewState.SidebarVisible = !s.state.ViewState.SidebarVisible
	})
}

// ToggleDetailView flips detail panel visibility.
func (s *Store) ToggleDetailView() {
	s.mutateView(func() {
		s.state.ViewState.DetailViewVisible = !s.state.ViewState.DetailViewVisible
	})
}

// BatchOptions controls what happens after a batch completes.
type BatchOptions struct {
	Persist bool
	Notify  bool
}

// BatchUpdate runs all operations against the live store without
// intermediate notification or persistence, then persists every slice and
// notifies once, so listeners only ever observe the post-batch state.
func (s *Store) BatchUpdate(operations []func(), opts BatchOptions) {
	s.mu.Lock()
	s.pushUndoLocked()
	for _, op := range operations {
		runBatchOp(op)
	}
	var payloads map[string][]byte
	if opts.Persist {
		payloads = s.encodeSlicesLocked(keyRepositories, keyPullRequests, keyCommentThreads, keyViewState)
	}
	s.mu.Unlock()

	s.persist(payloads)
	if opts.Notify {
		s.listeners.notify(Event{Kind: EventBatchApplied, Count: len(operations)})
	}
}

func runBatchOp(op func()) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("store: batch operation panicked: %v", rec)
		}
	}()
	op()
}

// Undo restores the most recent snapshot pushed before a mutation. Returns
// false when the history is empty.
func (s *Store) Undo() bool {
	s.mu.Lock()
	if len(s.undo) == 0 {
		s.mu.Unlock()
		return false
	}
	raw := s.undo[len(s.undo)-1]
	s.undo = s.undo[:len(s.undo)-1]

	var restored State
	if err := json.Unmarshal(raw, &restored); err != nil {
		s.mu.Unlock()
		logger.Error("store: failed to decode undo snapshot: %v", err)
		return false
	}
	normalizeState(&restored)
	s.state = restored
	payloads := s.encodeSlicesLocked(keyRepositories, keyPullRequests, keyCommentThreads, keyViewState)
	s.mu.Unlock()

	s.persist(payloads)
	s.listeners.notify(Event{Kind: EventStateRestored})
	return true
}

// ClearState resets everything to defaults and drops the undo history.
func (s *Store) ClearState() {
	s.mu.Lock()
	s.state = emptyState()
	s.undo = nil
	payloads := s.encodeSlicesLocked(keyRepositories, keyPullRequests, keyCommentThreads, keyViewState)
	s.mu.Unlock()

	s.persist(payloads)
	s.listeners.notify(Event{Kind: EventStateCleared})
}

// AddStateUpdateListener registers a listener and returns its removal
// function. Listener panics are isolated and logged.
func (s *Store) AddStateUpdateListener(fn func(Event)) func() {
	return s.listeners.add(fn)
}

// GetPullRequestsForRepository returns the repository's pull requests sorted
// by number.
func (s *Store) GetPullRequestsForRepository(repoID string) []model.PullRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.PullRequest
	for _, pr := range s.state.PullRequests {
		if pr.RepositoryID == repoID {
			out = append(out, pr.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

// GetCommentThreadsForPullRequest returns the threads for one pull request.
func (s *Store) GetCommentThreadsForPullRequest(repoID, prID string) []model.CommentThread {
	s.mu.Lock()
	defer s.mu.Unlock()

	threads := s.state.CommentThreads[model.PullRequestKey(repoID, prID)]
	out := make([]model.CommentThread, len(threads))
	for i, t := range threads {
		out[i] = t.Clone()
	}
	return out
}

// Statistics reports entity counts, undo depth and an approximate memory
// footprint.
func (s *Store) Statistics() Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()

	threadCount := 0
	for _, ts := range s.state.CommentThreads {
		threadCount += len(ts)
	}
	stats := Statistics{
		Repositories:   len(s.state.Repositories),
		PullRequests:   len(s.state.PullRequests),
		CommentThreads: threadCount,
		UndoDepth:      len(s.undo),
		Listeners:      s.listeners.len(),
	}
	if raw, err := json.Marshal(s.state); err == nil {
		stats.MemoryBytes = int64(len(raw))
	}
	for _, snap := range s.undo {
		stats.MemoryBytes += int64(len(snap))
	}
	return stats
}

// mutate applies fn under the lock with an undo snapshot, persists the named
// slices and notifies listeners with ev.
func (s *Store) mutate(ev Event, persistKeys []string, fn func()) {
	s.mu.Lock()
	s.pushUndoLocked()
	fn()
	payloads := s.encodeSlicesLocked(persistKeys...)
	s.mu.Unlock()

	s.persist(payloads)
	s.listeners.notify(ev)
}

func (s *Store) mutateView(fn func()) {
	s.mutate(Event{Kind: EventViewStateChanged}, []string{keyViewState}, fn)
}

// pushUndoLocked serializes the current state onto the undo ring, dropping
// the oldest snapshot at the bound. Caller holds s.mu.
func (s *Store) pushUndoLocked() {
	if s.opts.DisableHistory {
		return
	}
	raw, err := json.Marshal(s.state)
	if err != nil {
		logger.Warn("store: failed to snapshot state for undo: %v", err)
		return
	}
	s.undo = append(s.undo, raw)
	if len(s.undo) > s.opts.HistoryLimit {
		s.undo = s.undo[1:]
	}
}

// encodeSlicesLocked serializes the requested slices. Caller holds s.mu.
func (s *Store) encodeSlicesLocked(keys ...string) map[string][]byte {
	payloads := make(map[string][]byte, len(keys))
	for _, key := range keys {
		var value any
		switch key {
		case keyRepositories:
			value = s.state.Repositories
		case keyPullRequests:
			value = s.state.PullRequests
		case keyCommentThreads:
			value = s.state.CommentThreads
		case keyViewState:
			value = s.state.ViewState
		default:
			continue
		}
		raw, err := json.Marshal(value)
		if err != nil {
			logger.Warn("store: failed to encode %s: %v", key, err)
			continue
		}
		payloads[key] = raw
	}
	return payloads
}

// persist writes encoded slices to durable storage. Failures are logged; the
// in-memory state remains the source of truth for the session.
func (s *Store) persist(payloads map[string][]byte) {
	for key, raw := range payloads {
		if err := s.storage.Update(key, raw); err != nil {
			logger.Warn("store: failed to persist %s: %v", key, err)
		}
	}
}

func normalizeState(st *State) {
	if st.Repositories == nil {
		st.Repositories = make(map[string]model.Repository)
	}
	if st.PullRequests == nil {
		st.PullRequests = make(map[string]model.PullRequest)
	}
	if st.CommentThreads == nil {
		st.CommentThreads = make(map[string][]model.CommentThread)
	}
	if st.ViewState.ExpandedThreadIDs == nil {
		st.ViewState.ExpandedThreadIDs = make(map[string]bool)
	}
	if st.ViewState.LoadingStates == nil {
		st.ViewState.LoadingStates = make(map[string]bool)
	}
	if st.ViewState.Errors == nil {
		st.ViewState.Errors = make(map[string]string)
	}
}

func copyState(st State) State {
	return State{
		Repositories:   copyRepositories(st.Repositories),
		PullRequests:   copyPullRequests(st.PullRequests),
		CommentThreads: copyCommentThreads(st.CommentThreads),
		ViewState:      copyViewState(st.ViewState),
	}
}

func copyRepositories(in map[string]model.Repository) map[string]model.Repository {
	out := make(map[string]model.Repository, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyPullRequests(in map[string]model.PullRequest) map[string]model.PullRequest {
	out := make(map[string]model.PullRequest, len(in))
	for k, v := range in {
		out[k] = v.Clone()
	}
	return out
}

func copyCommentThreads(in map[string][]model.CommentThread) map[string][]model.CommentThread {
	out := make(map[string][]model.CommentThread, len(in))
	for k, ts := range in {
		copied := make([]model.CommentThread, len(ts))
		for i, t := range ts {
			copied[i] = t.Clone()
		}
		out[k] = copied
	}
	return out
}

func copyViewState(vs ViewState) ViewState {
	out := vs
	out.ExpandedThreadIDs = make(map[string]bool, len(vs.ExpandedThreadIDs))
	for k, v := range vs.ExpandedThreadIDs {
		out.ExpandedThreadIDs[k] = v
	}
	out.LoadingStates = make(map[string]bool, len(vs.LoadingStates))
	for k, v := range vs.LoadingStates {
		out.LoadingStates[k] = v
	}
	out.Errors = make(map[string]string, len(vs.Errors))
	for k, v := range vs.Errors {
		out.Errors[k] = v
	}
	return out
}
