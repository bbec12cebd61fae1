package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/JohanCodinha/prmirror/internal/model"
	"github.com/JohanCodinha/prmirror/internal/storage"
)

func newTestStore(t *testing.T) (*Store, *storage.MemoryStore) {
	t.Helper()
	mem := storage.NewMemoryStore()
	return New(mem, Options{}), mem
}

func samplePR(repoID, id string, number int, title string) model.PullRequest {
	return model.PullRequest{
		ID:           id,
		RepositoryID: repoID,
		Number:       number,
		Title:        title,
		Status:       "open",
		Author:       "octocat",
		Labels:       []string{"review"},
		UpdatedAt:    time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestSnapshot_Isolation(t *testing.T) {
	s, _ := newTestStore(t)
	s.UpdatePullRequests("repo1", []model.PullRequest{samplePR("repo1", "1", 1, "original")})

	snap := s.Snapshot()

	// Mutate everything reachable from the snapshot.
	pr := snap.PullRequests["repo1_1"]
	pr.Title = "mutated"
	pr.Labels[0] = "mutated"
	snap.PullRequests["repo1_1"] = pr
	snap.PullRequests["injected"] = samplePR("repo1", "99", 99, "injected")
	snap.ViewState.LoadingStates["fake"] = true

	again := s.Snapshot()
	if got := again.PullRequests["repo1_1"].Title; got != "original" {
		t.Errorf("store title changed through snapshot: %q", got)
	}
	if got := again.PullRequests["repo1_1"].Labels[0]; got != "review" {
		t.Errorf("store labels changed through snapshot: %q", got)
	}
	if _, ok := again.PullRequests["injected"]; ok {
		t.Error("map insertion through snapshot leaked into store")
	}
	if again.ViewState.LoadingStates["fake"] {
		t.Error("view state mutated through snapshot")
	}
}

func TestStatePart_Isolation(t *testing.T) {
	s, _ := newTestStore(t)
	s.UpdateRepositories([]model.Repository{{ID: "repo1", Name: "one"}})

	repos := s.Repositories()
	repos["repo2"] = model.Repository{ID: "repo2"}

	if _, ok := s.Repositories()["repo2"]; ok {
		t.Error("mutation of returned part leaked into store")
	}
}

func TestUpdateRepositories_ReplacesWholesale(t *testing.T) {
	s, _ := newTestStore(t)
	s.UpdateRepositories([]model.Repository{{ID: "old", Name: "old"}})
	s.UpdateRepositories([]model.Repository{{ID: "new", Name: "new"}})

	repos := s.Repositories()
	if len(repos) != 1 {
		t.Fatalf("expected 1 repository, got %d", len(repos))
	}
	if _, ok := repos["new"]; !ok {
		t.Error("expected replacement to keep only the new record")
	}
}

func TestUpdatePullRequests_ScopedToRepository(t *testing.T) {
	s, _ := newTestStore(t)
	s.UpdatePullRequests("repo1", []model.PullRequest{samplePR("repo1", "1", 1, "r1")})
	s.UpdatePullRequests("repo2", []model.PullRequest{samplePR("repo2", "1", 1, "r2")})

	// Replacing repo1's list must not disturb repo2's entries.
	s.UpdatePullRequests("repo1", []model.PullRequest{samplePR("repo1", "2", 2, "r1-second")})

	prs := s.PullRequests()
	if _, ok := prs["repo1_1"]; ok {
		t.Error("old repo1 pull request survived wholesale replace")
	}
	if _, ok := prs["repo1_2"]; !ok {
		t.Error("new repo1 pull request missing")
	}
	if _, ok := prs["repo2_1"]; !ok {
		t.Error("repo2 pull request was disturbed")
	}
}

func TestUpdatePullRequest_MergesPartial(t *testing.T) {
	s, _ := newTestStore(t)
	s.AddPullRequest(samplePR("repo1", "1", 1, "before"))

	title := "after"
	status := "merged"
	ok := s.UpdatePullRequest("repo1", "1", model.PullRequestUpdate{Title: &title, Status: &status})
	if !ok {
		t.Fatal("UpdatePullRequest returned false for existing key")
	}

	pr := s.PullRequests()["repo1_1"]
	if pr.Title != "after" || pr.Status != "merged" {
		t.Errorf("patched fields not applied: %+v", pr)
	}
	if pr.Author != "octocat" || len(pr.Labels) != 1 {
		t.Errorf("unspecified fields not preserved: %+v", pr)
	}

	if s.UpdatePullRequest("repo1", "missing", model.PullRequestUpdate{Title: &title}) {
		t.Error("UpdatePullRequest returned true for missing key")
	}
}

func TestUpdatePullRequest_MissingKeyHasNoSideEffects(t *testing.T) {
	s, _ := newTestStore(t)
	s.AddPullRequest(samplePR("repo1", "1", 1, "before"))
	undoDepth := s.Statistics().UndoDepth

	var events []Event
	s.AddStateUpdateListener(func(ev Event) { events = append(events, ev) })

	title := "after"
	if s.UpdatePullRequest("repo1", "missing", model.PullRequestUpdate{Title: &title}) {
		t.Fatal("UpdatePullRequest returned true for missing key")
	}

	if len(events) != 0 {
		t.Errorf("miss notified listeners: %v", events)
	}
	if got := s.Statistics().UndoDepth; got != undoDepth {
		t.Errorf("miss pushed an undo snapshot: depth %d, want %d", got, undoDepth)
	}
}

func TestRemovePullRequest_DropsThreads(t *testing.T) {
	s, _ := newTestStore(t)
	s.AddPullRequest(samplePR("repo1", "1", 1, "pr"))
	s.UpdateCommentThreads("repo1", "1", []model.CommentThread{{ID: "t1"}})

	s.RemovePullRequest("repo1", "1")

	if _, ok := s.PullRequests()["repo1_1"]; ok {
		t.Error("pull request not removed")
	}
	if threads := s.GetCommentThreadsForPullRequest("repo1", "1"); len(threads) != 0 {
		t.Error("comment threads not removed with pull request")
	}
}

func TestUndo_RestoresPriorState(t *testing.T) {
	s, _ := newTestStore(t)
	s.AddPullRequest(samplePR("repo1", "1", 1, "first"))

	before := s.Snapshot()
	s.AddPullRequest(samplePR("repo1", "2", 2, "second"))

	if !s.Undo() {
		t.Fatal("Undo returned false with history available")
	}

	after := s.Snapshot()
	if len(after.PullRequests) != len(before.PullRequests) {
		t.Errorf("undo restored %d pull requests, want %d", len(after.PullRequests), len(before.PullRequests))
	}
	if _, ok := after.PullRequests["repo1_2"]; ok {
		t.Error("undone mutation still visible")
	}
	if after.PullRequests["repo1_1"].Title != "first" {
		t.Error("prior record corrupted by undo")
	}
}

func TestUndo_EmptyHistory(t *testing.T) {
	s, _ := newTestStore(t)
	if s.Undo() {
		t.Error("Undo on empty history should return false")
	}
}

func TestUndo_HistoryBound(t *testing.T) {
	mem := storage.NewMemoryStore()
	s := New(mem, Options{HistoryLimit: 3})

	for i := 0; i < 10; i++ {
		s.AddPullRequest(samplePR("repo1", fmt.Sprintf("%d", i), i, "pr"))
	}

	if depth := s.Statistics().UndoDepth; depth != 3 {
		t.Errorf("undo depth = %d, want 3", depth)
	}

	// Only three undos are possible.
	undos := 0
	for s.Undo() {
		undos++
	}
	if undos != 3 {
		t.Errorf("performed %d undos, want 3", undos)
	}
}

func TestHistoryDisabled(t *testing.T) {
	mem := storage.NewMemoryStore()
	s := New(mem, Options{DisableHistory: true})

	s.AddPullRequest(samplePR("repo1", "1", 1, "pr"))
	if s.Undo() {
		t.Error("Undo should be a no-op with history disabled")
	}
}

func TestListeners_TypedEvents(t *testing.T) {
	s, _ := newTestStore(t)

	var events []Event
	remove := s.AddStateUpdateListener(func(ev Event) {
		events = append(events, ev)
	})

	s.UpdateRepositories([]model.Repository{{ID: "a"}, {ID: "b"}})
	s.AddPullRequest(samplePR("repo1", "1", 1, "pr"))

	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Kind != EventRepositoriesLoaded || events[0].Count != 2 {
		t.Errorf("first event = %+v", events[0])
	}
	if events[1].Kind != EventPullRequestAdded || events[1].Key != "repo1_1" {
		t.Errorf("second event = %+v", events[1])
	}

	remove()
	s.ToggleSidebar()
	if len(events) != 2 {
		t.Error("removed listener still notified")
	}
}

func TestListeners_PanicIsolated(t *testing.T) {
	s, _ := newTestStore(t)

	calls := 0
	s.AddStateUpdateListener(func(Event) {
		panic("bad listener")
	})
	s.AddStateUpdateListener(func(Event) {
		calls++
	})

	s.ToggleSidebar()

	if calls != 1 {
		t.Errorf("listener after panicking one not notified, calls = %d", calls)
	}
}

func TestBatchUpdate_SingleNotification(t *testing.T) {
	s, _ := newTestStore(t)

	var events []Event
	s.AddStateUpdateListener(func(ev Event) {
		events = append(events, ev)
	})

	s.BatchUpdate([]func(){
		func() { s.state.PullRequests["repo1_1"] = samplePR("repo1", "1", 1, "a") },
		func() { s.state.PullRequests["repo1_2"] = samplePR("repo1", "2", 2, "b") },
		func() { s.state.ViewState.SelectedRepositoryID = "repo1" },
	}, BatchOptions{Persist: true, Notify: true})

	if len(events) != 1 {
		t.Fatalf("expected exactly 1 notification for the batch, got %d", len(events))
	}
	if events[0].Kind != EventBatchApplied || events[0].Count != 3 {
		t.Errorf("batch event = %+v", events[0])
	}

	snap := s.Snapshot()
	if len(snap.PullRequests) != 2 || snap.ViewState.SelectedRepositoryID != "repo1" {
		t.Error("batch operations not all applied")
	}
}

func TestBatchUpdate_NoNotify(t *testing.T) {
	s, _ := newTestStore(t)

	notified := false
	s.AddStateUpdateListener(func(Event) { notified = true })

	s.BatchUpdate([]func(){
		func() { s.state.ViewState.SidebarVisible = false },
	}, BatchOptions{})

	if notified {
		t.Error("batch with Notify=false still notified listeners")
	}
}

func TestBatchUpdate_UndoRestoresPreBatchState(t *testing.T) {
	s, _ := newTestStore(t)
	s.AddPullRequest(samplePR("repo1", "1", 1, "pr"))

	s.BatchUpdate([]func(){
		func() { s.state.PullRequests["repo1_2"] = samplePR("repo1", "2", 2, "b") },
		func() { s.state.PullRequests["repo1_3"] = samplePR("repo1", "3", 3, "c") },
	}, BatchOptions{Notify: true})

	if !s.Undo() {
		t.Fatal("Undo failed after batch")
	}
	prs := s.PullRequests()
	if len(prs) != 1 {
		t.Errorf("undo after batch left %d pull requests, want 1", len(prs))
	}
}

func TestPersistence_RoundTrip(t *testing.T) {
	mem := storage.NewMemoryStore()
	s := New(mem, Options{})

	s.UpdateRepositories([]model.Repository{{ID: "repo1", Name: "one"}})
	s.UpdatePullRequests("repo1", []model.PullRequest{samplePR("repo1", "1", 1, "persisted")})
	s.UpdateCommentThreads("repo1", "1", []model.CommentThread{{ID: "t1", Status: "active"}})
	s.SetSelectedRepository("repo1")

	// A fresh store over the same storage restores the slices.
	restored := New(mem, Options{})
	restored.LoadPersisted()

	snap := restored.Snapshot()
	if snap.Repositories["repo1"].Name != "one" {
		t.Error("repositories not restored")
	}
	if snap.PullRequests["repo1_1"].Title != "persisted" {
		t.Error("pull requests not restored")
	}
	if len(snap.CommentThreads["repo1_1"]) != 1 {
		t.Error("comment threads not restored")
	}
	if snap.ViewState.SelectedRepositoryID != "repo1" {
		t.Error("view state not restored")
	}
}

func TestPersistence_FailureKeepsMemoryAuthoritative(t *testing.T) {
	s := New(failingStore{}, Options{})

	// The write to storage fails, but the in-memory mutation sticks.
	s.AddPullRequest(samplePR("repo1", "1", 1, "kept"))

	if s.PullRequests()["repo1_1"].Title != "kept" {
		t.Error("in-memory state lost after persistence failure")
	}
}

// failingStore always errors, standing in for unavailable durable storage.
type failingStore struct{}

func (failingStore) Get(string) ([]byte, bool, error) { return nil, false, fmt.Errorf("storage down") }
func (failingStore) Update(string, []byte) error      { return fmt.Errorf("storage down") }
func (failingStore) Keys() ([]string, error)          { return nil, fmt.Errorf("storage down") }
func (failingStore) Close() error                     { return nil }

func TestViewStateMutators(t *testing.T) {
	s, _ := newTestStore(t)

	s.SetSelectedPullRequest("repo1", "7")
	s.ToggleThreadExpansion("t1")
	s.SelectCommentThread("t1")
	s.SetLoadingState("sync", true)
	s.SetError("sync", "boom")
	s.ToggleDetailView()

	vs := s.ViewState()
	if vs.SelectedPullRequestKey != "repo1_7" {
		t.Errorf("selected PR key = %q", vs.SelectedPullRequestKey)
	}
	if !vs.ExpandedThreadIDs["t1"] || vs.SelectedCommentThreadID != "t1" {
		t.Error("thread selection/expansion not recorded")
	}
	if !vs.LoadingStates["sync"] || vs.Errors["sync"] != "boom" {
		t.Error("loading/error state not recorded")
	}
	if !vs.DetailViewVisible {
		t.Error("detail view should be visible after toggle")
	}

	s.ToggleThreadExpansion("t1")
	s.SetLoadingState("sync", false)
	s.SetError("sync", "")
	s.SelectCommentThread("")

	vs = s.ViewState()
	if vs.ExpandedThreadIDs["t1"] || len(vs.LoadingStates) != 0 || len(vs.Errors) != 0 || vs.SelectedCommentThreadID != "" {
		t.Errorf("clearing mutators left residue: %+v", vs)
	}
}

func TestDerivedQueries(t *testing.T) {
	s, _ := newTestStore(t)
	s.AddPullRequest(samplePR("repo1", "3", 3, "c"))
	s.AddPullRequest(samplePR("repo1", "1", 1, "a"))
	s.AddPullRequest(samplePR("repo2", "2", 2, "b"))

	prs := s.GetPullRequestsForRepository("repo1")
	if len(prs) != 2 {
		t.Fatalf("expected 2 pull requests for repo1, got %d", len(prs))
	}
	if prs[0].Number != 1 || prs[1].Number != 3 {
		t.Errorf("pull requests not sorted by number: %v, %v", prs[0].Number, prs[1].Number)
	}
}

func TestClearState(t *testing.T) {
	s, _ := newTestStore(t)
	s.AddPullRequest(samplePR("repo1", "1", 1, "pr"))
	s.SetSelectedRepository("repo1")

	s.ClearState()

	stats := s.Statistics()
	if stats.PullRequests != 0 || stats.Repositories != 0 || stats.UndoDepth != 0 {
		t.Errorf("state not fully cleared: %+v", stats)
	}
	if s.ViewState().SelectedRepositoryID != "" {
		t.Error("view state not reset")
	}
	if !s.ViewState().SidebarVisible {
		t.Error("sidebar should reset to visible default")
	}
}

func TestStatistics(t *testing.T) {
	s, _ := newTestStore(t)
	s.UpdateRepositories([]model.Repository{{ID: "r1"}, {ID: "r2"}})
	s.UpdatePullRequests("r1", []model.PullRequest{samplePR("r1", "1", 1, "pr")})
	s.UpdateCommentThreads("r1", "1", []model.CommentThread{{ID: "t1"}, {ID: "t2"}})
	s.AddStateUpdateListener(func(Event) {})

	stats := s.Statistics()
	if stats.Repositories != 2 || stats.PullRequests != 1 || stats.CommentThreads != 2 {
		t.Errorf("entity counts wrong: %+v", stats)
	}
	if stats.Listeners != 1 {
		t.Errorf("listeners = %d, want 1", stats.Listeners)
	}
	if stats.UndoDepth != 3 {
		t.Errorf("undo depth = %d, want 3", stats.UndoDepth)
	}
	if stats.MemoryBytes <= 0 {
		t.Error("expected positive memory estimate")
	}
}
