package remote

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MockServer provides a fake remote API for tests. It speaks the same wire
// format the GitHubClient consumes and can inject transient failures.
type MockServer struct {
	*httptest.Server
	mu         sync.RWMutex
	repos      map[string]ghRepo
	pulls      map[string]map[int]*ghPull
	comments   map[string]map[int][]ghReviewComment
	nextNumber int
	nextID     int64
	failures   int
	requests   int
}

// NewMockServer starts a mock remote server. Callers must Close it.
func NewMockServer() *MockServer {
	m := &MockServer{
		repos:      make(map[string]ghRepo),
		pulls:      make(map[string]map[int]*ghPull),
		comments:   make(map[string]map[int][]ghReviewComment),
		nextNumber: 100,
		nextID:     9000,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/repos/", m.handleRepos)
	m.Server = httptest.NewServer(mux)
	return m
}

// AddRepository registers a repository under "owner/name".
func (m *MockServer) AddRepository(owner, name, description string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	full := owner + "/" + name
	m.repos[full] = ghRepo{
		Name:          name,
		Owner:         ghUser{Login: owner},
		Description:   description,
		DefaultBranch: "main",
		HTMLURL:       "https://example.test/" + full,
		UpdatedAt:     time.Now().UTC(),
	}
	if m.pulls[full] == nil {
		m.pulls[full] = make(map[int]*ghPull)
	}
	if m.comments[full] == nil {
		m.comments[full] = make(map[int][]ghReviewComment)
	}
}

// SeedPull builds a pull request fixture for SetPull. The state may be
// "open", "draft", "closed" or "merged".
func SeedPull(number int, title, body, state string) ghPull {
	now := time.Now().UTC()
	p := ghPull{
		Number:    number,
		Title:     title,
		Body:      body,
		State:     state,
		User:      ghUser{Login: "author"},
		Head:      ghRef{Ref: "feature"},
		Base:      ghRef{Ref: "main"},
		CreatedAt: now,
		UpdatedAt: now,
	}
	switch state {
	case "draft":
		p.State = "open"
		p.Draft = true
	case "merged":
		p.State = "closed"
		p.MergedAt = &now
	}
	return p
}

// SeedComment builds a top-level review comment fixture for AddComment.
func SeedComment(id int64, path string, line int, body string) ghReviewComment {
	now := time.Now().UTC()
	return ghReviewComment{
		ID:        id,
		Path:      path,
		Line:      line,
		Body:      body,
		User:      ghUser{Login: "reviewer"},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// SetPull installs or replaces a pull request.
func (m *MockServer) SetPull(repoFull string, p ghPull) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pulls[repoFull] == nil {
		m.pulls[repoFull] = make(map[int]*ghPull)
	}
	copied := p
	m.pulls[repoFull][p.Number] = &copied
}

// Pull returns the server's copy of a pull request for assertions.
func (m *MockServer) Pull(repoFull string, number int) (ghPull, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pulls[repoFull][number]
	if !ok {
		return ghPull{}, false
	}
	return *p, true
}

// AddComment appends a review comment to a pull request and returns its ID.
func (m *MockServer) AddComment(repoFull string, number int, c ghReviewComment) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == 0 {
		m.nextID++
		c.ID = m.nextID
	}
	if m.comments[repoFull] == nil {
		m.comments[repoFull] = make(map[int][]ghReviewComment)
	}
	m.comments[repoFull][number] = append(m.comments[repoFull][number], c)
	return c.ID
}

// FailNext makes the next n requests fail with 500 before being served.
func (m *MockServer) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = n
}

// RequestCount returns how many requests the server has seen.
func (m *MockServer) RequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requests
}

func (m *MockServer) handleRepos(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.requests++
	if m.failures > 0 {
		m.failures--
		m.mu.Unlock()
		http.Error(w, "server exploded", http.StatusInternalServerError)
		return
	}
	m.mu.Unlock()

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/repos/"), "/")
	if len(parts) < 2 {
		http.Error(w, "invalid path", http.StatusBadRequest)
		return
	}
	full := parts[0] + "/" + parts[1]
	rest := parts[2:]

	switch {
	case len(rest) == 0:
		m.serveRepo(w, full)
	case rest[0] == "pulls" && len(rest) == 1:
		switch r.Method {
		case http.MethodGet:
			m.serveListPulls(w, full)
		case http.MethodPost:
			m.serveCreatePull(w, r, full)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	case rest[0] == "pulls" && len(rest) == 2:
		number, err := strconv.Atoi(rest[1])
		if err != nil {
			http.Error(w, "invalid pull number", http.StatusBadRequest)
			return
		}
		if r.Method != http.MethodPatch {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		m.servePatchPull(w, r, full, number)
	case rest[0] == "pulls" && len(rest) == 3 && rest[2] == "comments":
		number, err := strconv.Atoi(rest[1])
		if err != nil {
			http.Error(w, "invalid pull number", http.StatusBadRequest)
			return
		}
		m.serveListComments(w, full, number)
	case rest[0] == "pulls" && len(rest) == 5 && rest[2] == "comments" && rest[4] == "replies":
		number, err := strconv.Atoi(rest[1])
		if err != nil {
			http.Error(w, "invalid pull number", http.StatusBadRequest)
			return
		}
		rootID, err := strconv.ParseInt(rest[3], 10, 64)
		if err != nil {
			http.Error(w, "invalid comment id", http.StatusBadRequest)
			return
		}
		m.serveReply(w, r, full, number, rootID)
	case rest[0] == "issues" && len(rest) == 3 && rest[2] == "labels":
		number, err := strconv.Atoi(rest[1])
		if err != nil {
			http.Error(w, "invalid issue number", http.StatusBadRequest)
			return
		}
		m.serveSetLabels(w, r, full, number)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (m *MockServer) serveRepo(w http.ResponseWriter, full string) {
	m.mu.RLock()
	repo, ok := m.repos[full]
	m.mu.RUnlock()
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, repo)
}

func (m *MockServer) serveListPulls(w http.ResponseWriter, full string) {
	m.mu.RLock()
	pulls := make([]ghPull, 0, len(m.pulls[full]))
	for _, p := range m.pulls[full] {
		pulls = append(pulls, *p)
	}
	m.mu.RUnlock()
	writeJSON(w, http.StatusOK, pulls)
}

func (m *MockServer) serveCreatePull(w http.ResponseWriter, r *http.Request, full string) {
	var payload struct {
		Title string `json:"title"`
		Body  string `json:"body"`
		Head  string `json:"head"`
		Base  string `json:"base"`
		Draft bool   `json:"draft"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	m.nextNumber++
	now := time.Now().UTC()
	p := &ghPull{
		Number:    m.nextNumber,
		Title:     payload.Title,
		Body:      payload.Body,
		State:     "open",
		Draft:     payload.Draft,
		User:      ghUser{Login: "mock-user"},
		Head:      ghRef{Ref: payload.Head},
		Base:      ghRef{Ref: payload.Base},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if m.pulls[full] == nil {
		m.pulls[full] = make(map[int]*ghPull)
	}
	m.pulls[full][p.Number] = p
	copied := *p
	m.mu.Unlock()

	writeJSON(w, http.StatusCreated, copied)
}

func (m *MockServer) servePatchPull(w http.ResponseWriter, r *http.Request, full string, number int) {
	var payload struct {
		Title *string `json:"title"`
		Body  *string `json:"body"`
		State *string `json:"state"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	p, ok := m.pulls[full][number]
	if !ok {
		m.mu.Unlock()
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if payload.Title != nil {
		p.Title = *payload.Title
	}
	if payload.Body != nil {
		p.Body = *payload.Body
	}
	if payload.State != nil {
		p.State = *payload.State
	}
	p.UpdatedAt = time.Now().UTC()
	copied := *p
	m.mu.Unlock()

	writeJSON(w, http.StatusOK, copied)
}

func (m *MockServer) serveListComments(w http.ResponseWriter, full string, number int) {
	m.mu.RLock()
	comments := append([]ghReviewComment(nil), m.comments[full][number]...)
	m.mu.RUnlock()
	if comments == nil {
		comments = []ghReviewComment{}
	}
	writeJSON(w, http.StatusOK, comments)
}

func (m *MockServer) serveReply(w http.ResponseWriter, r *http.Request, full string, number int, rootID int64) {
	var payload struct {
		Body string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	m.nextID++
	now := time.Now().UTC()
	c := ghReviewComment{
		ID:        m.nextID,
		InReplyTo: rootID,
		Body:      payload.Body,
		User:      ghUser{Login: "mock-user"},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if m.comments[full] == nil {
		m.comments[full] = make(map[int][]ghReviewComment)
	}
	m.comments[full][number] = append(m.comments[full][number], c)
	m.mu.Unlock()

	writeJSON(w, http.StatusCreated, c)
}

func (m *MockServer) serveSetLabels(w http.ResponseWriter, r *http.Request, full string, number int) {
	var payload struct {
		Labels []string `json:"labels"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	p, ok := m.pulls[full][number]
	if !ok {
		m.mu.Unlock()
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	p.Labels = nil
	for _, name := range payload.Labels {
		p.Labels = append(p.Labels, ghLabel{Name: name})
	}
	labels := append([]ghLabel(nil), p.Labels...)
	m.mu.Unlock()

	writeJSON(w, http.StatusOK, labels)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
