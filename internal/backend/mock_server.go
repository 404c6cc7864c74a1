package backend

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
)

// ReceivedReport is a submission captured by the mock server.
type ReceivedReport struct {
	SubmissionID string
	Category     string
	Description  string
	Latitude     string
	Longitude    string
	Image        []byte
	ImageName    string
}

// MockServer provides a fake issue-submission API for testing.
type MockServer struct {
	*httptest.Server
	mu             sync.RWMutex
	received       []ReceivedReport
	requests       int
	healthy        bool
	failAll        bool
	failCategories map[string]int // category -> status code to return
}

// NewMockServer creates a mock issue-submission server. It starts
// healthy and accepting all submissions.
func NewMockServer() *MockServer {
	m := &MockServer{
		healthy:        true,
		failCategories: make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/issues", m.handleSubmit)
	mux.HandleFunc("/api/health", m.handleHealth)

	m.Server = httptest.NewServer(mux)
	return m
}

// Received returns a copy of all captured submissions.
func (m *MockServer) Received() []ReceivedReport {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ReceivedReport, len(m.received))
	copy(out, m.received)
	return out
}

// Requests returns the number of submission requests seen, including
// rejected ones.
func (m *MockServer) Requests() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requests
}

// SetHealthy controls the health endpoint response.
func (m *MockServer) SetHealthy(healthy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthy = healthy
}

// FailAll makes every submission return 500.
func (m *MockServer) FailAll(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAll = fail
}

// FailCategory makes submissions with the given category return the
// given status code.
func (m *MockServer) FailCategory(category string, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failCategories[category] = status
}

func (m *MockServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, "invalid multipart body", http.StatusBadRequest)
		return
	}

	received := ReceivedReport{
		SubmissionID: r.Header.Get("X-Submission-ID"),
		Category:     r.FormValue("category"),
		Description:  r.FormValue("description"),
		Latitude:     r.FormValue("latitude"),
		Longitude:    r.FormValue("longitude"),
	}

	if file, header, err := r.FormFile("image"); err == nil {
		data, readErr := io.ReadAll(file)
		file.Close()
		if readErr == nil {
			received.Image = data
			received.ImageName = header.Filename
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests++

	if m.failAll {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if status, ok := m.failCategories[received.Category]; ok {
		http.Error(w, "rejected", status)
		return
	}

	m.received = append(m.received, received)
	w.WriteHeader(http.StatusCreated)
}

func (m *MockServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	m.mu.RLock()
	healthy := m.healthy
	m.mu.RUnlock()

	if !healthy {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}
