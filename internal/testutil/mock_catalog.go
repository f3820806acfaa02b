// Package testutil provides testing utilities for the catalog harvester.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
)

// MockResponse defines one injected response, served ahead of the default
// catalog behavior.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string

	// CloseConnection aborts the connection instead of responding,
	// simulating a broken stream.
	CloseConnection bool
}

// PageRequest records one listing-page request the server saw.
type PageRequest struct {
	CategoryID string
	Page       int
	PageSize   int
}

// MockCatalog is a configurable mock listing API server for testing.
type MockCatalog struct {
	server *httptest.Server

	mu         sync.Mutex
	categories []categoryFixture
	queue      []MockResponse
	handlers   map[string]http.HandlerFunc

	// Tracking
	requestCount int
	pageRequests []PageRequest
	lastAuth     string
}

type categoryFixture struct {
	ID    string           `json:"id"`
	Name  string           `json:"name"`
	items []map[string]any `json:"-"`
}

// NewMockCatalog creates a new mock catalog server.
func NewMockCatalog() *MockCatalog {
	mock := &MockCatalog{
		handlers: make(map[string]http.HandlerFunc),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.requestCount++
		mock.lastAuth = r.Header.Get("Authorization")
		mock.recordPageRequest(r)

		var injected *MockResponse
		if len(mock.queue) > 0 {
			injected = &mock.queue[0]
			mock.queue = mock.queue[1:]
		}
		handler := mock.handlers[r.URL.Path]
		mock.mu.Unlock()

		if injected != nil {
			mock.serveInjected(w, injected)
			return
		}

		if handler != nil {
			handler(w, r)
			return
		}

		mock.defaultHandler(w, r)
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockCatalog) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockCatalog) Close() {
	m.server.Close()
}

// AddCategory registers a category and its full item list. Pages are sliced
// from the list according to the requested page size.
func (m *MockCatalog) AddCategory(id, name string, items []map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.categories = append(m.categories, categoryFixture{ID: id, Name: name, items: items})
}

// QueueResponse injects a response served for the next incoming request,
// ahead of default behavior. Queued responses are served FIFO.
func (m *MockCatalog) QueueResponse(resp MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, resp)
}

// SetHandler sets a custom handler for a specific path.
func (m *MockCatalog) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// RequestCount returns the number of requests made to the server.
func (m *MockCatalog) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requestCount
}

// PageRequests returns every listing-page request seen, in order.
func (m *MockCatalog) PageRequests() []PageRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PageRequest, len(m.pageRequests))
	copy(out, m.pageRequests)
	return out
}

// LastAuthorization returns the Authorization header of the last request.
func (m *MockCatalog) LastAuthorization() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastAuth
}

// Reset clears tracking counters and the injection queue.
func (m *MockCatalog) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestCount = 0
	m.pageRequests = nil
	m.queue = nil
	m.lastAuth = ""
}

// recordPageRequest tracks listing-page requests. Callers must hold m.mu.
func (m *MockCatalog) recordPageRequest(r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	// api/categories/{id}/items
	if len(parts) != 4 || parts[0] != "api" || parts[1] != "categories" || parts[3] != "items" {
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	m.pageRequests = append(m.pageRequests, PageRequest{
		CategoryID: parts[2],
		Page:       page,
		PageSize:   pageSize,
	})
}

func (m *MockCatalog) serveInjected(w http.ResponseWriter, resp *MockResponse) {
	if resp.CloseConnection {
		hj, ok := w.(http.Hijacker)
		if ok {
			conn, _, err := hj.Hijack()
			if err == nil {
				conn.Close()
				return
			}
		}
		// Fall through to a plain error when hijacking is unavailable.
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	if resp.StatusCode == 0 {
		resp.StatusCode = http.StatusOK
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

// defaultHandler serves the category directory and sliced listing pages.
func (m *MockCatalog) defaultHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")

	if r.URL.Path == "/api/categories" {
		m.mu.Lock()
		cats := make([]map[string]string, 0, len(m.categories))
		for _, c := range m.categories {
			cats = append(cats, map[string]string{"id": c.ID, "name": c.Name})
		}
		m.mu.Unlock()

		json.NewEncoder(w).Encode(map[string]any{"categories": cats})
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) == 4 && parts[0] == "api" && parts[1] == "categories" && parts[3] == "items" {
		m.servePage(w, r, parts[2])
		return
	}

	w.WriteHeader(http.StatusNotFound)
	w.Write([]byte(`{"error": "not found"}`))
}

func (m *MockCatalog) servePage(w http.ResponseWriter, r *http.Request, categoryID string) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, err := strconv.Atoi(r.URL.Query().Get("page_size"))
	if err != nil || pageSize <= 0 {
		pageSize = 20
	}

	m.mu.Lock()
	var items []map[string]any
	found := false
	for _, c := range m.categories {
		if c.ID == categoryID {
			items = c.items
			found = true
			break
		}
	}
	m.mu.Unlock()

	if !found {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error": "unknown category"}`))
		return
	}

	start := page * pageSize
	end := start + pageSize
	if start > len(items) {
		start = len(items)
	}
	if end > len(items) {
		end = len(items)
	}

	batch := items[start:end]
	if batch == nil {
		batch = []map[string]any{}
	}
	json.NewEncoder(w).Encode(map[string]any{"items": batch})
}

// Items generates n synthetic items with a sku field plus the given extras.
func Items(prefix string, n int, extras map[string]any) []map[string]any {
	out := make([]map[string]any, 0, n)
	for i := 0; i < n; i++ {
		item := map[string]any{"sku": prefix + "-" + strconv.Itoa(i)}
		for k, v := range extras {
			item[k] = v
		}
		out = append(out, item)
	}
	return out
}
