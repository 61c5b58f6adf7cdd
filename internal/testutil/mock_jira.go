// Package testutil provides testing utilities for the harvester.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"sync"
	"time"
)

// SearchPath is the path the mock serves the search API on.
const SearchPath = "/rest/api/2/search"

var projectPattern = regexp.MustCompile(`project\s*=\s*"?([A-Za-z0-9_-]+)"?`)

// MockResponse defines a canned response served instead of a real page.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// Request records one request received by the mock.
type Request struct {
	Project    string
	StartAt    int
	MaxResults int
	Header     http.Header
}

type faultKey struct {
	project string
	startAt int
}

// MockJira is a configurable mock of the Jira search API.
// Pages are cut from the configured issues using startAt/maxResults;
// queued faults for a (project, startAt) pair are served first, one per request.
type MockJira struct {
	server *httptest.Server

	mu       sync.Mutex
	issues   map[string][]json.RawMessage
	faults   map[faultKey][]MockResponse
	requests []Request
	onServe  func(Request)
}

// NewMockJira creates and starts a mock Jira server.
func NewMockJira() *MockJira {
	mock := &MockJira{
		issues: make(map[string][]json.RawMessage),
		faults: make(map[faultKey][]MockResponse),
	}
	mock.server = httptest.NewServer(http.HandlerFunc(mock.handle))
	return mock
}

// URL returns the full search URL of the mock server.
func (m *MockJira) URL() string {
	return m.server.URL + SearchPath
}

// Close shuts down the mock server.
func (m *MockJira) Close() {
	m.server.Close()
}

// SetIssues generates n issues KEY-1..KEY-n for a project.
func (m *MockJira) SetIssues(project string, n int) {
	issues := make([]json.RawMessage, n)
	for i := 0; i < n; i++ {
		issues[i] = json.RawMessage(fmt.Sprintf(
			`{"id": "%d", "key": "%s-%d", "fields": {"summary": "Issue %d of %s", "description": "<p>body</p>"}}`,
			10000+i, project, i+1, i+1, project))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.issues[project] = issues
}

// SetRawIssues sets the exact issue payloads for a project.
func (m *MockJira) SetRawIssues(project string, issues ...string) {
	raws := make([]json.RawMessage, len(issues))
	for i, s := range issues {
		raws[i] = json.RawMessage(s)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.issues[project] = raws
}

// QueueFault serves resp for the next request of (project, startAt)
// instead of the real page. Multiple faults are served in order.
func (m *MockJira) QueueFault(project string, startAt int, resp MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := faultKey{project: project, startAt: startAt}
	m.faults[key] = append(m.faults[key], resp)
}

// OnServe registers a hook invoked after each request is recorded.
func (m *MockJira) OnServe(fn func(Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onServe = fn
}

// Requests returns a copy of all recorded requests in arrival order.
func (m *MockJira) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockJira) GetRequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Reset clears recorded requests and queued faults.
func (m *MockJira) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
	m.faults = make(map[faultKey][]MockResponse)
}

func (m *MockJira) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != SearchPath {
		http.NotFound(w, r)
		return
	}

	q := r.URL.Query()
	req := Request{Header: r.Header.Clone()}
	if match := projectPattern.FindStringSubmatch(q.Get("jql")); match != nil {
		req.Project = match[1]
	}
	req.StartAt, _ = strconv.Atoi(q.Get("startAt"))
	req.MaxResults, _ = strconv.Atoi(q.Get("maxResults"))
	if req.MaxResults <= 0 {
		req.MaxResults = 50
	}

	m.mu.Lock()
	m.requests = append(m.requests, req)
	hook := m.onServe

	key := faultKey{project: req.Project, startAt: req.StartAt}
	var fault *MockResponse
	if queued := m.faults[key]; len(queued) > 0 {
		fault = &queued[0]
		m.faults[key] = queued[1:]
	}

	issues, known := m.issues[req.Project]
	m.mu.Unlock()

	if hook != nil {
		hook(req)
	}

	if fault != nil {
		writeMockResponse(w, *fault)
		return
	}

	if !known {
		w.Header().Set("Content-Type", "application/json;charset=UTF-8")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, `{"errorMessages":["The value '%s' does not exist for the field 'project'."],"errors":{}}`, req.Project)
		return
	}

	start := req.StartAt
	if start > len(issues) {
		start = len(issues)
	}
	end := start + req.MaxResults
	if end > len(issues) {
		end = len(issues)
	}

	payload := struct {
		StartAt    int               `json:"startAt"`
		MaxResults int               `json:"maxResults"`
		Total      int               `json:"total"`
		Issues     []json.RawMessage `json:"issues"`
	}{
		StartAt:    req.StartAt,
		MaxResults: req.MaxResults,
		Total:      len(issues),
		Issues:     issues[start:end],
	}

	w.Header().Set("Content-Type", "application/json;charset=UTF-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeMockResponse(w http.ResponseWriter, resp MockResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
// An empty retryAfter omits the Retry-After header.
func NewRateLimitResponse(retryAfter string) MockResponse {
	resp := MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"errorMessages":["Rate limit exceeded"]}`,
		Headers: map[string]string{
			"Content-Type": "application/json;charset=UTF-8",
		},
	}
	if retryAfter != "" {
		resp.Headers["Retry-After"] = retryAfter
	}
	return resp
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"errorMessages":["Internal server error"]}`,
		Headers: map[string]string{
			"Content-Type": "application/json;charset=UTF-8",
		},
	}
}

// NewServiceUnavailableResponse creates a 503 Service Unavailable response.
func NewServiceUnavailableResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusServiceUnavailable,
		Body:       "Service Unavailable",
	}
}

// NewClientErrorResponse creates a 400 Bad Request response.
func NewClientErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusBadRequest,
		Body:       `{"errorMessages":["Error in the JQL Query"]}`,
		Headers: map[string]string{
			"Content-Type": "application/json;charset=UTF-8",
		},
	}
}

// NewTruncatedResponse creates a 200 OK response with an unparseable body.
func NewTruncatedResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       `{"startAt": 0, "total": 5, "issues": [{"key": "X-1"`,
		Headers: map[string]string{
			"Content-Type": "application/json;charset=UTF-8",
		},
	}
}
