// Package jira addresses and decodes pages of the Jira REST v2 search API.
// Each project key is one resource; the cursor is the numeric startAt offset.
package jira

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/Sternrassler/jira-harvester/pkg/page"
)

// Defaults matching the public Apache Jira instance.
const (
	DefaultBaseURL  = "https://issues.apache.org/jira/rest/api/2/search"
	DefaultFields   = "summary,description,comment,status,priority,assignee,labels,created,updated,issuetype,reporter"
	DefaultPageSize = 100
)

// DefaultProjects are the project keys harvested when none are configured.
var DefaultProjects = []string{"SPARK", "KAFKA", "HADOOP"}

// Endpoint builds search requests for one Jira instance.
type Endpoint struct {
	// BaseURL is the full URL of the search resource.
	BaseURL string

	// Fields is the comma-separated list of issue fields to request.
	Fields string

	// PageSize is the maxResults parameter.
	PageSize int
}

// NewEndpoint validates and returns an Endpoint.
func NewEndpoint(baseURL, fields string, pageSize int) (*Endpoint, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http(s), got %q", baseURL)
	}
	if pageSize <= 0 {
		return nil, fmt.Errorf("page size must be > 0 (got %d)", pageSize)
	}
	return &Endpoint{
		BaseURL:  baseURL,
		Fields:   fields,
		PageSize: pageSize,
	}, nil
}

// InitialCursor is where every project starts.
func InitialCursor() page.Cursor {
	return page.Offset(0)
}

// JQL returns the query selecting all issues of a project in stable order.
func JQL(project string) string {
	return fmt.Sprintf("project = %s ORDER BY created ASC, key ASC", project)
}

// NewRequest implements client.Endpoint.
func (e *Endpoint) NewRequest(ctx context.Context, project string, cursor page.Cursor) (*http.Request, error) {
	startAt, err := cursor.Offset()
	if err != nil {
		return nil, err
	}
	if startAt < 0 {
		return nil, fmt.Errorf("negative startAt %d", startAt)
	}

	q := url.Values{}
	q.Set("jql", JQL(project))
	if e.Fields != "" {
		q.Set("fields", e.Fields)
	}
	q.Set("maxResults", strconv.Itoa(e.PageSize))
	q.Set("startAt", strconv.Itoa(startAt))

	sep := "?"
	if strings.Contains(e.BaseURL, "?") {
		sep = "&"
	}
	return http.NewRequestWithContext(ctx, http.MethodGet, e.BaseURL+sep+q.Encode(), nil)
}

// searchResponse is the subset of the search payload needed to paginate.
type searchResponse struct {
	StartAt    int               `json:"startAt"`
	MaxResults int               `json:"maxResults"`
	Total      int               `json:"total"`
	Issues     []json.RawMessage `json:"issues"`
}

// DecodePage implements client.Endpoint.
// The resource is complete when a page comes back empty or the next
// offset reaches the reported total.
func (e *Endpoint) DecodePage(project string, cursor page.Cursor, body io.Reader) (*page.Page, error) {
	startAt, err := cursor.Offset()
	if err != nil {
		return nil, err
	}

	var resp searchResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	p := &page.Page{
		Resource: project,
		Cursor:   cursor,
		Total:    resp.Total,
		Records:  make([]page.Record, 0, len(resp.Issues)),
	}

	for i, raw := range resp.Issues {
		rec, err := page.NewRecord(RecordID(raw), raw)
		if err != nil {
			return nil, fmt.Errorf("issue %d: %w", i, err)
		}
		p.Records = append(p.Records, rec)
	}

	next := startAt + len(resp.Issues)
	if len(resp.Issues) == 0 || next >= resp.Total {
		p.Done = true
		return p, nil
	}
	p.Next = page.Offset(next)
	return p, nil
}

// RecordID extracts the issue key, falling back to the numeric id.
// It returns "" when neither is present.
func RecordID(raw []byte) string {
	return page.IdentifyJSON(raw)
}
