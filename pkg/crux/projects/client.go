// Package projects provisions each coached user's program board: it
// duplicates a template project in the project-management service (Asana
// REST API), dates every task from its section name, and invites the user.
package projects

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DuplicateInclude is what the template copy carries over. task_dates is
// left out on purpose: the API rejects it without schedule_dates and due
// dates are computed here anyway.
var DuplicateInclude = []string{"notes", "task_notes", "task_subtasks"}

// ErrMissingProjectRef is returned when duplication succeeds but the
// response carries no new project id.
var ErrMissingProjectRef = errors.New("duplication response has no project id")

// Config holds project service configuration.
type Config struct {
	// Enabled turns board provisioning on.
	Enabled bool `yaml:"enabled"`

	// BaseURL is the API root (default: https://app.asana.com/api/1.0).
	BaseURL string `yaml:"base_url"`

	// Token is the personal access token (supports ${ENV_VAR}).
	Token string `yaml:"token"`

	// TemplateID is the project duplicated for every user.
	TemplateID string `yaml:"template_id"`

	// BoardURL is the user-facing board link; %s is the project id.
	BoardURL string `yaml:"board_url"`

	// CollaboratorRole is the membership role granted to the user.
	CollaboratorRole string `yaml:"collaborator_role"`

	// WaitForJob polls the duplication job before dating tasks.
	WaitForJob bool `yaml:"wait_for_job"`

	// JobPollInterval and JobPollAttempts bound the job wait.
	JobPollInterval time.Duration `yaml:"job_poll_interval"`
	JobPollAttempts int           `yaml:"job_poll_attempts"`

	// Timeout bounds each HTTP request.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns the default project configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:          "https://app.asana.com/api/1.0",
		BoardURL:         "https://app.asana.com/0/%s/list",
		CollaboratorRole: "comment_only",
		WaitForJob:       true,
		JobPollInterval:  2 * time.Second,
		JobPollAttempts:  15,
		Timeout:          30 * time.Second,
	}
}

// Section is a template section.
type Section struct {
	GID  string `json:"gid"`
	Name string `json:"name"`
}

// Task is a project task with its section memberships.
type Task struct {
	GID         string `json:"gid"`
	Name        string `json:"name"`
	DueOn       string `json:"due_on,omitempty"`
	Completed   bool   `json:"completed,omitempty"`
	Memberships []struct {
		Section *Section `json:"section"`
	} `json:"memberships"`
}

// SectionGID returns the first section membership, if any.
func (t Task) SectionGID() string {
	for _, m := range t.Memberships {
		if m.Section != nil && m.Section.GID != "" {
			return m.Section.GID
		}
	}
	return ""
}

// Duplication is the result of a duplicate request.
type Duplication struct {
	JobGID     string
	Status     string
	ProjectGID string
}

// APIError is a non-2xx response from the service.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := e.Body
	if len(body) > 300 {
		body = body[:300] + "..."
	}
	return fmt.Sprintf("projects: %s %s returned %d: %s", e.Method, e.Path, e.StatusCode, body)
}

// Client is a minimal Asana REST client.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a client. Empty fields fall back to DefaultConfig.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.BoardURL == "" {
		cfg.BoardURL = def.BoardURL
	}
	if cfg.CollaboratorRole == "" {
		cfg.CollaboratorRole = def.CollaboratorRole
	}
	if cfg.JobPollInterval == 0 {
		cfg.JobPollInterval = def.JobPollInterval
	}
	if cfg.JobPollAttempts == 0 {
		cfg.JobPollAttempts = def.JobPollAttempts
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	return &Client{
		cfg:        cfg,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With("component", "projects"),
	}
}

// BoardURL returns the user-facing link for a project.
func (c *Client) BoardURL(projectGID string) string {
	return fmt.Sprintf(c.cfg.BoardURL, projectGID)
}

// do sends a request wrapped in the {"data": ...} envelope and decodes the
// response envelope into out.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(map[string]any{"data": in})
		if err != nil {
			return fmt.Errorf("projects: marshal %s: %w", path, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("projects: build %s %s: %w", method, path, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("projects: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("projects: read %s: %w", path, err)
	}
	if resp.StatusCode >= 300 {
		return &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("projects: decode %s: %w", path, err)
	}
	return nil
}

// DuplicateProject copies templateID into a new project called name.
func (c *Client) DuplicateProject(ctx context.Context, templateID, name string) (*Duplication, error) {
	var resp struct {
		Data struct {
			GID        string `json:"gid"`
			Status     string `json:"status"`
			NewProject *struct {
				GID string `json:"gid"`
			} `json:"new_project"`
		} `json:"data"`
	}
	in := map[string]any{"name": name, "include": DuplicateInclude}
	if err := c.do(ctx, http.MethodPost, "/projects/"+url.PathEscape(templateID)+"/duplicate", in, &resp); err != nil {
		return nil, err
	}

	dup := &Duplication{JobGID: resp.Data.GID, Status: resp.Data.Status}
	if resp.Data.NewProject != nil {
		dup.ProjectGID = resp.Data.NewProject.GID
	}
	if dup.ProjectGID == "" {
		return dup, ErrMissingProjectRef
	}
	return dup, nil
}

// JobStatus returns the status of an asynchronous job.
func (c *Client) JobStatus(ctx context.Context, jobGID string) (string, error) {
	var resp struct {
		Data struct {
			Status string `json:"status"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(jobGID), nil, &resp); err != nil {
		return "", err
	}
	return resp.Data.Status, nil
}

// WaitForJob polls until the job leaves the pending states or the attempt
// budget runs out. A timeout is not an error: the caller carries on with
// whatever tasks exist.
func (c *Client) WaitForJob(ctx context.Context, jobGID string) (string, error) {
	status := ""
	for i := 0; i < c.cfg.JobPollAttempts; i++ {
		s, err := c.JobStatus(ctx, jobGID)
		if err != nil {
			return status, err
		}
		status = s
		switch status {
		case "succeeded":
			return status, nil
		case "failed":
			return status, fmt.Errorf("projects: duplication job %s failed", jobGID)
		}
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-time.After(c.cfg.JobPollInterval):
		}
	}
	c.logger.Warn("duplication job still pending, continuing", "job", jobGID, "status", status)
	return status, nil
}

// ListSections returns every section of a project, following pagination.
func (c *Client) ListSections(ctx context.Context, projectGID string) ([]Section, error) {
	q := url.Values{}
	q.Set("limit", "100")
	return listAll[Section](ctx, c, "/projects/"+url.PathEscape(projectGID)+"/sections", q)
}

// ListTasks returns every task in a project, following pagination.
func (c *Client) ListTasks(ctx context.Context, projectGID string) ([]Task, error) {
	q := url.Values{}
	q.Set("project", projectGID)
	q.Set("limit", "100")
	q.Set("opt_fields", "name,due_on,completed,memberships.section")
	return listAll[Task](ctx, c, "/tasks", q)
}

// listAll fetches path page by page until no next_page offset is returned.
func listAll[T any](ctx context.Context, c *Client, path string, q url.Values) ([]T, error) {
	var all []T
	for {
		var resp struct {
			Data     []T `json:"data"`
			NextPage *struct {
				Offset string `json:"offset"`
			} `json:"next_page"`
		}
		if err := c.do(ctx, http.MethodGet, path+"?"+q.Encode(), nil, &resp); err != nil {
			return nil, err
		}
		all = append(all, resp.Data...)
		if resp.NextPage == nil || resp.NextPage.Offset == "" {
			return all, nil
		}
		q.Set("offset", resp.NextPage.Offset)
	}
}

// UpdateTaskDueDate sets a task's due date (YYYY-MM-DD).
func (c *Client) UpdateTaskDueDate(ctx context.Context, taskGID, dueOn string) error {
	return c.do(ctx, http.MethodPut, "/tasks/"+url.PathEscape(taskGID), map[string]any{"due_on": dueOn}, nil)
}

// AddCollaborator grants email the configured role on the project.
func (c *Client) AddCollaborator(ctx context.Context, projectGID, email string) error {
	in := map[string]any{"project": projectGID, "user": email, "role": c.cfg.CollaboratorRole}
	return c.do(ctx, http.MethodPost, "/project_memberships", in, nil)
}
