package projects

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jholhewres/crux/pkg/crux/session"
)

// Result is the outcome of provisioning a board.
type Result struct {
	ProjectRef string
	URL        string
	Report     Report

	// CollaboratorErr is set when the invite failed. The board still exists.
	CollaboratorErr error
}

// Provisioner duplicates the template for a user and records the new
// project on their session.
type Provisioner struct {
	client *Client
	store  session.Store
	cfg    Config
	now    func() time.Time
}

// NewProvisioner creates a provisioner.
func NewProvisioner(client *Client, store session.Store) *Provisioner {
	return &Provisioner{client: client, store: store, cfg: client.cfg, now: time.Now}
}

// BoardName is the project name used for a user's duplicate.
func BoardName(displayName string) string {
	name := strings.TrimSpace(displayName)
	if name == "" {
		name = "Client"
	}
	return name + " – Program Board"
}

// Provision duplicates the template, dates its tasks, invites contact and
// persists the project reference. Nothing after duplication runs when the
// response carries no project id.
func (p *Provisioner) Provision(ctx context.Context, userID, displayName, contact string) (*Result, error) {
	if p.cfg.TemplateID == "" {
		return nil, fmt.Errorf("projects: template id is not configured")
	}
	logger := p.client.logger.With("user", userID)
	start := p.now()

	dup, err := p.client.DuplicateProject(ctx, p.cfg.TemplateID, BoardName(displayName))
	if err != nil {
		return nil, fmt.Errorf("duplicate template: %w", err)
	}
	logger.Info("template duplicated", "project", dup.ProjectGID, "job", dup.JobGID)

	if p.cfg.WaitForJob && dup.JobGID != "" {
		if _, err := p.client.WaitForJob(ctx, dup.JobGID); err != nil {
			logger.Warn("duplication job wait failed", "job", dup.JobGID, "error", err)
		}
	}

	res := &Result{ProjectRef: dup.ProjectGID, URL: p.client.BoardURL(dup.ProjectGID)}

	report, err := p.client.ApplyDueDates(ctx, dup.ProjectGID, start)
	if err != nil {
		logger.Warn("due dates not applied", "project", dup.ProjectGID, "error", err)
		report.Failed = append(report.Failed, TaskFailure{Name: "all tasks", Err: err})
	}
	res.Report = report

	if contact != "" {
		if err := p.client.AddCollaborator(ctx, dup.ProjectGID, contact); err != nil {
			logger.Warn("collaborator invite failed", "project", dup.ProjectGID, "error", err)
			res.CollaboratorErr = err
		}
	}

	if _, err := p.store.Mutate(ctx, userID, func(s *session.Session) error {
		s.ExternalProjectRef = dup.ProjectGID
		return nil
	}); err != nil {
		return res, fmt.Errorf("save project ref: %w", err)
	}
	return res, nil
}

// OpenTasks returns the names of incomplete tasks due on or before day,
// earliest first, capped at limit.
func (c *Client) OpenTasks(ctx context.Context, projectRef, day string, limit int) ([]string, error) {
	tasks, err := c.ListTasks(ctx, projectRef)
	if err != nil {
		return nil, err
	}

	var due []Task
	for _, t := range tasks {
		if t.Completed || t.DueOn == "" || t.DueOn > day {
			continue
		}
		due = append(due, t)
	}
	slices.SortStableFunc(due, func(a, b Task) int { return strings.Compare(a.DueOn, b.DueOn) })

	names := make([]string, 0, min(len(due), limit))
	for _, t := range due {
		if len(names) == limit {
			break
		}
		names = append(names, t.Name)
	}
	return names, nil
}
