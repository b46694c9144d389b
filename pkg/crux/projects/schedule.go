package projects

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jholhewres/crux/pkg/crux/session"
)

var (
	daysAfterPattern = regexp.MustCompile(`(\d+)\s+days?\s+after`)
	dayNPattern      = regexp.MustCompile(`^day\s+(\d+)\b`)
)

// InferOffsetDays derives a section's day offset from its name. Rules are
// tried in order and the first match wins; unparseable names map to 0.
func InferOffsetDays(name string) int {
	n := strings.ToLower(strings.TrimSpace(name))

	if strings.Contains(n, "on project start date") {
		return 0
	}
	if m := daysAfterPattern.FindStringSubmatch(n); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil {
			return v
		}
	}
	if m := dayNPattern.FindStringSubmatch(n); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil {
			return max(v-1, 0)
		}
	}
	return 0
}

// TemplateSection is a section with its inferred offset.
type TemplateSection struct {
	SectionRef         string
	DisplayName        string
	InferredOffsetDays int
}

// ScheduledTask is a task with the due date it should receive.
type ScheduledTask struct {
	TaskRef         string
	Name            string
	SectionRef      string
	ComputedDueDate string
}

// InferSections computes the offset of every section.
func InferSections(sections []Section) []TemplateSection {
	out := make([]TemplateSection, 0, len(sections))
	for _, s := range sections {
		out = append(out, TemplateSection{
			SectionRef:         s.GID,
			DisplayName:        s.Name,
			InferredOffsetDays: InferOffsetDays(s.Name),
		})
	}
	return out
}

// PlanDueDates maps every task to start + its section's offset. Tasks whose
// first section membership is missing or unknown are left out.
func PlanDueDates(start time.Time, sections []TemplateSection, tasks []Task) []ScheduledTask {
	offsets := make(map[string]int, len(sections))
	for _, s := range sections {
		offsets[s.SectionRef] = s.InferredOffsetDays
	}

	start = time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	var plan []ScheduledTask
	for _, t := range tasks {
		ref := t.SectionGID()
		offset, ok := offsets[ref]
		if ref == "" || !ok {
			continue
		}
		plan = append(plan, ScheduledTask{
			TaskRef:         t.GID,
			Name:            t.Name,
			SectionRef:      ref,
			ComputedDueDate: start.AddDate(0, 0, offset).Format(session.DateLayout),
		})
	}
	return plan
}

// TaskFailure records a due date write that did not go through.
type TaskFailure struct {
	TaskRef string
	Name    string
	Err     error
}

// Report summarizes a due date pass.
type Report struct {
	Updated int
	Skipped int
	Failed  []TaskFailure
}

// Partial reports whether some writes failed.
func (r Report) Partial() bool { return len(r.Failed) > 0 }

// ApplyDueDates fetches the project's sections and tasks and writes every
// computed due date. A failed write is recorded and the batch continues.
func (c *Client) ApplyDueDates(ctx context.Context, projectRef string, start time.Time) (Report, error) {
	sections, err := c.ListSections(ctx, projectRef)
	if err != nil {
		return Report{}, err
	}
	tasks, err := c.ListTasks(ctx, projectRef)
	if err != nil {
		return Report{}, err
	}

	plan := PlanDueDates(start, InferSections(sections), tasks)
	report := Report{Skipped: len(tasks) - len(plan)}

	for _, st := range plan {
		if err := c.UpdateTaskDueDate(ctx, st.TaskRef, st.ComputedDueDate); err != nil {
			c.logger.Warn("due date write failed",
				"project", projectRef, "task", st.TaskRef, "due_on", st.ComputedDueDate, "error", err)
			report.Failed = append(report.Failed, TaskFailure{TaskRef: st.TaskRef, Name: st.Name, Err: err})
			continue
		}
		report.Updated++
	}

	c.logger.Info("due dates applied",
		"project", projectRef, "updated", report.Updated,
		"skipped", report.Skipped, "failed", len(report.Failed))
	return report, nil
}
