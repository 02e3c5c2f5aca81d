package storage

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Status is the lifecycle state of an execution record.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusRunning || s.Terminal()
}

const maxScriptNameLen = 255

// Script is a stored, named shell script.
type Script struct {
	ID          string    `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	Description string    `json:"description" db:"description"`
	Content     string    `json:"content" db:"content"`
	Tags        []string  `json:"tags" db:"tags"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// ScriptInput carries the fields accepted when creating a script.
type ScriptInput struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Content     string   `json:"content"`
	Tags        []string `json:"tags"`
}

// Validate checks name and content constraints and normalizes tags.
func (in *ScriptInput) Validate() error {
	if err := validateName(in.Name); err != nil {
		return err
	}
	if strings.TrimSpace(in.Content) == "" {
		return fmt.Errorf("%w: content must not be empty", ErrInvalidScript)
	}
	in.Tags = normalizeTags(in.Tags)
	return nil
}

// ScriptPatch is a partial update. Nil fields are left unchanged.
type ScriptPatch struct {
	Name        *string   `json:"name,omitempty"`
	Description *string   `json:"description,omitempty"`
	Content     *string   `json:"content,omitempty"`
	Tags        *[]string `json:"tags,omitempty"`
}

// Validate applies the same rules as ScriptInput to the fields that are set.
func (p *ScriptPatch) Validate() error {
	if p.Name != nil {
		if err := validateName(*p.Name); err != nil {
			return err
		}
	}
	if p.Content != nil && strings.TrimSpace(*p.Content) == "" {
		return fmt.Errorf("%w: content must not be empty", ErrInvalidScript)
	}
	if p.Tags != nil {
		tags := normalizeTags(*p.Tags)
		p.Tags = &tags
	}
	return nil
}

// Apply returns s with the patch applied.
func (p ScriptPatch) Apply(s Script) Script {
	if p.Name != nil {
		s.Name = *p.Name
	}
	if p.Description != nil {
		s.Description = *p.Description
	}
	if p.Content != nil {
		s.Content = *p.Content
	}
	if p.Tags != nil {
		s.Tags = *p.Tags
	}
	return s
}

func validateName(name string) error {
	n := utf8.RuneCountInString(strings.TrimSpace(name))
	if n == 0 || utf8.RuneCountInString(name) > maxScriptNameLen {
		return fmt.Errorf("%w: name must be 1-%d characters", ErrInvalidScript, maxScriptNameLen)
	}
	return nil
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// Execution is one run attempt of a script.
type Execution struct {
	ID          string     `json:"id" db:"id"`
	ScriptID    string     `json:"script_id" db:"script_id"`
	ScriptName  string     `json:"script_name" db:"script_name"`
	Status      Status     `json:"status" db:"status"`
	Output      string     `json:"output" db:"output"`
	Error       string     `json:"error" db:"error"`
	ExitCode    *int       `json:"exit_code" db:"exit_code"`
	StartedAt   time.Time  `json:"started_at" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at" db:"completed_at"`
}

// ExecutionUpdate names the mutable fields of an execution record.
// Nil fields are left unchanged.
type ExecutionUpdate struct {
	Status      *Status
	Output      *string
	Error       *string
	ExitCode    *int
	CompletedAt *time.Time
}

func (u ExecutionUpdate) statusArg() *string {
	if u.Status == nil {
		return nil
	}
	s := string(*u.Status)
	return &s
}

// ScriptFilter provides criteria for listing scripts.
type ScriptFilter struct {
	Tag    string
	Search string
	Limit  int
	Offset int
}

// ExecutionFilter provides criteria for querying executions.
type ExecutionFilter struct {
	ScriptID string
	Status   Status
	Limit    int
	Offset   int
}

// Stats aggregates script and execution counters.
type Stats struct {
	TotalScripts         int64 `json:"total_scripts"`
	TotalExecutions      int64 `json:"total_executions"`
	SuccessfulExecutions int64 `json:"successful_executions"`
	FailedExecutions     int64 `json:"failed_executions"`
	RunningExecutions    int64 `json:"running_executions"`
	CancelledExecutions  int64 `json:"cancelled_executions"`
}

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultListLimit
	case limit > maxListLimit:
		return maxListLimit
	}
	return limit
}
