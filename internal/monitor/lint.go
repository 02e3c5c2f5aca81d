package monitor

import (
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
)

// ScriptLinter flags shell constructs that are usually mistakes or dangerous.
// Findings are advisory; saving a script never fails because of them.
type ScriptLinter struct {
	rules   []LintRule
	metrics *Metrics
}

// LintRule defines a suspicious pattern to match.
type LintRule struct {
	Name        string
	Description string
	Regex       *regexp.Regexp
	Severity    Severity
}

// Severity levels for lint findings.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Finding is one rule match in a script.
type Finding struct {
	Rule     string `json:"rule"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
	Line     int    `json:"line"`
}

// NewScriptLinter creates a linter with the default rule set.
func NewScriptLinter(m *Metrics) *ScriptLinter {
	return &ScriptLinter{
		rules:   defaultRules(),
		metrics: m,
	}
}

// Lint checks script content line by line. Comment lines are skipped.
func (l *ScriptLinter) Lint(content string) []Finding {
	findings := []Finding{}

	for i, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		for _, r := range l.rules {
			if !r.Regex.MatchString(line) {
				continue
			}
			findings = append(findings, Finding{
				Rule:     r.Name,
				Severity: r.Severity.String(),
				Detail:   r.Description,
				Line:     i + 1,
			})
			l.metrics.RecordScriptWarning(r.Name)

			log.Debug().
				Str("rule", r.Name).
				Str("severity", r.Severity.String()).
				Int("line", i+1).
				Msg("script lint finding")
		}
	}

	return findings
}

func defaultRules() []LintRule {
	return []LintRule{
		{
			Name:        "recursive_root_delete",
			Description: "Deletes / or a top-level system directory",
			Regex:       regexp.MustCompile(`\brm\s+(-{1,2}[a-zA-Z-]+\s+)*/((bin|boot|etc|home|lib|usr|var)/?)?(\s|\*|$)`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "fork_bomb",
			Description: "Classic shell fork bomb",
			Regex:       regexp.MustCompile(`:\s*\(\s*\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "raw_disk_write",
			Description: "Writes directly to a block device",
			Regex:       regexp.MustCompile(`(\bdd\b.*\bof=/dev/(sd|nvme|hd|vd|xvd))|(>\s*/dev/(sd|nvme|hd|vd|xvd)[a-z0-9]*)|\bmkfs(\.\w+)?\s+/dev/`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "pipe_to_shell",
			Description: "Downloads and executes remote code without inspection",
			Regex:       regexp.MustCompile(`(?i)\b(curl|wget)\b[^|]*\|\s*(sudo\s+)?(ba|z|k)?sh\b`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "world_writable_root",
			Description: "Recursive chmod 777 on a system path",
			Regex:       regexp.MustCompile(`\bchmod\s+-R\s+0?777\s+/`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "reverse_shell",
			Description: "Potential reverse shell command",
			Regex:       regexp.MustCompile(`(?i)(nc|ncat|netcat|socat)\s+.*-[elp]|/dev/tcp/|bash\s+-i\s+>&`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "sudo",
			Description: "Requires elevated privileges; the runner does not provide a terminal for prompts",
			Regex:       regexp.MustCompile(`(^\s*|[;&|]\s*)sudo\s`),
			Severity:    SeverityMedium,
		},
		{
			Name:        "interactive_read",
			Description: "Reads from stdin, which is not connected for executions",
			Regex:       regexp.MustCompile(`(^\s*|[;&|]\s*)read\s`),
			Severity:    SeverityLow,
		},
	}
}
