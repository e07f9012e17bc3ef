package intent

import (
	"regexp"
	"strings"
)

type Type string

const (
	TypeRunJob     Type = "RunJob"
	TypeApproveRun Type = "ApproveRun"
	TypeDenyRun    Type = "DenyRun"
	TypeStatus     Type = "Status"
	TypeUnknown    Type = "Unknown"
)

// ParsedIntent is the structured form of one inbound command. Raw preserves
// the trimmed original text.
type ParsedIntent struct {
	Type   Type
	JobKey string
	RunID  string
	Raw    string
}

var (
	runRe     = regexp.MustCompile(`(?i)^run(?:\s+([A-Za-z0-9_-]+))?$`)
	approveRe = regexp.MustCompile(`(?i)^(?:yes|approve)\s+([A-Za-z0-9_-]+)$`)
	denyRe    = regexp.MustCompile(`(?i)^(?:no|deny)\s+([A-Za-z0-9_-]+)$`)
	statusRe  = regexp.MustCompile(`(?i)^status\s+([A-Za-z0-9_-]+)$`)
)

// Parse maps text to exactly one intent. Trailing tokens, embedded
// punctuation or partial matches all fall through to Unknown; the parser
// never guesses.
func Parse(text string) ParsedIntent {
	raw := strings.TrimSpace(text)
	if m := runRe.FindStringSubmatch(raw); m != nil {
		return ParsedIntent{Type: TypeRunJob, JobKey: m[1], Raw: raw}
	}
	if m := approveRe.FindStringSubmatch(raw); m != nil {
		return ParsedIntent{Type: TypeApproveRun, RunID: m[1], Raw: raw}
	}
	if m := denyRe.FindStringSubmatch(raw); m != nil {
		return ParsedIntent{Type: TypeDenyRun, RunID: m[1], Raw: raw}
	}
	if m := statusRe.FindStringSubmatch(raw); m != nil {
		return ParsedIntent{Type: TypeStatus, RunID: m[1], Raw: raw}
	}
	return ParsedIntent{Type: TypeUnknown, Raw: raw}
}
