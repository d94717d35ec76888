package memory

import (
	"regexp"
	"strings"
	"time"
)

// CredentialKey is the store key holding the completion API key.
const CredentialKey = "openaiApiKey"

const credentialPrefix = "sk-"

// Entry is one generated memory: a short summary of the browsing activity and its topics.
type Entry struct {
	Summary string   `json:"summary"`
	Tags    []string `json:"tags"`
}

// DayState is the persisted value for one calendar day. Entries are ordered
// newest run first. Error is nil when the most recent run succeeded.
type DayState struct {
	Entries     []Entry   `json:"entries"`
	LastUpdated time.Time `json:"lastUpdated"`
	Error       *string   `json:"error"`
}

// Status classifies a day for display surfaces.
type Status string

const (
	StatusEmpty  Status = "empty"
	StatusFailed Status = "failed"
	StatusStale  Status = "stale"
	StatusOK     Status = "ok"
)

func (s DayState) Status() Status {
	hasErr := s.Error != nil && *s.Error != ""
	switch {
	case len(s.Entries) == 0 && !hasErr:
		return StatusEmpty
	case len(s.Entries) == 0:
		return StatusFailed
	case hasErr:
		return StatusStale
	default:
		return StatusOK
	}
}

// ErrorMessage returns the recorded error or "".
func (s DayState) ErrorMessage() string {
	if s.Error == nil {
		return ""
	}
	return *s.Error
}

// normalize makes sure nil slices encode as [] rather than null.
func (s *DayState) normalize() {
	if s.Entries == nil {
		s.Entries = []Entry{}
	}
	for i := range s.Entries {
		if s.Entries[i].Tags == nil {
			s.Entries[i].Tags = []string{}
		}
	}
}

var dayKeyPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// DayKey formats t as YYYY-MM-DD in t's location.
func DayKey(t time.Time) string {
	return t.Format("2006-01-02")
}

func IsDayKey(key string) bool {
	return dayKeyPattern.MatchString(key)
}

// ValidateCredential checks that key looks like an API secret.
func ValidateCredential(key string) error {
	if !strings.HasPrefix(strings.TrimSpace(key), credentialPrefix) {
		return ErrInvalidCredential
	}
	return nil
}

// SetError records msg as the outcome of the latest run.
func (s *DayState) SetError(msg string) {
	s.Error = &msg
}

func (s *DayState) ClearError() {
	s.Error = nil
}
