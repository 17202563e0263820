package audit

import (
	"errors"
	"fmt"
	"time"
)

// SubjectKind identifies what kind of object an event is about
type SubjectKind string

const (
	SubjectPost    SubjectKind = "post"
	SubjectUser    SubjectKind = "user"
	SubjectTerm    SubjectKind = "term"
	SubjectComment SubjectKind = "comment"
	SubjectPlugin  SubjectKind = "plugin"
	SubjectTheme   SubjectKind = "theme"
	SubjectOption  SubjectKind = "option"
	SubjectSession SubjectKind = "session"
)

var subjectKinds = map[SubjectKind]struct{}{
	SubjectPost:    {},
	SubjectUser:    {},
	SubjectTerm:    {},
	SubjectComment: {},
	SubjectPlugin:  {},
	SubjectTheme:   {},
	SubjectOption:  {},
	SubjectSession: {},
}

// Valid reports whether k is one of the known subject kinds
func (k SubjectKind) Valid() bool {
	_, ok := subjectKinds[k]
	return ok
}

// ParseSubjectKind converts a string into a SubjectKind
func ParseSubjectKind(s string) (SubjectKind, error) {
	k := SubjectKind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown subject kind %q", s)
	}
	return k, nil
}

// SubjectRef points at the object an event is about. Name is captured when
// the event is created because the subject may not exist at read time.
type SubjectRef struct {
	Kind SubjectKind `json:"kind"`
	ID   string      `json:"id"`
	Name string      `json:"name,omitempty"`
}

// Key returns "kind:id", the identity used for coalescing and locking
func (s *SubjectRef) Key() string {
	if s == nil {
		return ""
	}
	return string(s.Kind) + ":" + s.ID
}

// Matches reports whether both refs identify the same subject. Names are
// not compared.
func (s *SubjectRef) Matches(other *SubjectRef) bool {
	if s == nil || other == nil {
		return s == nil && other == nil
	}
	return s.Kind == other.Kind && s.ID == other.ID
}

func (s *SubjectRef) clone() *SubjectRef {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// Actor is the user on whose behalf an event is recorded
type Actor struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Role     string `json:"role"`
	IP       string `json:"ip,omitempty"`
	Location string `json:"location,omitempty"`
	Agent    string `json:"agent,omitempty"`
}

// Eventmeta is descriptive key/value data attached to an event. It is never
// diffed.
type Eventmeta struct {
	Key   string      `json:"key"`
	Value interface{} `json:"value"`
}

// Note is a reviewer comment attached to a single event
type Note struct {
	ID         int64     `json:"id"`
	EventID    int64     `json:"event_id"`
	AuthorID   int64     `json:"author_id"`
	AuthorName string    `json:"author_name"`
	AuthorRole string    `json:"author_role,omitempty"`
	Body       string    `json:"body"`
	IP         string    `json:"ip,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// SearchFilter represents filters for searching audit events
type SearchFilter struct {
	// Time range; StartTime inclusive, EndTime exclusive
	StartTime *time.Time
	EndTime   *time.Time

	// Actor filters
	ActorID   *int64
	ActorName string

	// Event filters
	Classifications []string

	// Subject filters
	SubjectKind SubjectKind
	SubjectID   string

	// Pagination
	Limit  int
	Offset int

	// Sorting by occurred_at, "asc" or "desc"
	SortOrder string
}

// ExportFormat represents the format for exporting audit events
type ExportFormat string

const (
	ExportFormatJSON   ExportFormat = "json"
	ExportFormatCSV    ExportFormat = "csv"
	ExportFormatNDJSON ExportFormat = "ndjson" // Newline-delimited JSON
)

var (
	// ErrNotFound is returned when an event or note does not exist
	ErrNotFound = errors.New("audit: not found")

	// ErrInvalidID is returned for non-positive event ids
	ErrInvalidID = errors.New("audit: invalid event id")

	// ErrUnboundEvent is returned when Save or Delete is called on an event
	// that was not produced by a Recorder
	ErrUnboundEvent = errors.New("audit: event is not bound to a recorder")
)
