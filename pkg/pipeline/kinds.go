// Package pipeline connects host notifications to the audit core through
// deferred units.
//
// The Notifier runs inside the host request: it snapshots the notification
// and returns immediately. Handlers run later on the deferred executor,
// re-read subject names, build events in a per-unit audit.Operation and
// flush them.
package pipeline

import (
	"errors"

	"github.com/platinummonkey/audittrail/pkg/audit"
)

// Unit kinds
const (
	KindSubjectCreated = "subject.created"
	KindSubjectUpdated = "subject.updated"
	KindSubjectDeleted = "subject.deleted"
	KindMetaUpdated    = "meta.updated"
	KindSession        = "session"
)

// Session actions
const (
	SessionLogin       = "login"
	SessionLogout      = "logout"
	SessionLoginFailed = "login_failed"
	SessionActivity    = "activity"
)

// ErrInvalidSubject is returned by handlers for a payload whose subject kind
// is unknown or whose id is empty
var ErrInvalidSubject = errors.New("pipeline: invalid subject")

// SubjectCreated announces a new subject with its initial values
type SubjectCreated struct {
	Actor      *audit.Actor           `json:"actor,omitempty"`
	Subject    audit.SubjectRef       `json:"subject"`
	Origin     string                 `json:"origin,omitempty"`
	Properties map[string]interface{} `json:"properties,omitempty"`
	Meta       map[string]interface{} `json:"meta,omitempty"`
}

// SubjectUpdated carries full before and after snapshots of a subject.
// Only differing keys, plus keys the Updated classification keeps
// unchanged, become properties.
type SubjectUpdated struct {
	Actor   *audit.Actor           `json:"actor,omitempty"`
	Subject audit.SubjectRef       `json:"subject"`
	Origin  string                 `json:"origin,omitempty"`
	Before  map[string]interface{} `json:"before,omitempty"`
	After   map[string]interface{} `json:"after,omitempty"`
	Meta    map[string]interface{} `json:"meta,omitempty"`
}

// SubjectDeleted announces the removal of a subject. The name captured here
// is the one recorded, since the subject can no longer be loaded.
type SubjectDeleted struct {
	Actor   *audit.Actor           `json:"actor,omitempty"`
	Subject audit.SubjectRef       `json:"subject"`
	Meta    map[string]interface{} `json:"meta,omitempty"`
}

// MetaUpdated is a change to one auxiliary value of a subject
type MetaUpdated struct {
	Actor   *audit.Actor     `json:"actor,omitempty"`
	Subject audit.SubjectRef `json:"subject"`
	Key     string           `json:"key"`
	Before  interface{}      `json:"before"`
	After   interface{}      `json:"after"`
}

// Session is a login, logout, failed login or liveness ping
type Session struct {
	Actor    *audit.Actor `json:"actor,omitempty"`
	Action   string       `json:"action"`
	Username string       `json:"username,omitempty"`
}

func validSubject(ref audit.SubjectRef) bool {
	return ref.Kind.Valid() && ref.ID != ""
}
