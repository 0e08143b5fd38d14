package internal

import (
	"strconv"
	"strings"
	"time"
)

// EventType classifies a TriggerEvent.
type EventType string

const (
	EventPush      EventType = "push"
	EventTag       EventType = "tag"
	EventPROpen    EventType = "pr-open"
	EventPRChange  EventType = "pr-change"
	EventPRClose   EventType = "pr-close"
	EventPRReopen  EventType = "pr-reopen"
	EventPRLabel   EventType = "pr-label"
	EventPRComment EventType = "pr-comment"
)

// ZeroRev is the revision the platform reports for a ref that did not exist
// before a push.
const ZeroRev = "0000000000000000000000000000000000000000"

// Account identifies the submitter of a change. Name and Email are optional.
type Account struct {
	Username string `json:"username"`
	Name     string `json:"name,omitempty"`
	Email    string `json:"email,omitempty"`
}

// TriggerEvent is the canonical form of a change-lifecycle notification.
// It is built once per delivery and passed by value afterwards.
type TriggerEvent struct {
	Type           EventType `json:"type"`
	ConnectionName string    `json:"connection_name,omitempty"`
	ProjectName    string    `json:"project_name"`
	Branch         string    `json:"branch,omitempty"`
	Ref            string    `json:"ref,omitempty"`
	OldRev         string    `json:"oldrev,omitempty"`
	NewRev         string    `json:"newrev,omitempty"`
	ChangeNumber   int       `json:"change_number,omitempty"`
	ChangeURL      string    `json:"change_url,omitempty"`
	PatchRevision  string    `json:"patch_revision,omitempty"`
	Refspec        string    `json:"refspec,omitempty"`
	Title          string    `json:"title,omitempty"`
	UpdatedAt      time.Time `json:"updated_at,omitempty"`
	Comment        string    `json:"comment_text,omitempty"`
	Label          string    `json:"label,omitempty"`
	Account        *Account  `json:"account,omitempty"`
}

// IsChange reports whether the event describes a change request rather than a
// branch or tag update.
func (e TriggerEvent) IsChange() bool {
	return e.ChangeNumber != 0
}

// Change is the scheduler-facing view of a change request or ref update.
type Change struct {
	Connection string    `json:"connection,omitempty"`
	Project    string    `json:"project"`
	Branch     string    `json:"branch,omitempty"`
	Ref        string    `json:"ref,omitempty"`
	OldRev     string    `json:"oldrev,omitempty"`
	NewRev     string    `json:"newrev,omitempty"`
	Number     int       `json:"number,omitempty"`
	Patchset   string    `json:"patchset,omitempty"`
	Refspec    string    `json:"refspec,omitempty"`
	URL        string    `json:"url,omitempty"`
	Title      string    `json:"title,omitempty"`
	UpdatedAt  time.Time `json:"updated_at,omitempty"`
	Files      []string  `json:"files,omitempty"`
	Account    *Account  `json:"account,omitempty"`
	IsMerged   bool      `json:"is_merged,omitempty"`
}

// ID returns the externally visible identifier: "<number>,<patchset>" for a
// change request and the new revision for a ref update.
func (c *Change) ID() string {
	if c.Number != 0 {
		return strconv.Itoa(c.Number) + "," + c.Patchset
	}
	return c.NewRev
}

// IsRequest reports whether the change carries a change number.
func (c *Change) IsRequest() bool {
	return c.Number != 0
}

// SplitProject splits "owner/name" into its parts.
func SplitProject(fullName string) (string, string) {
	owner, name, ok := strings.Cut(fullName, "/")
	if !ok {
		return "", fullName
	}
	return owner, name
}
