package reporter

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/trungminhnguyen/zuul/internal"
)

// Action is the phase of a test run being reported.
type Action string

const (
	ActionStart        Action = "start"
	ActionSuccess      Action = "success"
	ActionFailure      Action = "failure"
	ActionMergeFailure Action = "merge-failure"
)

var statusStates = map[Action]string{
	ActionStart:        "pending",
	ActionSuccess:      "success",
	ActionFailure:      "failure",
	ActionMergeFailure: "failure",
}

// StatusState maps an action to the commit status state it sets.
func StatusState(action Action) (string, error) {
	state, ok := statusStates[action]
	if !ok {
		return "", fmt.Errorf("unknown report action %q", action)
	}
	return state, nil
}

// Platform is the write side of a hosting connection.
// *github.Connection satisfies it.
type Platform interface {
	CommentPull(ctx context.Context, owner, project string, number int, text string) error
	SetCommitStatus(ctx context.Context, owner, project, sha, state, url, description, statusContext string) error
	MergePull(ctx context.Context, owner, project string, number int, message, sha string) error
	GetUser(ctx context.Context, login string) (internal.Account, error)
	UserURL(login string) string
}

// Config selects which side effects a report performs.
type Config struct {
	Comment bool `json:"comment" yaml:"comment"`
	Status  bool `json:"status" yaml:"status"`
	Merge   bool `json:"merge" yaml:"merge"`
	// StatusURL is attached to commit statuses.
	StatusURL string `json:"status_url,omitempty" yaml:"status_url"`
}

// Reporter applies test outcomes to one connection.
type Reporter struct {
	platform Platform
	retry    RetryPolicy
	logger   *log.Logger
}

func New(platform Platform, retry RetryPolicy, logger *log.Logger) *Reporter {
	if logger == nil {
		logger = internal.NewLogger("reporter")
	}
	return &Reporter{platform: platform, retry: retry, logger: logger}
}

// Report runs the enabled side effects in the order comment, status, merge.
// An empty message posts no comment. Completed side effects are not undone
// when a later one fails.
func (r *Reporter) Report(ctx context.Context, pipeline string, action Action, cfg Config, change *internal.Change, message string) error {
	state, err := StatusState(action)
	if err != nil {
		return err
	}
	owner, project := internal.SplitProject(change.Project)

	if cfg.Comment && change.IsRequest() && message != "" {
		r.logger.Printf("commenting on %s#%d pipeline=%s action=%s", change.Project, change.Number, pipeline, action)
		if err := r.platform.CommentPull(ctx, owner, project, change.Number, message); err != nil {
			return fmt.Errorf("comment on %s#%d: %w", change.Project, change.Number, err)
		}
	}

	if cfg.Status && change.Patchset != "" {
		description := fmt.Sprintf("%s status: %s", pipeline, state)
		r.logger.Printf("setting status on %s@%s context=%s state=%s", change.Project, change.Patchset, pipeline, state)
		if err := r.platform.SetCommitStatus(ctx, owner, project, change.Patchset, state, cfg.StatusURL, description, pipeline); err != nil {
			return fmt.Errorf("status on %s@%s: %w", change.Project, change.Patchset, err)
		}
	}

	if cfg.Merge && change.IsRequest() {
		if err := r.merge(ctx, owner, project, change); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reporter) merge(ctx context.Context, owner, project string, change *internal.Change) error {
	message := r.mergeMessage(ctx, change)
	err := r.retry.Do(func(attempt int) error {
		r.logger.Printf("merging %s#%d attempt=%d", change.Project, change.Number, attempt)
		err := r.platform.MergePull(ctx, owner, project, change.Number, message, change.Patchset)
		if err != nil {
			r.logger.Printf("merge of %s#%d failed: %v", change.Project, change.Number, err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("merge %s#%d: %w", change.Project, change.Number, err)
	}
	change.IsMerged = true
	return nil
}

// mergeMessage builds "<title>\n\nReviewed-by: <who>". Name and email of the
// account are looked up only when the change does not carry them.
func (r *Reporter) mergeMessage(ctx context.Context, change *internal.Change) string {
	if change.Account == nil || change.Account.Username == "" {
		return change.Title
	}
	account := *change.Account
	if account.Name == "" && account.Email == "" {
		resolved, err := r.platform.GetUser(ctx, account.Username)
		if err != nil {
			r.logger.Printf("user lookup for %s failed: %v", account.Username, err)
		} else {
			account = resolved
		}
	}
	return change.Title + "\n\nReviewed-by: " + reviewedBy(account, r.platform.UserURL(account.Username))
}

func reviewedBy(account internal.Account, userURL string) string {
	var who string
	switch {
	case account.Name != "" && account.Email != "":
		who = fmt.Sprintf("%s <%s>", account.Name, account.Email)
	case account.Name != "":
		who = account.Name
	case account.Email != "":
		who = fmt.Sprintf("<%s>", account.Email)
	default:
		return userURL
	}
	return who + "\n" + strings.Repeat(" ", 13) + userURL
}
