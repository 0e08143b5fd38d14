package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"strings"

	gh "github.com/google/go-github/v57/github"

	"github.com/trungminhnguyen/zuul/internal"
	ghprovider "github.com/trungminhnguyen/zuul/pkg/providers/github"
)

// ErrUnhandledEvent is returned for an event kind outside the handler table.
var ErrUnhandledEvent = errors.New("unhandled event")

// PullRequestReader is the platform read capability the normalizer needs to
// resolve comment targets.
type PullRequestReader interface {
	GetPull(ctx context.Context, owner, project string, number int) (*gh.PullRequest, error)
	PullURL(project string, number int) string
}

// Result is the outcome of normalizing one delivery. Exactly one of Event,
// Skipped and Fault is set.
type Result struct {
	Event *internal.TriggerEvent
	// Skipped explains an expected drop: unknown action, foreign ref
	// namespace, comment on something that is not a pull request.
	Skipped string
	// Fault is an unexpected failure: malformed payload or a failed lookup.
	Fault error
}

func produced(event internal.TriggerEvent) Result {
	return Result{Event: &event}
}

func skipped(format string, args ...interface{}) Result {
	return Result{Skipped: fmt.Sprintf(format, args...)}
}

func fault(err error) Result {
	return Result{Fault: err}
}

type handlerFunc func(ctx context.Context, n *Normalizer, body []byte) Result

var eventHandlers = map[string]handlerFunc{
	"push":          handlePush,
	"pull_request":  handlePullRequest,
	"issue_comment": handleIssueComment,
}

var pullRequestActions = map[string]internal.EventType{
	"opened":      internal.EventPROpen,
	"synchronize": internal.EventPRChange,
	"closed":      internal.EventPRClose,
	"reopened":    internal.EventPRReopen,
	"labeled":     internal.EventPRLabel,
	"unlabeled":   internal.EventPRLabel,
}

// Normalizer turns GitHub deliveries into trigger events for one connection.
type Normalizer struct {
	connection string
	platform   PullRequestReader
	logger     *log.Logger
}

func NewNormalizer(connection string, platform PullRequestReader, logger *log.Logger) *Normalizer {
	if logger == nil {
		logger = internal.NewLogger("webhook")
	}
	return &Normalizer{connection: connection, platform: platform, logger: logger}
}

// Supports reports whether eventName has a handler.
func (n *Normalizer) Supports(eventName string) bool {
	_, ok := eventHandlers[eventName]
	return ok
}

// Normalize runs the handler for eventName. Panics inside a handler are
// returned as faults.
func (n *Normalizer) Normalize(ctx context.Context, eventName string, body []byte) (res Result) {
	handler, ok := eventHandlers[eventName]
	if !ok {
		return fault(fmt.Errorf("%w: %s", ErrUnhandledEvent, eventName))
	}
	defer func() {
		if r := recover(); r != nil {
			res = fault(fmt.Errorf("%s handler panic: %v\n%s", eventName, r, debug.Stack()))
		}
	}()
	return handler(ctx, n, body)
}

func handlePush(_ context.Context, n *Normalizer, body []byte) Result {
	var payload gh.PushEvent
	if err := json.Unmarshal(body, &payload); err != nil {
		return fault(fmt.Errorf("decode push: %w", err))
	}

	ref := payload.GetRef()
	parts := strings.SplitN(ref, "/", 3)
	if len(parts) != 3 || parts[0] != "refs" {
		return skipped("ref %q is not a refs/<namespace>/<name> ref", ref)
	}

	event := internal.TriggerEvent{
		ConnectionName: n.connection,
		ProjectName:    payload.GetRepo().GetFullName(),
		Ref:            ref,
		OldRev:         payload.GetBefore(),
		NewRev:         payload.GetAfter(),
	}
	if login := payload.GetSender().GetLogin(); login != "" {
		event.Account = &internal.Account{Username: login}
	}

	switch parts[1] {
	case "heads":
		event.Type = internal.EventPush
		event.Branch = parts[2]
	case "tags":
		event.Type = internal.EventTag
	default:
		return skipped("ref namespace %q is not handled", parts[1])
	}
	return produced(event)
}

func handlePullRequest(_ context.Context, n *Normalizer, body []byte) Result {
	var payload gh.PullRequestEvent
	if err := json.Unmarshal(body, &payload); err != nil {
		return fault(fmt.Errorf("decode pull_request: %w", err))
	}

	action := payload.GetAction()
	eventType, ok := pullRequestActions[action]
	if !ok {
		return skipped("pull_request action %q is not handled", action)
	}

	event, err := n.pullRequestEvent(payload.GetPullRequest(), payload.GetSender().GetLogin())
	if err != nil {
		return fault(err)
	}
	event.Type = eventType
	switch action {
	case "labeled":
		event.Label = payload.GetLabel().GetName()
	case "unlabeled":
		event.Label = "-" + payload.GetLabel().GetName()
	}
	return produced(event)
}

func handleIssueComment(ctx context.Context, n *Normalizer, body []byte) Result {
	var payload gh.IssueCommentEvent
	if err := json.Unmarshal(body, &payload); err != nil {
		return fault(fmt.Errorf("decode issue_comment: %w", err))
	}

	if action := payload.GetAction(); action != "created" {
		return skipped("issue_comment action %q is not handled", action)
	}
	if n.platform == nil {
		return fault(errors.New("issue_comment: no platform reader configured"))
	}

	fullName := payload.GetRepo().GetFullName()
	owner, project := internal.SplitProject(fullName)
	number := payload.GetIssue().GetNumber()
	pr, err := n.platform.GetPull(ctx, owner, project, number)
	if errors.Is(err, ghprovider.ErrNotFound) {
		n.logger.Printf("Pull request #%d not found in project %s", number, fullName)
		return skipped("pull request #%d not found in project %s", number, fullName)
	}
	if err != nil {
		return fault(fmt.Errorf("resolve comment target %s#%d: %w", fullName, number, err))
	}

	event, err := n.pullRequestEvent(pr, payload.GetSender().GetLogin())
	if err != nil {
		return fault(err)
	}
	event.Type = internal.EventPRComment
	event.Comment = payload.GetComment().GetBody()
	return produced(event)
}

// pullRequestEvent builds the fields shared by every change event.
func (n *Normalizer) pullRequestEvent(pr *gh.PullRequest, login string) (internal.TriggerEvent, error) {
	if pr == nil || pr.GetNumber() == 0 {
		return internal.TriggerEvent{}, errors.New("payload carries no pull request")
	}
	project := pr.GetBase().GetRepo().GetFullName()
	number := pr.GetNumber()

	event := internal.TriggerEvent{
		ConnectionName: n.connection,
		ProjectName:    project,
		ChangeNumber:   number,
		Branch:         pr.GetBase().GetRef(),
		Refspec:        fmt.Sprintf("refs/pull/%d/head", number),
		PatchRevision:  pr.GetHead().GetSHA(),
		Title:          pr.GetTitle(),
		UpdatedAt:      pr.GetUpdatedAt().Time,
	}
	if n.platform != nil {
		event.ChangeURL = n.platform.PullURL(project, number)
	} else {
		event.ChangeURL = fmt.Sprintf("https://github.com/%s/pull/%d", project, number)
	}
	if login != "" {
		event.Account = &internal.Account{Username: login}
	}
	return event, nil
}
