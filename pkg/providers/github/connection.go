package github

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"

	gh "github.com/google/go-github/v57/github"

	"github.com/trungminhnguyen/zuul/internal"
)

// ErrNotFound is returned when the platform answers 404.
var ErrNotFound = errors.New("github: not found")

// ErrNotMerged is returned when the merge endpoint answers without merging.
var ErrNotMerged = errors.New("pull request was not merged")

// MergeFailure is the transient merge error class: the platform refused the
// merge with 405, which it does while mergeability is still being computed or
// when the pull request conflicts.
type MergeFailure struct {
	Err error
}

func (e *MergeFailure) Error() string {
	return fmt.Sprintf("Merge was not successful due to mergeability conflict, original error is %v", e.Err)
}

func (e *MergeFailure) Unwrap() error {
	return e.Err
}

// Config describes one connection.
type Config struct {
	Name    string
	Token   string
	BaseURL string
	GitHost string
	SSHKey  string
}

// Connection owns the API client and the per-connection state for one
// GitHub account.
type Connection struct {
	name    string
	client  *Client
	gitHost string
	sshKey  string
	logger  *log.Logger

	mu      sync.Mutex
	changes map[string]*internal.Change
}

// NewConnection builds a connection and its API client.
func NewConnection(ctx context.Context, cfg Config, logger *log.Logger) (*Connection, error) {
	client, err := NewClient(ctx, cfg.Token, cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("github connection %s: %w", cfg.Name, err)
	}
	return newConnection(cfg, client, logger), nil
}

func newConnection(cfg Config, client *Client, logger *log.Logger) *Connection {
	if logger == nil {
		logger = internal.NewLogger("github/" + cfg.Name)
	}
	host := cfg.GitHost
	if host == "" {
		host = "github.com"
	}
	return &Connection{
		name:    cfg.Name,
		client:  client,
		gitHost: host,
		sshKey:  cfg.SSHKey,
		logger:  logger,
		changes: make(map[string]*internal.Change),
	}
}

func (c *Connection) Name() string {
	return c.name
}

// GitURL returns the clone URL the merger should use for project.
func (c *Connection) GitURL(project string) string {
	if c.sshKey != "" {
		return fmt.Sprintf("ssh://git@%s/%s.git", c.gitHost, project)
	}
	return fmt.Sprintf("https://%s/%s", c.gitHost, project)
}

// GitwebURL links to the project, or to a commit when sha is set.
func (c *Connection) GitwebURL(project, sha string) string {
	url := fmt.Sprintf("https://%s/%s", c.gitHost, project)
	if sha != "" {
		url += "/commit/" + sha
	}
	return url
}

func (c *Connection) PullURL(project string, number int) string {
	return fmt.Sprintf("%s/pull/%d", c.GitwebURL(project, ""), number)
}

func (c *Connection) UserURL(login string) string {
	return fmt.Sprintf("https://%s/%s", c.gitHost, login)
}

// GetPull fetches a pull request. A missing pull request yields ErrNotFound.
func (c *Connection) GetPull(ctx context.Context, owner, project string, number int) (*gh.PullRequest, error) {
	defer c.LogRateLimit(ctx)
	pr, _, err := c.client.PullRequests.Get(ctx, owner, project, number)
	if err != nil {
		if statusCode(err) == http.StatusNotFound {
			return nil, fmt.Errorf("pull %s/%s#%d: %w", owner, project, number, ErrNotFound)
		}
		return nil, err
	}
	return pr, nil
}

// GetPullFileNames lists every file touched by a pull request.
func (c *Connection) GetPullFileNames(ctx context.Context, owner, project string, number int) ([]string, error) {
	defer c.LogRateLimit(ctx)
	opts := &gh.ListOptions{PerPage: 100}
	var names []string
	for {
		files, resp, err := c.client.PullRequests.ListFiles(ctx, owner, project, number, opts)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			names = append(names, f.GetFilename())
		}
		if resp == nil || resp.NextPage == 0 {
			return names, nil
		}
		opts.Page = resp.NextPage
	}
}

// GetUser resolves a login into an account. Name and email are left empty
// when the user does not publish them.
func (c *Connection) GetUser(ctx context.Context, login string) (internal.Account, error) {
	defer c.LogRateLimit(ctx)
	user, _, err := c.client.Users.Get(ctx, login)
	if err != nil {
		return internal.Account{Username: login}, err
	}
	return internal.Account{Username: login, Name: user.GetName(), Email: user.GetEmail()}, nil
}

func (c *Connection) CommentPull(ctx context.Context, owner, project string, number int, text string) error {
	defer c.LogRateLimit(ctx)
	_, _, err := c.client.Issues.CreateComment(ctx, owner, project, number, &gh.IssueComment{Body: gh.String(text)})
	return err
}

// SetCommitStatus writes a commit status; statusContext is the pipeline name.
func (c *Connection) SetCommitStatus(ctx context.Context, owner, project, sha, state, url, description, statusContext string) error {
	defer c.LogRateLimit(ctx)
	status := &gh.RepoStatus{
		State:       gh.String(state),
		TargetURL:   gh.String(url),
		Description: gh.String(description),
		Context:     gh.String(statusContext),
	}
	_, _, err := c.client.Repositories.CreateStatus(ctx, owner, project, sha, status)
	return err
}

// MergePull merges a pull request at sha. A 405 answer is reported as
// *MergeFailure; an answer that does not merge is ErrNotMerged.
func (c *Connection) MergePull(ctx context.Context, owner, project string, number int, message, sha string) error {
	defer c.LogRateLimit(ctx)
	result, _, err := c.client.PullRequests.Merge(ctx, owner, project, number, message, &gh.PullRequestOptions{SHA: sha})
	if err != nil {
		if statusCode(err) == http.StatusMethodNotAllowed {
			return &MergeFailure{Err: err}
		}
		return err
	}
	if !result.GetMerged() {
		return ErrNotMerged
	}
	return nil
}

func (c *Connection) LabelPull(ctx context.Context, owner, project string, number int, label string) error {
	defer c.LogRateLimit(ctx)
	_, _, err := c.client.Issues.AddLabelsToIssue(ctx, owner, project, number, []string{label})
	return err
}

func (c *Connection) UnlabelPull(ctx context.Context, owner, project string, number int, label string) error {
	defer c.LogRateLimit(ctx)
	_, err := c.client.Issues.RemoveLabelForIssue(ctx, owner, project, number, label)
	return err
}

// LogRateLimit logs the remaining core quota. Failures are ignored.
func (c *Connection) LogRateLimit(ctx context.Context) {
	limits, _, err := c.client.RateLimit.Get(ctx)
	if err != nil || limits == nil {
		return
	}
	core := limits.GetCore()
	if core == nil {
		return
	}
	c.logger.Printf("rate limit remaining=%d reset=%s", core.Remaining, core.Reset.Time.UTC().Format("2006-01-02T15:04:05Z"))
}

func statusCode(err error) int {
	var errResp *gh.ErrorResponse
	if errors.As(err, &errResp) && errResp.Response != nil {
		return errResp.Response.StatusCode
	}
	return 0
}
