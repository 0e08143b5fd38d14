package webhook

import (
	"context"
	"errors"
	"testing"
	"time"

	gh "github.com/google/go-github/v57/github"

	"github.com/trungminhnguyen/zuul/internal"
)

func pushFor(ref string) []byte {
	return []byte(`{"ref":"` + ref + `","before":"0000000000000000000000000000000000000000","after":"2222222222222222222222222222222222222222","repository":{"full_name":"org/project"}}`)
}

func TestPushRefNamespaces(t *testing.T) {
	n := NewNormalizer("github", nil, quietLogger())
	cases := []struct {
		ref        string
		wantType   internal.EventType
		wantBranch string
		dropped    bool
	}{
		{ref: "refs/heads/master", wantType: internal.EventPush, wantBranch: "master"},
		{ref: "refs/heads/feature/login", wantType: internal.EventPush, wantBranch: "feature/login"},
		{ref: "refs/tags/v1.0", wantType: internal.EventTag},
		{ref: "refs/notes/commits", dropped: true},
		{ref: "master", dropped: true},
	}
	for _, tc := range cases {
		t.Run(tc.ref, func(t *testing.T) {
			res := n.Normalize(context.Background(), "push", pushFor(tc.ref))
			if res.Fault != nil {
				t.Fatalf("unexpected fault: %v", res.Fault)
			}
			if tc.dropped {
				if res.Event != nil || res.Skipped == "" {
					t.Fatalf("expected drop, got %+v", res)
				}
				return
			}
			if res.Event == nil {
				t.Fatalf("expected event, skipped: %s", res.Skipped)
			}
			if res.Event.Type != tc.wantType || res.Event.Branch != tc.wantBranch {
				t.Fatalf("unexpected event: %+v", res.Event)
			}
			if res.Event.Ref != tc.ref || res.Event.OldRev != internal.ZeroRev {
				t.Fatalf("unexpected ref fields: %+v", res.Event)
			}
			if res.Event.IsChange() {
				t.Fatalf("ref update must not carry a change number")
			}
		})
	}
}

func TestPullRequestActions(t *testing.T) {
	n := NewNormalizer("github", &fakeReader{}, quietLogger())
	cases := []struct {
		action    string
		label     string
		wantType  internal.EventType
		wantLabel string
		dropped   bool
	}{
		{action: "opened", wantType: internal.EventPROpen},
		{action: "synchronize", wantType: internal.EventPRChange},
		{action: "closed", wantType: internal.EventPRClose},
		{action: "reopened", wantType: internal.EventPRReopen},
		{action: "labeled", label: "gate", wantType: internal.EventPRLabel, wantLabel: "gate"},
		{action: "unlabeled", label: "gate", wantType: internal.EventPRLabel, wantLabel: "-gate"},
		{action: "edited", dropped: true},
		{action: "assigned", dropped: true},
	}
	for _, tc := range cases {
		t.Run(tc.action, func(t *testing.T) {
			res := n.Normalize(context.Background(), "pull_request", []byte(pullRequestBody(tc.action, tc.label)))
			if res.Fault != nil {
				t.Fatalf("unexpected fault: %v", res.Fault)
			}
			if tc.dropped {
				if res.Event != nil {
					t.Fatalf("expected drop, got %+v", res.Event)
				}
				return
			}
			ev := res.Event
			if ev == nil {
				t.Fatalf("expected event, skipped: %s", res.Skipped)
			}
			if ev.Type != tc.wantType || ev.Label != tc.wantLabel {
				t.Fatalf("unexpected event: %+v", ev)
			}
			if ev.ProjectName != "org/project" || ev.ChangeNumber != 5 || ev.Branch != "master" {
				t.Fatalf("unexpected base fields: %+v", ev)
			}
			if ev.Refspec != "refs/pull/5/head" || ev.PatchRevision != "abc123" || ev.Title != "Fix the build" {
				t.Fatalf("unexpected change fields: %+v", ev)
			}
			if !ev.UpdatedAt.Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)) {
				t.Fatalf("unexpected updated_at: %v", ev.UpdatedAt)
			}
			if ev.Account == nil || ev.Account.Username != "alice" {
				t.Fatalf("unexpected account: %+v", ev.Account)
			}
		})
	}
}

func TestCommentResolvesPullRequest(t *testing.T) {
	reader := &fakeReader{pulls: map[int]*gh.PullRequest{
		5: {
			Number:    gh.Int(5),
			Title:     gh.String("Fix the build"),
			UpdatedAt: &gh.Timestamp{Time: time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)},
			Head:      &gh.PullRequestBranch{SHA: gh.String("def456")},
			Base: &gh.PullRequestBranch{
				Ref:  gh.String("stable"),
				Repo: &gh.Repository{FullName: gh.String("org/project")},
			},
		},
	}}
	n := NewNormalizer("github", reader, quietLogger())

	res := n.Normalize(context.Background(), "issue_comment", []byte(commentBody("created", 5)))
	if res.Event == nil {
		t.Fatalf("expected event, got %+v", res)
	}
	ev := res.Event
	if ev.Type != internal.EventPRComment || ev.Comment != "recheck" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.Branch != "stable" || ev.PatchRevision != "def456" || ev.ChangeNumber != 5 {
		t.Fatalf("unexpected change fields: %+v", ev)
	}
	if ev.Account == nil || ev.Account.Username != "bob" {
		t.Fatalf("expected commenter account, got %+v", ev.Account)
	}
}

func TestCommentActionsOtherThanCreated(t *testing.T) {
	reader := &fakeReader{}
	n := NewNormalizer("github", reader, quietLogger())
	for _, action := range []string{"edited", "deleted"} {
		res := n.Normalize(context.Background(), "issue_comment", []byte(commentBody(action, 5)))
		if res.Event != nil || res.Fault != nil {
			t.Fatalf("%s: expected drop, got %+v", action, res)
		}
	}
	if reader.calls != 0 {
		t.Fatalf("expected no lookups, got %d", reader.calls)
	}
}

func TestNormalizeUnknownEvent(t *testing.T) {
	n := NewNormalizer("github", nil, quietLogger())
	if n.Supports("ping") {
		t.Fatalf("ping must not be supported")
	}
	res := n.Normalize(context.Background(), "ping", []byte(`{}`))
	if !errors.Is(res.Fault, ErrUnhandledEvent) {
		t.Fatalf("expected ErrUnhandledEvent, got %v", res.Fault)
	}
}

func TestNormalizeMalformedPayload(t *testing.T) {
	n := NewNormalizer("github", nil, quietLogger())
	res := n.Normalize(context.Background(), "pull_request", []byte(`{"action":"opened","pull_request":{}}`))
	if res.Fault == nil || res.Event != nil {
		t.Fatalf("expected fault for pull request without number, got %+v", res)
	}
}

type panickingReader struct{}

func (panickingReader) GetPull(context.Context, string, string, int) (*gh.PullRequest, error) {
	panic("lookup exploded")
}

func (panickingReader) PullURL(string, int) string { return "" }

func TestNormalizeRecoversPanics(t *testing.T) {
	n := NewNormalizer("github", panickingReader{}, quietLogger())
	res := n.Normalize(context.Background(), "issue_comment", []byte(commentBody("created", 5)))
	if res.Fault == nil {
		t.Fatalf("expected panic to surface as fault")
	}
}
