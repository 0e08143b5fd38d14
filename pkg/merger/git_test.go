package merger

import (
	"context"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
}

func gitCmd(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=Test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=Test", "GIT_COMMITTER_EMAIL=test@example.com",
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s: %v: %s", strings.Join(args, " "), err, out)
	}
	return strings.TrimSpace(string(out))
}

func commitFile(t *testing.T, dir, name, content, msg string) string {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	gitCmd(t, dir, "add", name)
	gitCmd(t, dir, "commit", "-q", "-m", msg)
	return gitCmd(t, dir, "rev-parse", "HEAD")
}

// upstream is a bare repository fed from a working clone.
type upstream struct {
	work string
	bare string
	base string
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	requireGit(t)
	work := t.TempDir()
	gitCmd(t, work, "init", "-q")
	gitCmd(t, work, "symbolic-ref", "HEAD", "refs/heads/master")
	base := commitFile(t, work, "README", "hello\n", "initial")

	bare := filepath.Join(t.TempDir(), "project.git")
	gitCmd(t, "", "clone", "-q", "--bare", work, bare)
	return &upstream{work: work, bare: bare, base: base}
}

// branch commits content on a new branch off master and pushes it.
func (u *upstream) branch(t *testing.T, name, file, content string) string {
	t.Helper()
	gitCmd(t, u.work, "checkout", "-q", "-b", name, "master")
	sha := commitFile(t, u.work, file, content, "change on "+name)
	gitCmd(t, u.work, "checkout", "-q", "master")
	gitCmd(t, u.work, "push", "-q", u.bare, name)
	return sha
}

func newTestEngine(t *testing.T) (*Engine, string) {
	t.Helper()
	root := t.TempDir()
	creds := NewCredentials()
	creds.AddAnonymous("github")
	engine, err := NewEngine(EngineConfig{GitDir: root}, creds, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine, root
}

func TestUpdateRepoCreatesAndRefreshesMirror(t *testing.T) {
	up := newUpstream(t)
	engine, root := newTestEngine(t)
	ctx := context.Background()

	if err := engine.UpdateRepo(ctx, "github", "org/project", up.bare); err != nil {
		t.Fatalf("update: %v", err)
	}
	mirror := filepath.Join(root, "org", "project")
	if got := gitCmd(t, "", "--git-dir="+mirror, "rev-parse", "refs/remotes/origin/master"); got != up.base {
		t.Fatalf("expected mirror at %s, got %s", up.base, got)
	}

	feature := up.branch(t, "feature", "feature.txt", "f\n")
	if err := engine.UpdateRepo(ctx, "github", "org/project", up.bare); err != nil {
		t.Fatalf("second update: %v", err)
	}
	if got := gitCmd(t, "", "--git-dir="+mirror, "rev-parse", "refs/remotes/origin/feature"); got != feature {
		t.Fatalf("expected fetched feature %s, got %s", feature, got)
	}
}

func TestMergeSingleItem(t *testing.T) {
	up := newUpstream(t)
	feature := up.branch(t, "feature", "feature.txt", "f\n")
	engine, root := newTestEngine(t)

	commit, merged, err := engine.MergeChanges(context.Background(), []MergeItem{
		{Connection: "github", Project: "org/project", URL: up.bare, Branch: "master", Commit: feature, Ref: "Z1"},
	})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if !merged || commit == "" {
		t.Fatalf("expected merged commit, got merged=%v commit=%q", merged, commit)
	}
	if commit == feature || commit == up.base {
		t.Fatalf("expected a synthetic merge commit, got %s", commit)
	}

	mirror := filepath.Join(root, "org", "project")
	if got := gitCmd(t, "", "--git-dir="+mirror, "rev-parse", commit+"^1"); got != up.base {
		t.Fatalf("first parent should be the branch tip, got %s", got)
	}
	if got := gitCmd(t, "", "--git-dir="+mirror, "rev-parse", commit+"^2"); got != feature {
		t.Fatalf("second parent should be the change, got %s", got)
	}
	ref, err := engine.ZuulRef("org/project", "master", "Z1")
	if err != nil || ref != commit {
		t.Fatalf("expected zuul ref at %s, got %s (%v)", commit, ref, err)
	}
	// upstream master is untouched
	if got := gitCmd(t, "", "--git-dir="+up.bare, "rev-parse", "refs/heads/master"); got != up.base {
		t.Fatalf("upstream master moved to %s", got)
	}
}

func TestMergeStackAppliesInOrder(t *testing.T) {
	up := newUpstream(t)
	first := up.branch(t, "first", "a.txt", "a\n")
	second := up.branch(t, "second", "b.txt", "b\n")
	engine, root := newTestEngine(t)

	commit, merged, err := engine.MergeChanges(context.Background(), []MergeItem{
		{Connection: "github", Project: "org/project", URL: up.bare, Branch: "master", Commit: first, Ref: "Z1"},
		{Connection: "github", Project: "org/project", URL: up.bare, Branch: "master", Commit: second, Ref: "Z2"},
	})
	if err != nil || !merged {
		t.Fatalf("expected merge, got merged=%v err=%v", merged, err)
	}
	mirror := filepath.Join(root, "org", "project")
	for _, file := range []string{"README", "a.txt", "b.txt"} {
		gitCmd(t, "", "--git-dir="+mirror, "cat-file", "-e", commit+":"+file)
	}
	z1, _ := engine.ZuulRef("org/project", "master", "Z1")
	if got := gitCmd(t, "", "--git-dir="+mirror, "rev-parse", commit+"^1"); got != z1 {
		t.Fatalf("second item should build on the first, parent=%s z1=%s", got, z1)
	}
}

func TestMergeConflictReportsNotMerged(t *testing.T) {
	up := newUpstream(t)
	left := up.branch(t, "left", "README", "left\n")
	right := up.branch(t, "right", "README", "right\n")
	gitCmd(t, "", "--git-dir="+up.bare, "update-ref", "refs/pull/7/head", right)
	engine, root := newTestEngine(t)

	commit, merged, err := engine.MergeChanges(context.Background(), []MergeItem{
		{Connection: "github", Project: "org/project", URL: up.bare, Branch: "master", Commit: left, Ref: "Z1"},
		{Connection: "github", Project: "org/project", URL: up.bare, Branch: "master", Refspec: "refs/pull/7/head", Ref: "Z2"},
	})
	if err != nil {
		t.Fatalf("conflict must not be an error: %v", err)
	}
	if merged || commit != "" {
		t.Fatalf("expected merged=false without commit, got %v %q", merged, commit)
	}

	mirror := filepath.Join(root, "org", "project")
	if refs := gitCmd(t, "", "--git-dir="+mirror, "for-each-ref", "refs/zuul"); refs != "" {
		t.Fatalf("refs left in the mirror after a conflict:\n%s", refs)
	}
	worktrees := gitCmd(t, "", "--git-dir="+mirror, "worktree", "list")
	if strings.Count(worktrees, "\n") != 0 {
		t.Fatalf("scratch worktrees left behind:\n%s", worktrees)
	}
	entries, err := os.ReadDir(filepath.Join(root, ".worktrees"))
	if err != nil {
		t.Fatalf("read scratch dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("scratch directories left behind: %d", len(entries))
	}

	// the mirror still merges cleanly afterwards
	_, merged, err = engine.MergeChanges(context.Background(), []MergeItem{
		{Connection: "github", Project: "org/project", URL: up.bare, Branch: "master", Commit: right},
	})
	if err != nil || !merged {
		t.Fatalf("expected clean merge after conflict, got merged=%v err=%v", merged, err)
	}
}

func TestMergeFetchesRefspec(t *testing.T) {
	up := newUpstream(t)
	feature := up.branch(t, "feature", "feature.txt", "f\n")
	gitCmd(t, "", "--git-dir="+up.bare, "update-ref", "refs/pull/5/head", feature)
	gitCmd(t, "", "--git-dir="+up.bare, "branch", "-q", "-D", "feature")
	engine, root := newTestEngine(t)

	commit, merged, err := engine.MergeChanges(context.Background(), []MergeItem{
		{Connection: "github", Project: "org/project", URL: up.bare, Branch: "master", Refspec: "refs/pull/5/head", Number: 5, Patchset: feature},
	})
	if err != nil || !merged {
		t.Fatalf("expected merge, got merged=%v err=%v", merged, err)
	}
	mirror := filepath.Join(root, "org", "project")
	if got := gitCmd(t, "", "--git-dir="+mirror, "rev-parse", commit+"^2"); got != feature {
		t.Fatalf("expected fetched change as second parent, got %s", got)
	}
	if refs := gitCmd(t, "", "--git-dir="+mirror, "for-each-ref", "refs/zuul/fetch"); refs != "" {
		t.Fatalf("fetch refs left in the mirror:\n%s", refs)
	}
}

func TestMergePinnedCommitOnlyReachableThroughRefspec(t *testing.T) {
	up := newUpstream(t)
	fork := up.branch(t, "fork", "fork.txt", "f\n")
	gitCmd(t, "", "--git-dir="+up.bare, "update-ref", "refs/pull/9/head", fork)
	gitCmd(t, "", "--git-dir="+up.bare, "branch", "-q", "-D", "fork")
	engine, root := newTestEngine(t)

	commit, merged, err := engine.MergeChanges(context.Background(), []MergeItem{
		{Connection: "github", Project: "org/project", URL: up.bare, Branch: "master", Refspec: "refs/pull/9/head", Commit: fork, Ref: "Z9"},
	})
	if err != nil || !merged {
		t.Fatalf("expected merge, got merged=%v err=%v", merged, err)
	}
	mirror := filepath.Join(root, "org", "project")
	if got := gitCmd(t, "", "--git-dir="+mirror, "rev-parse", commit+"^2"); got != fork {
		t.Fatalf("expected pinned commit as second parent, got %s", got)
	}
	if ref, err := engine.ZuulRef("org/project", "master", "Z9"); err != nil || ref != commit {
		t.Fatalf("expected zuul ref at %s, got %s (%v)", commit, ref, err)
	}
}

func TestMergeRejectsUnknownConnection(t *testing.T) {
	up := newUpstream(t)
	engine, root := newTestEngine(t)
	_, _, err := engine.MergeChanges(context.Background(), []MergeItem{
		{Connection: "gitlab", Project: "org/project", URL: up.bare, Branch: "master", Commit: up.base},
	})
	if err == nil || !strings.Contains(err.Error(), "unknown connection") {
		t.Fatalf("expected unknown connection error, got %v", err)
	}
	if _, statErr := os.Stat(filepath.Join(root, "org", "project")); !os.IsNotExist(statErr) {
		t.Fatalf("no mirror should be created without a credential")
	}
}

func TestMergeMissingBranchIsError(t *testing.T) {
	up := newUpstream(t)
	engine, _ := newTestEngine(t)
	_, _, err := engine.MergeChanges(context.Background(), []MergeItem{
		{Connection: "github", Project: "org/project", URL: up.bare, Branch: "stable", Commit: up.base},
	})
	if err == nil {
		t.Fatalf("expected error for a missing branch")
	}
}

func TestMirrorPathRejectsEscapes(t *testing.T) {
	engine, _ := newTestEngine(t)
	for _, project := range []string{"", "../etc", "/abs/path", "."} {
		if _, err := engine.mirrorPath(project); err == nil {
			t.Fatalf("expected %q to be rejected", project)
		}
	}
	if _, err := engine.mirrorPath("org/project"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCredentialsPerConnection(t *testing.T) {
	creds := NewCredentials()
	creds.AddToken("public", "tok-a")
	creds.AddToken("enterprise", "tok-b")

	a, err := creds.Auth("public")
	if err != nil || a == nil || !strings.Contains(a.String(), "x-access-token") {
		t.Fatalf("unexpected auth for public: %v %v", a, err)
	}
	b, _ := creds.Auth("enterprise")
	if a == b {
		t.Fatalf("connections must not share a credential")
	}
	if _, err := creds.Auth("missing"); err == nil {
		t.Fatalf("expected error for unknown connection")
	}
	if auth, err := creds.Auth(""); err != nil || auth != nil {
		t.Fatalf("empty connection should fetch anonymously")
	}
}
