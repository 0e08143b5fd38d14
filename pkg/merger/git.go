package merger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	git "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/trungminhnguyen/zuul/internal"
)

const (
	defaultUserName  = "Zuul Merger"
	defaultUserEmail = "zuul-merger@localhost"
	originFetchSpec  = "+refs/heads/*:refs/remotes/origin/*"
)

// EngineConfig configures the git engine.
type EngineConfig struct {
	GitDir    string
	UserName  string
	UserEmail string
	// GitBinary defaults to "git" from PATH.
	GitBinary string
}

// Engine keeps one bare mirror per project under GitDir and computes
// speculative merges in throwaway worktrees. Mirrors only ever gain fetched
// refs and zuul refs; a failed merge leaves no trace in them.
type Engine struct {
	root      string
	userName  string
	userEmail string
	gitBin    string
	creds     *Credentials
	logger    *log.Logger

	mu sync.Mutex
}

func NewEngine(cfg EngineConfig, creds *Credentials, logger *log.Logger) (*Engine, error) {
	if cfg.GitDir == "" {
		return nil, errors.New("git dir is required")
	}
	if err := os.MkdirAll(cfg.GitDir, 0o755); err != nil {
		return nil, err
	}
	if creds == nil {
		creds = NewCredentials()
	}
	if logger == nil {
		logger = internal.NewLogger("merger")
	}
	e := &Engine{
		root:      cfg.GitDir,
		userName:  cfg.UserName,
		userEmail: cfg.UserEmail,
		gitBin:    cfg.GitBinary,
		creds:     creds,
		logger:    logger,
	}
	if e.userName == "" {
		e.userName = defaultUserName
	}
	if e.userEmail == "" {
		e.userEmail = defaultUserEmail
	}
	if e.gitBin == "" {
		e.gitBin = "git"
	}
	return e, nil
}

// UpdateRepo creates the mirror of project on first use and fetches all
// branches from url.
func (e *Engine) UpdateRepo(ctx context.Context, connection, project, url string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := e.updateRepo(ctx, connection, project, url)
	return err
}

func (e *Engine) updateRepo(ctx context.Context, connection, project, url string) (*git.Repository, error) {
	if url == "" {
		return nil, fmt.Errorf("project %s: url is required", project)
	}
	auth, err := e.creds.Auth(connection)
	if err != nil {
		return nil, err
	}
	path, err := e.mirrorPath(project)
	if err != nil {
		return nil, err
	}

	repo, err := git.PlainOpen(path)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		e.logger.Printf("creating mirror project=%s path=%s", project, path)
		repo, err = git.PlainInit(path, true)
	}
	if err != nil {
		return nil, fmt.Errorf("open mirror %s: %w", project, err)
	}
	if err := ensureOrigin(repo, url); err != nil {
		return nil, fmt.Errorf("mirror %s: %w", project, err)
	}

	err = repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: "origin",
		RefSpecs:   []gitconfig.RefSpec{originFetchSpec},
		Auth:       auth,
		Tags:       git.NoTags,
		Force:      true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil, fmt.Errorf("fetch %s: %w", project, err)
	}
	e.logger.Printf("updated project=%s connection=%s", project, connection)
	return repo, nil
}

func ensureOrigin(repo *git.Repository, url string) error {
	remote, err := repo.Remote("origin")
	if err == nil {
		urls := remote.Config().URLs
		if len(urls) == 1 && urls[0] == url {
			return nil
		}
		if err := repo.DeleteRemote("origin"); err != nil {
			return err
		}
	} else if !errors.Is(err, git.ErrRemoteNotFound) {
		return err
	}
	_, err = repo.CreateRemote(&gitconfig.RemoteConfig{
		Name:  "origin",
		URLs:  []string{url},
		Fetch: []gitconfig.RefSpec{originFetchSpec},
	})
	return err
}

// worktree is the scratch checkout of one (project, branch) during a job.
type worktree struct {
	mirror string
	repo   *git.Repository
	dir    string
	parent string
}

// MergeChanges applies items in order, each on top of the previous result
// for the same project and branch. It returns the commit of the last item, or
// merged=false if any item does not apply cleanly. Zuul refs are written to
// the mirrors only once every item has merged.
func (e *Engine) MergeChanges(ctx context.Context, items []MergeItem) (string, bool, error) {
	if len(items) == 0 {
		return "", false, errors.New("merge job has no items")
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	updated := make(map[string]*git.Repository)
	trees := make(map[string]*worktree)
	var fetched []scratchRef
	defer func() {
		for _, tree := range trees {
			e.removeWorktree(tree)
		}
		for _, ref := range fetched {
			if err := ref.repo.Storer.RemoveReference(ref.name); err != nil {
				e.logger.Printf("remove %s: %v", ref.name, err)
			}
		}
	}()

	var (
		commit  string
		pending []*plumbing.Reference
		owners  []*git.Repository
	)
	for i, item := range items {
		repo, ok := updated[item.Project]
		if !ok {
			var err error
			repo, err = e.updateRepo(ctx, item.Connection, item.Project, item.URL)
			if err != nil {
				return "", false, err
			}
			updated[item.Project] = repo
		}

		key := item.Project + "\x00" + item.Branch
		tree, ok := trees[key]
		if !ok {
			var err error
			tree, err = e.addWorktree(ctx, repo, item)
			if err != nil {
				return "", false, err
			}
			trees[key] = tree
		}

		target, scratch, err := e.resolveTarget(ctx, repo, item, i)
		if scratch != "" {
			fetched = append(fetched, scratchRef{repo: repo, name: scratch})
		}
		if err != nil {
			return "", false, err
		}

		merged, err := e.mergeInto(ctx, tree, target)
		if err != nil {
			return "", false, err
		}
		if !merged {
			e.logger.Printf("merge conflict project=%s branch=%s item=%d target=%s", item.Project, item.Branch, i, target)
			return "", false, nil
		}

		commit, err = e.run(ctx, tree.dir, "rev-parse", "HEAD")
		if err != nil {
			return "", false, err
		}
		pending = append(pending, zuulRef(item, commit))
		owners = append(owners, tree.repo)
	}

	for i, ref := range pending {
		if err := owners[i].Storer.SetReference(ref); err != nil {
			return "", false, fmt.Errorf("record %s: %w", ref.Name(), err)
		}
	}
	return commit, true, nil
}

// scratchRef is a ref fetched for one job only.
type scratchRef struct {
	repo *git.Repository
	name plumbing.ReferenceName
}

func (e *Engine) addWorktree(ctx context.Context, repo *git.Repository, item MergeItem) (*worktree, error) {
	mirror, err := e.mirrorPath(item.Project)
	if err != nil {
		return nil, err
	}
	base := "refs/remotes/origin/" + item.Branch
	if _, err := repo.Reference(plumbing.ReferenceName(base), true); err != nil {
		return nil, fmt.Errorf("project %s has no branch %s: %w", item.Project, item.Branch, err)
	}

	scratch := filepath.Join(e.root, ".worktrees")
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return nil, err
	}
	parent, err := os.MkdirTemp(scratch, "merge-")
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(parent, "tree")
	if _, err := e.run(ctx, "", "--git-dir="+mirror, "worktree", "add", "--detach", dir, base); err != nil {
		_ = os.RemoveAll(parent)
		return nil, err
	}
	return &worktree{mirror: mirror, repo: repo, dir: dir, parent: parent}, nil
}

func (e *Engine) removeWorktree(tree *worktree) {
	ctx := context.Background()
	if _, err := e.run(ctx, "", "--git-dir="+tree.mirror, "worktree", "remove", "--force", tree.dir); err != nil {
		e.logger.Printf("worktree remove failed: %v", err)
	}
	_ = os.RemoveAll(tree.parent)
	if _, err := e.run(ctx, "", "--git-dir="+tree.mirror, "worktree", "prune"); err != nil {
		e.logger.Printf("worktree prune failed: %v", err)
	}
}

// resolveTarget returns the commit an item contributes. The refspec, when
// given, is fetched first with the item's own connection credential so a
// pinned commit that only the refspec reaches can be resolved. scratch names
// the ref the fetch created, if any.
func (e *Engine) resolveTarget(ctx context.Context, repo *git.Repository, item MergeItem, index int) (target string, scratch plumbing.ReferenceName, err error) {
	if item.Commit == "" && item.Refspec == "" {
		return "", "", fmt.Errorf("item %d of %s has neither commit nor refspec", index, item.Project)
	}

	if item.Refspec != "" {
		auth, err := e.creds.Auth(item.Connection)
		if err != nil {
			return "", "", err
		}
		scratch = plumbing.ReferenceName(fmt.Sprintf("refs/zuul/fetch/%d", index))
		err = repo.FetchContext(ctx, &git.FetchOptions{
			RemoteName: "origin",
			RefSpecs:   []gitconfig.RefSpec{gitconfig.RefSpec("+" + item.Refspec + ":" + string(scratch))},
			Auth:       auth,
			Tags:       git.NoTags,
			Force:      true,
		})
		if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
			return "", "", fmt.Errorf("fetch %s %s: %w", item.Project, item.Refspec, err)
		}
		ref, err := repo.Reference(scratch, true)
		if err != nil {
			return "", scratch, fmt.Errorf("resolve %s: %w", scratch, err)
		}
		target = ref.Hash().String()
	}

	if item.Commit != "" {
		hash, err := repo.ResolveRevision(plumbing.Revision(item.Commit))
		if err != nil {
			return "", scratch, fmt.Errorf("commit %s not found in %s: %w", item.Commit, item.Project, err)
		}
		target = hash.String()
	}
	return target, scratch, nil
}

// mergeInto merges target into the worktree. A failed merge is aborted and
// reported as not merged.
func (e *Engine) mergeInto(ctx context.Context, tree *worktree, target string) (bool, error) {
	_, err := e.run(ctx, tree.dir,
		"-c", "user.name="+e.userName,
		"-c", "user.email="+e.userEmail,
		"merge", "--no-ff", "--no-edit", target)
	if err == nil {
		return true, nil
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	e.logger.Printf("merge of %s failed: %v", target, err)
	if _, abortErr := e.run(ctx, tree.dir, "merge", "--abort"); abortErr != nil {
		e.logger.Printf("merge abort: %v", abortErr)
	}
	return false, nil
}

func zuulRef(item MergeItem, commit string) *plumbing.Reference {
	name := item.Ref
	if name == "" {
		name = commit
	}
	return plumbing.NewHashReference(plumbing.ReferenceName(fmt.Sprintf("refs/zuul/%s/%s", item.Branch, name)), plumbing.NewHash(commit))
}

// ZuulRef resolves a ref recorded by MergeChanges.
func (e *Engine) ZuulRef(project, branch, name string) (string, error) {
	path, err := e.mirrorPath(project)
	if err != nil {
		return "", err
	}
	repo, err := git.PlainOpen(path)
	if err != nil {
		return "", err
	}
	ref, err := repo.Reference(plumbing.ReferenceName(fmt.Sprintf("refs/zuul/%s/%s", branch, name)), true)
	if err != nil {
		return "", err
	}
	return ref.Hash().String(), nil
}

func (e *Engine) mirrorPath(project string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(project))
	if project == "" || filepath.IsAbs(clean) || clean == "." || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("invalid project name %q", project)
	}
	return filepath.Join(e.root, clean), nil
}

func (e *Engine) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, e.gitBin, args...)
	if dir != "" {
		cmd.Dir = dir
	}
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}
