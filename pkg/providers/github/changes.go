package github

import (
	"context"
	"fmt"

	"github.com/trungminhnguyen/zuul/internal"
)

// GetChange returns the change an event refers to, building and caching it on
// first use. Pull request changes list their files through the API.
func (c *Connection) GetChange(ctx context.Context, event internal.TriggerEvent) (*internal.Change, error) {
	key := changeKey(event)

	c.mu.Lock()
	cached, ok := c.changes[key]
	c.mu.Unlock()
	if ok {
		return cached, nil
	}

	change := &internal.Change{
		Connection: c.name,
		Project:    event.ProjectName,
		Branch:     event.Branch,
		Account:    event.Account,
	}
	if event.IsChange() {
		owner, project := internal.SplitProject(event.ProjectName)
		files, err := c.GetPullFileNames(ctx, owner, project, event.ChangeNumber)
		if err != nil {
			return nil, fmt.Errorf("list files of %s#%d: %w", event.ProjectName, event.ChangeNumber, err)
		}
		change.Number = event.ChangeNumber
		change.Patchset = event.PatchRevision
		change.Refspec = event.Refspec
		change.URL = event.ChangeURL
		change.Title = event.Title
		change.UpdatedAt = event.UpdatedAt
		change.Files = files
	} else {
		change.Ref = event.Ref
		change.OldRev = event.OldRev
		change.NewRev = event.NewRev
		change.URL = c.GitwebURL(event.ProjectName, event.NewRev)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.changes[key]; ok {
		return existing, nil
	}
	c.changes[key] = change
	return change, nil
}

// MaintainCache drops every cached change that is not in relevant. The
// retained set is built separately and swapped in, so lookups and inserts
// racing with the prune never see a half-pruned map.
func (c *Connection) MaintainCache(relevant []*internal.Change) {
	keep := make(map[*internal.Change]struct{}, len(relevant))
	for _, change := range relevant {
		keep[change] = struct{}{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	retained := make(map[string]*internal.Change, len(keep))
	for key, change := range c.changes {
		if _, ok := keep[change]; ok {
			retained[key] = change
		}
	}
	c.changes = retained
}

// CachedChanges reports how many changes the connection currently holds.
func (c *Connection) CachedChanges() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.changes)
}

func changeKey(event internal.TriggerEvent) string {
	if event.IsChange() {
		return fmt.Sprintf("%s,%d,%s", event.ProjectName, event.ChangeNumber, event.PatchRevision)
	}
	return fmt.Sprintf("%s,%s,%s", event.ProjectName, event.Ref, event.NewRev)
}
