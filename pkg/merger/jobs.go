package merger

// Job names understood by the merge worker.
const (
	JobMerge  = "merge"
	JobUpdate = "update"
)

// MergeItem is one change of a dependent stack. Refspec, when set, is fetched
// out of URL; the change is Commit when set, otherwise the fetched head.
type MergeItem struct {
	Connection string `json:"connection"`
	Project    string `json:"project"`
	URL        string `json:"url"`
	Branch     string `json:"branch"`
	Refspec    string `json:"refspec,omitempty"`
	Commit     string `json:"commit,omitempty"`
	// Ref names the zuul ref recorded for the speculative state after this
	// item, refs/zuul/<branch>/<ref>.
	Ref      string `json:"ref,omitempty"`
	Number   int    `json:"number,omitempty"`
	Patchset string `json:"patchset,omitempty"`
}

type MergeArgs struct {
	Items []MergeItem `json:"items"`
}

type MergeResult struct {
	Merged  bool   `json:"merged"`
	Commit  string `json:"commit,omitempty"`
	ZuulURL string `json:"zuul_url,omitempty"`
}

type UpdateArgs struct {
	Connection string `json:"connection,omitempty"`
	Project    string `json:"project"`
	URL        string `json:"url"`
}

type UpdateResult struct {
	Updated bool   `json:"updated"`
	ZuulURL string `json:"zuul_url,omitempty"`
}
