// Package coursejobs runs course imports and revision pruning as Temporal
// workflows, or inline when Temporal is not configured.
package coursejobs

const (
	ImportWorkflowName = "import_course"
	PruneWorkflowName  = "prune_history"

	ActivityImport = "import_course_dir"
	ActivityPrune  = "prune_course_history"
)

// ImportRequest names an OLX directory readable by the worker and optional
// overrides of the course key found in it.
type ImportRequest struct {
	Dir     string `json:"dir"`
	Org     string `json:"org,omitempty"`
	Course  string `json:"course,omitempty"`
	Run     string `json:"run,omitempty"`
	User    string `json:"user,omitempty"`
	Publish bool   `json:"publish,omitempty"`
}

type ImportResult struct {
	Course       string   `json:"course"`
	Blocks       int      `json:"blocks"`
	Assets       int      `json:"assets"`
	Version      int64    `json:"version"`
	UnknownTypes []string `json:"unknown_types,omitempty"`
}

type PruneRequest struct {
	Course string `json:"course"`
	Keep   int    `json:"keep"`
}

type PruneResult struct {
	Course  string `json:"course"`
	Removed int    `json:"removed"`
}
