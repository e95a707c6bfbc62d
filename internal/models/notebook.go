package models

import "time"

// CellType distinguishes code cells from text cells.
type CellType string

const (
	CellTypeCode     CellType = "code"
	CellTypeMarkdown CellType = "markdown"
	CellTypeRaw      CellType = "raw"
)

// Cell is a single notebook cell.
type Cell struct {
	ID             string         `json:"id"`
	CellType       CellType       `json:"cell_type"`
	Source         string         `json:"source"`
	Outputs        []CellOutput   `json:"outputs,omitempty"`
	ExecutionCount *int           `json:"execution_count,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// KernelSpecRef names the kernel a notebook runs on.
type KernelSpecRef struct {
	Name     string `json:"name"`
	Language string `json:"language"`
}

// NotebookMetadata is the notebook-level metadata block.
type NotebookMetadata struct {
	KernelSpec KernelSpecRef `json:"kernelspec"`
}

// Notebook is an ordered list of cells bound to a kernelspec.
type Notebook struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	Cells     []Cell           `json:"cells"`
	Metadata  NotebookMetadata `json:"metadata"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// DuplicateCellID returns the first cell id that appears more than once,
// or "" when all ids are unique.
func (n *Notebook) DuplicateCellID() string {
	seen := make(map[string]bool, len(n.Cells))
	for _, c := range n.Cells {
		if c.ID == "" {
			continue
		}
		if seen[c.ID] {
			return c.ID
		}
		seen[c.ID] = true
	}
	return ""
}
