package workspace

import (
	"fmt"
	"sort"
	"strings"

	"github.com/marqly/studio/pkg/client"
)

// Node is one entry in the derived file tree. Folder nodes carry children;
// leaf nodes carry the FileRecord they represent.
type Node struct {
	Name     string
	Path     string
	IsFolder bool
	Record   *client.FileRecord
	Children []*Node
}

// Tree is a hierarchical projection of a flat file list. It is rebuilt from
// scratch on every change and never mutated independently of the list.
type Tree struct {
	Roots []*Node
	index map[string]*Node
}

// BuildTree derives a tree from the flat record list. Intermediate folders
// are synthesized for every path prefix. Two records implying different node
// types at the same path fail with a validation error.
func BuildTree(records []client.FileRecord) (*Tree, error) {
	tree := &Tree{index: make(map[string]*Node)}
	for i := range records {
		record := records[i]
		segments := strings.Split(record.Path, "/")
		parent := (*Node)(nil)
		prefix := ""
		for _, segment := range segments[:len(segments)-1] {
			if prefix == "" {
				prefix = segment
			} else {
				prefix = prefix + "/" + segment
			}
			node, ok := tree.index[prefix]
			if !ok {
				node = &Node{Name: segment, Path: prefix, IsFolder: true}
				tree.index[prefix] = node
				tree.attach(parent, node)
			} else if !node.IsFolder {
				return nil, fmt.Errorf("%w: %s is both a file and a folder", client.ErrValidation, prefix)
			}
			parent = node
		}

		name := segments[len(segments)-1]
		if existing, ok := tree.index[record.Path]; ok {
			if existing.IsFolder != record.IsFolder || !record.IsFolder {
				return nil, fmt.Errorf("%w: duplicate path %s", client.ErrValidation, record.Path)
			}
			// explicit folder record for an already synthesized folder
			continue
		}
		node := &Node{Name: name, Path: record.Path, IsFolder: record.IsFolder}
		if !record.IsFolder {
			node.Record = &record
		}
		tree.index[record.Path] = node
		tree.attach(parent, node)
	}
	tree.sortChildren(tree.Roots)
	return tree, nil
}

func (t *Tree) attach(parent, node *Node) {
	if parent == nil {
		t.Roots = append(t.Roots, node)
		return
	}
	parent.Children = append(parent.Children, node)
}

// sortChildren imposes a deterministic sibling order: folders before files,
// then lexicographic by name.
func (t *Tree) sortChildren(nodes []*Node) {
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].IsFolder != nodes[j].IsFolder {
			return nodes[i].IsFolder
		}
		return nodes[i].Name < nodes[j].Name
	})
	for _, node := range nodes {
		t.sortChildren(node.Children)
	}
}

// Find returns the node at path, or nil.
func (t *Tree) Find(path string) *Node {
	return t.index[path]
}

// Paths returns every node path in the tree, depth-first in display order.
func (t *Tree) Paths() []string {
	var out []string
	var walk func(nodes []*Node)
	walk = func(nodes []*Node) {
		for _, node := range nodes {
			out = append(out, node.Path)
			walk(node.Children)
		}
	}
	walk(t.Roots)
	return out
}

// ExpandState tracks which folders are open in the UI. It is keyed by folder
// path so it survives tree rebuilds.
type ExpandState struct {
	expanded map[string]bool
}

// NewExpandState returns an empty expand/collapse set.
func NewExpandState() *ExpandState {
	return &ExpandState{expanded: make(map[string]bool)}
}

// Toggle flips the folder's open state.
func (e *ExpandState) Toggle(path string) {
	e.expanded[path] = !e.expanded[path]
}

// Expand marks the folder open.
func (e *ExpandState) Expand(path string) {
	e.expanded[path] = true
}

// Collapse marks the folder closed.
func (e *ExpandState) Collapse(path string) {
	delete(e.expanded, path)
}

// IsExpanded reports whether the folder is open. Folders default to closed.
func (e *ExpandState) IsExpanded(path string) bool {
	return e.expanded[path]
}
