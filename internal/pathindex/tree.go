// Package pathindex builds the virtual directory tree of a tenant's documents from
// their path arrays.
package pathindex

import (
	"sort"
	"strconv"

	apperrors "docrag/internal/errors"
	"docrag/internal/models"
)

const root = 0

// entry is an arena slot. Directories index their children by name, files carry the
// document they wrap. A file and a directory with the same name are separate entries.
type entry struct {
	name     string
	doc      *models.Document
	dirs     map[string]int
	files    map[string]int
	children []int
}

type trie struct {
	entries []entry
}

func newTrie() *trie {
	return &trie{entries: []entry{{dirs: map[string]int{}, files: map[string]int{}}}}
}

func (t *trie) add(e entry) int {
	t.entries = append(t.entries, e)
	return len(t.entries) - 1
}

func (t *trie) dir(parent int, name string) int {
	if idx, ok := t.entries[parent].dirs[name]; ok {
		return idx
	}
	idx := t.add(entry{name: name, dirs: map[string]int{}, files: map[string]int{}})
	t.entries[parent].dirs[name] = idx
	t.entries[parent].children = append(t.entries[parent].children, idx)
	return idx
}

func (t *trie) insert(components []string, doc *models.Document) {
	cur := root
	for _, name := range components[:len(components)-1] {
		cur = t.dir(cur, name)
	}

	name := components[len(components)-1]
	if idx, ok := t.entries[cur].files[name]; ok {
		// Same path twice: the later document replaces the earlier one.
		t.entries[idx].doc = doc
		return
	}
	idx := t.add(entry{name: name, doc: doc})
	t.entries[cur].files[name] = idx
	t.entries[cur].children = append(t.entries[cur].children, idx)
}

func (t *trie) materialize(idx int, path []string) []*models.DirectoryNode {
	children := t.entries[idx].children
	nodes := make([]*models.DirectoryNode, 0, len(children))
	for _, c := range children {
		e := t.entries[c]
		nodePath := make([]string, len(path)+1)
		copy(nodePath, path)
		nodePath[len(path)] = e.name

		if e.doc != nil {
			nodes = append(nodes, &models.DirectoryNode{
				Type:     models.NodeTypeFile,
				Name:     e.name,
				Path:     nodePath,
				Document: e.doc,
			})
			continue
		}
		nodes = append(nodes, &models.DirectoryNode{
			Type:     models.NodeTypeDirectory,
			Name:     e.name,
			Path:     nodePath,
			Children: t.materialize(c, nodePath),
		})
	}
	sortNodes(nodes)
	return nodes
}

// sortNodes orders directories before files, then by name.
func sortNodes(nodes []*models.DirectoryNode) {
	sort.SliceStable(nodes, func(i, j int) bool {
		fi, fj := nodes[i].IsFile(), nodes[j].IsFile()
		if fi != fj {
			return !fi
		}
		return nodes[i].Name < nodes[j].Name
	})
}

// BuildTree returns the top level nodes of the tree formed by docs. When basePath is
// non-empty only documents strictly below it are included and node paths are
// relative to it. The result does not depend on the order of docs, except that a
// document repeating an earlier path replaces it.
func BuildTree(docs []models.Document, basePath []string) ([]*models.DirectoryNode, error) {
	for i := range docs {
		if err := validatePath(&docs[i]); err != nil {
			return nil, err
		}
	}

	t := newTrie()
	for i := range docs {
		rel, ok := relative(docs[i].PathArray, basePath)
		if !ok {
			continue
		}
		doc := docs[i]
		t.insert(rel, &doc)
	}
	return t.materialize(root, nil), nil
}

func validatePath(doc *models.Document) error {
	if len(doc.PathArray) == 0 {
		return apperrors.ErrEmptyPath.With("document_id", strconv.FormatInt(doc.ID, 10))
	}
	for _, c := range doc.PathArray {
		if c == "" {
			return apperrors.Validation("document path has an empty component").
				With("document_id", strconv.FormatInt(doc.ID, 10))
		}
	}
	return nil
}

// relative strips base from path. It reports false unless base is a strict prefix.
func relative(path, base []string) ([]string, bool) {
	if len(path) <= len(base) {
		return nil, false
	}
	for i := range base {
		if path[i] != base[i] {
			return nil, false
		}
	}
	return path[len(base):], true
}

// Walk visits nodes depth first in tree order. parent is the path of the enclosing
// directory, empty for top level nodes.
func Walk(nodes []*models.DirectoryNode, fn func(parent []string, node *models.DirectoryNode)) {
	walk(nodes, []string{}, fn)
}

func walk(nodes []*models.DirectoryNode, parent []string, fn func([]string, *models.DirectoryNode)) {
	for _, n := range nodes {
		fn(parent, n)
		if !n.IsFile() {
			walk(n.Children, n.Path, fn)
		}
	}
}

// CountFiles returns the number of file leaves below nodes.
func CountFiles(nodes []*models.DirectoryNode) int {
	count := 0
	Walk(nodes, func(_ []string, n *models.DirectoryNode) {
		if n.IsFile() {
			count++
		}
	})
	return count
}

// DirectChildren keeps the top level of a tree: directories lose their children.
func DirectChildren(nodes []*models.DirectoryNode) []*models.DirectoryNode {
	out := make([]*models.DirectoryNode, len(nodes))
	for i, n := range nodes {
		shallow := *n
		shallow.Children = nil
		out[i] = &shallow
	}
	return out
}
