package models

import (
	"fmt"
	"iter"
	"sort"
	"strconv"
	"strings"
)

// Derivative is one node of a derivative tree: an UploadedFile leaf, a
// DerivativeList or a DerivativeMap.
type Derivative interface {
	derivative()
}

// DerivativeMap is a string-keyed derivative node. The root of every tree is
// a DerivativeMap.
type DerivativeMap map[string]Derivative

// DerivativeList is an ordered derivative node.
type DerivativeList []Derivative

func (DerivativeMap) derivative()  {}
func (DerivativeList) derivative() {}

// Path addresses a node in a derivative tree. List positions are decimal
// indexes.
type Path []string

// String joins the path with dots.
func (p Path) String() string {
	return strings.Join(p, ".")
}

// ParsePath splits a dotted path.
func ParsePath(raw string) Path {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	return Path(strings.Split(raw, "."))
}

func (p Path) child(key string) Path {
	out := make(Path, len(p), len(p)+1)
	copy(out, p)
	return append(out, key)
}

// MergeDerivatives deep-merges next into prev. Maps merge key by key, lists
// are concatenated, anything else is replaced by next. Neither input is
// modified.
func MergeDerivatives(prev, next Derivative) Derivative {
	switch p := prev.(type) {
	case DerivativeMap:
		if n, ok := next.(DerivativeMap); ok {
			return p.Merge(n)
		}
	case DerivativeList:
		if n, ok := next.(DerivativeList); ok {
			out := make(DerivativeList, 0, len(p)+len(n))
			out = append(out, p...)
			return append(out, n...)
		}
	}
	return next
}

// Merge returns a new map with other deep-merged over m.
func (m DerivativeMap) Merge(other DerivativeMap) DerivativeMap {
	out := make(DerivativeMap, len(m)+len(other))
	for k, v := range m {
		out[k] = v
	}
	for k, v := range other {
		if existing, ok := out[k]; ok {
			out[k] = MergeDerivatives(existing, v)
			continue
		}
		out[k] = v
	}
	return out
}

// Lookup returns the node at path.
func (m DerivativeMap) Lookup(path ...string) (Derivative, bool) {
	if len(path) == 0 {
		return m, true
	}
	var node Derivative = m
	for _, key := range path {
		next, ok := childOf(node, key)
		if !ok {
			return nil, false
		}
		node = next
	}
	return node, true
}

// File returns the leaf file at path.
func (m DerivativeMap) File(path ...string) (UploadedFile, bool) {
	node, ok := m.Lookup(path...)
	if !ok {
		return UploadedFile{}, false
	}
	file, ok := node.(UploadedFile)
	return file, ok
}

// Remove detaches the node at path. It returns the new tree and the removed
// subtree; the receiver is left untouched.
func (m DerivativeMap) Remove(path ...string) (DerivativeMap, Derivative, bool) {
	if len(path) == 0 {
		return m, nil, false
	}
	updated, removed, ok := removeAt(m, path)
	if !ok {
		return m, nil, false
	}
	return updated.(DerivativeMap), removed, true
}

func removeAt(node Derivative, path []string) (Derivative, Derivative, bool) {
	key := path[0]
	switch n := node.(type) {
	case DerivativeMap:
		child, ok := n[key]
		if !ok {
			return node, nil, false
		}
		out := make(DerivativeMap, len(n))
		for k, v := range n {
			out[k] = v
		}
		if len(path) == 1 {
			delete(out, key)
			return out, child, true
		}
		updated, removed, ok := removeAt(child, path[1:])
		if !ok {
			return node, nil, false
		}
		out[key] = updated
		return out, removed, true
	case DerivativeList:
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 || idx >= len(n) {
			return node, nil, false
		}
		if len(path) == 1 {
			out := make(DerivativeList, 0, len(n)-1)
			out = append(out, n[:idx]...)
			out = append(out, n[idx+1:]...)
			return out, n[idx], true
		}
		updated, removed, ok := removeAt(n[idx], path[1:])
		if !ok {
			return node, nil, false
		}
		out := make(DerivativeList, len(n))
		copy(out, n)
		out[idx] = updated
		return out, removed, true
	}
	return node, nil, false
}

func childOf(node Derivative, key string) (Derivative, bool) {
	switch n := node.(type) {
	case DerivativeMap:
		child, ok := n[key]
		return child, ok
	case DerivativeList:
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 || idx >= len(n) {
			return nil, false
		}
		return n[idx], true
	}
	return nil, false
}

// All yields every leaf with its path. Map keys are visited in sorted order.
func (m DerivativeMap) All() iter.Seq2[Path, UploadedFile] {
	return AllDerivatives(m)
}

// AllDerivatives yields every leaf of node with its path.
func AllDerivatives(node Derivative) iter.Seq2[Path, UploadedFile] {
	return func(yield func(Path, UploadedFile) bool) {
		walkDerivatives(nil, node, yield)
	}
}

func walkDerivatives(prefix Path, node Derivative, yield func(Path, UploadedFile) bool) bool {
	switch n := node.(type) {
	case UploadedFile:
		return yield(prefix, n)
	case DerivativeMap:
		keys := make([]string, 0, len(n))
		for k := range n {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if !walkDerivatives(prefix.child(k), n[k], yield) {
				return false
			}
		}
	case DerivativeList:
		for i, child := range n {
			if !walkDerivatives(prefix.child(strconv.Itoa(i)), child, yield) {
				return false
			}
		}
	}
	return true
}

// Files collects every leaf of the tree.
func (m DerivativeMap) Files() []UploadedFile {
	var out []UploadedFile
	for _, file := range m.All() {
		out = append(out, file)
	}
	return out
}

// MapFiles returns a copy of node with every leaf replaced by fn's result.
func MapFiles(node Derivative, fn func(Path, UploadedFile) (UploadedFile, error)) (Derivative, error) {
	return mapFiles(nil, node, fn)
}

func mapFiles(prefix Path, node Derivative, fn func(Path, UploadedFile) (UploadedFile, error)) (Derivative, error) {
	switch n := node.(type) {
	case UploadedFile:
		return fn(prefix, n)
	case DerivativeMap:
		out := make(DerivativeMap, len(n))
		for k, child := range n {
			mapped, err := mapFiles(prefix.child(k), child, fn)
			if err != nil {
				return nil, err
			}
			out[k] = mapped
		}
		return out, nil
	case DerivativeList:
		out := make(DerivativeList, len(n))
		for i, child := range n {
			mapped, err := mapFiles(prefix.child(strconv.Itoa(i)), child, fn)
			if err != nil {
				return nil, err
			}
			out[i] = mapped
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported derivative node %T", node)
}

// ParseDerivatives builds a tree from decoded JSON values. Objects carrying
// string "id" and "storage" fields are leaves.
func ParseDerivatives(raw any) (Derivative, error) {
	switch v := raw.(type) {
	case map[string]any:
		if isFileDescriptor(v) {
			return ParseUploadedFile(v)
		}
		out := make(DerivativeMap, len(v))
		for k, child := range v {
			parsed, err := ParseDerivatives(child)
			if err != nil {
				return nil, fmt.Errorf("derivative %s: %w", k, err)
			}
			out[k] = parsed
		}
		return out, nil
	case []any:
		out := make(DerivativeList, len(v))
		for i, child := range v {
			parsed, err := ParseDerivatives(child)
			if err != nil {
				return nil, fmt.Errorf("derivative %d: %w", i, err)
			}
			out[i] = parsed
		}
		return out, nil
	}
	return nil, fmt.Errorf("invalid derivative value of type %T", raw)
}

// ParseDerivativeMap parses a top-level derivative tree, which must be an
// object.
func ParseDerivativeMap(raw any) (DerivativeMap, error) {
	if raw == nil {
		return DerivativeMap{}, nil
	}
	obj, ok := raw.(map[string]any)
	if !ok || isFileDescriptor(obj) {
		return nil, fmt.Errorf("derivatives must be an object of named files")
	}
	parsed, err := ParseDerivatives(obj)
	if err != nil {
		return nil, err
	}
	return parsed.(DerivativeMap), nil
}
