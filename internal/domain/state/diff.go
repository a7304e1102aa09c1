package state

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
)

// Change is one changed leaf path. Removed paths carry no value.
type Change struct {
	Path    string          `json:"path"`
	Value   json.RawMessage `json:"value,omitempty"`
	Removed bool            `json:"removed,omitempty"`
}

// Flatten maps every leaf of v's JSON encoding to its raw value.
// Object keys are joined with '.', escaping dots inside keys the way
// gjson paths do. Arrays are leaves.
func Flatten(v any) (map[string]string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	walk(gjson.ParseBytes(b), "", out)
	return out, nil
}

func walk(r gjson.Result, prefix string, out map[string]string) {
	if !r.IsObject() {
		if prefix != "" {
			out[prefix] = r.Raw
		}
		return
	}
	r.ForEach(func(key, value gjson.Result) bool {
		path := escapeKey(key.String())
		if prefix != "" {
			path = prefix + "." + path
		}
		walk(value, path, out)
		return true
	})
}

func escapeKey(k string) string {
	return strings.NewReplacer(`\`, `\\`, ".", `\.`).Replace(k)
}

// Diff returns the leaf paths that differ between two values, sorted by path.
func Diff(before, after any) ([]Change, error) {
	a, err := Flatten(before)
	if err != nil {
		return nil, err
	}
	b, err := Flatten(after)
	if err != nil {
		return nil, err
	}

	var changes []Change
	for path, val := range b {
		if old, ok := a[path]; !ok || old != val {
			changes = append(changes, Change{Path: path, Value: json.RawMessage(val)})
		}
	}
	for path := range a {
		if _, ok := b[path]; !ok {
			changes = append(changes, Change{Path: path, Removed: true})
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	return changes, nil
}

// Paths returns the changed paths of a diff.
func Paths(changes []Change) []string {
	out := make([]string, len(changes))
	for i, c := range changes {
		out[i] = c.Path
	}
	return out
}
