package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ChangeKind classifies one field path between two versions.
type ChangeKind string

const (
	ChangeUnchanged ChangeKind = "unchanged"
	ChangeAdded     ChangeKind = "added"
	ChangeRemoved   ChangeKind = "removed"
	ChangeModified  ChangeKind = "modified"
)

// VersionRef identifies one side of a comparison.
type VersionRef struct {
	Version             int64     `json:"version"`
	Operation           Operation `json:"operation"`
	RestoredFromVersion *int64    `json:"restoredFromVersion,omitempty"`
}

func (r VersionRef) describe() string {
	if r.RestoredFromVersion != nil {
		return fmt.Sprintf("%s from v%d", r.Operation, *r.RestoredFromVersion)
	}
	return string(r.Operation)
}

// FieldChange is the state of one leaf path. Nested objects are addressed
// with dotted paths; arrays are compared as whole values. Before and After
// hold the JSON encoding of the value.
type FieldChange struct {
	Path   string     `json:"path"`
	Kind   ChangeKind `json:"kind"`
	Before string     `json:"before,omitempty"`
	After  string     `json:"after,omitempty"`
}

// SnapshotDiff is the field-level change set between two versions of a profile.
type SnapshotDiff struct {
	UserID  string        `json:"userId"`
	From    VersionRef    `json:"from"`
	To      VersionRef    `json:"to"`
	Changes []FieldChange `json:"changes"`
	fields  []FieldChange
}

// CompareSnapshots builds the change set from one snapshot to another.
func CompareSnapshots(from, to Snapshot) (SnapshotDiff, error) {
	before, err := leafValues(from.Fields)
	if err != nil {
		return SnapshotDiff{}, fmt.Errorf("version %d: %w", from.Version, err)
	}
	after, err := leafValues(to.Fields)
	if err != nil {
		return SnapshotDiff{}, fmt.Errorf("version %d: %w", to.Version, err)
	}

	paths := make([]string, 0, len(before)+len(after))
	for path := range before {
		paths = append(paths, path)
	}
	for path := range after {
		if _, ok := before[path]; !ok {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)

	diff := SnapshotDiff{
		UserID:  to.UserID,
		From:    VersionRef{Version: from.Version, Operation: from.Operation, RestoredFromVersion: from.RestoredFromVersion},
		To:      VersionRef{Version: to.Version, Operation: to.Operation, RestoredFromVersion: to.RestoredFromVersion},
		Changes: []FieldChange{},
		fields:  make([]FieldChange, 0, len(paths)),
	}
	for _, path := range paths {
		old, hadOld := before[path]
		cur, hasCur := after[path]
		change := FieldChange{Path: path, Before: old, After: cur}
		switch {
		case hadOld && !hasCur:
			change.Kind = ChangeRemoved
		case !hadOld && hasCur:
			change.Kind = ChangeAdded
		case old != cur:
			change.Kind = ChangeModified
		default:
			change.Kind = ChangeUnchanged
		}
		diff.fields = append(diff.fields, change)
		if change.Kind != ChangeUnchanged {
			diff.Changes = append(diff.Changes, change)
		}
	}
	return diff, nil
}

// Empty reports whether the two versions carry identical fields.
func (d SnapshotDiff) Empty() bool {
	return len(d.Changes) == 0
}

// Unified renders the change set as a unified diff. Unchanged paths are
// kept as context lines.
func (d SnapshotDiff) Unified() string {
	var removed, added int
	var body strings.Builder
	for _, field := range d.fields {
		switch field.Kind {
		case ChangeUnchanged:
			fmt.Fprintf(&body, " %s: %s\n", field.Path, field.Before)
			removed++
			added++
		case ChangeRemoved:
			fmt.Fprintf(&body, "-%s: %s\n", field.Path, field.Before)
			removed++
		case ChangeAdded:
			fmt.Fprintf(&body, "+%s: %s\n", field.Path, field.After)
			added++
		case ChangeModified:
			fmt.Fprintf(&body, "-%s: %s\n+%s: %s\n", field.Path, field.Before, field.Path, field.After)
			removed++
			added++
		}
	}

	var out strings.Builder
	fmt.Fprintf(&out, "--- %s@v%d\t%s\n", d.UserID, d.From.Version, d.From.describe())
	fmt.Fprintf(&out, "+++ %s@v%d\t%s\n", d.UserID, d.To.Version, d.To.describe())
	fmt.Fprintf(&out, "@@ -1,%d +1,%d @@\n", removed, added)
	out.WriteString(body.String())
	return out.String()
}

// leafValues maps every leaf path of fields to its JSON encoding.
func leafValues(fields map[string]any) (map[string]string, error) {
	out := make(map[string]string)
	var walk func(path string, value any) error
	walk = func(path string, value any) error {
		if nested, ok := value.(map[string]any); ok && len(nested) > 0 {
			for key, child := range nested {
				if err := walk(path+"."+key, child); err != nil {
					return err
				}
			}
			return nil
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("field %s is not JSON encodable: %w", path, err)
		}
		out[path] = string(encoded)
		return nil
	}
	for key, value := range fields {
		if err := walk(key, value); err != nil {
			return nil, err
		}
	}
	return out, nil
}
