package gitsync

import "sort"

// Side tells which end of the sync a change was observed on.
type Side int

const (
	SideLocal Side = iota
	SideRemote
)

func (s Side) String() string {
	if s == SideRemote {
		return "remote"
	}

	return "local"
}

// LocalChangeKind is the local change vocabulary. It is kept apart from
// RemoteChangeKind because conflict resolution treats the two sides
// asymmetrically.
type LocalChangeKind string

const (
	LocalCreated LocalChangeKind = "created"
	LocalChanged LocalChangeKind = "changed"
	LocalDeleted LocalChangeKind = "deleted"
)

// RemoteChangeKind is the remote change vocabulary.
type RemoteChangeKind string

const (
	RemoteAdded    RemoteChangeKind = "ADDED"
	RemoteModified RemoteChangeKind = "MODIFIED"
	RemoteRemoved  RemoteChangeKind = "REMOVED"
)

// LocalChange is a path that differs between the current local scan and
// the snapshot.
type LocalChange struct {
	Path string          `json:"path" yaml:"path"`
	Kind LocalChangeKind `json:"kind" yaml:"kind"`
}

// Side returns SideLocal.
func (LocalChange) Side() Side { return SideLocal }

// RemoteChange is a path that differs between the current remote tree and
// the snapshot.
type RemoteChange struct {
	Path string           `json:"path" yaml:"path"`
	Kind RemoteChangeKind `json:"kind" yaml:"kind"`
}

// Side returns SideRemote.
func (RemoteChange) Side() Side { return SideRemote }

type delta int

const (
	deltaAdded delta = iota
	deltaModified
	deltaRemoved
)

type pathDelta struct {
	path string
	kind delta
}

// diffMaps compares current against previous. Every path in the symmetric
// difference, plus every shared path whose value differs, appears exactly
// once. Results are sorted by path.
func diffMaps(current, previous FingerprintMap) []pathDelta {
	var out []pathDelta

	for p, fp := range current {
		prev, ok := previous[p]

		switch {
		case !ok:
			out = append(out, pathDelta{path: p, kind: deltaAdded})
		case prev != fp:
			out = append(out, pathDelta{path: p, kind: deltaModified})
		}
	}

	for p := range previous {
		if _, ok := current[p]; !ok {
			out = append(out, pathDelta{path: p, kind: deltaRemoved})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].path < out[j].path })

	return out
}

// DiffLocal returns the local changes from previous to current.
func DiffLocal(current, previous FingerprintMap) []LocalChange {
	deltas := diffMaps(current, previous)
	out := make([]LocalChange, 0, len(deltas))

	for _, d := range deltas {
		kind := LocalChanged

		switch d.kind {
		case deltaAdded:
			kind = LocalCreated
		case deltaRemoved:
			kind = LocalDeleted
		}

		out = append(out, LocalChange{Path: d.path, Kind: kind})
	}

	return out
}

// DiffRemote returns the remote changes from previous to current.
func DiffRemote(current, previous FingerprintMap) []RemoteChange {
	deltas := diffMaps(current, previous)
	out := make([]RemoteChange, 0, len(deltas))

	for _, d := range deltas {
		kind := RemoteModified

		switch d.kind {
		case deltaAdded:
			kind = RemoteAdded
		case deltaRemoved:
			kind = RemoteRemoved
		}

		out = append(out, RemoteChange{Path: d.path, Kind: kind})
	}

	return out
}
