package gitsync

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
)

// ClashStatus is a path changed on both sides since the snapshot.
type ClashStatus struct {
	Path       string           `json:"path" yaml:"path"`
	LocalKind  LocalChangeKind  `json:"local" yaml:"local"`
	RemoteKind RemoteChangeKind `json:"remote" yaml:"remote"`
}

// FindClashes intersects the local and remote change paths. Paths that
// changed on one side only are not clashes. Results are sorted by path.
func FindClashes(local []LocalChange, remote []RemoteChange) []ClashStatus {
	localKinds := make(map[string]LocalChangeKind, len(local))
	localPaths := mapset.NewThreadUnsafeSet[string]()

	for _, c := range local {
		localKinds[c.Path] = c.Kind
		localPaths.Add(c.Path)
	}

	remoteKinds := make(map[string]RemoteChangeKind, len(remote))
	remotePaths := mapset.NewThreadUnsafeSet[string]()

	for _, c := range remote {
		remoteKinds[c.Path] = c.Kind
		remotePaths.Add(c.Path)
	}

	shared := localPaths.Intersect(remotePaths).ToSlice()
	sort.Strings(shared)

	out := make([]ClashStatus, 0, len(shared))
	for _, p := range shared {
		out = append(out, ClashStatus{Path: p, LocalKind: localKinds[p], RemoteKind: remoteKinds[p]})
	}

	return out
}

// clashPaths returns the set of clashed paths.
func clashPaths(clashes []ClashStatus) mapset.Set[string] {
	s := mapset.NewThreadUnsafeSet[string]()
	for _, c := range clashes {
		s.Add(c.Path)
	}

	return s
}
