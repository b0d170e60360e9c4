package gitsync

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFindClashes(t *testing.T) {
	local := []LocalChange{
		{Path: "z.md", Kind: LocalChanged},
		{Path: "only-local.md", Kind: LocalCreated},
		{Path: "a.md", Kind: LocalDeleted},
	}
	remote := []RemoteChange{
		{Path: "a.md", Kind: RemoteModified},
		{Path: "only-remote.md", Kind: RemoteAdded},
		{Path: "z.md", Kind: RemoteRemoved},
	}

	assert.Equal(t, []ClashStatus{
		{Path: "a.md", LocalKind: LocalDeleted, RemoteKind: RemoteModified},
		{Path: "z.md", LocalKind: LocalChanged, RemoteKind: RemoteRemoved},
	}, FindClashes(local, remote))
}

func TestFindClashes_Disjoint(t *testing.T) {
	got := FindClashes(
		[]LocalChange{{Path: "a", Kind: LocalCreated}},
		[]RemoteChange{{Path: "b", Kind: RemoteAdded}},
	)
	assert.Empty(t, got)

	assert.Empty(t, FindClashes(nil, nil))
}

func TestClashPaths(t *testing.T) {
	s := clashPaths([]ClashStatus{{Path: "a"}, {Path: "b"}, {Path: "a"}})
	assert.Equal(t, 2, s.Cardinality())
	assert.True(t, s.Contains("a"))
	assert.True(t, s.Contains("b"))
	assert.False(t, s.Contains("c"))
}
