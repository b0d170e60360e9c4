package gitsync

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiffLocal(t *testing.T) {
	tests := []struct {
		name     string
		current  FingerprintMap
		previous FingerprintMap
		want     []LocalChange
	}{
		{
			name:     "identical",
			current:  FingerprintMap{"a": "1"},
			previous: FingerprintMap{"a": "1"},
			want:     []LocalChange{},
		},
		{
			name:     "both empty",
			current:  FingerprintMap{},
			previous: nil,
			want:     []LocalChange{},
		},
		{
			name:     "created changed deleted",
			current:  FingerprintMap{"new": "1", "edit": "2", "same": "3"},
			previous: FingerprintMap{"gone": "0", "edit": "1", "same": "3"},
			want: []LocalChange{
				{Path: "edit", Kind: LocalChanged},
				{Path: "gone", Kind: LocalDeleted},
				{Path: "new", Kind: LocalCreated},
			},
		},
		{
			name:     "rename is delete plus create",
			current:  FingerprintMap{"b.md": "x"},
			previous: FingerprintMap{"a.md": "x"},
			want: []LocalChange{
				{Path: "a.md", Kind: LocalDeleted},
				{Path: "b.md", Kind: LocalCreated},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DiffLocal(tt.current, tt.previous))
		})
	}
}

func TestDiffRemote(t *testing.T) {
	got := DiffRemote(
		FingerprintMap{"added": "1", "mod": "2", "same": "3"},
		FingerprintMap{"removed": "0", "mod": "1", "same": "3"},
	)

	assert.Equal(t, []RemoteChange{
		{Path: "added", Kind: RemoteAdded},
		{Path: "mod", Kind: RemoteModified},
		{Path: "removed", Kind: RemoteRemoved},
	}, got)
}

func TestChangeSides(t *testing.T) {
	assert.Equal(t, SideLocal, LocalChange{}.Side())
	assert.Equal(t, SideRemote, RemoteChange{}.Side())
	assert.Equal(t, "local", SideLocal.String())
	assert.Equal(t, "remote", SideRemote.String())
}

// --- Properties over generated maps ---

// randomFingerprints draws paths and values from small pools so generated
// maps overlap heavily.
func randomFingerprints(r *rand.Rand) FingerprintMap {
	m := FingerprintMap{}

	for range r.IntN(12) {
		m[fmt.Sprintf("dir%d/file%d.md", r.IntN(3), r.IntN(8))] = fmt.Sprintf("h%d", r.IntN(3))
	}

	return m
}

func TestDiff_Properties(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))

	for i := range 500 {
		current, previous := randomFingerprints(r), randomFingerprints(r)

		assert.Empty(t, DiffLocal(current, current), "case %d", i)
		assert.Empty(t, DiffRemote(current, current), "case %d", i)

		want := map[string]LocalChangeKind{}

		for p, v := range current {
			old, ok := previous[p]

			switch {
			case !ok:
				want[p] = LocalCreated
			case old != v:
				want[p] = LocalChanged
			}
		}

		for p := range previous {
			if _, ok := current[p]; !ok {
				want[p] = LocalDeleted
			}
		}

		local := DiffLocal(current, previous)
		got := map[string]LocalChangeKind{}

		for j, c := range local {
			_, dup := got[c.Path]
			require.False(t, dup, "case %d: %s listed twice", i, c.Path)

			got[c.Path] = c.Kind

			if j > 0 {
				assert.Less(t, local[j-1].Path, c.Path, "case %d: not sorted", i)
			}
		}

		assert.Equal(t, want, got, "case %d", i)

		remote := DiffRemote(current, previous)
		require.Len(t, remote, len(local), "case %d", i)

		for j, c := range remote {
			assert.Equal(t, local[j].Path, c.Path, "case %d", i)
		}
	}
}

func TestFindClashes_OrderIndependent(t *testing.T) {
	r := rand.New(rand.NewPCG(3, 4))

	for i := range 300 {
		local := DiffLocal(randomFingerprints(r), randomFingerprints(r))
		remote := DiffRemote(randomFingerprints(r), randomFingerprints(r))

		want := FindClashes(local, remote)

		remotePaths := map[string]bool{}
		for _, c := range remote {
			remotePaths[c.Path] = true
		}

		var shared []string

		for _, c := range local {
			if remotePaths[c.Path] {
				shared = append(shared, c.Path)
			}
		}

		var clashPaths []string
		for _, c := range want {
			clashPaths = append(clashPaths, c.Path)
		}

		assert.Equal(t, shared, clashPaths, "case %d", i)

		r.Shuffle(len(local), func(a, b int) { local[a], local[b] = local[b], local[a] })
		r.Shuffle(len(remote), func(a, b int) { remote[a], remote[b] = remote[b], remote[a] })

		assert.Equal(t, want, FindClashes(local, remote), "case %d", i)
	}
}
