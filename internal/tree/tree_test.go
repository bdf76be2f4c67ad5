package tree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/accession/internal/repo"
)

func TestEdgeSetExclusiveKinds(t *testing.T) {
	var s EdgeSet
	s = s.With(repo.RelContains, "x").With("references", "x")
	require.True(t, s.Has(repo.RelContains, "x"))

	s = s.Tombstone("x")
	assert.False(t, s.Has(repo.RelContains, "x"))
	assert.True(t, s.Has(repo.RelRemovedChild, "x"))
	assert.True(t, s.Has("references", "x"), "other relations untouched")

	s = s.With(repo.RelContains, "x")
	assert.True(t, s.Has(repo.RelContains, "x"))
	assert.False(t, s.Has(repo.RelRemovedChild, "x"))
}

func TestEdgeSetWithIsIdempotentAndPure(t *testing.T) {
	base := EdgeSet{}.With(repo.RelContains, "a")
	again := base.With(repo.RelContains, "a")
	assert.Len(t, again.Edges, 1)

	_ = base.With(repo.RelContains, "b")
	assert.Len(t, base.Edges, 1, "With must not mutate the receiver")
}

func TestEdgeSetRoundTrip(t *testing.T) {
	s := EdgeSet{}.With(repo.RelContains, "a").With(repo.RelContains, "b")
	b, err := s.Encode()
	require.NoError(t, err)

	got, err := DecodeEdges(b)
	require.NoError(t, err)
	assert.Equal(t, []repo.ObjectID{"a", "b"}, got.Targets(repo.RelContains))

	empty, err := DecodeEdges(nil)
	require.NoError(t, err)
	assert.Empty(t, empty.Edges)

	_, err = DecodeEdges([]byte("{"))
	assert.Error(t, err)
}

func listing(ids ...repo.ObjectID) Listing {
	var l Listing
	for _, id := range ids {
		l = l.InsertAt(Entry{Child: id}, -1)
	}
	return l
}

func TestListingWithoutAndInsert(t *testing.T) {
	l := listing("a", "b", "c")

	without, pos := l.Without("b")
	assert.Equal(t, 1, pos)
	assert.Equal(t, []repo.ObjectID{"a", "c"}, without.Children())
	assert.Equal(t, []repo.ObjectID{"a", "b", "c"}, l.Children(), "receiver unchanged")

	_, pos = l.Without("z")
	assert.Equal(t, -1, pos)

	restored := without.InsertAt(Entry{Child: "b"}, pos+2)
	assert.Equal(t, []repo.ObjectID{"a", "c", "b"}, restored.Children())
	assert.Equal(t, restored, restored.InsertAt(Entry{Child: "a"}, 0), "duplicate insert is a no-op")
}

func TestPositionalOrder(t *testing.T) {
	current := listing("a", "b", "c")
	next, reordered := PositionalOrder(current, []Insertion{
		{Child: "z", Order: -1},
		{Child: "y", Order: 1},
		{Child: "x", Order: 0},
	})

	assert.Equal(t, []repo.ObjectID{"x", "y", "a", "b", "c", "z"}, next.Children())
	assert.Equal(t, []repo.ObjectID{"a", "b", "c"}, reordered)
}

func TestPositionalOrderAppendOnlyReordersNothing(t *testing.T) {
	current := listing("a", "b")
	next, reordered := PositionalOrder(current, []Insertion{{Child: "c", Order: -1}, {Child: "d", Order: 99}})
	assert.Equal(t, []repo.ObjectID{"a", "b", "d", "c"}, next.Children())
	assert.Empty(t, reordered)
}

func TestAppendOrder(t *testing.T) {
	next, reordered := AppendOrder(listing("a"), []Insertion{{Child: "b", Order: 0}})
	assert.Equal(t, []repo.ObjectID{"a", "b"}, next.Children())
	assert.Empty(t, reordered)
}

func TestListingRoundTrip(t *testing.T) {
	l := Listing{Entries: []Entry{{Child: "a", Label: "First"}}}
	b, err := l.Encode()
	require.NoError(t, err)
	got, err := DecodeListing(b)
	require.NoError(t, err)
	assert.Equal(t, l, got)
}
