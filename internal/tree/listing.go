package tree

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/mattjoyce/accession/internal/repo"
)

// Entry is one child in a container listing.
type Entry struct {
	Child repo.ObjectID `json:"child"`
	Label string        `json:"label,omitempty"`
}

// Listing is the content of an MD_CONTENTS document: the ordered live children.
type Listing struct {
	Entries []Entry `json:"entries"`
}

func DecodeListing(b []byte) (Listing, error) {
	var l Listing
	if len(b) == 0 {
		return l, nil
	}
	if err := json.Unmarshal(b, &l); err != nil {
		return Listing{}, fmt.Errorf("decode %s: %w", repo.DocListing, err)
	}
	return l, nil
}

func (l Listing) Encode() ([]byte, error) {
	if l.Entries == nil {
		l.Entries = []Entry{}
	}
	return json.Marshal(l)
}

// Index returns the position of child, or -1.
func (l Listing) Index(child repo.ObjectID) int {
	for i, e := range l.Entries {
		if e.Child == child {
			return i
		}
	}
	return -1
}

func (l Listing) Children() []repo.ObjectID {
	out := make([]repo.ObjectID, len(l.Entries))
	for i, e := range l.Entries {
		out[i] = e.Child
	}
	return out
}

// Without removes child and reports the position it held, or -1.
func (l Listing) Without(child repo.ObjectID) (Listing, int) {
	pos := l.Index(child)
	if pos < 0 {
		return l, -1
	}
	entries := make([]Entry, 0, len(l.Entries)-1)
	entries = append(entries, l.Entries[:pos]...)
	entries = append(entries, l.Entries[pos+1:]...)
	return Listing{Entries: entries}, pos
}

// InsertAt places e at pos, clamped to the listing bounds. A negative pos appends.
// Inserting a child that is already listed is a no-op.
func (l Listing) InsertAt(e Entry, pos int) Listing {
	if l.Index(e.Child) >= 0 {
		return l
	}
	if pos < 0 || pos > len(l.Entries) {
		pos = len(l.Entries)
	}
	entries := make([]Entry, 0, len(l.Entries)+1)
	entries = append(entries, l.Entries[:pos]...)
	entries = append(entries, e)
	entries = append(entries, l.Entries[pos:]...)
	return Listing{Entries: entries}
}

// Insertion is a new child to place in a listing. Order < 0 means no preference.
type Insertion struct {
	Child repo.ObjectID
	Label string
	Order int
}

// OrderPolicy places additions into current and returns the new listing plus the
// pre-existing children whose position changed.
type OrderPolicy func(current Listing, additions []Insertion) (Listing, []repo.ObjectID)

// PositionalOrder inserts additions with an Order at that index (ascending, clamped)
// and appends the rest in the order given. Children already listed stay where they are.
func PositionalOrder(current Listing, additions []Insertion) (Listing, []repo.ObjectID) {
	var ordered, unordered []Insertion
	for _, a := range additions {
		if a.Order >= 0 {
			ordered = append(ordered, a)
		} else {
			unordered = append(unordered, a)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Order < ordered[j].Order })

	next := current
	for _, a := range ordered {
		next = next.InsertAt(Entry{Child: a.Child, Label: a.Label}, a.Order)
	}
	for _, a := range unordered {
		next = next.InsertAt(Entry{Child: a.Child, Label: a.Label}, -1)
	}
	return next, Reordered(current, next)
}

// AppendOrder ignores Order and appends every addition.
func AppendOrder(current Listing, additions []Insertion) (Listing, []repo.ObjectID) {
	next := current
	for _, a := range additions {
		next = next.InsertAt(Entry{Child: a.Child, Label: a.Label}, -1)
	}
	return next, Reordered(current, next)
}

// Reordered lists children of before whose index differs in after.
func Reordered(before, after Listing) []repo.ObjectID {
	var out []repo.ObjectID
	for i, e := range before.Entries {
		if j := after.Index(e.Child); j >= 0 && j != i {
			out = append(out, e.Child)
		}
	}
	return out
}

// UpdateListing applies edit to the container's MD_CONTENTS under optimistic retry.
func UpdateListing(ctx context.Context, docs repo.Documents, policy repo.RetryPolicy, id repo.ObjectID, edit func(Listing) Listing) error {
	return repo.UpdateDocument(ctx, docs, policy, id, repo.DocListing, func(current []byte) ([]byte, error) {
		l, err := DecodeListing(current)
		if err != nil {
			return nil, err
		}
		return edit(l).Encode()
	})
}
