package repo

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memDocs is a minimal versioned map used to exercise the retry helpers.
type memDocs struct {
	mu      sync.Mutex
	body    map[string][]byte
	version map[string]int
	// beforeWrite runs once before the next write is checked.
	beforeWrite func()
}

func newMemDocs() *memDocs {
	return &memDocs{body: map[string][]byte{}, version: map[string]int{}}
}

func (m *memDocs) key(id ObjectID, name string) string { return string(id) + "/" + name }

func (m *memDocs) ReadDocument(_ context.Context, id ObjectID, name string) ([]byte, VersionToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := m.key(id, name)
	v, ok := m.version[k]
	if !ok {
		return nil, "", ErrNotFound
	}
	return append([]byte(nil), m.body[k]...), VersionToken(strconv.Itoa(v)), nil
}

func (m *memDocs) WriteDocument(_ context.Context, id ObjectID, name string, doc []byte, expected VersionToken) error {
	if hook := m.beforeWrite; hook != nil {
		m.beforeWrite = nil
		hook()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := m.key(id, name)
	v, ok := m.version[k]
	current := VersionToken("")
	if ok {
		current = VersionToken(strconv.Itoa(v))
	}
	if current != expected {
		return ErrVersionConflict
	}
	m.body[k] = doc
	m.version[k] = v + 1
	return nil
}

func (m *memDocs) AddEdge(context.Context, ObjectID, string, ObjectID) error    { return nil }
func (m *memDocs) RemoveEdge(context.Context, ObjectID, string, ObjectID) error { return nil }

func appendEdit(suffix string) func([]byte) ([]byte, error) {
	return func(cur []byte) ([]byte, error) { return append(cur, suffix...), nil }
}

func TestUpdateDocumentCreatesMissing(t *testing.T) {
	docs := newMemDocs()
	require.NoError(t, UpdateDocument(context.Background(), docs, RetryPolicy{}, "c", DocListing, appendEdit("a")))

	body, tok, err := docs.ReadDocument(context.Background(), "c", DocListing)
	require.NoError(t, err)
	assert.Equal(t, "a", string(body))
	assert.Equal(t, VersionToken("1"), tok)
}

func TestUpdateDocumentReappliesEditAfterConflict(t *testing.T) {
	ctx := context.Background()
	docs := newMemDocs()
	require.NoError(t, UpdateDocument(ctx, docs, RetryPolicy{}, "c", DocEdges, appendEdit("0")))

	docs.beforeWrite = func() {
		require.NoError(t, UpdateDocument(ctx, docs, RetryPolicy{}, "c", DocEdges, appendEdit("X")))
	}
	var conflicts int
	policy := RetryPolicy{OnConflict: func(string) { conflicts++ }}
	require.NoError(t, UpdateDocument(ctx, docs, policy, "c", DocEdges, appendEdit("Y")))

	body, _, _ := docs.ReadDocument(ctx, "c", DocEdges)
	assert.Equal(t, "0XY", string(body))
	assert.Equal(t, 1, conflicts)
}

func TestRetryOnConflictCapped(t *testing.T) {
	calls := 0
	err := RetryOnConflict(context.Background(), RetryPolicy{MaxRetries: 2}, DocEdges, func() error {
		calls++
		return ErrVersionConflict
	})
	assert.ErrorIs(t, err, ErrVersionConflict)
	assert.Equal(t, 3, calls)
}

func TestRetryOnConflictStopsOnContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := RetryOnConflict(ctx, RetryPolicy{}, DocEdges, func() error {
		calls++
		cancel()
		return ErrVersionConflict
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestRetryOnConflictPassesOtherErrors(t *testing.T) {
	boom := errors.New("boom")
	err := RetryOnConflict(context.Background(), RetryPolicy{}, DocEdges, func() error { return boom })
	assert.ErrorIs(t, err, boom)
}
