package storage_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/strata/pkg/adapters/badger"
	"github.com/aretw0/strata/pkg/adapters/memory"
	"github.com/aretw0/strata/pkg/core"
	"github.com/aretw0/strata/pkg/storage"
)

func newStorage(t *testing.T) *storage.Storage {
	t.Helper()
	s, err := storage.New(storage.Config{Engine: memory.New()})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func put(t *testing.T, s *storage.Storage, id string, fields core.Fields) core.Document {
	t.Helper()
	doc, err := s.Put(context.Background(), core.Document{ID: id, Fields: fields}, core.PutOptions{})
	require.NoError(t, err)
	return doc
}

func collectDocs(t *testing.T, it core.DocumentIterator) []core.Document {
	t.Helper()
	defer it.Close()
	var out []core.Document
	for it.Next(context.Background()) {
		out = append(out, it.Document())
	}
	require.NoError(t, it.Err())
	return out
}

func collectChanges(t *testing.T, it core.ChangeIterator) []core.Change {
	t.Helper()
	defer it.Close()
	var out []core.Change
	for it.Next(context.Background()) {
		out = append(out, it.Change())
	}
	require.NoError(t, it.Err())
	return out
}

func TestVersionsIncreaseByOne(t *testing.T) {
	s := newStorage(t)

	for i := 1; i <= 5; i++ {
		doc := put(t, s, "x", core.Fields{"n": float64(i)})
		assert.Equal(t, uint64(i), doc.Version)
		assert.Equal(t, uint64(i), doc.Seq)
	}

	chain := collectDocs(t, s.Versions("x"))
	require.Len(t, chain, 5)
	for i, doc := range chain {
		assert.Equal(t, uint64(i+1), doc.Version)
		assert.Equal(t, float64(i+1), doc.Fields["n"])
	}
}

func TestDeleteKeepsHistory(t *testing.T) {
	s := newStorage(t)
	ctx := context.Background()

	put(t, s, "x", core.Fields{"name": "a"})
	put(t, s, "x", core.Fields{"name": "b"})

	tomb, err := s.Delete(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), tomb.Version)
	assert.True(t, tomb.Deleted)

	_, err = s.Get(ctx, "x", core.GetOptions{})
	assert.ErrorIs(t, err, core.ErrNotFound)

	got, err := s.Get(ctx, "x", core.GetOptions{IncludeDeleted: true})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), got.Version)
	assert.True(t, got.Deleted)

	old, err := s.Get(ctx, "x", core.GetOptions{Version: 1})
	require.NoError(t, err)
	assert.Equal(t, "a", old.Fields["name"])

	_, err = s.Delete(ctx, "x")
	assert.ErrorIs(t, err, core.ErrNotFound, "deleting a tombstone must fail")

	again := put(t, s, "x", core.Fields{"name": "c"})
	assert.Equal(t, uint64(4), again.Version)
	assert.Len(t, collectDocs(t, s.Versions("x")), 4)
}

func TestGetMissing(t *testing.T) {
	s := newStorage(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "ghost", core.GetOptions{})
	assert.ErrorIs(t, err, core.ErrNotFound)

	put(t, s, "x", core.Fields{"a": "b"})
	_, err = s.Get(ctx, "x", core.GetOptions{Version: 9})
	assert.ErrorIs(t, err, core.ErrNotFound)

	_, err = s.Get(ctx, "", core.GetOptions{})
	assert.ErrorIs(t, err, core.ErrInvalidID)
}

func TestSchemaEnforcement(t *testing.T) {
	s := newStorage(t)
	ctx := context.Background()

	put(t, s, "x", core.Fields{"name": "a"})
	assert.Equal(t, []string{"id", "version", "name"}, s.Schema().Headers())

	_, err := s.Put(ctx, core.Document{ID: "y", Fields: core.Fields{"name": 1.0}}, core.PutOptions{})
	assert.ErrorIs(t, err, core.ErrSchemaConflict)

	_, err = s.Put(ctx, core.Document{ID: "y", Fields: core.Fields{"extra": true}}, core.PutOptions{Strict: true})
	assert.ErrorIs(t, err, core.ErrSchemaConflict)

	_, err = s.Get(ctx, "y", core.GetOptions{})
	assert.ErrorIs(t, err, core.ErrNotFound, "rejected puts must not write")
	assert.Equal(t, uint64(1), s.Seq())
}

func TestPutRaw(t *testing.T) {
	s := newStorage(t)
	doc, err := s.PutRaw(context.Background(), []byte(`{"id":"x","name":"a","version":99}`), core.PutOptions{})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), doc.Version, "local puts ignore the incoming version")
	assert.Equal(t, "a", doc.Fields["name"])

	_, err = s.PutRaw(context.Background(), []byte(`not json`), core.PutOptions{})
	assert.Error(t, err)
}

func TestReplicatedPut(t *testing.T) {
	s := newStorage(t)
	ctx := context.Background()
	rep := core.PutOptions{Replicate: true}

	doc, err := s.Put(ctx, core.Document{ID: "x", Version: 3, Fields: core.Fields{"n": 3.0}}, rep)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), doc.Version)

	t.Run("Older Or Equal Versions Are No-ops", func(t *testing.T) {
		seq := s.Seq()
		got, err := s.Put(ctx, core.Document{ID: "x", Version: 2, Fields: core.Fields{"n": 2.0}}, rep)
		require.NoError(t, err)
		assert.Equal(t, uint64(3), got.Version)
		assert.Equal(t, 3.0, got.Fields["n"])
		assert.Equal(t, seq, s.Seq())
	})

	t.Run("Replicated Tombstone", func(t *testing.T) {
		got, err := s.Put(ctx, core.Document{ID: "x", Version: 4, Deleted: true}, rep)
		require.NoError(t, err)
		assert.True(t, got.Deleted)
		_, err = s.Get(ctx, "x", core.GetOptions{})
		assert.ErrorIs(t, err, core.ErrNotFound)
	})

	t.Run("Local Puts Cannot Delete", func(t *testing.T) {
		got, err := s.Put(ctx, core.Document{ID: "z", Deleted: true, Fields: core.Fields{"n": 1.0}}, core.PutOptions{})
		require.NoError(t, err)
		assert.False(t, got.Deleted)
	})
}

func TestConcurrentPutsSerializePerID(t *testing.T) {
	s := newStorage(t)
	const writers = 20

	var wg sync.WaitGroup
	versions := make(chan uint64, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			doc, err := s.Put(context.Background(), core.Document{ID: "hot", Fields: core.Fields{"w": float64(i)}}, core.PutOptions{})
			if assert.NoError(t, err) {
				versions <- doc.Version
			}
		}(i)
	}
	wg.Wait()
	close(versions)

	seen := make(map[uint64]bool)
	for v := range versions {
		assert.False(t, seen[v], "version %d assigned twice", v)
		seen[v] = true
	}
	assert.Len(t, seen, writers)

	changes := collectChanges(t, s.Changes(core.ChangesOptions{}))
	require.Len(t, changes, writers)
	for i, c := range changes {
		assert.Equal(t, uint64(i+1), c.Seq)
		assert.Equal(t, uint64(i+1), c.Version, "feed order must match version order for one id")
	}
}

func TestChanges(t *testing.T) {
	s := newStorage(t)
	ctx := context.Background()

	put(t, s, "a", core.Fields{"v": 1.0})
	put(t, s, "b", core.Fields{"v": 1.0})
	put(t, s, "a", core.Fields{"v": 2.0})
	_, err := s.Delete(ctx, "b")
	require.NoError(t, err)

	t.Run("Full Feed", func(t *testing.T) {
		got := collectChanges(t, s.Changes(core.ChangesOptions{}))
		assert.Equal(t, []core.Change{
			{Seq: 1, ID: "a", Version: 1},
			{Seq: 2, ID: "b", Version: 1},
			{Seq: 3, ID: "a", Version: 2},
			{Seq: 4, ID: "b", Version: 2, Deleted: true},
		}, got)
	})

	t.Run("Since Is Exclusive", func(t *testing.T) {
		got := collectChanges(t, s.Changes(core.ChangesOptions{Since: 2}))
		require.Len(t, got, 2)
		assert.Equal(t, uint64(3), got[0].Seq)
	})

	t.Run("Limit", func(t *testing.T) {
		got := collectChanges(t, s.Changes(core.ChangesOptions{Limit: 1}))
		require.Len(t, got, 1)
	})
}

func TestLiveChanges(t *testing.T) {
	s := newStorage(t)
	put(t, s, "a", core.Fields{"v": 1.0})

	it := s.Changes(core.ChangesOptions{Live: true})
	defer it.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.True(t, it.Next(ctx))
	assert.Equal(t, uint64(1), it.Change().Seq)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, err := s.Put(context.Background(), core.Document{ID: "b", Fields: core.Fields{"v": 1.0}}, core.PutOptions{})
		assert.NoError(t, err)
	}()

	require.True(t, it.Next(ctx), "live iterator must wake on a new commit: %v", it.Err())
	assert.Equal(t, "b", it.Change().ID)

	t.Run("Close Unblocks Next", func(t *testing.T) {
		done := make(chan bool)
		go func() { done <- it.Next(ctx) }()
		time.Sleep(20 * time.Millisecond)
		it.Close()
		select {
		case ok := <-done:
			assert.False(t, ok)
			assert.NoError(t, it.Err())
		case <-time.After(2 * time.Second):
			t.Fatal("Next did not return after Close")
		}
	})
}

func TestReadStream(t *testing.T) {
	s := newStorage(t)
	ctx := context.Background()

	for _, id := range []string{"users/ann", "users/bob", "users/cid", "teams/red"} {
		put(t, s, id, core.Fields{"name": id})
	}
	put(t, s, "users/bob", core.Fields{"name": "bobby"})
	_, err := s.Delete(ctx, "users/cid")
	require.NoError(t, err)

	ids := func(docs []core.Document) []string {
		out := make([]string, 0, len(docs))
		for _, d := range docs {
			out = append(out, fmt.Sprintf("%s@%d", d.ID, d.Version))
		}
		return out
	}

	tests := []struct {
		name string
		opts storage.ReadOptions
		want []string
	}{
		{"Latest Live Only", storage.ReadOptions{}, []string{"teams/red@1", "users/ann@1", "users/bob@2"}},
		{"Include Deleted", storage.ReadOptions{IncludeDeleted: true}, []string{"teams/red@1", "users/ann@1", "users/bob@2", "users/cid@2"}},
		{"Exclusive Bounds", storage.ReadOptions{Gt: "teams/red", Lt: "users/bob"}, []string{"users/ann@1"}},
		{"Glob Match", storage.ReadOptions{Match: "users/*"}, []string{"users/ann@1", "users/bob@2"}},
		{"Limit", storage.ReadOptions{Limit: 2}, []string{"teams/red@1", "users/ann@1"}},
		{"All Versions", storage.ReadOptions{Versions: true, Gt: "users/ann"}, []string{"users/bob@1", "users/bob@2", "users/cid@1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ids(collectDocs(t, s.ReadStream(tt.opts))))
		})
	}

	t.Run("Restartable", func(t *testing.T) {
		first := collectDocs(t, s.ReadStream(storage.ReadOptions{}))
		second := collectDocs(t, s.ReadStream(storage.ReadOptions{}))
		assert.Equal(t, first, second)
	})

	t.Run("Bad Pattern", func(t *testing.T) {
		it := s.ReadStream(storage.ReadOptions{Match: "users/[a"})
		assert.False(t, it.Next(ctx))
		assert.Error(t, it.Err())
	})

	n, err := s.RowCount()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestReadStreamCrossesBatches(t *testing.T) {
	s := newStorage(t)
	for i := 0; i < 300; i++ {
		put(t, s, fmt.Sprintf("doc-%04d", i), core.Fields{"i": float64(i)})
	}
	docs := collectDocs(t, s.ReadStream(storage.ReadOptions{}))
	require.Len(t, docs, 300)
	assert.Equal(t, "doc-0299", docs[299].ID)
	assert.Len(t, collectChanges(t, s.Changes(core.ChangesOptions{Since: 10})), 290)
}

func TestCursors(t *testing.T) {
	s := newStorage(t)

	cur, err := s.Cursor(context.Background(), core.DirectionPull, "http://a")
	require.NoError(t, err)
	assert.Equal(t, core.Cursor{RemoteURL: "http://a"}, cur)

	require.NoError(t, s.SetCursor(context.Background(), core.DirectionPull, core.Cursor{RemoteURL: "http://a", LastSeq: 7}))
	cur, err = s.Cursor(context.Background(), core.DirectionPull, "http://a")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), cur.LastSeq)

	push, err := s.Cursor(context.Background(), core.DirectionPush, "http://a")
	require.NoError(t, err)
	assert.Zero(t, push.LastSeq, "push and pull cursors are independent")
}

type failingEngine struct {
	*memory.Engine
	fail bool
}

func (f *failingEngine) Apply(muts []core.Mutation) error {
	if f.fail {
		return errEngine
	}
	return f.Engine.Apply(muts)
}

var errEngine = errors.New("disk on fire")

func TestEngineFailureAdvancesNothing(t *testing.T) {
	engine := &failingEngine{Engine: memory.New()}
	s, err := storage.New(storage.Config{Engine: engine})
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	put(t, s, "x", core.Fields{"v": 1.0})

	engine.fail = true
	_, err = s.Put(ctx, core.Document{ID: "x", Fields: core.Fields{"v": 2.0}}, core.PutOptions{})
	assert.ErrorIs(t, err, errEngine)
	_, err = s.Delete(ctx, "x")
	assert.ErrorIs(t, err, errEngine)
	_, err = s.Put(ctx, core.Document{ID: "y", Fields: core.Fields{"w": "new"}}, core.PutOptions{})
	assert.ErrorIs(t, err, errEngine)
	assert.Equal(t, []core.Column{{Name: "v", Type: core.TypeNumber}}, s.Columns(), "a failed write adds no columns")

	engine.fail = false
	doc := put(t, s, "x", core.Fields{"v": 3.0})
	assert.Equal(t, uint64(2), doc.Version)
	assert.Equal(t, uint64(2), doc.Seq)
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()

	t.Run("Starts From The Live Head", func(t *testing.T) {
		s := newStorage(t)
		put(t, s, "x", core.Fields{"name": "a", "n": 1.0})

		doc, err := s.Update(ctx, "x", func(doc *core.Document) error {
			doc.Fields["n"] = doc.Fields["n"].(float64) + 1
			return nil
		}, core.PutOptions{})
		require.NoError(t, err)
		assert.Equal(t, uint64(2), doc.Version)
		assert.Equal(t, "a", doc.Fields["name"])
		assert.Equal(t, 2.0, doc.Fields["n"])
	})

	t.Run("Missing Or Deleted Starts Empty", func(t *testing.T) {
		s := newStorage(t)
		put(t, s, "gone", core.Fields{"name": "a"})
		_, err := s.Delete(ctx, "gone")
		require.NoError(t, err)

		for _, id := range []string{"new", "gone"} {
			doc, err := s.Update(ctx, id, func(doc *core.Document) error {
				assert.Empty(t, doc.Fields)
				doc.Fields = core.Fields{"name": "b"}
				return nil
			}, core.PutOptions{})
			require.NoError(t, err)
			assert.False(t, doc.Deleted)
			assert.Equal(t, "b", doc.Fields["name"])
		}
		got, err := s.Get(ctx, "gone", core.GetOptions{})
		require.NoError(t, err)
		assert.Equal(t, uint64(3), got.Version)
	})

	t.Run("Callback Error Aborts", func(t *testing.T) {
		s := newStorage(t)
		put(t, s, "x", core.Fields{"name": "a"})
		stop := errors.New("stop")

		_, err := s.Update(ctx, "x", func(doc *core.Document) error { return stop }, core.PutOptions{})
		assert.ErrorIs(t, err, stop)
		assert.Equal(t, uint64(1), s.Seq())
	})

	t.Run("Concurrent Updates See Each Other", func(t *testing.T) {
		s := newStorage(t)
		const writers = 20
		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.Update(ctx, "counter", func(doc *core.Document) error {
					if doc.Fields == nil {
						doc.Fields = core.Fields{}
					}
					doc.Fields[fmt.Sprintf("k%02d", i)] = true
					return nil
				}, core.PutOptions{})
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		got, err := s.Get(ctx, "counter", core.GetOptions{})
		require.NoError(t, err)
		assert.Equal(t, uint64(writers), got.Version)
		assert.Len(t, got.Fields, writers)
	})
}

func TestLargeIntegersRoundTrip(t *testing.T) {
	s := newStorage(t)
	ctx := context.Background()
	const big = int64(9007199254740993) // 2^53 + 1

	stored, err := s.Put(ctx, core.Document{ID: "x", Fields: core.Fields{"big": big, "small": 7}}, core.PutOptions{})
	require.NoError(t, err)
	got, err := s.Get(ctx, "x", core.GetOptions{})
	require.NoError(t, err)

	assert.Equal(t, big, got.Fields["big"])
	assert.Equal(t, 7.0, got.Fields["small"])
	assert.Equal(t, got.Fields, stored.Fields, "put returns what get reads back")
}

func TestSeqSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	open := func() *storage.Storage {
		engine, err := badger.Open(badger.Config{Path: dir})
		require.NoError(t, err)
		s, err := storage.New(storage.Config{Engine: engine})
		require.NoError(t, err)
		return s
	}

	s := open()
	put(t, s, "x", core.Fields{"v": 1.0})
	put(t, s, "y", core.Fields{"v": 1.0})
	require.NoError(t, s.Close())

	s = open()
	defer s.Close()
	assert.Equal(t, uint64(2), s.Seq())
	doc := put(t, s, "x", core.Fields{"v": 2.0})
	assert.Equal(t, uint64(2), doc.Version)
	assert.Equal(t, uint64(3), doc.Seq)
}

func TestClosed(t *testing.T) {
	s, err := storage.New(storage.Config{Engine: memory.New()})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.Get(context.Background(), "x", core.GetOptions{})
	assert.ErrorIs(t, err, core.ErrClosed)
	_, err = s.Put(context.Background(), core.Document{ID: "x"}, core.PutOptions{})
	assert.ErrorIs(t, err, core.ErrClosed)
}
