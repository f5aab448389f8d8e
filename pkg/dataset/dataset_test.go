package dataset_test

import (
	"context"
	"fmt"
	"io"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/strata/pkg/adapters/memory"
	"github.com/aretw0/strata/pkg/blobs"
	"github.com/aretw0/strata/pkg/core"
	"github.com/aretw0/strata/pkg/dataset"
	"github.com/aretw0/strata/pkg/replication"
	"github.com/aretw0/strata/pkg/schema"
	"github.com/aretw0/strata/pkg/storage"
)

func newDataset(t *testing.T, watch bool) *dataset.Dataset {
	t.Helper()
	dir := t.TempDir()
	bs, err := blobs.New(filepath.Join(dir, "objects"))
	require.NoError(t, err)

	ds, err := dataset.New(context.Background(), dataset.Config{
		ID:          "test",
		Root:        dir,
		Backend:     "memory",
		Engine:      memory.New(),
		Blobs:       bs,
		Schema:      schema.New(filepath.Join(dir, "schema.json"), nil),
		WatchSchema: watch,
	})
	require.NoError(t, err)
	t.Cleanup(func() { ds.Close() })
	return ds
}

func TestCRUD(t *testing.T) {
	ctx := context.Background()
	ds := newDataset(t, false)

	_, err := ds.Put(ctx, core.Document{ID: "a", Fields: core.Fields{"name": "ada"}}, core.PutOptions{})
	require.NoError(t, err)
	_, err = ds.PutRaw(ctx, []byte(`{"id":"b","name":"bob","age":3}`), core.PutOptions{})
	require.NoError(t, err)

	got, err := ds.Get(ctx, "b", core.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "bob", got.Fields["name"])
	assert.Equal(t, []string{"id", "version", "name", "age"}, ds.Headers())

	n, err := ds.RowCount()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = ds.Delete(ctx, "a")
	require.NoError(t, err)
	n, err = ds.RowCount()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	it := ds.ReadStream(storage.ReadOptions{})
	defer it.Close()
	var ids []string
	for it.Next(ctx) {
		ids = append(ids, it.Document().ID)
	}
	require.NoError(t, it.Err())
	assert.Equal(t, []string{"b"}, ids)
}

func TestBlobWriteStreamAttaches(t *testing.T) {
	ctx := context.Background()
	ds := newDataset(t, false)

	t.Run("Creates The Document", func(t *testing.T) {
		w, err := ds.CreateBlobWriteStream(ctx, "photo", "cat.jpg")
		require.NoError(t, err)
		_, err = io.Copy(w, strings.NewReader("meow"))
		require.NoError(t, err)
		require.NoError(t, w.Close())

		doc, err := ds.Get(ctx, "photo", core.GetOptions{})
		require.NoError(t, err)
		require.Contains(t, doc.Attachments, "cat.jpg")
		assert.Equal(t, w.Hash(), doc.Attachments["cat.jpg"].Hash)
		assert.Equal(t, int64(4), doc.Attachments["cat.jpg"].Size)

		r, err := ds.Attachment(ctx, "photo", "cat.jpg")
		require.NoError(t, err)
		defer r.Close()
		data, err := io.ReadAll(r)
		require.NoError(t, err)
		assert.Equal(t, "meow", string(data))
	})

	t.Run("Keeps Existing Fields", func(t *testing.T) {
		_, err := ds.Put(ctx, core.Document{ID: "doc", Fields: core.Fields{"title": "x"}}, core.PutOptions{})
		require.NoError(t, err)

		w, err := ds.CreateBlobWriteStream(ctx, "doc", "a.txt")
		require.NoError(t, err)
		_, err = w.Write([]byte("hello"))
		require.NoError(t, err)
		require.NoError(t, w.Close())

		doc, err := ds.Get(ctx, "doc", core.GetOptions{})
		require.NoError(t, err)
		assert.Equal(t, uint64(2), doc.Version)
		assert.Equal(t, "x", doc.Fields["title"])
		assert.Contains(t, doc.Attachments, "a.txt")
	})

	t.Run("Abort Leaves The Document Alone", func(t *testing.T) {
		w, err := ds.CreateBlobWriteStream(ctx, "ghost", "x.bin")
		require.NoError(t, err)
		_, err = w.Write([]byte("partial"))
		require.NoError(t, err)
		require.NoError(t, w.Abort())

		_, err = ds.Get(ctx, "ghost", core.GetOptions{})
		assert.ErrorIs(t, err, core.ErrNotFound)
	})

	t.Run("Rejects Bad Input", func(t *testing.T) {
		_, err := ds.CreateBlobWriteStream(ctx, "", "x")
		assert.ErrorIs(t, err, core.ErrInvalidID)
		_, err = ds.CreateBlobWriteStream(ctx, "id", "")
		assert.Error(t, err)
		_, err = ds.Attachment(ctx, "photo", "missing.jpg")
		assert.ErrorIs(t, err, core.ErrNotFound)
	})
}

// slowEngine widens the window between reading a head and committing.
type slowEngine struct {
	*memory.Engine
}

func (e slowEngine) Get(key []byte) ([]byte, error) {
	time.Sleep(time.Millisecond)
	return e.Engine.Get(key)
}

func TestConcurrentAttachmentsKeepEachOther(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	bs, err := blobs.New(filepath.Join(dir, "objects"))
	require.NoError(t, err)
	ds, err := dataset.New(ctx, dataset.Config{ID: "test", Root: dir, Backend: "memory", Engine: slowEngine{memory.New()}, Blobs: bs})
	require.NoError(t, err)
	defer ds.Close()

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w, err := ds.CreateBlobWriteStream(ctx, "x", fmt.Sprintf("f%d", i))
			if err != nil {
				errs <- err
				return
			}
			if _, err := fmt.Fprintf(w, "payload %d", i); err != nil {
				errs <- err
				return
			}
			errs <- w.Close()
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	doc, err := ds.Get(ctx, "x", core.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, uint64(writers), doc.Version)
	assert.Len(t, doc.Attachments, writers)
	for i := 0; i < writers; i++ {
		assert.Contains(t, doc.Attachments, fmt.Sprintf("f%d", i))
	}
}

func TestReplicateBetweenDatasets(t *testing.T) {
	ctx := context.Background()
	origin := newDataset(t, false)
	srv := httptest.NewServer(origin.Handler())
	t.Cleanup(srv.Close)

	w, err := origin.CreateBlobWriteStream(ctx, "a", "file.txt")
	require.NoError(t, err)
	_, err = w.Write([]byte("payload"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	replica := newDataset(t, false)
	st, err := replica.Pull(ctx, srv.URL, replication.PullOptions{})
	require.NoError(t, err)
	require.NoError(t, st.Wait())

	r, err := replica.Attachment(ctx, "a", "file.txt")
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	r.Close()
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	_, err = replica.Put(ctx, core.Document{ID: "b", Fields: core.Fields{"n": 1.0}}, core.PutOptions{})
	require.NoError(t, err)
	push, err := replica.Push(ctx, srv.URL, replication.PushOptions{})
	require.NoError(t, err)
	require.NoError(t, push.Wait())

	got, err := origin.Get(ctx, "b", core.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1.0, got.Fields["n"])
}

func TestClose(t *testing.T) {
	ds := newDataset(t, true)

	state := ds.State().(dataset.DatasetState)
	assert.True(t, state.WatchingSchema)
	assert.Equal(t, "memory", state.Backend)

	require.NoError(t, ds.Close())
	require.NoError(t, ds.Close(), "close is idempotent")

	_, err := ds.Pull(context.Background(), "localhost:1", replication.PullOptions{})
	assert.ErrorIs(t, err, core.ErrClosed)
	_, err = ds.Get(context.Background(), "a", core.GetOptions{})
	assert.ErrorIs(t, err, core.ErrClosed)
	assert.True(t, ds.State().(dataset.DatasetState).Closed)
}
