package server_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/strata/pkg/adapters/memory"
	"github.com/aretw0/strata/pkg/blobs"
	"github.com/aretw0/strata/pkg/core"
	"github.com/aretw0/strata/pkg/server"
	"github.com/aretw0/strata/pkg/storage"
	"github.com/aretw0/strata/pkg/wire"
)

func setup(t *testing.T) (*storage.Storage, *blobs.Store, *httptest.Server) {
	t.Helper()
	st, err := storage.New(storage.Config{Engine: memory.New()})
	require.NoError(t, err)
	bs, err := blobs.New(filepath.Join(t.TempDir(), "objects"))
	require.NoError(t, err)
	srv := httptest.NewServer(server.New(server.Config{Store: st, Blobs: bs}))
	t.Cleanup(func() {
		srv.Close()
		st.Close()
	})
	return st, bs, srv
}

func decodeAll[T any](t *testing.T, r io.Reader) []T {
	t.Helper()
	var out []T
	dec := wire.NewDecoder(r)
	for {
		var v T
		err := dec.Decode(&v)
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, v)
	}
}

func TestSchema(t *testing.T) {
	st, _, srv := setup(t)
	_, err := st.Put(context.Background(), core.Document{ID: "a", Fields: core.Fields{"name": "x", "n": 1.0}}, core.PutOptions{})
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + wire.PathSchema)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var cols []core.Column
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cols))
	assert.Equal(t, []core.Column{{Name: "n", Type: core.TypeNumber}, {Name: "name", Type: core.TypeString}}, cols)
}

func TestChanges(t *testing.T) {
	ctx := context.Background()
	st, _, srv := setup(t)
	for _, id := range []string{"a", "b", "a"} {
		_, err := st.Put(ctx, core.Document{ID: id, Fields: core.Fields{"v": id}}, core.PutOptions{})
		require.NoError(t, err)
	}
	_, err := st.Delete(ctx, "b")
	require.NoError(t, err)

	tests := []struct {
		name  string
		query string
		want  []string
		data  bool
	}{
		{name: "All", query: "", want: []string{"1 put a@1", "2 put b@1", "3 put a@2", "4 del b@2"}},
		{name: "Since Is Exclusive", query: "?since=2", want: []string{"3 put a@2", "4 del b@2"}},
		{name: "Limit", query: "?limit=1", want: []string{"1 put a@1"}},
		{name: "With Data", query: "?since=2&data=true", want: []string{"3 put a@2", "4 del b@2"}, data: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(srv.URL + wire.PathChanges + tt.query)
			require.NoError(t, err)
			defer resp.Body.Close()
			require.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, wire.ContentTypeNDJSON, resp.Header.Get("Content-Type"))

			recs := decodeAll[wire.ChangeRecord](t, resp.Body)
			var got []string
			for _, r := range recs {
				got = append(got, r.Change().String())
				if tt.data {
					require.NotNil(t, r.Value, "record %d should carry its version", r.Seq)
					assert.Equal(t, r.Version, r.Value.Version)
				} else {
					assert.Nil(t, r.Value)
				}
			}
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("Bad Query", func(t *testing.T) {
		resp, err := http.Get(srv.URL + wire.PathChanges + "?since=abc")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestBulk(t *testing.T) {
	ctx := context.Background()
	st, _, srv := setup(t)
	_, err := st.Put(ctx, core.Document{ID: "seed", Fields: core.Fields{"n": 1.0}}, core.PutOptions{})
	require.NoError(t, err)

	body := strings.Join([]string{
		`{"id":"a","n":2}`,
		`{"id":"b","n":"not a number"}`,
		`{"id":"c","n":3}`,
	}, "\n") + "\n"
	resp, err := http.Post(srv.URL+wire.PathBulk, wire.ContentTypeNDJSON, strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	acks := decodeAll[wire.Ack](t, resp.Body)
	require.Len(t, acks, 3)
	assert.True(t, acks[0].Success)
	require.NotNil(t, acks[0].Row)
	assert.Equal(t, uint64(1), acks[0].Row.Version)
	assert.False(t, acks[1].Success, "type conflict is rejected")
	assert.Contains(t, acks[1].Error, "schema conflict")
	assert.True(t, acks[2].Success, "a rejected row does not stop the batch")

	_, err = st.Get(ctx, "b", core.GetOptions{})
	assert.ErrorIs(t, err, core.ErrNotFound)

	t.Run("Replicate Keeps Versions", func(t *testing.T) {
		resp, err := http.Post(srv.URL+wire.PathBulk+"?replicate=true", wire.ContentTypeNDJSON,
			strings.NewReader(`{"id":"r","version":7,"n":1}`+"\n"))
		require.NoError(t, err)
		defer resp.Body.Close()
		acks := decodeAll[wire.Ack](t, resp.Body)
		require.Len(t, acks, 1)
		require.True(t, acks[0].Success, acks[0].Error)
		assert.Equal(t, uint64(7), acks[0].Row.Version)
	})

	t.Run("Garbage Stops The Batch", func(t *testing.T) {
		resp, err := http.Post(srv.URL+wire.PathBulk, wire.ContentTypeNDJSON,
			strings.NewReader("{\"id\":\"d\",\"n\":4}\nnot json\n{\"id\":\"e\",\"n\":5}\n"))
		require.NoError(t, err)
		defer resp.Body.Close()
		acks := decodeAll[wire.Ack](t, resp.Body)
		require.Len(t, acks, 2)
		assert.True(t, acks[0].Success)
		assert.False(t, acks[1].Success)

		_, err = st.Get(ctx, "e", core.GetOptions{})
		assert.ErrorIs(t, err, core.ErrNotFound)
	})
}

func TestBlobs(t *testing.T) {
	_, bs, srv := setup(t)
	payload := "attachment body"
	sum := sha256.Sum256([]byte(payload))
	hash := hex.EncodeToString(sum[:])

	t.Run("Upload", func(t *testing.T) {
		resp, err := http.Post(srv.URL+wire.PathBlobs+"?filename=a.txt&hash="+hash, "application/octet-stream", strings.NewReader(payload))
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusCreated, resp.StatusCode)

		var ref wire.BlobRef
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&ref))
		assert.Equal(t, hash, ref.Hash)
		assert.Equal(t, int64(len(payload)), ref.Size)

		has, err := bs.Has(hash)
		require.NoError(t, err)
		assert.True(t, has)
	})

	t.Run("Upload With Wrong Hash", func(t *testing.T) {
		wrong := strings.Repeat("0", 64)
		resp, err := http.Post(srv.URL+wire.PathBlobs+"?hash="+wrong, "application/octet-stream", strings.NewReader("other"))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		has, err := bs.Has(wrong)
		require.NoError(t, err)
		assert.False(t, has)
	})

	t.Run("Download", func(t *testing.T) {
		resp, err := http.Get(srv.URL + wire.PathBlobs + "/" + hash)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		data, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, payload, string(data))
	})

	t.Run("Head", func(t *testing.T) {
		resp, err := http.Head(srv.URL + wire.PathBlobs + "/" + hash)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		resp, err = http.Head(srv.URL + wire.PathBlobs + "/" + strings.Repeat("a", 64))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}
