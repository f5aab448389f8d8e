package blobs_test

import (
	"bytes"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/strata/pkg/blobs"
	"github.com/aretw0/strata/pkg/core"
)

func newStore(t *testing.T, opts ...blobs.Option) *blobs.Store {
	t.Helper()
	s, err := blobs.New(filepath.Join(t.TempDir(), "objects"), opts...)
	require.NoError(t, err)
	return s
}

func readAll(t *testing.T, s *blobs.Store, hash string) []byte {
	t.Helper()
	r, err := s.CreateReadStream(hash)
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return data
}

func TestRoundTrip(t *testing.T) {
	s := newStore(t)
	payload := []byte("the quick brown fox")
	sum := sha256.Sum256(payload)

	h1, err := s.PutBytes(payload)
	require.NoError(t, err)
	assert.Equal(t, hex.EncodeToString(sum[:]), h1)
	assert.Equal(t, payload, readAll(t, s, h1))

	h2, err := s.PutBytes(payload)
	require.NoError(t, err)
	assert.Equal(t, h1, h2, "identical content must dedup to the same hash")

	shard := filepath.Join(s.Dir(), h1[:2], h1[2:4], h1)
	_, err = os.Stat(shard)
	assert.NoError(t, err, "blob should live in its sharded path")
}

func TestWriteStream(t *testing.T) {
	t.Run("Streams In Chunks And Reports Once", func(t *testing.T) {
		s := newStore(t)

		var calls int
		var reported string
		w, err := s.CreateWriteStream(core.BlobWriteOptions{
			Filename: "photo.jpg",
			Done: func(hash string, err error) {
				calls++
				reported = hash
				assert.NoError(t, err)
			},
		})
		require.NoError(t, err)

		for _, chunk := range []string{"abc", "def", "ghi"} {
			_, err := w.Write([]byte(chunk))
			require.NoError(t, err)
		}
		assert.Equal(t, int64(9), w.Size())
		require.NoError(t, w.Close())
		assert.Error(t, w.Close(), "second close must fail")

		assert.Equal(t, 1, calls)
		assert.Equal(t, w.Hash(), reported)
		assert.Equal(t, []byte("abcdefghi"), readAll(t, s, reported))
	})

	t.Run("Abort Leaves Nothing Behind", func(t *testing.T) {
		s := newStore(t)
		var gotErr error
		w, err := s.CreateWriteStream(core.BlobWriteOptions{
			Done: func(_ string, err error) { gotErr = err },
		})
		require.NoError(t, err)
		_, err = w.Write([]byte("partial"))
		require.NoError(t, err)
		require.NoError(t, w.Abort())

		assert.Error(t, gotErr)
		assert.Empty(t, w.Hash())
		entries, err := os.ReadDir(s.Dir())
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("Expected Hash Mismatch Is Rejected", func(t *testing.T) {
		s := newStore(t)
		bogus := strings.Repeat("ab", 32)
		w, err := s.CreateWriteStream(core.BlobWriteOptions{Expect: bogus})
		require.NoError(t, err)
		_, err = w.Write([]byte("not what was promised"))
		require.NoError(t, err)

		assert.ErrorIs(t, w.Close(), core.ErrHashMismatch)
		has, err := s.Has(bogus)
		require.NoError(t, err)
		assert.False(t, has)
	})
}

func TestMissingBlob(t *testing.T) {
	s := newStore(t)
	missing := strings.Repeat("0", 64)

	_, err := s.CreateReadStream(missing)
	assert.ErrorIs(t, err, core.ErrNotFound)

	_, err = s.CreateReadStream("../../etc/passwd")
	assert.ErrorIs(t, err, core.ErrNotFound)

	has, err := s.Has(missing)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestRemove(t *testing.T) {
	s := newStore(t)
	h, err := s.Put(bytes.NewReader([]byte("bye")))
	require.NoError(t, err)

	require.NoError(t, s.Remove(h))
	has, err := s.Has(h)
	require.NoError(t, err)
	assert.False(t, has)
	assert.NoError(t, s.Remove(h))
}

func TestWithHasher(t *testing.T) {
	s := newStore(t, blobs.WithHasher(sha1.New))
	payload := []byte("sha1 please")
	sum := sha1.Sum(payload)

	h, err := s.PutBytes(payload)
	require.NoError(t, err)
	assert.Equal(t, hex.EncodeToString(sum[:]), h)
	assert.Equal(t, payload, readAll(t, s, h))
}
