// Package enginetest is a conformance suite every core.Engine adapter runs.
package enginetest

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/strata/pkg/core"
)

// Run exercises open-ed engines against the core.Engine contract.
// open must return a fresh, empty engine; Run closes it.
func Run(t *testing.T, open func(t *testing.T) core.Engine) {
	t.Run("Get Missing Key", func(t *testing.T) {
		e := open(t)
		defer e.Close()

		_, err := e.Get([]byte("nope"))
		assert.True(t, errors.Is(err, core.ErrNotFound), "got %v", err)
	})

	t.Run("Put Get Delete", func(t *testing.T) {
		e := open(t)
		defer e.Close()

		require.NoError(t, e.Put([]byte("a"), []byte("1")))
		v, err := e.Get([]byte("a"))
		require.NoError(t, err)
		assert.Equal(t, []byte("1"), v)

		require.NoError(t, e.Delete([]byte("a")))
		_, err = e.Get([]byte("a"))
		assert.ErrorIs(t, err, core.ErrNotFound)
	})

	t.Run("Apply Is Atomic Batch", func(t *testing.T) {
		e := open(t)
		defer e.Close()

		require.NoError(t, e.Put([]byte("gone"), []byte("x")))
		require.NoError(t, e.Apply([]core.Mutation{
			{Key: []byte("k1"), Value: []byte("v1")},
			{Key: []byte("k2"), Value: []byte("v2")},
			{Key: []byte("gone"), Delete: true},
		}))

		for k, want := range map[string]string{"k1": "v1", "k2": "v2"} {
			v, err := e.Get([]byte(k))
			require.NoError(t, err)
			assert.Equal(t, want, string(v))
		}
		_, err := e.Get([]byte("gone"))
		assert.ErrorIs(t, err, core.ErrNotFound)
	})

	t.Run("Scan Is Ordered And Bounded", func(t *testing.T) {
		e := open(t)
		defer e.Close()

		var muts []core.Mutation
		for _, k := range []string{"b2", "a1", "c3", "b1", "b3"} {
			muts = append(muts, core.Mutation{Key: []byte(k), Value: []byte("v-" + k)})
		}
		require.NoError(t, e.Apply(muts))

		var keys []string
		err := e.Scan([]byte("b"), []byte("c"), func(k, v []byte) error {
			keys = append(keys, string(k))
			assert.Equal(t, "v-"+string(k), string(v))
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"b1", "b2", "b3"}, keys)

		keys = nil
		require.NoError(t, e.Scan([]byte("b2"), nil, func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		}))
		assert.Equal(t, []string{"b2", "b3", "c3"}, keys)
	})

	t.Run("Scan Stops On Callback Error", func(t *testing.T) {
		e := open(t)
		defer e.Close()

		for i := range 5 {
			require.NoError(t, e.Put([]byte(fmt.Sprintf("k%d", i)), []byte("v")))
		}
		stop := errors.New("stop")
		count := 0
		err := e.Scan(nil, nil, func(_, _ []byte) error {
			count++
			if count == 2 {
				return stop
			}
			return nil
		})
		assert.ErrorIs(t, err, stop)
		assert.Equal(t, 2, count)
	})

	t.Run("Values Are Copies", func(t *testing.T) {
		e := open(t)
		defer e.Close()

		val := []byte("orig")
		require.NoError(t, e.Put([]byte("k"), val))
		val[0] = 'X'

		got, err := e.Get([]byte("k"))
		require.NoError(t, err)
		assert.Equal(t, "orig", string(got))
	})
}
