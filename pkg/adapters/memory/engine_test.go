package memory_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/strata/pkg/adapters/enginetest"
	"github.com/aretw0/strata/pkg/adapters/memory"
	"github.com/aretw0/strata/pkg/core"
)

func TestEngineConformance(t *testing.T) {
	enginetest.Run(t, func(t *testing.T) core.Engine {
		return memory.New()
	})
}

func TestClosedEngine(t *testing.T) {
	e := memory.New()
	_ = e.Close()

	_, err := e.Get([]byte("k"))
	assert.ErrorIs(t, err, core.ErrClosed)
	assert.ErrorIs(t, e.Put([]byte("k"), nil), core.ErrClosed)
}

func TestScanSeesSnapshot(t *testing.T) {
	e := memory.New()
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, e.Put([]byte(k), []byte(k)))
	}

	var seen []string
	err := e.Scan(nil, nil, func(k, v []byte) error {
		if string(k) == "a" {
			require.NoError(t, e.Put([]byte("bb"), []byte("new")))
			require.NoError(t, e.Delete([]byte("c")))
		}
		seen = append(seen, string(k))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, seen, "writes during a scan do not change it")

	_, err = e.Get([]byte("c"))
	assert.ErrorIs(t, err, core.ErrNotFound)
	v, err := e.Get([]byte("bb"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(v))
}

func TestScanStopsWithoutCopyingTheRest(t *testing.T) {
	e := memory.New()
	for i := 0; i < 10000; i++ {
		require.NoError(t, e.Put([]byte(fmt.Sprintf("k%05d", i)), []byte("value")))
	}
	stop := errors.New("stop")

	allocs := testing.AllocsPerRun(10, func() {
		err := e.Scan(nil, nil, func(k, v []byte) error { return stop })
		if !errors.Is(err, stop) {
			t.Fatalf("Scan() error = %v, want %v", err, stop)
		}
	})
	assert.Less(t, allocs, 100.0)
}
