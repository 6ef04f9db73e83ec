package reach

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistryLifecycle(t *testing.T) {
	rg := newRegistry()

	_, ok := rg.lookup("a")
	require.False(t, ok)

	fl := &DatagramFlow{identity: "a"}
	require.NoError(t, rg.insert("a", fl))

	got, ok := rg.lookup("a")
	require.True(t, ok)
	require.Same(t, fl, got, "registry hands back the shared instance, not a copy")

	// one live flow per identity.
	require.ErrorIs(t, rg.insert("a", &DatagramFlow{identity: "a"}), ErrIdentityInUse)

	rg.remove("a")
	_, ok = rg.lookup("a")
	require.False(t, ok)

	// removing an unknown identity is a no-op.
	rg.remove("a")
}

func TestRegistryDrain(t *testing.T) {
	rg := newRegistry()
	for i := 0; i < 5; i++ {
		require.NoError(t, rg.insert(fmt.Sprintf("fl-%d", i), &DatagramFlow{}))
	}

	flows := rg.drain()
	require.Len(t, flows, 5)
	require.Empty(t, rg.snapshot())

	// drain is terminal: a receive path racing the teardown cannot
	// register a flow the teardown will never see.
	err := rg.insert("late", &DatagramFlow{identity: "late"})
	require.ErrorIs(t, err, ErrManagerClosed)
	require.Empty(t, rg.snapshot())
}

func TestRegistryConcurrentMutation(t *testing.T) {
	rg := newRegistry()

	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 100 {
				id := fmt.Sprintf("fl-%d-%d", g, i)
				require.NoError(t, rg.insert(id, &DatagramFlow{identity: id}))
				_, ok := rg.lookup(id)
				require.True(t, ok)
				rg.remove(id)
			}
		}()
	}
	wg.Wait()

	require.Empty(t, rg.snapshot())
}
