package socket

import (
	"math/rand"
	"testing"

	"github.com/momentics/hioload-sock/api"
	"github.com/stretchr/testify/require"
)

func TestRegistryReusesLowestIndex(t *testing.T) {
	r := newRegistry(4, 8)
	socks := make([]*Socket, 5)
	for i := range socks {
		socks[i] = &Socket{}
		idx, err := r.attach(socks[i])
		require.NoError(t, err)
		require.Equal(t, i, idx)
	}
	require.Len(t, r.slots, 8)

	r.detach(socks[3], 3)
	r.detach(socks[1], 1)
	idx, err := r.attach(&Socket{})
	require.NoError(t, err)
	require.Equal(t, 1, idx)
	idx, err = r.attach(&Socket{})
	require.NoError(t, err)
	require.Equal(t, 3, idx)
}

func TestRegistryDetachIgnoresForeignSocket(t *testing.T) {
	r := newRegistry(2, 2)
	a := &Socket{}
	idx, err := r.attach(a)
	require.NoError(t, err)
	r.detach(&Socket{}, idx)
	require.Same(t, a, r.lookup(idx))
	require.Nil(t, r.lookup(-1))
	require.Nil(t, r.lookup(99))
}

func TestRegistryCeilingFailsClosed(t *testing.T) {
	r := newRegistry(2, 3)
	for i := 0; i < 3; i++ {
		_, err := r.attach(&Socket{})
		require.NoError(t, err)
	}
	_, err := r.attach(&Socket{})
	require.ErrorIs(t, err, api.ErrRegistryFull)
	require.Equal(t, 3, r.live)
	require.Len(t, r.slots, 3)
}

func TestRegistryNeverDoubleBinds(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	r := newRegistry(8, 64)
	bound := map[int]*Socket{}
	for step := 0; step < 5000; step++ {
		if len(bound) > 0 && rng.Intn(2) == 0 {
			for idx, s := range bound {
				r.detach(s, idx)
				delete(bound, idx)
				// detached index is immediately the lowest free candidate
				lowest := 0
				for {
					if _, ok := bound[lowest]; !ok {
						break
					}
					lowest++
				}
				s2 := &Socket{}
				got, err := r.attach(s2)
				require.NoError(t, err)
				require.Equal(t, lowest, got)
				bound[got] = s2
				break
			}
			continue
		}
		s := &Socket{}
		idx, err := r.attach(s)
		if len(bound) == 64 {
			require.ErrorIs(t, err, api.ErrRegistryFull)
			continue
		}
		require.NoError(t, err)
		_, taken := bound[idx]
		require.False(t, taken, "index %d bound twice", idx)
		bound[idx] = s
		require.Equal(t, len(bound), r.live)
	}
	for idx, s := range bound {
		require.Same(t, s, r.lookup(idx))
	}
}
