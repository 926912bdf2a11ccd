package registry

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubConn struct {
	addr   string
	closed int
}

func (c *stubConn) Send(context.Context, []byte) error { return nil }
func (c *stubConn) Recv(context.Context) ([]byte, error) { return nil, nil }
func (c *stubConn) RemoteAddr() string { return c.addr }
func (c *stubConn) Close() error {
	c.closed++
	return nil
}

func TestRegisterAssignsDistinctResolvableIdentities(t *testing.T) {
	for _, n := range []int{1, 2, 7} {
		r := New(0, n)
		seen := make(map[int32]bool)
		for i := 0; i < n; i++ {
			addr := fmt.Sprintf("peer-%d", i)
			id, err := r.Register(addr, &stubConn{addr: addr})
			require.NoError(t, err)
			require.False(t, seen[id], "identity %d assigned twice", id)
			seen[id] = true

			ep, err := r.Resolve(id)
			require.NoError(t, err)
			assert.Equal(t, addr, ep.Address)
			assert.Equal(t, id, ep.Identity)
		}
		assert.Equal(t, n, r.Len())
		assert.Len(t, r.Identities(), n)
	}
}

func TestRegisterStartsAtBaseInArrivalOrder(t *testing.T) {
	r := New(100, 0)
	for i := 0; i < 3; i++ {
		_, err := r.Register(fmt.Sprintf("p%d", i), nil)
		require.NoError(t, err)
	}
	assert.Equal(t, []int32{100, 101, 102}, r.Identities())
}

func TestRegisterRejectsOverflowAndDuplicates(t *testing.T) {
	r := New(0, 2)
	_, err := r.Register("a", nil)
	require.NoError(t, err)
	_, err = r.Register("a", nil)
	require.ErrorIs(t, err, ErrDuplicateAddress)
	_, err = r.Register("b", nil)
	require.NoError(t, err)
	_, err = r.Register("c", nil)
	require.ErrorIs(t, err, ErrRegistryFull)
	assert.Equal(t, 2, r.Len())
}

func TestRegisterAsSkipsTakenIdentities(t *testing.T) {
	r := New(0, 0)
	require.NoError(t, r.RegisterAs(0, "coordinator", nil))
	require.ErrorIs(t, r.RegisterAs(0, "other", nil), ErrDuplicateIdentity)
	require.ErrorIs(t, r.RegisterAs(9, "coordinator", nil), ErrDuplicateAddress)

	id, err := r.Register("peer", nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), id)
}

func TestResolveAndLookupUnknown(t *testing.T) {
	r := New(0, 0)
	_, err := r.Resolve(42)
	require.ErrorIs(t, err, ErrUnknownIdentity)
	_, err = r.Lookup("ghost")
	require.ErrorIs(t, err, ErrUnknownAddress)

	id, err := r.Register("peer", nil)
	require.NoError(t, err)
	got, err := r.Lookup("peer")
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestCloseClosesConnsAndEmpties(t *testing.T) {
	r := New(0, 0)
	a := &stubConn{addr: "a"}
	b := &stubConn{addr: "b"}
	_, err := r.Register(a.addr, a)
	require.NoError(t, err)
	_, err = r.Register(b.addr, b)
	require.NoError(t, err)

	require.NoError(t, r.Close())
	assert.Equal(t, 1, a.closed)
	assert.Equal(t, 1, b.closed)
	assert.Zero(t, r.Len())
	_, err = r.Resolve(0)
	require.ErrorIs(t, err, ErrUnknownIdentity)
}

func TestCloseDoesNotReissueIdentities(t *testing.T) {
	r := New(0, 0)
	before := make(map[int32]bool)
	for _, addr := range []string{"a", "b"} {
		id, err := r.Register(addr, &stubConn{addr: addr})
		require.NoError(t, err)
		before[id] = true
	}
	require.NoError(t, r.Close())

	id, err := r.Register("c", &stubConn{addr: "c"})
	require.NoError(t, err)
	assert.False(t, before[id], "identity %d reissued after close", id)
	assert.Equal(t, int32(2), id)
}

func TestDiscardDoesNotReuseIdentity(t *testing.T) {
	r := New(0, 2)
	id, err := r.Register("flaky", nil)
	require.NoError(t, err)
	r.Discard(id)
	_, err = r.Lookup("flaky")
	require.ErrorIs(t, err, ErrUnknownAddress)

	next, err := r.Register("steady", nil)
	require.NoError(t, err)
	assert.NotEqual(t, id, next)
	assert.Equal(t, []int32{next}, r.Identities())
}
