package unicast

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameEncodeDecode(t *testing.T) {
	frames := []frame{
		{kind: kindHello, id: 7},
		{kind: kindWelcome, id: 1, peer: 0},
		{kind: kindWelcome, id: -3, peer: 2147483647},
		{kind: kindData, payload: []byte("HEREhello\x00")},
		{kind: kindInvite, channel: 500, addr: "/ip4/127.0.0.1/tcp/10000/p2p/12D3KooW"},
	}
	for _, f := range frames {
		got, err := decodeFrame(f.encode())
		require.NoError(t, err, f.kind.String())
		assert.Equal(t, f.kind, got.kind)
		assert.Equal(t, f.id, got.id)
		assert.Equal(t, f.peer, got.peer)
		assert.Equal(t, f.channel, got.channel)
		assert.Equal(t, f.addr, got.addr)
		assert.Equal(t, string(f.payload), string(got.payload))
	}
}

func TestEmptyDataFrame(t *testing.T) {
	got, err := decodeFrame(frame{kind: kindData}.encode())
	require.NoError(t, err)
	assert.Equal(t, kindData, got.kind)
	assert.Empty(t, got.payload)
}

func TestDecodeRejectsMalformedFrames(t *testing.T) {
	cases := map[string][]byte{
		"empty":             nil,
		"unknown kind":      {0x7f},
		"truncated hello":   {byte(kindHello)},
		"trailing bytes":    append(frame{kind: kindHello, id: 1}.encode(), 0x01),
		"short invite":      {byte(kindInvite), 0x05, 0x09, 'a'},
		"welcome one id":    {byte(kindWelcome), 0x01},
		"overlong varint":   {byte(kindHello), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		"identity overflow": append([]byte{byte(kindHello)}, 0x80, 0x80, 0x80, 0x80, 0x10),
	}
	for name, b := range cases {
		_, err := decodeFrame(b)
		assert.ErrorIs(t, err, ErrMalformedFrame, name)
	}
}
