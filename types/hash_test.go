package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewHash(t *testing.T) {
	data := make([]byte, HashSize)
	for i := range data {
		data[i] = byte(i)
	}

	h, err := NewHash(data)
	require.NoError(t, err)
	require.Equal(t, data, h[:])

	// The hash owns its bytes
	data[0] = 0xff
	require.Equal(t, byte(0), h[0])

	_, err = NewHash(make([]byte, 16))
	require.Error(t, err)
}

func TestHashBytes(t *testing.T) {
	h := HashBytes([]byte("hello world"))
	require.Equal(t, h, HashBytes([]byte("hello "), []byte("world")))
	require.NotEqual(t, h, HashBytes([]byte("different")))
	require.False(t, h.IsZero())
	require.True(t, Hash{}.IsZero())
	require.Len(t, h.String(), 2*HashSize)
	require.Len(t, h.Short(), 8)
}

func TestParsePublicKey(t *testing.T) {
	_, pub := makeTestKey(1)

	parsed, err := ParsePublicKey(pub.String())
	require.NoError(t, err)
	require.Equal(t, pub, parsed)

	_, err = ParsePublicKey("zz")
	require.Error(t, err)

	_, err = ParsePublicKey("abcd")
	require.Error(t, err)
}

func TestTxRoot(t *testing.T) {
	require.True(t, TxRoot(nil).IsZero())

	a := TransactionID(HashBytes([]byte("a")))
	b := TransactionID(HashBytes([]byte("b")))
	c := TransactionID(HashBytes([]byte("c")))

	// A single leaf is its own root
	require.Equal(t, Hash(a), TxRoot([]TransactionID{a}))

	ab := HashBytes(a[:], b[:])
	require.Equal(t, ab, TxRoot([]TransactionID{a, b}))

	// Odd levels duplicate the last node
	cc := HashBytes(c[:], c[:])
	require.Equal(t, HashBytes(ab[:], cc[:]), TxRoot([]TransactionID{a, b, c}))

	// Order matters
	require.NotEqual(t, TxRoot([]TransactionID{a, b}), TxRoot([]TransactionID{b, a}))
}
