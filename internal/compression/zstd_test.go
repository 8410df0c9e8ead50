package compression

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressor_RoundTrip(t *testing.T) {
	c, err := NewCompressor(2, true)
	require.NoError(t, err)
	defer c.Close()

	data := append([]byte("blob 4096\x00"), bytes.Repeat([]byte("a"), 4096)...)
	packed := c.Compress(data)
	assert.Less(t, len(packed), len(data))

	got, err := c.Decompress(packed)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestCompressor_SmallPassThrough(t *testing.T) {
	c, err := NewCompressor(2, true)
	require.NoError(t, err)
	defer c.Close()

	data := []byte("blob 2\x00hi")
	assert.Equal(t, data, c.Compress(data))
	got, err := c.Decompress(data)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestCompressor_DisabledStillDecodes(t *testing.T) {
	on, err := NewCompressor(1, true)
	require.NoError(t, err)
	defer on.Close()
	off, err := NewCompressor(0, false)
	require.NoError(t, err)
	defer off.Close()

	data := append([]byte("blob 1024\x00"), bytes.Repeat([]byte("z"), 1024)...)
	packed := on.Compress(data)
	assert.Equal(t, data, off.Compress(data))

	got, err := off.Decompress(packed)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestCompressor_DamagedFrame(t *testing.T) {
	c, err := NewCompressor(2, true)
	require.NoError(t, err)
	defer c.Close()

	data := append([]byte("blob 4096\x00"), bytes.Repeat([]byte("q"), 4096)...)
	packed := c.Compress(data)
	damaged := append([]byte{}, packed[:len(packed)/2]...)

	_, err = c.Decompress(damaged)
	assert.Error(t, err)
}
