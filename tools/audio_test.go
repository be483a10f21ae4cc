package tools

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAudioBufferDropsOldest(t *testing.T) {
	ab := NewAudioBuffer(4)

	assert.Zero(t, ab.Write([]byte{1, 2, 3}))
	assert.Equal(t, 2, ab.Write([]byte{4, 5, 6}))
	assert.Equal(t, 4, ab.Len())

	p := make([]byte, 8)
	n, err := ab.Read(p)
	require.NoError(t, err)
	assert.Equal(t, []byte{3, 4, 5, 6}, p[:n])
}

func TestAudioBufferOversizedWrite(t *testing.T) {
	ab := NewAudioBuffer(2)

	assert.Equal(t, 3, ab.Write([]byte{1, 2, 3, 4, 5}))

	p := make([]byte, 8)
	n, err := ab.Read(p)
	require.NoError(t, err)
	assert.Equal(t, []byte{4, 5}, p[:n])
}

func TestAudioBufferFlush(t *testing.T) {
	ab := NewAudioBuffer(8)
	ab.Write([]byte{1, 2, 3})

	assert.Equal(t, 3, ab.Flush())
	assert.Zero(t, ab.Len())
}

func TestAudioBufferCloseUnblocksRead(t *testing.T) {
	ab := NewAudioBuffer(8)
	done := make(chan error, 1)
	go func() {
		_, err := ab.Read(make([]byte, 4))
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, ab.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(time.Second):
		t.Fatal("Read did not return after Close")
	}
	assert.Equal(t, 2, ab.Write([]byte{1, 2}))
}

func TestAudioBufferDrainsBeforeEOF(t *testing.T) {
	ab := NewAudioBuffer(8)
	ab.Write([]byte{7, 8})
	require.NoError(t, ab.Close())

	p := make([]byte, 4)
	n, err := ab.Read(p)
	require.NoError(t, err)
	assert.Equal(t, []byte{7, 8}, p[:n])

	_, err = ab.Read(p)
	assert.ErrorIs(t, err, io.EOF)
}
