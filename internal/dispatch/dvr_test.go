package dispatch_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wfb-go/gofpvlink/internal/dispatch"
)

func TestDVRTapReadAfterWrite(t *testing.T) {
	tap := dispatch.NewDVRTap()
	tap.Write([]byte("a"))
	tap.Write([]byte("b"))

	p1, ok := tap.Read()
	require.True(t, ok)
	assert.Equal(t, []byte("a"), p1)

	p2, ok := tap.Read()
	require.True(t, ok)
	assert.Equal(t, []byte("b"), p2)
}

func TestDVRTapDropsOldestWhenFull(t *testing.T) {
	tap := dispatch.NewDVRTap()
	for i := 0; i < dispatch.DVRTapDepth+5; i++ {
		tap.Write([]byte{byte(i)})
	}

	first, ok := tap.Read()
	require.True(t, ok)
	assert.Equal(t, byte(5), first[0])
}

func TestDVRTapReadBlocksUntilWrite(t *testing.T) {
	tap := dispatch.NewDVRTap()
	done := make(chan []byte, 1)

	go func() {
		p, ok := tap.Read()
		if !ok {
			done <- nil
			return
		}
		done <- p
	}()

	time.Sleep(20 * time.Millisecond)
	tap.Write([]byte("late"))

	select {
	case p := <-done:
		assert.Equal(t, []byte("late"), p)
	case <-time.After(time.Second):
		t.Fatal("Read did not unblock after Write")
	}
}

func TestDVRTapCloseUnblocksRead(t *testing.T) {
	tap := dispatch.NewDVRTap()
	done := make(chan bool, 1)

	go func() {
		_, ok := tap.Read()
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	tap.Close()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Read did not unblock after Close")
	}
}

func TestDVRTapWriteAfterCloseIsNoop(t *testing.T) {
	tap := dispatch.NewDVRTap()
	tap.Close()
	tap.Write([]byte("ignored"))

	_, ok := tap.Read()
	assert.False(t, ok)
}
