package client

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/clawgate/pkg/clawgate/protocol"
)

func TestPending_ResolveDeliversOnce(t *testing.T) {
	p := NewPending(time.Minute)
	ch, err := p.Register("1")
	require.NoError(t, err)

	_, err = p.Register("1")
	assert.ErrorIs(t, err, ErrDuplicateID)

	resp := &protocol.Response{ID: "1", Command: "get_state", Success: true}
	assert.True(t, p.Resolve("1", resp))
	assert.False(t, p.Resolve("1", resp), "second response must be discarded")
	assert.False(t, p.Resolve("nobody", resp))

	res := <-ch
	assert.NoError(t, res.Err)
	assert.Same(t, resp, res.Response)
	assert.Zero(t, p.Len())
}

func TestPending_TimeoutRejectsOnceAndFreesID(t *testing.T) {
	p := NewPending(20 * time.Millisecond)
	ch, err := p.Register("7")
	require.NoError(t, err)

	select {
	case res := <-ch:
		assert.ErrorIs(t, res.Err, ErrTimeout)
		assert.Nil(t, res.Response)
	case <-time.After(2 * time.Second):
		t.Fatal("request never timed out")
	}

	// The late response finds nobody waiting.
	assert.False(t, p.Resolve("7", &protocol.Response{ID: "7", Success: true}))
	select {
	case res := <-ch:
		t.Fatalf("settled twice: %+v", res)
	case <-time.After(50 * time.Millisecond):
	}

	// The id can be used again.
	ch2, err := p.Register("7")
	require.NoError(t, err)
	assert.True(t, p.Resolve("7", &protocol.Response{ID: "7", Success: true}))
	assert.NoError(t, (<-ch2).Err)
}

func TestPending_Reject(t *testing.T) {
	p := NewPending(time.Minute)
	ch, _ := p.Register("a")
	boom := errors.New("boom")
	assert.True(t, p.Reject("a", boom))
	assert.ErrorIs(t, (<-ch).Err, boom)
	assert.False(t, p.Reject("a", boom))
}

func TestPending_CloseRejectsEverything(t *testing.T) {
	p := NewPending(time.Minute)
	a, _ := p.Register("a")
	b, _ := p.Register("b")

	p.Close(nil)
	assert.ErrorIs(t, (<-a).Err, ErrClosed)
	assert.ErrorIs(t, (<-b).Err, ErrClosed)

	_, err := p.Register("c")
	assert.ErrorIs(t, err, ErrClosed)
}
