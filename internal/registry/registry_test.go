package registry

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipeConn(t *testing.T) net.Conn {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	// Drain so writes don't block.
	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := client.Read(buf); err != nil {
				return
			}
		}
	}()
	return server
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := New(nil)

	session := r.Register("17701", "auth-1", pipeConn(t), time.Second)
	require.NotNil(t, session)
	assert.Equal(t, 1, r.Len())

	got, ok := r.Lookup("17701")
	require.True(t, ok)
	assert.Same(t, session, got)

	_, ok = r.Lookup("99999")
	assert.False(t, ok)
}

func TestRegistryLookupByIMEI(t *testing.T) {
	r := New(nil)

	session := r.Register("17701", "auth-1", pipeConn(t), time.Second)
	session.SetDeviceInfo("860000000000001", "BSJ", "A6")
	r.SetIMEI("17701", "860000000000001")

	got, ok := r.LookupIMEI("860000000000001")
	require.True(t, ok)
	assert.Same(t, session, got)
}

func TestRegistrySupersession(t *testing.T) {
	r := New(nil)

	first := r.Register("17701", "auth-1", pipeConn(t), time.Second)
	second := r.Register("17701", "auth-2", pipeConn(t), time.Second)

	// The old socket is closed and the new session is visible.
	assert.ErrorIs(t, first.Write([]byte{0x7E}), ErrSessionClosed)
	got, ok := r.Lookup("17701")
	require.True(t, ok)
	assert.Same(t, second, got)
	assert.Equal(t, 1, r.Len())
}

func TestRegistryRemoveIgnoresSupersededSession(t *testing.T) {
	r := New(nil)

	first := r.Register("17701", "auth-1", pipeConn(t), time.Second)
	second := r.Register("17701", "auth-2", pipeConn(t), time.Second)

	// The first connection's reader tears down after supersession; it must
	// not evict the replacement.
	assert.False(t, r.Remove("17701", first))
	got, ok := r.Lookup("17701")
	require.True(t, ok)
	assert.Same(t, second, got)

	assert.True(t, r.Remove("17701", second))
	_, ok = r.Lookup("17701")
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
}

func TestRegistryRemoveClearsIMEIIndex(t *testing.T) {
	r := New(nil)

	session := r.Register("17701", "auth-1", pipeConn(t), time.Second)
	session.SetDeviceInfo("860000000000001", "", "")
	r.SetIMEI("17701", "860000000000001")

	r.Remove("17701", session)
	_, ok := r.LookupIMEI("860000000000001")
	assert.False(t, ok)
}

func TestSessionNextSeqMonotonicity(t *testing.T) {
	r := New(nil)
	session := r.Register("17701", "auth-1", pipeConn(t), time.Second)

	seen := make(map[uint16]bool, 65536)
	prev := session.NextSeq()
	seen[prev] = true
	for i := 0; i < 65535; i++ {
		seq := session.NextSeq()
		assert.Equal(t, prev+1, seq) // uint16 arithmetic wraps
		assert.False(t, seen[seq], "seq %d repeated before a full cycle", seq)
		seen[seq] = true
		prev = seq
	}

	// Full cycle done: values may repeat now.
	assert.True(t, seen[session.NextSeq()])
}

func TestSessionStreamingState(t *testing.T) {
	r := New(nil)
	session := r.Register("17701", "auth-1", pipeConn(t), time.Second)

	streaming, channel := session.Streaming()
	assert.False(t, streaming)
	assert.Equal(t, uint8(0), channel)

	session.SetStreaming(2)
	streaming, channel = session.Streaming()
	assert.True(t, streaming)
	assert.Equal(t, uint8(2), channel)

	session.SetStreaming(0)
	streaming, _ = session.Streaming()
	assert.False(t, streaming)
}

func TestSessionWriteAfterClose(t *testing.T) {
	r := New(nil)
	session := r.Register("17701", "auth-1", pipeConn(t), time.Second)

	require.NoError(t, session.Write([]byte{0x7E, 0x00, 0x7E}))
	require.NoError(t, session.Close())
	assert.ErrorIs(t, session.Write([]byte{0x7E}), ErrSessionClosed)
	assert.NoError(t, session.Close())
}

func TestRegistryList(t *testing.T) {
	r := New(nil)
	r.Register("17701", "a", pipeConn(t), time.Second)
	s := r.Register("26602", "b", pipeConn(t), time.Second)
	s.SetStreaming(1)
	s.TouchHeartbeat(time.Now().UTC())

	snaps := r.List()
	require.Len(t, snaps, 2)

	byID := make(map[string]Snapshot, 2)
	for _, snap := range snaps {
		byID[snap.Identifier] = snap
	}
	assert.True(t, byID["26602"].IsStreaming)
	assert.Equal(t, uint8(1), byID["26602"].StreamChannel)
	assert.False(t, byID["17701"].IsStreaming)
	assert.NotEmpty(t, byID["17701"].PeerAddr)
}
