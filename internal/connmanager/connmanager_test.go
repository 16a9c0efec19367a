package connmanager

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/adsgateway/internal/plcsession"
)

func listenAndAccept(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				buf := make([]byte, 4096)
				for {
					if _, err := conn.Read(buf); err != nil {
						conn.Close()
						return
					}
				}
			}()
		}
	}()
	return ln.Addr().String()
}

func TestManager_AddGetRemove(t *testing.T) {
	addr := listenAndAccept(t)
	m := New(nil)
	defer m.Close()

	require.NoError(t, m.Add(plcsession.Config{ConnectionID: "plc-1", Address: addr}))
	err := m.Add(plcsession.Config{ConnectionID: "plc-1", Address: addr})
	assert.Error(t, err)

	sess, ok := m.Get("plc-1")
	require.True(t, ok)
	require.NotNil(t, sess)

	require.Eventually(t, func() bool {
		return m.Status()["plc-1"] == plcsession.StateConnected
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Remove("plc-1"))
	_, ok = m.Get("plc-1")
	assert.False(t, ok)
}

func TestManager_VariableIndexRegisterResolvePrune(t *testing.T) {
	addr := listenAndAccept(t)
	m := New(nil)
	defer m.Close()

	require.NoError(t, m.Add(plcsession.Config{ConnectionID: "plc-1", Address: addr}))
	m.RegisterVariable("MAIN.temp", "plc-1")

	connID, ok := m.ResolveVariable("MAIN.temp")
	require.True(t, ok)
	assert.Equal(t, "plc-1", connID)

	_, ok = m.ResolveSession("MAIN.temp")
	assert.True(t, ok)

	require.NoError(t, m.Remove("plc-1"))
	_, ok = m.ResolveVariable("MAIN.temp")
	assert.False(t, ok)
}

func TestManager_List(t *testing.T) {
	addr := listenAndAccept(t)
	m := New(nil)
	defer m.Close()

	require.NoError(t, m.Add(plcsession.Config{ConnectionID: "plc-1", Address: addr}))
	require.NoError(t, m.Add(plcsession.Config{ConnectionID: "plc-2", Address: addr}))

	list := m.List()
	assert.Len(t, list, 2)
}
