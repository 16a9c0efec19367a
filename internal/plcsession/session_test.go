package plcsession

import (
	"context"
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ocx/adsgateway/internal/adsprotocol"
)

// fakePLC accepts one connection and echoes back a crafted reply for every
// request it receives, matching the request's InvokeID.
func fakePLC(t *testing.T, respond func(h adsprotocol.AMSHeader, payload []byte) []byte) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			prefix := make([]byte, 6)
			if _, err := readAll(conn, prefix); err != nil {
				return
			}
			bodyLen := binary.LittleEndian.Uint32(prefix[2:6])
			body := make([]byte, bodyLen)
			if _, err := readAll(conn, body); err != nil {
				return
			}
			frame := append(prefix, body...)
			header, payload, err := adsprotocol.Unmarshal(frame)
			if err != nil {
				return
			}

			replyPayload := respond(header, payload)
			replyHeader := header
			replyHeader.StateFlags |= adsprotocol.StateFlagResponse
			conn.Write(adsprotocol.Marshal(replyHeader, replyPayload))
		}
	}()

	return ln.Addr().String(), func() { ln.Close() }
}

func readAll(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestSession_ReadRaw_RoundTrip(t *testing.T) {
	addr, stop := fakePLC(t, func(h adsprotocol.AMSHeader, payload []byte) []byte {
		return []byte{0x2A, 0x00, 0x00, 0x00}
	})
	defer stop()

	sess := New(Config{ConnectionID: "conn-1", Address: addr}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)
	defer sess.Close()

	require.Eventually(t, func() bool { return sess.State() == StateConnected }, time.Second, 5*time.Millisecond)

	data, err := sess.ReadRaw(context.Background(), adsprotocol.IndexGroupSymbolValueByHandle, 1, 4)
	require.NoError(t, err)
	require.Equal(t, []byte{0x2A, 0x00, 0x00, 0x00}, data)
}

func TestSession_WriteRaw_Succeeds(t *testing.T) {
	var gotPayload []byte
	addr, stop := fakePLC(t, func(h adsprotocol.AMSHeader, payload []byte) []byte {
		gotPayload = append([]byte(nil), payload...)
		return nil
	})
	defer stop()

	sess := New(Config{ConnectionID: "conn-2", Address: addr}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)
	defer sess.Close()

	require.Eventually(t, func() bool { return sess.State() == StateConnected }, time.Second, 5*time.Millisecond)

	err := sess.WriteRaw(context.Background(), adsprotocol.IndexGroupSymbolValueByHandle, 1, []byte{1, 2, 3})
	require.NoError(t, err)
	require.Contains(t, string(gotPayload), "\x01\x02\x03")
}

func TestSession_AddDeviceNotification_ReturnsHandle(t *testing.T) {
	var gotPayload []byte
	addr, stop := fakePLC(t, func(h adsprotocol.AMSHeader, payload []byte) []byte {
		gotPayload = append([]byte(nil), payload...)
		reply := make([]byte, 4)
		binary.LittleEndian.PutUint32(reply, 0xABCD)
		return reply
	})
	defer stop()

	sess := New(Config{ConnectionID: "conn-4", Address: addr}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)
	defer sess.Close()
	require.Eventually(t, func() bool { return sess.State() == StateConnected }, time.Second, 5*time.Millisecond)

	handle, err := sess.AddDeviceNotification(context.Background(), adsprotocol.IndexGroupSymbolValueByHandle, 1, 4, time.Second)
	require.NoError(t, err)
	require.Equal(t, uint32(0xABCD), handle)
	require.Len(t, gotPayload, 8+32) // indexGroup+indexOffset + AdsNotificationAttrib tail

	err = sess.DelDeviceNotification(context.Background(), handle)
	require.NoError(t, err)
}

func TestSession_RequestTimeout_WhenNoReply(t *testing.T) {
	addr, stop := fakePLC(t, func(h adsprotocol.AMSHeader, payload []byte) []byte {
		time.Sleep(200 * time.Millisecond)
		return []byte{0}
	})
	defer stop()

	sess := New(Config{ConnectionID: "conn-3", Address: addr, RPCTimeout: 20 * time.Millisecond}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)
	defer sess.Close()

	require.Eventually(t, func() bool { return sess.State() == StateConnected }, time.Second, 5*time.Millisecond)

	_, err := sess.ReadRaw(context.Background(), adsprotocol.IndexGroupSymbolValueByHandle, 1, 4)
	require.ErrorIs(t, err, ErrRequestTimeout)
}

// TestSession_Reconnect_WaitsExponentialBackoff verifies S3: after a
// connection drop the session does not immediately redial but waits
// roughly the first backoff step (1s) before the next connect attempt.
func TestSession_Reconnect_WaitsExponentialBackoff(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	var mu sync.Mutex
	var acceptTimes []time.Time
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			acceptTimes = append(acceptTimes, time.Now())
			mu.Unlock()
			conn.Close() // drop immediately so the session sees a retryable read error
		}
	}()

	sess := New(Config{ConnectionID: "conn-5", Address: ln.Addr().String()}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)
	defer sess.Close()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(acceptTimes) >= 2
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	gap := acceptTimes[1].Sub(acceptTimes[0])
	mu.Unlock()
	require.GreaterOrEqual(t, gap, 800*time.Millisecond, "reconnect must wait roughly the first 1s backoff step, not redial immediately")
}
