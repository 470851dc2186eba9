package modbus_test

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nexus-edge/ebbflow-gateway/internal/adapter/modbus"
	"github.com/nexus-edge/ebbflow-gateway/internal/domain"
	"github.com/rs/zerolog"
)

// hangupServer accepts connections and closes each one as soon as the first
// request arrives.
func hangupServer(t *testing.T) domain.Endpoint {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				buf := make([]byte, 260)
				c.Read(buf)
				c.Close()
			}(conn)
		}
	}()

	host, port, _ := net.SplitHostPort(l.Addr().String())
	n, _ := strconv.Atoi(port)
	return domain.Endpoint{Host: host, Port: n}
}

// lateServer answers every read with value in a single register. The very
// first reply is held back for delay.
func lateServer(t *testing.T, delay time.Duration, value uint16) domain.Endpoint {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	var first atomic.Bool
	first.Store(true)
	serve := func(c net.Conn) {
		defer c.Close()
		for {
			header := make([]byte, 7)
			if _, err := io.ReadFull(c, header); err != nil {
				return
			}
			n := int(binary.BigEndian.Uint16(header[4:6])) - 1
			if n < 1 {
				return
			}
			pdu := make([]byte, n)
			if _, err := io.ReadFull(c, pdu); err != nil {
				return
			}
			reply := []byte{header[0], header[1], 0, 0, 0, 5, header[6], pdu[0], 2, byte(value >> 8), byte(value)}
			if first.CompareAndSwap(true, false) {
				time.Sleep(delay)
			}
			if _, err := c.Write(reply); err != nil {
				return
			}
		}
	}
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go serve(conn)
		}
	}()

	host, port, _ := net.SplitHostPort(l.Addr().String())
	n, _ := strconv.Atoi(port)
	return domain.Endpoint{Host: host, Port: n}
}

func collectEvents(s *modbus.Session) <-chan domain.ConnectionEvent {
	events := make(chan domain.ConnectionEvent, 32)
	s.Subscribe(func(ev domain.ConnectionEvent) {
		select {
		case events <- ev:
		default:
		}
	})
	return events
}

func nextEvent(t *testing.T, events <-chan domain.ConnectionEvent) domain.ConnectionEvent {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for connection event")
		return domain.ConnectionEvent{}
	}
}

func TestSession_RemoteCloseDropsAndReconnects(t *testing.T) {
	endpoint := hangupServer(t)
	client, err := modbus.NewClient(endpoint, testSessionConfig(), zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer client.Close()

	events := collectEvents(client.Session())
	client.Connect()

	if ev := nextEvent(t, events); ev.State != domain.StateConnected {
		t.Fatalf("first event = %v, want connected", ev.State)
	}

	_, err = client.ReadValue(context.Background(), domain.AirTemp)
	if !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}

	ev := nextEvent(t, events)
	if ev.State != domain.StateDisconnected || !errors.Is(ev.Reason, domain.ErrTransport) {
		t.Fatalf("event = %+v, want disconnected with transport reason", ev)
	}
	if client.IsConnected() {
		t.Error("client still reports connected after the peer hung up")
	}

	// The session redials on its own after ReconnectDelay.
	if ev := nextEvent(t, events); ev.State != domain.StateConnected {
		t.Fatalf("event after reconnect delay = %v, want connected", ev.State)
	}

	snap := client.Session().Snapshot()
	if snap.Connects < 2 || snap.Disconnects < 1 {
		t.Errorf("snapshot = %+v, want at least 2 connects and 1 disconnect", snap)
	}
}

func TestSession_DialFailureSchedulesRetry(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().(*net.TCPAddr)
	l.Close()

	session := modbus.NewSession(domain.Endpoint{Host: "127.0.0.1", Port: addr.Port}, testSessionConfig(), zerolog.Nop(), nil)
	defer session.Close()

	events := collectEvents(session)
	session.Connect()

	ev := nextEvent(t, events)
	if ev.State != domain.StateDisconnected || !errors.Is(ev.Reason, domain.ErrTransport) {
		t.Fatalf("event = %+v, want disconnected with transport reason", ev)
	}

	// A second failed attempt proves the retry timer fired.
	ev = nextEvent(t, events)
	if ev.State != domain.StateDisconnected {
		t.Fatalf("retry event = %+v, want disconnected", ev)
	}
	if session.LastError() == nil {
		t.Error("LastError not recorded")
	}
}

func TestSession_CloseNotifiesObservers(t *testing.T) {
	plc := startPLC(t)
	session := modbus.NewSession(plc.Endpoint(), testSessionConfig(), zerolog.Nop(), nil)
	events := collectEvents(session)

	session.Connect()
	if ev := nextEvent(t, events); ev.State != domain.StateConnected {
		t.Fatalf("event = %v, want connected", ev.State)
	}

	if err := session.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	ev := nextEvent(t, events)
	if ev.State != domain.StateDisconnected || !errors.Is(ev.Reason, domain.ErrSessionClosed) {
		t.Fatalf("event = %+v, want disconnected with ErrSessionClosed", ev)
	}

	// Closed sessions stay closed.
	session.Connect()
	time.Sleep(100 * time.Millisecond)
	if session.State() != domain.StateDisconnected {
		t.Errorf("state after Connect on closed session = %v", session.State())
	}
	if err := session.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestSession_Unsubscribe(t *testing.T) {
	plc := startPLC(t)
	session := modbus.NewSession(plc.Endpoint(), testSessionConfig(), zerolog.Nop(), nil)
	defer session.Close()

	called := make(chan struct{}, 4)
	unsubscribe := session.Subscribe(func(domain.ConnectionEvent) { called <- struct{}{} })
	unsubscribe()
	unsubscribe()

	session.Connect()
	waitFor(t, "session to connect", session.IsConnected)
	select {
	case <-called:
		t.Error("unsubscribed observer was notified")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSession_CancelledContext(t *testing.T) {
	plc := startPLC(t)
	client := connectedClient(t, plc)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := client.ReadValue(ctx, domain.AirTemp); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if !client.IsConnected() {
		t.Error("cancelled read must not drop the connection")
	}
}

func TestSession_LateReplyDoesNotDesyncStream(t *testing.T) {
	endpoint := lateServer(t, 400*time.Millisecond, 215)
	cfg := testSessionConfig()
	cfg.Timeout = 200 * time.Millisecond
	cfg.FailureThreshold = 3

	client, err := modbus.NewClient(endpoint, cfg, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer client.Close()
	client.Connect()
	waitFor(t, "client to connect", client.IsConnected)

	ctx := context.Background()
	if _, err := client.ReadValue(ctx, domain.AirTemp); !errors.Is(err, domain.ErrTimeout) {
		t.Fatalf("first read: expected ErrTimeout, got %v", err)
	}
	// Let the late reply arrive on the old socket.
	time.Sleep(300 * time.Millisecond)

	for i := 2; i <= 6; i++ {
		v, err := client.ReadValue(ctx, domain.AirTemp)
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if v != 215 {
			t.Fatalf("read %d = %v, want 215", i, v)
		}
	}

	if !client.IsConnected() {
		t.Error("a tolerated timeout dropped the session")
	}
	snap := client.Session().Snapshot()
	if snap.Resyncs != 1 || snap.Disconnects != 0 {
		t.Errorf("snapshot = %+v, want 1 resync and no disconnect", snap)
	}
}
