package coordclient

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dreamware/hyperdex/internal/config"
	"github.com/dreamware/hyperdex/internal/space"
)

// fakeCoordinator accepts a single connection and lets the test drive both
// sides directly, since Client dials through net.Dial rather than taking
// an injected net.Conn.
func fakeCoordinator(t *testing.T) (addr string, accept func() net.Conn) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	ch := make(chan net.Conn, 1)
	go func() {
		c, err := l.Accept()
		if err == nil {
			ch <- c
		}
	}()
	return l.Addr().String(), func() net.Conn {
		select {
		case c := <-ch:
			return c
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for accept")
			return nil
		}
	}
}

func TestConnectSendsAnnounceLine(t *testing.T) {
	addr, accept := fakeCoordinator(t)
	c := New(nil, addr)
	require.NoError(t, c.Connect("10.0.0.1", 2000, 2001))
	defer c.Close()

	srv := accept()
	defer srv.Close()

	line, err := bufio.NewReader(srv).ReadString('\n')
	require.NoError(t, err)
	require.Regexp(t, `^instance\t10\.0\.0\.1\t2000\t2001\t\d+\t[0-9a-f]{32}\n$`, line)
}

func TestRunAppliesConfigAndSendsAck(t *testing.T) {
	addr, accept := fakeCoordinator(t)
	c := New(nil, addr)
	require.NoError(t, c.Connect("10.0.0.1", 2000, 2001))
	defer c.Close()

	srv := accept()
	defer srv.Close()

	_, err := bufio.NewReader(srv).ReadString('\n') // consume announce
	require.NoError(t, err)

	go func() {
		_, _ = srv.Write([]byte("version\t1\n" + config.EndOfConfig + "\n"))
	}()

	applied := make(chan *config.Configuration, 1)
	runErr := make(chan error, 1)
	go func() {
		runErr <- c.Run(func(cfg *config.Configuration) error {
			applied <- cfg
			return nil
		})
	}()

	select {
	case cfg := <-applied:
		require.Equal(t, uint64(1), cfg.Version)
	case <-time.After(2 * time.Second):
		t.Fatal("config was never applied")
	}

	reply, err := bufio.NewReader(srv).ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "ACK\n", reply)

	c.Close()
	<-runErr
}

func TestRunSendsBadOnHandlerRejection(t *testing.T) {
	addr, accept := fakeCoordinator(t)
	c := New(nil, addr)
	require.NoError(t, c.Connect("10.0.0.1", 2000, 2001))
	defer c.Close()

	srv := accept()
	defer srv.Close()

	_, err := bufio.NewReader(srv).ReadString('\n')
	require.NoError(t, err)

	go func() {
		_, _ = srv.Write([]byte("version\t1\n" + config.EndOfConfig + "\n"))
	}()

	runErr := make(chan error, 1)
	go func() {
		runErr <- c.Run(func(cfg *config.Configuration) error {
			return require.AnError
		})
	}()

	reply, err := bufio.NewReader(srv).ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "BAD\n", reply)

	c.Close()
	<-runErr
}

func TestReportFailedLocationWritesLine(t *testing.T) {
	addr, accept := fakeCoordinator(t)
	c := New(nil, addr)
	require.NoError(t, c.Connect("10.0.0.1", 2000, 2001))
	defer c.Close()

	srv := accept()
	defer srv.Close()
	_, err := bufio.NewReader(srv).ReadString('\n')
	require.NoError(t, err)

	c.ReportFailedLocation(space.Instance{IP: "10.0.0.2", InPort: 3000})

	reply, err := bufio.NewReader(srv).ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "fail_location\t10.0.0.2:3000\n", reply)
}
