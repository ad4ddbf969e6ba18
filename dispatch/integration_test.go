package dispatch

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nanopk/nanogate/alias"
	"github.com/nanopk/nanogate/telnet"
)

// echoDevice is a loopback line device answering "OK" to every command and
// closing the connection on demand.
type echoDevice struct {
	listener net.Listener

	mu   sync.Mutex
	conn net.Conn
}

func newEchoDevice(t *testing.T) *echoDevice {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	d := &echoDevice{listener: listener}

	go d.serve()

	t.Cleanup(func() { _ = listener.Close() })

	return d
}

func (d *echoDevice) serve() {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			return
		}

		d.mu.Lock()
		d.conn = conn
		d.mu.Unlock()

		go func() {
			reader := bufio.NewReader(conn)
			for {
				line, err := reader.ReadString('\n')
				if err != nil {
					return
				}

				if strings.TrimSpace(line) != "" {
					if _, err := conn.Write([]byte("OK\r\n")); err != nil {
						return
					}
				}
			}
		}()
	}
}

func (d *echoDevice) dropConnection() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn != nil {
		_ = d.conn.Close()
		d.conn = nil
	}
}

func (d *echoDevice) port() int {
	return d.listener.Addr().(*net.TCPAddr).Port
}

func TestDispatcher_EndToEnd(t *testing.T) {
	require := require.New(t)

	device := newEchoDevice(t)

	table, _, err := alias.Parse([]byte(`
aliases:
  - alias: hdmi1
    command: "CMD:SRC1"
  - alias: hdmi2
    command: "CMD:SRC2"
`))
	require.NoError(err)

	cfg, err := telnet.NewConnectionConfig("127.0.0.1", device.port(),
		telnet.WithConnectTimeout(2*time.Second),
		telnet.WithRetryBaseDelay(50*time.Millisecond),
		telnet.WithRetryMaxDelay(200*time.Millisecond),
		telnet.WithReconnectWait(3*time.Second),
	)
	require.NoError(err)

	conn, err := telnet.NewConnection(context.Background(), cfg)
	require.NoError(err)
	defer conn.Close()

	require.NoError(conn.Open(true))

	d := New(conn, table, WithReplyTimeout(2*time.Second))
	require.NoError(d.Start(context.Background()))
	defer d.Stop()

	response, err := d.Submit(context.Background(), "hdmi1")
	require.NoError(err)
	require.Equal("OK", response)

	// an absent alias fails without touching the session
	_, err = d.Submit(context.Background(), "vga")
	require.ErrorIs(err, ErrUnknownAlias)

	// drop the device connection mid-session; the session notices, redials
	// and the next command succeeds, visible to callers only as latency
	device.dropConnection()

	require.Eventually(func() bool {
		return conn.Metrics().ConnectCount.Load() >= 2
	}, 3*time.Second, 20*time.Millisecond)

	response, err = d.Submit(context.Background(), "hdmi2")
	require.NoError(err)
	require.Equal("OK", response)

	require.GreaterOrEqual(conn.Metrics().ConnectCount.Load(), uint64(2))
}
