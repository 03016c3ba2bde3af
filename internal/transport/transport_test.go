package transport

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func dialPair(t *testing.T) (client *websocket.Conn, server *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srvCh := make(chan *websocket.Conn, 1)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		srvCh <- c
	}))
	t.Cleanup(ts.Close)

	wsURL := "ws" + ts.URL[len("http"):]
	cli, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cli.Close() })

	srv := <-srvCh
	t.Cleanup(func() { _ = srv.Close() })
	return cli, srv
}

func TestWSTransportSendAndReceive(t *testing.T) {
	cliConn, srvConn := dialPair(t)

	srvTr := NewWSTransport(srvConn)
	received := make(chan []byte, 1)
	srvTr.OnMessage(func(data []byte) { received <- data })
	go srvTr.Run()

	require.NoError(t, cliConn.WriteJSON(map[string]string{"hello": "world"}))

	select {
	case data := <-received:
		require.Contains(t, string(data), "hello")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestWSTransportCloseIsIdempotentAndFiresOnClose(t *testing.T) {
	_, srvConn := dialPair(t)
	tr := NewWSTransport(srvConn)

	var closed int
	tr.OnClose(func() { closed++ })

	require.NoError(t, tr.Close(websocket.CloseNormalClosure, "bye"))
	require.NoError(t, tr.Close(websocket.CloseNormalClosure, "bye again"))

	require.Equal(t, 1, closed)
	require.Equal(t, StateClosed, tr.State())
}

func TestWSTransportSendAfterCloseReturnsErrClosed(t *testing.T) {
	_, srvConn := dialPair(t)
	tr := NewWSTransport(srvConn)
	require.NoError(t, tr.Close(websocket.CloseNormalClosure, "bye"))

	err := tr.Send(map[string]string{"x": "y"})
	require.ErrorIs(t, err, ErrClosed)
}
