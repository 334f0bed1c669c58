package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/seu-repo/sigec-chargepoint/internal/domain"
)

type fakeConn struct {
	closed    chan struct{}
	closeOnce sync.Once
	written   chan []byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{closed: make(chan struct{}), written: make(chan []byte, 16)}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	<-c.closed
	return 0, nil, errors.New("closed")
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("closed")
	default:
	}
	if messageType == 1 {
		c.written <- data
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func startHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)
	return hub
}

func TestHub_BroadcastsEvents(t *testing.T) {
	hub := startHub(t)
	conn := newFakeConn()
	go hub.Serve(conn, "test")
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	id := 77
	require.NoError(t, hub.PublishTransactionEvent(context.Background(), domain.TransactionEvent{
		Type:          domain.EventTransactionConfirmed,
		ConnectorID:   1,
		TransactionID: &id,
	}))

	select {
	case data := <-conn.written:
		var evt domain.TransactionEvent
		require.NoError(t, json.Unmarshal(data, &evt))
		assert.Equal(t, domain.EventTransactionConfirmed, evt.Type)
		require.NotNil(t, evt.TransactionID)
		assert.Equal(t, 77, *evt.TransactionID)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestHub_UnregistersOnDisconnect(t *testing.T) {
	hub := startHub(t)
	conn := newFakeConn()
	go hub.Serve(conn, "test")
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestHub_PublishWithoutClients(t *testing.T) {
	hub := startHub(t)
	assert.NoError(t, hub.PublishTransactionEvent(context.Background(), domain.TransactionEvent{
		Type: domain.EventTransactionFailed,
	}))
}
