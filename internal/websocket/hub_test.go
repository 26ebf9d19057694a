package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AnuragDani/ride-billing-engine/internal/events"
	"github.com/AnuragDani/ride-billing-engine/internal/logger"
)

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestHubPublishesEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(logger.Discard())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWs))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	welcome := readMessage(t, conn)
	assert.Equal(t, TypeHealth, welcome.Type)
	assert.Equal(t, "connected", welcome.Event)
	require.Eventually(t, func() bool { return hub.GetStats().ClientCount == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Publish(ctx, events.Event{
		Type:      events.TypeInvoice,
		Event:     events.InvoiceGenerated,
		Data:      events.InvoiceEventData{InvoiceID: "inv-1", TotalAmount: "302.5"},
		Timestamp: time.Now().UTC(),
	}))

	msg := readMessage(t, conn)
	assert.Equal(t, events.TypeInvoice, msg.Type)
	assert.Equal(t, events.InvoiceGenerated, msg.Event)
	data, ok := msg.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "inv-1", data["invoice_id"])
}

func TestHubStopClosesClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(nil)
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWs))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	readMessage(t, conn)

	cancel()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}

func TestMessageFromEvent(t *testing.T) {
	at := time.Date(2026, time.February, 1, 0, 0, 0, 0, time.UTC)
	msg := FromEvent(events.Event{Type: events.TypeDunning, Event: events.DunningNoticeSent, Timestamp: at})
	data, err := msg.ToJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"dunning","event":"notice_sent","timestamp":"2026-02-01T00:00:00Z"}`, string(data))
}
