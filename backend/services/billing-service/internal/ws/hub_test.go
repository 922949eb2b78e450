package ws

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
	"go.uber.org/zap"

	"meterbill/backend/services/billing-service/internal/events"
	"meterbill/backend/services/billing-service/internal/models"
)

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/bills" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitFor(t *testing.T, hub *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.Len() == n }, 2*time.Second, 10*time.Millisecond)
}

func TestHubBroadcastsBillsByArea(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(http.HandlerFunc(NewServer(hub, time.Second, zap.NewNop()).HandleWS))
	defer srv.Close()

	all := dial(t, srv, "")
	north := dial(t, srv, "?area_id=north")
	south := dial(t, srv, "?area_id=south")
	waitFor(t, hub, 3)

	err := hub.Handle(context.Background(), events.BillGenerated{
		Kind: events.AreaConsolidatedBillGenerated,
		Bill: models.Bill{ID: "bill-1", AreaID: "north", InvoiceNumber: "20240701001"},
	})
	require.NoError(t, err)

	for _, conn := range []*websocket.Conn{all, north} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)

		var msg map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &msg))
		assert.Equal(t, "area_consolidated_bill_generated", msg["type"])
		assert.Equal(t, "20240701001", msg["bill"].(map[string]interface{})["invoice_number"])
	}

	south.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err = south.ReadMessage()
	assert.Error(t, err, "other areas receive nothing")
}

func TestHubRemovesClosedSubscribers(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(http.HandlerFunc(NewServer(hub, time.Second, zap.NewNop()).HandleWS))
	defer srv.Close()

	conn := dial(t, srv, "")
	waitFor(t, hub, 1)

	require.NoError(t, conn.Close())
	waitFor(t, hub, 0)

	assert.NoError(t, hub.Handle(context.Background(), events.BillGenerated{Kind: events.SingleMeterBillGenerated}))
}

func TestHubIgnoresOtherEvents(t *testing.T) {
	assert.NoError(t, NewHub().Handle(context.Background(), events.ReadingChanged{Kind: events.ReadingRecorded}))
}
