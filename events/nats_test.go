package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DBTheEasyButton/Template-Riding-Coach-Website-sub002/loyalty"
)

func startEmbeddedNATS(t *testing.T) *server.Server {
	t.Helper()
	ns, err := server.NewServer(&server.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		t.Fatal("embedded NATS server failed to start")
	}
	t.Cleanup(ns.Shutdown)
	return ns
}

func TestNATSPublisher_PublishesJSONOnTypedSubject(t *testing.T) {
	ns := startEmbeddedNATS(t)

	sub, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(sub.Close)

	msgs := make(chan *nats.Msg, 1)
	_, err = sub.ChanSubscribe("rides.discount.>", msgs)
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	pub, err := Connect(ns.ClientURL(), "rides.", nil)
	require.NoError(t, err)
	t.Cleanup(func() { pub.Close() })

	// GIVEN: a freshly issued discount code
	issued := loyalty.DiscountCode{
		Code:       "RIDE-ABC234",
		AccountID:  "a1",
		RuleID:     "points",
		Percentage: decimal.NewFromInt(20),
		Threshold:  50,
	}

	// WHEN: it is published
	err = pub.Publish(context.Background(), loyalty.Event{
		Type:      loyalty.EventDiscountIssued,
		AccountID: "a1",
		At:        time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		Payload:   issued,
	})
	require.NoError(t, err)

	// THEN: subscribers receive it on <prefix>.<type>
	select {
	case msg := <-msgs:
		assert.Equal(t, "rides.discount.issued", msg.Subject)
		var got struct {
			Type      string `json:"type"`
			AccountID string `json:"account_id"`
			Payload   struct {
				Code      string
				Threshold int64
			} `json:"payload"`
		}
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		assert.Equal(t, "discount.issued", got.Type)
		assert.Equal(t, "a1", got.AccountID)
		assert.Equal(t, "RIDE-ABC234", got.Payload.Code)
		assert.Equal(t, int64(50), got.Payload.Threshold)
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
	}
}

func TestNATSPublisher_CancelledContext(t *testing.T) {
	ns := startEmbeddedNATS(t)
	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	pub := NewNATSPublisher(nc, "")
	assert.Equal(t, "loyalty.referral.granted", pub.Subject(loyalty.EventReferralGranted))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = pub.Publish(ctx, loyalty.Event{Type: loyalty.EventReferralGranted})
	assert.ErrorIs(t, err, context.Canceled)

	// Close does not touch a borrowed connection.
	require.NoError(t, pub.Close())
	assert.True(t, nc.IsConnected())
}
