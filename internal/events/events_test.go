package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/blendguard/safety-vault/internal/events"
	"github.com/blendguard/safety-vault/internal/model"
)

type funcPublisher func(context.Context, events.Event) error

func (f funcPublisher) Publish(ctx context.Context, ev events.Event) error { return f(ctx, ev) }

func sampleEvent(user string) events.Event {
	return events.Event{
		Type:      events.TypePositionProtected,
		BatchID:   42,
		UserID:    user,
		Actions:   []model.ActionKind{model.KindTopUpCollateral},
		Position:  model.Position{ID: "pos-" + user, LTV: 6818},
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestMultiDeliversToAllAndJoinsErrors(t *testing.T) {
	var delivered int
	ok := funcPublisher(func(context.Context, events.Event) error { delivered++; return nil })
	errA := errors.New("broker a down")
	errB := errors.New("broker b down")

	m := events.Multi{
		ok,
		funcPublisher(func(context.Context, events.Event) error { return errA }),
		ok,
		funcPublisher(func(context.Context, events.Event) error { return errB }),
	}
	err := m.Publish(context.Background(), sampleEvent("alice"))
	require.Equal(t, 2, delivered, "a failing publisher does not stop the others")
	require.ErrorIs(t, err, errA)
	require.ErrorIs(t, err, errB)

	require.NoError(t, events.Multi{ok}.Publish(context.Background(), sampleEvent("alice")))
}

func TestKafkaPublisherKeysByUser(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		key, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		if string(key) != "alice" {
			return errors.New("unexpected key " + string(key))
		}
		if msg.Topic != "protections" {
			return errors.New("unexpected topic " + msg.Topic)
		}
		return nil
	})

	p := events.NewKafkaPublisherWithProducer(producer, "protections")
	require.NoError(t, p.Publish(context.Background(), sampleEvent("alice")))
	require.NoError(t, p.Close())
}

func TestKafkaPublisherReportsFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	p := events.NewKafkaPublisherWithProducer(producer, "protections")
	err := p.Publish(context.Background(), sampleEvent("alice"))
	require.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, p.Close())
}

// readLoop forwards every event received on c until it closes.
func readLoop(c *websocket.Conn) <-chan events.Event {
	out := make(chan events.Event, 64)
	go func() {
		defer close(out)
		for {
			_, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			var ev events.Event
			if json.Unmarshal(data, &ev) == nil {
				out <- ev
			}
		}
	}()
	return out
}

// publishUntil publishes ev every few milliseconds until ch yields an event.
// Client registration is asynchronous, so early events may reach no one.
func publishUntil(t *testing.T, hub *events.WSHub, ev events.Event, ch <-chan events.Event) events.Event {
	t.Helper()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case got := <-ch:
			return got
		case <-ticker.C:
			require.NoError(t, hub.Publish(context.Background(), ev))
		case <-timeout:
			t.Fatalf("no event delivered for %s", ev.UserID)
		}
	}
}

func TestWSHubFiltersByUser(t *testing.T) {
	hub := events.NewWSHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	aliceConn, _, err := websocket.DefaultDialer.Dial(wsURL+"?user=alice", nil)
	require.NoError(t, err)
	defer aliceConn.Close()
	allConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer allConn.Close()

	aliceEvents := readLoop(aliceConn)
	allEvents := readLoop(allConn)

	got := publishUntil(t, hub, sampleEvent("bob"), allEvents)
	require.Equal(t, "bob", got.UserID)

	got = publishUntil(t, hub, sampleEvent("alice"), aliceEvents)
	require.Equal(t, "alice", got.UserID)
	require.Equal(t, int64(42), got.BatchID)

	// Nothing for bob ever reached the filtered client.
	for {
		select {
		case ev := <-aliceEvents:
			require.Equal(t, "alice", ev.UserID)
		case <-time.After(100 * time.Millisecond):
			return
		}
	}
}
