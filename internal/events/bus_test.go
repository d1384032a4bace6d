package events

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(EventOrderUpdate, 1)

	bus.Publish(EventOrderUpdate, "first")
	bus.Publish(EventOrderUpdate, "dropped")

	assert.Equal(t, "first", <-ch)
	assert.EqualValues(t, 1, bus.Dropped())

	unsub()
	unsub()
	_, open := <-ch
	assert.False(t, open)
}

func TestSubscribeAllWrapsTopics(t *testing.T) {
	bus := NewBus()
	out, stop := bus.SubscribeAll([]Event{EventDecision, EventNotification}, 4)
	defer stop()

	bus.Publish(EventDecision, 1)
	bus.Publish(EventNotification, 2)

	got := map[Event]any{}
	for i := 0; i < 2; i++ {
		select {
		case env := <-out:
			got[env.Topic] = env.Payload
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for envelope")
		}
	}
	assert.Equal(t, map[Event]any{EventDecision: 1, EventNotification: 2}, got)
}

func TestBusNotifier(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(EventNotification, 1)
	defer unsub()

	n := Notification{Type: NotifyFailed, AccountID: "a", Symbol: "BTC-USDT", Detail: "exhausted"}
	require.NoError(t, BusNotifier{Bus: bus}.Notify(context.Background(), n))
	assert.Equal(t, n, <-ch)
}

func TestMultiJoinsErrors(t *testing.T) {
	rec := &Recorder{}
	boom := errors.New("boom")
	var buf bytes.Buffer
	log := logrus.New()
	log.SetOutput(&buf)

	m := Multi{rec, NotifierFunc(func(context.Context, Notification) error { return boom }), LogNotifier{Log: log}}
	err := m.Notify(context.Background(), Notification{Type: NotifyRejected, AccountID: "a", Detail: "insufficient margin"})

	assert.ErrorIs(t, err, boom)
	assert.Len(t, rec.Sent(), 1)
	assert.Contains(t, buf.String(), "insufficient margin")
}
