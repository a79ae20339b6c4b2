package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInMemorySenderRoundTrip(t *testing.T) {
	fabric := NewInMemory()
	fabric.RegisterNode("b", func(from string, typeID uint16, msg interface{}) (uint16, interface{}) {
		require.Equal(t, "a", from)
		return 99, "ack:" + msg.(string)
	})

	sender := fabric.Sender("a")
	ack, err := sender.Send(context.Background(), "b", 1, "hello")
	require.NoError(t, err)
	require.Equal(t, "ack:hello", ack)
}

func TestInMemorySenderUnreachableAfterUnregister(t *testing.T) {
	fabric := NewInMemory()
	fabric.RegisterNode("b", func(from string, typeID uint16, msg interface{}) (uint16, interface{}) {
		return 0, nil
	})
	fabric.Unregister("b")

	sender := fabric.Sender("a")
	_, err := sender.Send(context.Background(), "b", 1, "hello")
	require.Error(t, err)
}

func TestInMemoryTopicPreservesOrder(t *testing.T) {
	var received []int
	done := make(chan struct{})

	topic := NewInMemoryTopic("node-a", 16, func(msg interface{}) error {
		received = append(received, msg.(int))
		if len(received) == 5 {
			close(done)
		}
		return nil
	}, nil)
	defer topic.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, topic.Publish(context.Background(), i))
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	require.Equal(t, []int{0, 1, 2, 3, 4}, received)
}

func TestInMemoryTopicReportsDeliveryFailure(t *testing.T) {
	failed := make(chan string, 1)
	topic := NewInMemoryTopic("node-a", 4, func(msg interface{}) error {
		return context.DeadlineExceeded
	}, func(nodeID string, err error) {
		failed <- nodeID
	})
	defer topic.Close()

	require.NoError(t, topic.Publish(context.Background(), "x"))

	select {
	case nodeID := <-failed:
		require.Equal(t, "node-a", nodeID)
	case <-time.After(time.Second):
		t.Fatal("expected OnFailure to be called")
	}
}
