package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroker_FanOut(t *testing.T) {
	b := NewBroker[int]()
	s1 := b.Subscribe(4)
	s2 := b.Subscribe(4)
	defer s1.Close()
	defer s2.Close()

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, 1))
	require.NoError(t, b.Publish(ctx, 2))

	for _, s := range []*Subscription[int]{s1, s2} {
		assert.Equal(t, 1, <-s.C())
		assert.Equal(t, 2, <-s.C())
	}
}

func TestBroker_NoSubscribers(t *testing.T) {
	b := NewBroker[string]()
	assert.NoError(t, b.Publish(context.Background(), "lost"))
	assert.Equal(t, 0, b.Len())
}

func TestBroker_PublishBlocksUntilContextDone(t *testing.T) {
	b := NewBroker[int]()
	s := b.Subscribe(0)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := b.Publish(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBroker_ClosedSubscriberDoesNotBlock(t *testing.T) {
	b := NewBroker[int]()
	slow := b.Subscribe(0)
	fast := b.Subscribe(1)
	defer fast.Close()

	slow.Close()
	assert.Equal(t, 1, b.Len())

	require.NoError(t, b.Publish(context.Background(), 7))
	assert.Equal(t, 7, <-fast.C())

	select {
	case <-slow.Done():
	default:
		t.Fatal("closed subscription should report done")
	}
}

func TestBroker_Close(t *testing.T) {
	b := NewBroker[int]()
	s := b.Subscribe(1)
	b.Close()

	<-s.Done()
	late := b.Subscribe(1)
	<-late.Done()
	assert.NoError(t, b.Publish(context.Background(), 1))
}
