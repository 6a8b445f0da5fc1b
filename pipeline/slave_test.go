package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pyzord/repstore/mutation"
)

func TestForwarderFIFOOrder(t *testing.T) {
	f := NewForwarder()
	m1 := mutation.Mutation{Kind: mutation.Report, Time: 1}
	m2 := mutation.Mutation{Kind: mutation.Whitelist, Time: 2}
	f.Enqueue(m1)
	f.Enqueue(m2)

	got, ok := f.Next()
	require.True(t, ok)
	assert.Equal(t, m1, got)
	f.Ack()

	got, ok = f.Next()
	require.True(t, ok)
	assert.Equal(t, m2, got)
	f.Ack()

	_, ok = f.Next()
	assert.False(t, ok)
}

func TestForwarderNextBlocksWhileDraining(t *testing.T) {
	f := NewForwarder()
	f.Enqueue(mutation.Mutation{Kind: mutation.Report, Time: 1})
	f.Enqueue(mutation.Mutation{Kind: mutation.Report, Time: 2})

	_, ok := f.Next()
	require.True(t, ok)

	_, ok = f.Next()
	assert.False(t, ok, "a second Next before Ack/Nack must not hand out a mutation")
}

func TestForwarderNackPreservesHeadForRetry(t *testing.T) {
	f := NewForwarder()
	m1 := mutation.Mutation{Kind: mutation.Report, Time: 1}
	f.Enqueue(m1)

	got, ok := f.Next()
	require.True(t, ok)
	assert.Equal(t, m1, got)

	f.Nack()
	assert.Equal(t, 1, f.Len(), "queue must be preserved across a failed upstream send")

	got, ok = f.Next()
	require.True(t, ok)
	assert.Equal(t, m1, got)
}

func TestForwarderEnqueueWhileDrainingIsQueuedBehindInFlight(t *testing.T) {
	f := NewForwarder()
	m1 := mutation.Mutation{Kind: mutation.Report, Time: 1}
	f.Enqueue(m1)

	_, ok := f.Next()
	require.True(t, ok)

	m2 := mutation.Mutation{Kind: mutation.Report, Time: 2}
	f.Enqueue(m2)
	f.Ack()

	got, ok := f.Next()
	require.True(t, ok)
	assert.Equal(t, m2, got)
}
