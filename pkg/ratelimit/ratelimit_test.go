package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khryptorgraphics/tokenallocator/pkg/clock"
)

func TestAdmit_AllowsUpToBurst(t *testing.T) {
	fc := clock.NewFake(time.Now())
	l := New(fc, 100, 100, 2, 2)

	d1 := l.Admit("alice")
	d2 := l.Admit("alice")
	require.True(t, d1.Allow)
	require.True(t, d2.Allow)
	assert.Equal(t, 2, d1.Limit)
}

func TestAdmit_ClientBucketExhaustion(t *testing.T) {
	// Global is generous; client burst of 2 at rate 2/s should reject the
	// third back-to-back request and report a positive Retry-After.
	fc := clock.NewFake(time.Now())
	l := New(fc, 100, 100, 2, 2)

	l.Admit("bob")
	l.Admit("bob")
	d3 := l.Admit("bob")

	require.False(t, d3.Allow)
	assert.Equal(t, 2, d3.Limit)
	assert.GreaterOrEqual(t, d3.RetryAfter, 1)
}

func TestAdmit_GlobalBucketExhaustionAcrossClients(t *testing.T) {
	// Global burst of 3 at rate 3/s shared by distinct clients each
	// armed with a generous per-client bucket: the fourth request from
	// any client should be rejected on the global bucket, with
	// Retry-After >= 1 and X-RateLimit-Limit reflecting the client
	// bucket (2), matching spec.md's scenario 7.
	fc := clock.NewFake(time.Now())
	l := New(fc, 3, 3, 2, 2)

	d1 := l.Admit("carol")
	d2 := l.Admit("dave")
	d3 := l.Admit("erin")
	d4 := l.Admit("frank")

	require.True(t, d1.Allow)
	require.True(t, d2.Allow)
	require.True(t, d3.Allow)
	require.False(t, d4.Allow)
	assert.Equal(t, 2, d4.Limit)
	assert.GreaterOrEqual(t, d4.RetryAfter, 1)
}

func TestAdmit_RefillsOverTime(t *testing.T) {
	fc := clock.NewFake(time.Now())
	l := New(fc, 100, 100, 1, 1)

	require.True(t, l.Admit("dan").Allow)
	require.False(t, l.Admit("dan").Allow)

	fc.Advance(1100 * time.Millisecond)
	require.True(t, l.Admit("dan").Allow)
}

func TestAdmit_SeparateClientsDoNotShareBuckets(t *testing.T) {
	fc := clock.NewFake(time.Now())
	l := New(fc, 100, 100, 1, 1)

	require.True(t, l.Admit("eve").Allow)
	require.True(t, l.Admit("frank").Allow)
}
