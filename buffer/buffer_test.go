package buffer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cosim-go/cosim/tieredtime"
)

func TestOutputCache_LookupReturnsNewestAtOrBefore(t *testing.T) {
	c := NewOutputCache()
	require.NoError(t, c.Append(tieredtime.TieredTime{1}, "a", false))
	require.NoError(t, c.Append(tieredtime.TieredTime{3}, "b", false))

	v, ok := c.Lookup(tieredtime.TieredTime{2})
	require.True(t, ok)
	assert.Equal(t, "a", v)

	v, ok = c.Lookup(tieredtime.TieredTime{5})
	require.True(t, ok)
	assert.Equal(t, "b", v)

	_, ok = c.Lookup(tieredtime.TieredTime{0})
	assert.False(t, ok)
}

func TestOutputCache_RejectsWriteBeforeRead(t *testing.T) {
	c := NewOutputCache()
	require.NoError(t, c.Append(tieredtime.TieredTime{1}, "a", false))
	_, ok := c.Lookup(tieredtime.TieredTime{5})
	require.True(t, ok)

	// The lookup at 5 returned the entry at 1, so the read horizon is 1:
	// a write before it would change what that read saw.
	err := c.Append(tieredtime.TieredTime{0}, "late", false)
	assert.Error(t, err)
}

func TestOutputCache_SameTimeOverwritePermission(t *testing.T) {
	c := NewOutputCache()
	require.NoError(t, c.Append(tieredtime.TieredTime{1}, "a", false))
	_, _ = c.Lookup(tieredtime.TieredTime{1})

	err := c.Append(tieredtime.TieredTime{1}, "b", false)
	assert.Error(t, err, "same-time overwrite must be opt-in")

	require.NoError(t, c.Append(tieredtime.TieredTime{1}, "b", true))
	v, ok := c.Lookup(tieredtime.TieredTime{1})
	require.True(t, ok)
	assert.Equal(t, "b", v)
}

func TestOutputCache_PruneRetainsAtLeastOneEntry(t *testing.T) {
	c := NewOutputCache()
	require.NoError(t, c.Append(tieredtime.TieredTime{1}, "a", false))
	require.NoError(t, c.Append(tieredtime.TieredTime{3}, "b", false))
	require.NoError(t, c.Append(tieredtime.TieredTime{5}, "c", false))

	c.PruneTo(tieredtime.TieredTime{4})
	assert.Equal(t, 2, c.Len()) // keeps newest <=4 ("b") plus "c"

	v, ok := c.Lookup(tieredtime.TieredTime{4})
	require.True(t, ok)
	assert.Equal(t, "b", v)
}

func TestTimedInputBuffer_DrainComposesNestedMap(t *testing.T) {
	b := NewTimedInputBuffer()
	b.Push(Delivery{Time: tieredtime.TieredTime{1}, SrcFull: "A/e1", DstEid: "d1", DstAttr: "val", Value: 10})
	b.Push(Delivery{Time: tieredtime.TieredTime{2}, SrcFull: "B/e1", DstEid: "d1", DstAttr: "val", Value: 20})
	b.Push(Delivery{Time: tieredtime.TieredTime{5}, SrcFull: "A/e1", DstEid: "d1", DstAttr: "val", Value: 99})

	got := b.Drain(tieredtime.TieredTime{2})
	require.Contains(t, got, "d1")
	require.Contains(t, got["d1"], "val")
	assert.Equal(t, 10, got["d1"]["val"]["A/e1"])
	assert.Equal(t, 20, got["d1"]["val"]["B/e1"])
	assert.Equal(t, 1, b.Len())
}

func TestPersistentInputBuffer_RetainsLastValue(t *testing.T) {
	p := NewPersistentInputBuffer()
	p.Push(Delivery{Time: tieredtime.TieredTime{1}, SrcFull: "A/e1", DstEid: "d1", DstAttr: "v", Value: 1})

	snap := p.Snapshot(tieredtime.TieredTime{1})
	assert.Equal(t, 1, snap["d1"]["v"]["A/e1"])

	// No new delivery at t=2: the value should still be readable.
	snap = p.Snapshot(tieredtime.TieredTime{2})
	assert.Equal(t, 1, snap["d1"]["v"]["A/e1"])
}

func TestProgress_HasReachedUnblocksOnAdvance(t *testing.T) {
	p := NewProgress(tieredtime.TieredTime{0})

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		done <- p.HasReached(ctx, tieredtime.TieredTime{3})
	}()

	require.NoError(t, p.Advance(tieredtime.TieredTime{3}))
	assert.NoError(t, <-done)
}

func TestProgress_HasPassedIsStrict(t *testing.T) {
	p := NewProgress(tieredtime.TieredTime{0})
	require.NoError(t, p.Advance(tieredtime.TieredTime{3}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := p.HasPassed(ctx, tieredtime.TieredTime{3})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	assert.NoError(t, p.HasReached(ctx2, tieredtime.TieredTime{3}))
}

func TestProgress_RejectsBackwardsAdvance(t *testing.T) {
	p := NewProgress(tieredtime.TieredTime{5})
	err := p.Advance(tieredtime.TieredTime{3})
	assert.Error(t, err)
}
