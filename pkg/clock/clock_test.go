package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeAfterFiresOnAdvance(t *testing.T) {
	c := Fake(epoch)
	ch := c.After(2 * time.Second)

	c.Advance(time.Second)
	select {
	case <-ch:
		t.Fatal("fired early")
	default:
	}

	c.Advance(time.Second)
	select {
	case got := <-ch:
		assert.Equal(t, epoch.Add(2*time.Second), got)
	default:
		t.Fatal("did not fire")
	}
	assert.Empty(t, c.Pending())
}

func TestFakeAfterNonPositiveFiresImmediately(t *testing.T) {
	c := Fake(epoch)
	select {
	case got := <-c.After(0):
		assert.Equal(t, epoch, got)
	default:
		t.Fatal("expected immediate fire")
	}
}

func TestBlockUntilWaiters(t *testing.T) {
	c := Fake(epoch)
	done := make(chan struct{})
	go func() {
		<-c.After(time.Minute)
		close(done)
	}()

	c.BlockUntilWaiters(1)
	require.Equal(t, []time.Duration{time.Minute}, c.Pending())
	c.Advance(time.Minute)
	<-done
}
