package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	assert.NotNil(t, New())
}

func TestSleep(t *testing.T) {
	assert.NotPanics(t, func() {
		clock{}.Sleep(1 * time.Microsecond)
	})
}

func TestAfter(t *testing.T) {
	select {
	case <-New().After(1 * time.Millisecond):
	case <-time.After(5 * time.Second):
		t.Fatal("After channel never fired")
	}
}

func TestNow(t *testing.T) {
	assert.False(t, New().Now().IsZero())
}
