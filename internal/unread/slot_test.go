package unread

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"chat-sync/internal/models"
)

func recorder(name string, log *[]string, accept bool) Consumer {
	return func(models.Message) bool {
		*log = append(*log, name)
		return accept
	}
}

func TestSlotDispatchesToNewestClaim(t *testing.T) {
	var log []string
	slot := NewSlot(recorder("tracker", &log, true))

	slot.Dispatch(models.Message{})
	releaseA := slot.Claim(recorder("a", &log, true))
	slot.Dispatch(models.Message{})
	releaseB := slot.Claim(recorder("b", &log, true))
	slot.Dispatch(models.Message{})

	assert.Equal(t, []string{"tracker", "a", "b"}, log)

	releaseB()
	releaseA()
	log = nil
	slot.Dispatch(models.Message{})
	assert.Equal(t, []string{"tracker"}, log)
}

func TestSlotStaleReleaseKeepsNewerClaim(t *testing.T) {
	var log []string
	slot := NewSlot(recorder("tracker", &log, true))

	// A opens, B opens, then A's close runs late.
	releaseA := slot.Claim(recorder("a", &log, true))
	releaseB := slot.Claim(recorder("b", &log, true))
	releaseA()
	releaseA()

	slot.Dispatch(models.Message{})
	assert.Equal(t, []string{"b"}, log)
	assert.Equal(t, 1, slot.Claims())

	releaseB()
	assert.Equal(t, 0, slot.Claims())
}

func TestSlotFallsThroughDecliningClaims(t *testing.T) {
	var log []string
	slot := NewSlot(recorder("tracker", &log, true))
	release := slot.Claim(recorder("view", &log, false))
	defer release()

	slot.Dispatch(models.Message{})
	assert.Equal(t, []string{"view", "tracker"}, log)
}
