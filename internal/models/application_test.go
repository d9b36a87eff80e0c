package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusAdvances(t *testing.T) {
	assert.True(t, StatusAdvances(AppStatusPending, AppStatusProcessing))
	assert.True(t, StatusAdvances(AppStatusProcessing, AppStatusCompleted))
	assert.True(t, StatusAdvances(AppStatusProcessing, AppStatusFailed))
	assert.True(t, StatusAdvances(AppStatusPending, AppStatusPending))

	assert.False(t, StatusAdvances(AppStatusCompleted, AppStatusProcessing))
	assert.False(t, StatusAdvances(AppStatusProcessing, AppStatusPending))
	assert.False(t, StatusAdvances("bogus", AppStatusCompleted))
}

func TestPriorStatuses(t *testing.T) {
	prior := PriorStatuses(AppStatusProcessing)
	assert.ElementsMatch(t, []string{AppStatusPending, AppStatusProcessing}, prior)

	assert.Nil(t, PriorStatuses("bogus"))
}
