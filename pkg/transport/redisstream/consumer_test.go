package redisstream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffFor_ClampsToLastStep(t *testing.T) {
	schedule := []int64{1000, 5000, 10000}

	assert.Equal(t, 1*time.Second, BackoffFor(schedule, 1))
	assert.Equal(t, 5*time.Second, BackoffFor(schedule, 2))
	assert.Equal(t, 10*time.Second, BackoffFor(schedule, 3))
	assert.Equal(t, 10*time.Second, BackoffFor(schedule, 99))
}

func TestBackoffFor_DefaultsWhenScheduleEmpty(t *testing.T) {
	assert.Equal(t, 1*time.Second, BackoffFor(nil, 1))
	assert.Equal(t, 60*time.Second, BackoffFor(nil, 99))
}

func TestBackoffFor_ClampsLowAttempt(t *testing.T) {
	assert.Equal(t, 1*time.Second, BackoffFor(DefaultBackoffMS, 0))
}
