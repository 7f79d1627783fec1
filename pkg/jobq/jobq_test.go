package jobq

import (
	"testing"
	"time"

	"github.com/riverqueue/river/rivertype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RequiresPool(t *testing.T) {
	_, err := New(nil)
	assert.ErrorIs(t, err, ErrPoolRequired)
}

func TestCancellable(t *testing.T) {
	cases := map[rivertype.JobState]error{
		rivertype.JobStateAvailable: nil,
		rivertype.JobStateScheduled: nil,
		rivertype.JobStateRetryable: nil,
		rivertype.JobStatePending:   nil,
		rivertype.JobStateCancelled: nil,
		rivertype.JobStateRunning:   ErrJobStarted,
		rivertype.JobStateCompleted: ErrJobNotFound,
		rivertype.JobStateDiscarded: ErrJobNotFound,
	}
	for state, want := range cases {
		assert.Equal(t, want, cancellable(state), string(state))
	}
}

func TestParseSchedule(t *testing.T) {
	s, err := ParseSchedule("*/5 * * * *")
	require.NoError(t, err)

	from := time.Date(2026, 1, 1, 10, 2, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 1, 1, 10, 5, 0, 0, time.UTC), s.Next(from))

	_, err = ParseSchedule("every five minutes")
	assert.Error(t, err)

	_, err = ParseSchedule("0 */5 * * * *")
	assert.Error(t, err, "seconds field is not accepted")
}
