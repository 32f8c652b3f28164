package circulation

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDaysRemaining(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		due  time.Time
		want int
	}{
		{"exactly fourteen days", now.Add(14 * day), 14},
		{"partial day rounds up", now.Add(13*day + time.Hour), 14},
		{"due later today", now.Add(3 * time.Hour), 1},
		{"due right now", now, 0},
		{"overdue", now.Add(-2 * day), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DaysRemaining(tt.due, now))
		})
	}
}

func TestReservationClose(t *testing.T) {
	at := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

	for _, to := range []Status{StatusReturned, StatusCancelled, StatusExpired} {
		t.Run(string(to), func(t *testing.T) {
			r := &Reservation{ID: uuid.New(), Status: StatusActive}
			require.NoError(t, r.close(to, at))
			assert.Equal(t, to, r.Status)
			assert.True(t, r.Status.Terminal())

			stamps := map[Status]*time.Time{
				StatusReturned:  r.ReturnedAt,
				StatusCancelled: r.CancelledAt,
				StatusExpired:   r.ExpiredAt,
			}
			for status, stamp := range stamps {
				if status == to {
					require.NotNil(t, stamp)
					assert.Equal(t, at, *stamp)
				} else {
					assert.Nil(t, stamp)
				}
			}

			err := r.close(StatusCancelled, at.Add(time.Hour))
			assert.ErrorIs(t, err, ErrNotActive)
			assert.Equal(t, to, r.Status)
		})
	}

	t.Run("active is not a target", func(t *testing.T) {
		r := &Reservation{Status: StatusActive}
		assert.Error(t, r.close(StatusActive, at))
		assert.Equal(t, StatusActive, r.Status)
	})
}

func TestParseStatus(t *testing.T) {
	status, err := ParseStatus("expired")
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, status)

	_, err = ParseStatus("lost")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestInvalidLoanDaysIsInvalidInput(t *testing.T) {
	assert.ErrorIs(t, ErrInvalidLoanDays, ErrInvalidInput)
}
