package sync

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djwarf/calsync/pkg/providers"
)

func TestResultBuilder(t *testing.T) {
	started := time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)

	t.Run("clean pass", func(t *testing.T) {
		b := newResultBuilder(started)
		b.addPush(&PushResult{Created: 1, Updated: 2, Moved: 1})
		b.addPull(1, &PullResult{Status: PullSuccess, Created: 3, Deleted: 1})

		r := b.build(started.Add(2 * time.Second))
		assert.Equal(t, OutcomeSuccess, r.Outcome)
		assert.True(t, r.OK())
		assert.NoError(t, r.Err())
		assert.Equal(t, Counts{Created: 1, Updated: 3}, r.Pushed)
		assert.Equal(t, 4, r.Pulled.Total())
		assert.Equal(t, 2*time.Second, r.Duration)
	})

	t.Run("partial", func(t *testing.T) {
		b := newResultBuilder(started)
		b.addPull(7, (&PullResult{}).fail(providers.StatusError(http.StatusBadGateway, "")))

		r := b.build(started)
		assert.Equal(t, OutcomePartialSuccess, r.Outcome)
		require.Len(t, r.Errors, 1)
		assert.Equal(t, PhasePull, r.Errors[0].Phase)
		assert.Equal(t, int64(7), r.Errors[0].CalendarID)
		assert.Equal(t, http.StatusBadGateway, r.Errors[0].Code)
		assert.True(t, r.Errors[0].Retryable)
		assert.Error(t, r.Err())
	})

	t.Run("auth wins over other errors", func(t *testing.T) {
		b := newResultBuilder(started)
		b.addError(PhasePush, 1, errors.New("connection reset"))
		b.addError(PhasePull, 2, providers.StatusError(http.StatusUnauthorized, ""))

		r := b.build(started)
		assert.Equal(t, OutcomeAuthError, r.Outcome)
		assert.Len(t, r.Errors, 2)
		assert.ErrorIs(t, b.authErr, providers.ErrUnauthorized)
	})
}
