package audit

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEventValidation(t *testing.T) {
	recordID := uuid.New()

	tests := []struct {
		name      string
		recordID  uuid.UUID
		eventType EventType
		actorID   string
		action    string
		outcome   Outcome
		wantErr   bool
	}{
		{"valid", recordID, EventRecordAccessed, "u-1", "retrieve", OutcomeSuccess, false},
		{"nil record id", uuid.Nil, EventRecordAccessed, "u-1", "retrieve", OutcomeSuccess, true},
		{"unknown type", recordID, EventType("record.vanished"), "u-1", "retrieve", OutcomeSuccess, true},
		{"missing actor", recordID, EventRecordAccessed, "", "retrieve", OutcomeSuccess, true},
		{"missing action", recordID, EventRecordAccessed, "u-1", "", OutcomeSuccess, true},
		{"unknown outcome", recordID, EventRecordAccessed, "u-1", "retrieve", Outcome("maybe"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := NewEvent(tt.recordID, tt.eventType, tt.actorID, tt.action, tt.outcome)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.False(t, e.Sealed())
			assert.Empty(t, e.EventHash)
		})
	}
}

func TestSecurityRelevant(t *testing.T) {
	assert.True(t, EventAccessDenied.SecurityRelevant())
	assert.True(t, EventDLPBlocked.SecurityRelevant())
	assert.True(t, EventDecryptionFailed.SecurityRelevant())
	assert.False(t, EventRecordAccessed.SecurityRelevant())
	assert.False(t, EventRecordCreated.SecurityRelevant())
}

func TestSealIsOneShot(t *testing.T) {
	e, err := NewEvent(uuid.New(), EventRecordCreated, "u-1", "submit", OutcomeSuccess)
	require.NoError(t, err)

	hash, err := e.Seal("")
	require.NoError(t, err)
	assert.NotEmpty(t, hash)
	assert.Equal(t, hash, e.EventHash)
	assert.True(t, e.Sealed())

	_, err = e.Seal("other")
	assert.Error(t, err)
}

// Events persisted to TIMESTAMPTZ come back at microsecond precision. The
// hash must not cover anything finer, or every reloaded chain would verify
// as tampered.
func TestSealSurvivesMicrosecondRoundTrip(t *testing.T) {
	e, err := NewEvent(uuid.New(), EventRecordCreated, "u-1", "submit", OutcomeSuccess)
	require.NoError(t, err)
	assert.True(t, e.Timestamp.Equal(e.Timestamp.Truncate(time.Microsecond)))

	// Even a timestamp carrying stray nanoseconds must hash the same
	// before and after the database drops them.
	e.Timestamp = e.Timestamp.Add(437 * time.Nanosecond)
	_, err = e.Seal("")
	require.NoError(t, err)

	e.Timestamp = e.Timestamp.Truncate(time.Microsecond)

	result := VerifyChain([]*Event{e})
	assert.True(t, result.IsValid)
	assert.Empty(t, result.ChainBreaks)
}

func sealedChain(t *testing.T, recordID uuid.UUID, n int) []*Event {
	t.Helper()
	events := make([]*Event, 0, n)
	prev := ""
	for i := 0; i < n; i++ {
		e, err := NewEvent(recordID, EventRecordAccessed, "u-1", "retrieve", OutcomeSuccess)
		require.NoError(t, err)
		hash, err := e.Seal(prev)
		require.NoError(t, err)
		prev = hash
		events = append(events, e)
	}
	return events
}

func TestVerifyChain(t *testing.T) {
	recordID := uuid.New()

	t.Run("empty chain is valid", func(t *testing.T) {
		result := VerifyChain(nil)
		assert.True(t, result.IsValid)
		assert.Zero(t, result.EventsVerified)
	})

	t.Run("well formed chain", func(t *testing.T) {
		events := sealedChain(t, recordID, 4)
		result := VerifyChain(events)
		assert.True(t, result.IsValid)
		assert.Equal(t, 4, result.EventsVerified)
		assert.Empty(t, result.ChainBreaks)
	})

	t.Run("tampered content detected", func(t *testing.T) {
		events := sealedChain(t, recordID, 3)
		events[1].ActorID = "someone-else"

		result := VerifyChain(events)
		assert.False(t, result.IsValid)
		require.NotEmpty(t, result.ChainBreaks)
		assert.Equal(t, 1, result.ChainBreaks[0].Position)
		assert.Equal(t, "event hash does not match content", result.ChainBreaks[0].Reason)
	})

	t.Run("removed event detected", func(t *testing.T) {
		events := sealedChain(t, recordID, 3)
		truncated := []*Event{events[0], events[2]}

		result := VerifyChain(truncated)
		assert.False(t, result.IsValid)
		require.NotEmpty(t, result.ChainBreaks)
		assert.Equal(t, 1, result.ChainBreaks[0].Position)
		assert.Equal(t, "previous hash does not match predecessor", result.ChainBreaks[0].Reason)
	})

	t.Run("first event must anchor on empty hash", func(t *testing.T) {
		events := sealedChain(t, recordID, 2)
		result := VerifyChain(events[1:])
		assert.False(t, result.IsValid)
	})
}
