package call

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"callsession-backend/internal/callid"
	"callsession-backend/internal/domain"
	"callsession-backend/internal/repository/memory"
	"callsession-backend/internal/timeout"
	apperrors "callsession-backend/pkg/errors"
)

func TestInitiate_VideoCallBetweenTwoUsers(t *testing.T) {
	f := newFixture(t)
	u := users(2)
	alice, bob := u[0], u[1]

	details := f.startCall(t, domain.CallTypeVideo, alice, bob)

	// Assert
	call := details.Call
	assert.Equal(t, domain.CallStatusRinging, call.Status)
	assert.Equal(t, alice, call.InitiatorID)
	assert.Nil(t, call.StartedAt)
	assert.Nil(t, call.Duration)
	assert.Equal(t, 2, call.Metadata[domain.MetaParticipantCount])
	assert.NotEmpty(t, call.IceServers)

	a := f.participant(t, call.CallID, alice)
	b := f.participant(t, call.CallID, bob)
	assert.Equal(t, domain.ParticipantJoined, a.Status)
	assert.Equal(t, domain.ParticipantInvited, b.Status)
	assert.Equal(t, domain.MediaState{Audio: true, Video: true}, b.MediaState)

	assert.True(t, f.hasSession(call.CallID))
	assert.True(t, f.timers.Armed(call.CallID, timeout.Acceptance))
	assert.Equal(t, []string{EventCallIncoming}, f.notifier.names(bob))
	assert.Empty(t, f.notifier.names(alice))
}

func TestInitiate_AudioCallStartsWithVideoOff(t *testing.T) {
	f := newFixture(t)
	u := users(2)

	details := f.startCall(t, domain.CallTypeAudio, u...)

	for _, p := range details.Participants {
		assert.Equal(t, domain.MediaState{Audio: true, Video: false}, p.MediaState)
	}
}

func TestInitiate_Validation(t *testing.T) {
	f := newFixture(t)
	u := users(2)
	conversationID := uuid.New()
	f.dir.SetMembers(conversationID, u...)

	tests := []struct {
		name  string
		input *InitiateInput
		code  apperrors.ErrorCode
	}{
		{
			name:  "unsupported type",
			input: &InitiateInput{CallerID: u[0], ConversationID: conversationID, Type: "SCREEN"},
			code:  apperrors.ErrCodeValidation,
		},
		{
			name:  "caller outside conversation",
			input: &InitiateInput{CallerID: uuid.New(), ConversationID: conversationID, Type: domain.CallTypeAudio},
			code:  apperrors.ErrCodeNotFound,
		},
		{
			name:  "unknown conversation",
			input: &InitiateInput{CallerID: u[0], ConversationID: uuid.New(), Type: domain.CallTypeAudio},
			code:  apperrors.ErrCodeNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Initiate(context.Background(), tt.input)
			require.Error(t, err)
			assert.True(t, apperrors.HasCode(err, tt.code), err.Error())
		})
	}
}

func TestInitiate_OneActiveCallPerConversation(t *testing.T) {
	f := newFixture(t)
	u := users(2)
	conversationID := uuid.New()
	f.dir.SetMembers(conversationID, u...)
	input := &InitiateInput{CallerID: u[0], ConversationID: conversationID, Type: domain.CallTypeAudio}

	_, err := f.svc.Initiate(context.Background(), input)
	require.NoError(t, err)

	_, err = f.svc.Initiate(context.Background(), input)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidState))
}

func TestInitiate_ConcurrentCallsAllowedByPolicy(t *testing.T) {
	f := newFixture(t, withConfig(Config{AllowConcurrentCalls: true}))
	u := users(2)
	conversationID := uuid.New()
	f.dir.SetMembers(conversationID, u...)
	input := &InitiateInput{CallerID: u[0], ConversationID: conversationID, Type: domain.CallTypeAudio}

	first, err := f.svc.Initiate(context.Background(), input)
	require.NoError(t, err)
	second, err := f.svc.Initiate(context.Background(), input)
	require.NoError(t, err)
	assert.NotEqual(t, first.Call.CallID, second.Call.CallID)
}

func TestInitiate_RetriedEphemeralRefReturnsExistingCall(t *testing.T) {
	f := newFixture(t)
	u := users(2)
	conversationID := uuid.New()
	f.dir.SetMembers(conversationID, u...)
	input := &InitiateInput{
		CallerID:       u[0],
		ConversationID: conversationID,
		Type:           domain.CallTypeVideo,
		EphemeralRef:   "call_1714564800_x1",
	}

	first, err := f.svc.Initiate(context.Background(), input)
	require.NoError(t, err)
	second, err := f.svc.Initiate(context.Background(), input)
	require.NoError(t, err)

	assert.Equal(t, first.Call.CallID, second.Call.CallID)
	assert.Equal(t, 1, f.registry.Count())

	id, ok := f.svc.ResolveRef(u[0], "call_1714564800_x1")
	assert.True(t, ok)
	assert.Equal(t, first.Call.CallID, id)
}

func TestInitiate_EphemeralRefIsScopedToCaller(t *testing.T) {
	f := newFixture(t)
	u := users(3)
	alice, bob, mallory := u[0], u[1], u[2]
	ref := "call_1714564800_x1"

	ours := uuid.New()
	f.dir.SetMembers(ours, alice, bob)
	first, err := f.svc.Initiate(context.Background(), &InitiateInput{
		CallerID: alice, ConversationID: ours, Type: domain.CallTypeVideo, EphemeralRef: ref,
	})
	require.NoError(t, err)

	t.Run("stranger with the same ref gets a call of their own", func(t *testing.T) {
		theirs := uuid.New()
		f.dir.SetMembers(theirs, mallory, bob)

		got, err := f.svc.Initiate(context.Background(), &InitiateInput{
			CallerID: mallory, ConversationID: theirs, Type: domain.CallTypeAudio, EphemeralRef: ref,
		})

		require.NoError(t, err)
		assert.NotEqual(t, first.Call.CallID, got.Call.CallID)
		assert.Equal(t, theirs, got.Call.ConversationID)
		assert.Equal(t, mallory, got.Call.InitiatorID)

		id, ok := f.svc.ResolveRef(mallory, ref)
		require.True(t, ok)
		assert.Equal(t, got.Call.CallID, id)
		id, ok = f.svc.ResolveRef(alice, ref)
		require.True(t, ok)
		assert.Equal(t, first.Call.CallID, id)
	})

	t.Run("stranger cannot reach the call through the ref", func(t *testing.T) {
		got, err := f.svc.Initiate(context.Background(), &InitiateInput{
			CallerID: mallory, ConversationID: ours, Type: domain.CallTypeVideo, EphemeralRef: ref,
		})

		assert.Nil(t, got)
		assert.Error(t, err)
	})

	t.Run("same ref for a second conversation is a conflict", func(t *testing.T) {
		other := uuid.New()
		f.dir.SetMembers(other, alice, mallory)

		got, err := f.svc.Initiate(context.Background(), &InitiateInput{
			CallerID: alice, ConversationID: other, Type: domain.CallTypeVideo, EphemeralRef: ref,
		})

		assert.Nil(t, got)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeConflict))
		id, _ := f.svc.ResolveRef(alice, ref)
		assert.Equal(t, first.Call.CallID, id)
	})
}

func TestInitiate_RefClaimedByInFlightInitiation(t *testing.T) {
	f := newFixture(t)
	u := users(2)
	conversationID := uuid.New()
	f.dir.SetMembers(conversationID, u...)
	ref := "call_1714564800_x2"

	_, claimed := f.resolver.Reserve(u[0], callid.ParseRef(ref))
	require.True(t, claimed)

	_, err := f.svc.Initiate(context.Background(), &InitiateInput{
		CallerID: u[0], ConversationID: conversationID, Type: domain.CallTypeAudio, EphemeralRef: ref,
	})

	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeConflict))
	assert.Equal(t, 0, f.registry.Count())
}

func TestInitiate_ConcurrentRetriesCreateOneCall(t *testing.T) {
	f := newFixture(t, withConfig(Config{AllowConcurrentCalls: true}))
	u := users(2)
	conversationID := uuid.New()
	f.dir.SetMembers(conversationID, u...)
	input := &InitiateInput{
		CallerID:       u[0],
		ConversationID: conversationID,
		Type:           domain.CallTypeAudio,
		EphemeralRef:   "call_1714564800_x3",
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Initiate(context.Background(), input)
			if err != nil {
				assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeConflict), err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.registry.Count())
}

// rejectingStore fails every call record write
type rejectingStore struct {
	*memory.CallStore
}

func (s *rejectingStore) CreateCall(context.Context, *domain.Call, []*domain.CallParticipant) error {
	return errors.New("write timeout")
}

func TestInitiate_StoreFailureLeavesNoSession(t *testing.T) {
	f := newFixture(t, withStore(func(s *memory.CallStore) CallStore {
		return &rejectingStore{CallStore: s}
	}))
	u := users(2)
	conversationID := uuid.New()
	f.dir.SetMembers(conversationID, u...)
	ref := "call_1714564800_x4"

	_, err := f.svc.Initiate(context.Background(), &InitiateInput{
		CallerID: u[0], ConversationID: conversationID, Type: domain.CallTypeAudio, EphemeralRef: ref,
	})

	assert.ErrorContains(t, err, "failed to create call record")
	assert.Equal(t, 0, f.registry.Count())
	assert.Empty(t, f.registry.CallsForUser(u[1]))
	_, ok := f.svc.ResolveRef(u[0], ref)
	assert.False(t, ok)
	assert.Empty(t, f.notifier.names(u[1]))

	// The claim was released, so a retry is not reported as in flight
	_, claimed := f.resolver.Reserve(u[0], callid.ParseRef(ref))
	assert.True(t, claimed)
}

func TestAnswer_MovesCallOngoing(t *testing.T) {
	f := newFixture(t)
	u := users(2)
	alice, bob := u[0], u[1]
	details := f.startCall(t, domain.CallTypeVideo, alice, bob)
	callID := details.Call.CallID

	call, err := f.svc.Answer(context.Background(), callID, bob)

	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusOngoing, call.Status)
	require.NotNil(t, call.StartedAt)
	assert.Equal(t, f.clock.Now(), *call.StartedAt)
	assert.Equal(t, domain.ParticipantJoined, f.participant(t, callID, bob).Status)
	assert.False(t, f.timers.Armed(callID, timeout.Acceptance))
	assert.True(t, f.timers.Armed(callID, timeout.Establishment))
	assert.Contains(t, f.notifier.names(alice), EventCallAccepted)

	snap, ok := f.registry.Get(callID)
	require.True(t, ok)
	assert.Equal(t, domain.CallStatusOngoing, snap.Status)
}

// expiringStore finalizes the call as missed just before it is marked
// ongoing, as the acceptance timer would
type expiringStore struct {
	*memory.CallStore
}

func (s *expiringStore) MarkOngoing(ctx context.Context, callID uuid.UUID, at time.Time) (bool, error) {
	if _, err := s.CallStore.FinalizeCall(ctx, callID, domain.CallFinalization{
		IfRinging:         domain.CallStatusMissed,
		ParticipantStatus: domain.ParticipantLeft,
		At:                at,
	}); err != nil {
		return false, err
	}
	return s.CallStore.MarkOngoing(ctx, callID, at)
}

func TestAnswer_CallMissedBeforeStart(t *testing.T) {
	f := newFixture(t, withStore(func(s *memory.CallStore) CallStore {
		return &expiringStore{CallStore: s}
	}))
	u := users(2)
	callID := f.startCall(t, domain.CallTypeVideo, u...).Call.CallID

	call, err := f.svc.Answer(context.Background(), callID, u[1])

	assert.Nil(t, call)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidState))
	assert.Equal(t, domain.CallStatusMissed, f.call(t, callID).Status)
	assert.NotContains(t, f.notifier.names(u[0]), EventCallAccepted)
	assert.False(t, f.timers.Armed(callID, timeout.Establishment))
}

func TestAnswer_Rules(t *testing.T) {
	f := newFixture(t)
	u := users(2)
	alice, bob := u[0], u[1]
	callID := f.startCall(t, domain.CallTypeVideo, alice, bob).Call.CallID

	// Initiator cannot answer
	_, err := f.svc.Answer(context.Background(), callID, alice)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidState))

	// Strangers get not found
	_, err = f.svc.Answer(context.Background(), callID, uuid.New())
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCallNotFound))

	_, err = f.svc.Answer(context.Background(), uuid.New(), bob)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCallNotFound))

	// No edge leaves a terminal status
	_, err = f.svc.End(context.Background(), callID, alice)
	require.NoError(t, err)
	_, err = f.svc.Answer(context.Background(), callID, bob)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidState))
	assert.Equal(t, domain.CallStatusEnded, f.call(t, callID).Status)
}

// barrierStore holds the first `parties` GetCall calls made while armed until
// all of them arrived, so concurrent operations observe the same call status
type barrierStore struct {
	*memory.CallStore
	parties int
	armed   atomic.Bool

	mu      sync.Mutex
	waiting int
	release chan struct{}
}

func newBarrierStore(s *memory.CallStore, parties int) *barrierStore {
	return &barrierStore{CallStore: s, parties: parties, release: make(chan struct{})}
}

func (b *barrierStore) GetCall(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	call, err := b.CallStore.GetCall(ctx, callID)
	if !b.armed.Load() {
		return call, err
	}

	b.mu.Lock()
	if b.waiting >= b.parties {
		b.mu.Unlock()
		return call, err
	}
	b.waiting++
	if b.waiting == b.parties {
		close(b.release)
	}
	b.mu.Unlock()

	<-b.release
	return call, err
}

func TestAnswer_ConcurrentAnswersStartCallOnce(t *testing.T) {
	var barrier *barrierStore
	f := newFixture(t, withStore(func(s *memory.CallStore) CallStore {
		barrier = newBarrierStore(s, 2)
		return barrier
	}))
	u := users(3)
	callID := f.startCall(t, domain.CallTypeVideo, u...).Call.CallID
	barrier.armed.Store(true)

	start := f.clock.Now()
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, user := range u[1:] {
		wg.Add(1)
		go func(i int, user uuid.UUID) {
			defer wg.Done()
			_, errs[i] = f.svc.Answer(context.Background(), callID, user)
		}(i, user)
		f.clock.Advance(time.Second)
	}
	wg.Wait()

	// Both participant-level answers succeed
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, domain.ParticipantJoined, f.participant(t, callID, u[1]).Status)
	assert.Equal(t, domain.ParticipantJoined, f.participant(t, callID, u[2]).Status)

	// Exactly one call-level transition with one startedAt
	call := f.call(t, callID)
	assert.Equal(t, domain.CallStatusOngoing, call.Status)
	require.NotNil(t, call.StartedAt)
	assert.False(t, call.StartedAt.Before(start))
}

func TestAnswer_SecondAnswerRefused(t *testing.T) {
	f := newFixture(t)
	u := users(2)
	callID := f.startCall(t, domain.CallTypeVideo, u...).Call.CallID

	first, err := f.svc.Answer(context.Background(), callID, u[1])
	require.NoError(t, err)
	_, err = f.svc.Answer(context.Background(), callID, u[1])

	// The call already left RINGING, so a second answer is refused without changing it
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidState))
	assert.Equal(t, first.StartedAt, f.call(t, callID).StartedAt)
}

func TestEnd_AfterThirtySeconds(t *testing.T) {
	f := newFixture(t)
	u := users(2)
	alice, bob := u[0], u[1]
	callID := f.startCall(t, domain.CallTypeVideo, alice, bob).Call.CallID

	_, err := f.svc.Answer(context.Background(), callID, bob)
	require.NoError(t, err)
	f.clock.Advance(30 * time.Second)

	call, err := f.svc.End(context.Background(), callID, alice)

	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, call.Status)
	require.NotNil(t, call.Duration)
	assert.Equal(t, 30, *call.Duration)
	require.NotNil(t, call.EndedAt)
	assert.Equal(t, domain.ParticipantLeft, f.participant(t, callID, alice).Status)
	assert.Equal(t, domain.ParticipantLeft, f.participant(t, callID, bob).Status)

	records := f.history.Records(callID)
	require.Len(t, records, 1)
	assert.Equal(t, domain.HistoryStatus(domain.CallStatusEnded), records[0].Status)
	assert.Equal(t, 30, records[0].Duration)
	assert.Len(t, records[0].Participants, 2)
	assert.Equal(t, alice, records[0].InitiatorID)

	// Teardown happened as one unit
	assert.False(t, f.hasSession(callID))
	assert.False(t, f.timers.Armed(callID, timeout.Acceptance))
	assert.False(t, f.timers.Armed(callID, timeout.Establishment))
	assert.Contains(t, f.notifier.names(bob), EventCallEnded)
}

func TestEnd_Idempotent(t *testing.T) {
	f := newFixture(t)
	u := users(2)
	callID := f.startCall(t, domain.CallTypeVideo, u...).Call.CallID
	_, err := f.svc.Answer(context.Background(), callID, u[1])
	require.NoError(t, err)
	f.clock.Advance(12 * time.Second)

	first, err := f.svc.End(context.Background(), callID, u[0])
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	second, err := f.svc.End(context.Background(), callID, u[1])
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 12, *second.Duration)
	assert.Len(t, f.history.Records(callID), 1)
}

func TestEnd_WhileRingingHasNoDuration(t *testing.T) {
	f := newFixture(t)
	u := users(2)
	callID := f.startCall(t, domain.CallTypeAudio, u...).Call.CallID
	f.clock.Advance(5 * time.Second)

	call, err := f.svc.End(context.Background(), callID, u[0])

	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, call.Status)
	assert.Nil(t, call.Duration)
	assert.Equal(t, 0, f.history.Records(callID)[0].Duration)
}

func TestReject_FinalizesOnceRegardlessOfOrder(t *testing.T) {
	tests := []struct {
		name  string
		order []int
	}{
		{"bob then carol", []int{1, 2}},
		{"carol then bob", []int{2, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			u := users(3)
			callID := f.startCall(t, domain.CallTypeVideo, u...).Call.CallID

			call, err := f.svc.Reject(context.Background(), callID, u[tt.order[0]])
			require.NoError(t, err)
			assert.Equal(t, domain.CallStatusRinging, call.Status)
			assert.Empty(t, f.history.Records(callID))

			call, err = f.svc.Reject(context.Background(), callID, u[tt.order[1]])
			require.NoError(t, err)
			assert.Equal(t, domain.CallStatusEnded, call.Status)

			records := f.history.Records(callID)
			require.Len(t, records, 1)
			assert.Equal(t, domain.HistoryRejected, records[0].Status)
			assert.Equal(t, domain.ParticipantLeft, f.participant(t, callID, u[0]).Status)
			assert.Equal(t, domain.ParticipantRejected, f.participant(t, callID, u[1]).Status)
			assert.False(t, f.hasSession(callID))
		})
	}
}

func TestReject_ConcurrentRejectionsFinalizeOnce(t *testing.T) {
	f := newFixture(t)
	u := users(5)
	callID := f.startCall(t, domain.CallTypeVideo, u...).Call.CallID

	var wg sync.WaitGroup
	for _, user := range u[1:] {
		wg.Add(1)
		go func(user uuid.UUID) {
			defer wg.Done()
			_, err := f.svc.Reject(context.Background(), callID, user)
			assert.NoError(t, err)
		}(user)
	}
	wg.Wait()

	assert.Equal(t, domain.CallStatusEnded, f.call(t, callID).Status)
	assert.Len(t, f.history.Records(callID), 1)
}

func TestReject_Rules(t *testing.T) {
	f := newFixture(t)
	u := users(3)
	callID := f.startCall(t, domain.CallTypeVideo, u...).Call.CallID

	// Initiator is already JOINED and cannot reject
	_, err := f.svc.Reject(context.Background(), callID, u[0])
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidState))

	// Repeated rejection is a no-op
	_, err = f.svc.Reject(context.Background(), callID, u[1])
	require.NoError(t, err)
	_, err = f.svc.Reject(context.Background(), callID, u[1])
	require.NoError(t, err)
	assert.Empty(t, f.history.Records(callID))

	// Rejecting an ongoing call is refused
	_, err = f.svc.Answer(context.Background(), callID, u[2])
	require.NoError(t, err)
	_, err = f.svc.Reject(context.Background(), callID, u[2])
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidState))
}

func TestMarkFailed(t *testing.T) {
	f := newFixture(t)
	u := users(2)
	callID := f.startCall(t, domain.CallTypeVideo, u...).Call.CallID
	_, err := f.svc.Answer(context.Background(), callID, u[1])
	require.NoError(t, err)

	call, err := f.svc.ReportFailure(context.Background(), callID, u[1], "ice gathering failed")

	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusFailed, call.Status)
	assert.Equal(t, "ice gathering failed", call.Metadata[domain.MetaFailureReason])
	assert.Equal(t, domain.ParticipantFailed, f.participant(t, callID, u[0]).Status)
	assert.Equal(t, domain.ParticipantFailed, f.participant(t, callID, u[1]).Status)
	assert.Contains(t, f.notifier.names(u[0]), EventCallFailed)
	assert.Len(t, f.history.Records(callID), 1)

	// Already terminal when read
	_, err = f.svc.MarkFailed(context.Background(), callID, "again")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidState))
	assert.Len(t, f.history.Records(callID), 1)
}

func TestAcceptanceTimeoutMarksCallMissed(t *testing.T) {
	f := newFixture(t, withTimeouts(20*time.Millisecond, time.Hour))
	u := users(2)
	callID := f.startCall(t, domain.CallTypeVideo, u...).Call.CallID

	assert.Eventually(t, func() bool {
		return len(f.history.Records(callID)) == 1
	}, time.Second, 5*time.Millisecond)

	call := f.call(t, callID)
	assert.Equal(t, domain.CallStatusMissed, call.Status)
	assert.Equal(t, "no_answer", call.Metadata[domain.MetaEndReason])
	assert.Equal(t, domain.ParticipantLeft, f.participant(t, callID, u[1]).Status)
	assert.False(t, f.hasSession(callID))
}

func TestAcceptanceTimerDisarmedByAnswer(t *testing.T) {
	f := newFixture(t, withTimeouts(30*time.Millisecond, time.Hour))
	u := users(2)
	callID := f.startCall(t, domain.CallTypeVideo, u...).Call.CallID

	_, err := f.svc.Answer(context.Background(), callID, u[1])
	require.NoError(t, err)
	time.Sleep(60 * time.Millisecond)

	assert.Equal(t, domain.CallStatusOngoing, f.call(t, callID).Status)
	assert.Empty(t, f.history.Records(callID))
}

func TestEstablishmentTimeoutFailsCall(t *testing.T) {
	f := newFixture(t, withTimeouts(time.Hour, 20*time.Millisecond))
	u := users(2)
	callID := f.startCall(t, domain.CallTypeVideo, u...).Call.CallID

	_, err := f.svc.Answer(context.Background(), callID, u[1])
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return len(f.history.Records(callID)) == 1
	}, time.Second, 5*time.Millisecond)

	call := f.call(t, callID)
	assert.Equal(t, domain.CallStatusFailed, call.Status)
	assert.Equal(t, "establishment timeout", call.Metadata[domain.MetaFailureReason])
}

func TestGetCall_OnlyForParticipants(t *testing.T) {
	f := newFixture(t)
	u := users(2)
	callID := f.startCall(t, domain.CallTypeVideo, u...).Call.CallID

	details, err := f.svc.GetCall(context.Background(), callID, u[1])
	require.NoError(t, err)
	assert.Equal(t, callID, details.Call.CallID)
	assert.Len(t, details.Participants, 2)

	_, err = f.svc.GetCall(context.Background(), callID, uuid.New())
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCallNotFound))
}

// MockCallStore is a mock implementation of the parts of CallStore the history listing uses
type MockCallStore struct {
	CallStore
	mock.Mock
}

func (m *MockCallStore) ListUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error) {
	args := m.Called(ctx, userID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Call), args.Error(1)
}

func TestGetCallHistory_ClampsPaging(t *testing.T) {
	mockStore := &MockCallStore{}
	f := newFixture(t, withStore(func(*memory.CallStore) CallStore { return mockStore }))
	userID := uuid.New()

	// Setup expectations
	mockStore.On("ListUserCalls", mock.Anything, userID, 20, 0).Return([]*domain.Call{}, nil).Once()
	mockStore.On("ListUserCalls", mock.Anything, userID, 100, 5).Return([]*domain.Call{{CallID: uuid.New()}}, nil).Once()

	// Execute
	calls, err := f.svc.GetCallHistory(context.Background(), userID, 0, -1)
	require.NoError(t, err)
	assert.Empty(t, calls)

	calls, err = f.svc.GetCallHistory(context.Background(), userID, 500, 5)
	require.NoError(t, err)
	assert.Len(t, calls, 1)

	// Assert
	mockStore.AssertExpectations(t)
}
