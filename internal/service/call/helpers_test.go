package call

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"callsession-backend/internal/callid"
	"callsession-backend/internal/domain"
	"callsession-backend/internal/repository/memory"
	"callsession-backend/internal/session"
	"callsession-backend/internal/timeout"
	"callsession-backend/pkg/metrics"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events map[uuid.UUID][]Event
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{events: make(map[uuid.UUID][]Event)}
}

func (n *recordingNotifier) Notify(_ context.Context, userID uuid.UUID, ev Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events[userID] = append(n.events[userID], ev)
}

func (n *recordingNotifier) names(userID uuid.UUID) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	names := make([]string, 0, len(n.events[userID]))
	for _, ev := range n.events[userID] {
		names = append(names, ev.Name)
	}
	return names
}

func (n *recordingNotifier) last(userID uuid.UUID, name string) (Event, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	evs := n.events[userID]
	for i := len(evs) - 1; i >= 0; i-- {
		if evs[i].Name == name {
			return evs[i], true
		}
	}
	return Event{}, false
}

func (n *recordingNotifier) reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = make(map[uuid.UUID][]Event)
}

type fixture struct {
	svc      *Service
	store    CallStore
	memStore *memory.CallStore
	dir      *memory.Directory
	log      *memory.EventLog
	history  *memory.HistorySink
	notifier *recordingNotifier
	registry *session.Registry
	resolver *callid.Resolver
	timers   *timeout.Supervisor
	clock    *fakeClock
}

type fixtureOption func(*fixtureConfig)

type fixtureConfig struct {
	acceptance    time.Duration
	establishment time.Duration
	cfg           Config
	wrapStore     func(*memory.CallStore) CallStore
}

func withTimeouts(acceptance, establishment time.Duration) fixtureOption {
	return func(c *fixtureConfig) {
		c.acceptance = acceptance
		c.establishment = establishment
	}
}

func withConfig(cfg Config) fixtureOption {
	return func(c *fixtureConfig) { c.cfg = cfg }
}

func withStore(wrap func(*memory.CallStore) CallStore) fixtureOption {
	return func(c *fixtureConfig) { c.wrapStore = wrap }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()

	fc := fixtureConfig{
		acceptance:    time.Hour,
		establishment: time.Hour,
		cfg: Config{
			ICEServers:           []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
			ICECandidatePoolSize: 10,
			QualitySampleWindow:  10,
		},
	}
	for _, opt := range opts {
		opt(&fc)
	}

	f := &fixture{
		memStore: memory.NewCallStore(),
		dir:      memory.NewDirectory(),
		log:      memory.NewEventLog(),
		history:  memory.NewHistorySink(),
		notifier: newRecordingNotifier(),
		registry: session.NewRegistry(),
		resolver: callid.NewResolver(),
		timers:   timeout.NewSupervisor(fc.acceptance, fc.establishment),
		clock:    &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
	}
	f.store = f.memStore
	if fc.wrapStore != nil {
		f.store = fc.wrapStore(f.memStore)
	}

	f.svc = NewService(Dependencies{
		Store:      f.store,
		Directory:  f.dir,
		Registry:   f.registry,
		Resolver:   f.resolver,
		Timers:     f.timers,
		Audit:      f.log,
		QualityLog: f.log,
		History:    f.history,
		Metrics:    metrics.NewMetrics("call-service-test"),
	}, fc.cfg)
	f.svc.now = f.clock.Now
	f.svc.SetNotifier(f.notifier)

	t.Cleanup(f.timers.Stop)
	return f
}

// startCall creates a conversation with the given members and has the first one ring the rest
func (f *fixture) startCall(t *testing.T, callType domain.CallType, members ...uuid.UUID) *CallDetails {
	t.Helper()
	conversationID := uuid.New()
	f.dir.SetMembers(conversationID, members...)

	details, err := f.svc.Initiate(context.Background(), &InitiateInput{
		CallerID:       members[0],
		ConversationID: conversationID,
		Type:           callType,
	})
	require.NoError(t, err)
	return details
}

func (f *fixture) participant(t *testing.T, callID, userID uuid.UUID) *domain.CallParticipant {
	t.Helper()
	p, err := f.memStore.GetParticipant(context.Background(), callID, userID)
	require.NoError(t, err)
	return p
}

func (f *fixture) call(t *testing.T, callID uuid.UUID) *domain.Call {
	t.Helper()
	c, err := f.memStore.GetCall(context.Background(), callID)
	require.NoError(t, err)
	return c
}

func (f *fixture) hasSession(callID uuid.UUID) bool {
	_, ok := f.registry.Get(callID)
	return ok
}

func users(n int) []uuid.UUID {
	out := make([]uuid.UUID, n)
	for i := range out {
		out[i] = uuid.New()
	}
	return out
}
