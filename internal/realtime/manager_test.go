package realtime

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartmob/pantarei/internal/acquisition"
	"github.com/smartmob/pantarei/internal/apperr"
)

var sel12 = acquisition.Selection{Line: "LINE1", Station: "ST2"}

func connected(t *testing.T, env *testEnv) *FakeChannel {
	t.Helper()
	require.NoError(t, env.manager.Connect(t.Context()))
	require.Equal(t, PhaseConnected, env.manager.State().Phase)
	return env.hub.Last()
}

func TestConnect_LoadsSnapshotAndSubscribes(t *testing.T) {
	env := newTestEnv(t, "SubscribeToPostazione")
	env.client.SetLatest(sel12, []acquisition.Record{record("1", "LINE1", "ST2")})

	require.NoError(t, env.manager.RefreshData(t.Context(), sel12))
	ch := connected(t, env)

	st := env.manager.State()
	assert.Equal(t, "conn-a", st.ConnectionID)
	assert.Equal(t, "SubscribeToPostazione", st.SubscribeMethod)
	assert.Equal(t, 1, st.Records)
	assert.Equal(t, 0, st.ReconnectAttempt)
	assert.Empty(t, st.Error)

	assert.Equal(t, []acquisition.Selection{sel12, sel12}, env.fetches())
	calls := ch.Calls()
	assert.Equal(t, "SubscribeToPostazione", calls[len(calls)-1])

	latest, ok := env.manager.Latest()
	require.True(t, ok)
	assert.Equal(t, "1", latest.ID)
}

func TestConnect_WithoutSelection(t *testing.T) {
	env := newTestEnv(t, "Subscribe")
	ch := connected(t, env)

	assert.Empty(t, env.fetches())
	assert.Empty(t, ch.Calls())
	assert.Empty(t, env.manager.Records())
}

func TestConnect_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	connected(t, env)
	require.NoError(t, env.manager.Connect(t.Context()))
	assert.Equal(t, 1, env.hub.Created())
}

func TestConnect_RetryScheduleThenTerminal(t *testing.T) {
	env := newTestEnv(t)
	env.hub.FailAlways(errors.New("dial tcp: connection refused"))

	err := env.manager.Connect(t.Context())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRetriesExhausted)

	for range 4 {
		require.True(t, env.sched.Fire())
	}
	s := time.Second
	assert.Equal(t, []time.Duration{2 * s, 4 * s, 8 * s, 16 * s, 32 * s}, env.sched.Delays())
	assert.Equal(t, 5, env.manager.State().ReconnectAttempt)
	assert.False(t, env.manager.State().RetriesExhausted)

	// Sixth failure.
	require.True(t, env.sched.Fire())
	assert.Len(t, env.sched.Delays(), 5, "no retry after the cap")
	assert.Zero(t, env.sched.Pending())
	assert.Equal(t, 6, env.hub.Created())

	st := env.manager.State()
	assert.True(t, st.RetriesExhausted)
	assert.Equal(t, PhaseDisconnected, st.Phase)
	assert.Equal(t, "Errore di connessione: dial tcp: connection refused", st.Error)

	assert.ErrorIs(t, env.manager.Connect(t.Context()), ErrRetriesExhausted)

	// Manual reconnect starts over.
	env.hub.FailAlways(nil)
	require.NoError(t, env.manager.Reconnect(t.Context()))
	st = env.manager.State()
	assert.Equal(t, PhaseConnected, st.Phase)
	assert.False(t, st.RetriesExhausted)
	assert.Zero(t, st.ReconnectAttempt)
	assert.Empty(t, st.Error)
}

func TestConnect_SuccessResetsBackoff(t *testing.T) {
	env := newTestEnv(t)
	env.hub.FailNext(2)

	require.Error(t, env.manager.Connect(t.Context()))
	require.True(t, env.sched.Fire())
	require.True(t, env.sched.Fire())
	assert.Equal(t, PhaseConnected, env.manager.State().Phase)
	assert.Zero(t, env.manager.State().ReconnectAttempt)

	env.hub.Last().Close(errors.New("connection reset by peer"))
	st := env.manager.State()
	assert.Equal(t, PhaseDisconnected, st.Phase)
	assert.Equal(t, "Connessione interrotta: connection reset by peer", st.Error)

	env.hub.FailNext(1)
	require.Error(t, env.manager.Connect(t.Context()))
	s := time.Second
	assert.Equal(t, []time.Duration{2 * s, 4 * s, 2 * s}, env.sched.Delays())
}

func TestCleanClose(t *testing.T) {
	env := newTestEnv(t)
	ch := connected(t, env)

	ch.Close(nil)
	st := env.manager.State()
	assert.Equal(t, PhaseDisconnected, st.Phase)
	assert.Empty(t, st.Error)
	assert.Empty(t, st.ConnectionID)
}

func TestDisconnect_CancelsPendingRetry(t *testing.T) {
	env := newTestEnv(t)
	env.hub.FailNext(1)

	require.Error(t, env.manager.Connect(t.Context()))
	assert.Equal(t, 1, env.sched.Pending())

	require.NoError(t, env.manager.Disconnect())
	assert.Zero(t, env.sched.Pending())
	assert.False(t, env.sched.Fire())
	assert.Equal(t, 1, env.hub.Created())
}

func TestReconnect_TearsDownPreviousChannel(t *testing.T) {
	env := newTestEnv(t)
	old := connected(t, env)

	require.NoError(t, env.manager.Reconnect(t.Context()))
	assert.True(t, old.Stopped())
	assert.Equal(t, 2, env.hub.Created())
	assert.Equal(t, "conn-b", env.manager.State().ConnectionID)

	// Late events from the old channel are ignored.
	old.Emit(t, EventAcquisitionsUpdated, `[{"id":1},{"id":2}]`)
	old.Close(errors.New("late"))
	st := env.manager.State()
	assert.Equal(t, PhaseConnected, st.Phase)
	assert.Empty(t, st.Error)
	assert.Empty(t, env.manager.Records())
}

func TestConnectWhileReconnecting_StopsOldChannel(t *testing.T) {
	env := newTestEnv(t)
	old := connected(t, env)

	old.Drop(errors.New("network down"))
	assert.Equal(t, PhaseReconnecting, env.manager.State().Phase)

	require.NoError(t, env.manager.Connect(t.Context()))
	assert.True(t, old.Stopped())
	assert.Equal(t, PhaseConnected, env.manager.State().Phase)
}

func TestBulkUpdate_SingleLegacyObject(t *testing.T) {
	env := newTestEnv(t)
	ch := connected(t, env)

	ch.Emit(t, EventAcquisitionsUpdated, `[{"id":"old-1"},{"id":"old-2"}]`)
	require.Len(t, env.manager.Records(), 2)

	ch.Emit(t, EventAcquisitionsUpdated, `{
		"ID": 9,
		"codicE_LINEA": "LINE1",
		"codicE_POSTAZIONE": "ST2",
		"codicE_ARTICOLO": "ART-9",
		"fotO_SUPERIORE": "C:\\acq\\img\\top_9.jpg",
		"esitO_CQ_ARTICOLO": false
	}`)

	recs := env.manager.Records()
	require.Len(t, recs, 1)
	r := recs[0]
	assert.Equal(t, "9", r.ID)
	assert.Equal(t, "LINE1", r.LineCode)
	assert.Equal(t, "ST2", r.StationCode)
	assert.Equal(t, "ART-9", r.ArticleCode)
	assert.Equal(t, testBase+"/api/images/public/top_9.jpg", r.PhotoTop)
	require.NotNil(t, r.QCOutcome)
	assert.False(t, *r.QCOutcome)
	assert.Nil(t, r.InsertedAt)
}

func TestNewAcquisition_Prepends(t *testing.T) {
	env := newTestEnv(t)
	ch := connected(t, env)

	ch.Emit(t, EventAcquisitionsUpdated, `[{"id":"a"}]`)
	ch.Emit(t, EventNewAcquisition, `[{"id":"b"},{"id":"c"}]`)
	ch.Emit(t, EventNewAcquisition, `{"id":"d"}`)

	var ids []string
	for _, r := range env.manager.Records() {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"d", "b", "a"}, ids)

	assert.Equal(t, uint64(3), env.manager.State().Signal)
	select {
	case v := <-env.manager.Signals():
		assert.Equal(t, uint64(3), v, "only the latest signal is buffered")
	default:
		t.Fatal("expected a pending signal")
	}
}

func TestServerEvents(t *testing.T) {
	env := newTestEnv(t)
	ch := connected(t, env)

	ch.Emit(t, EventConnected, "server-id-7")
	assert.Equal(t, "server-id-7", env.manager.State().ConnectionID)

	ch.Emit(t, EventError, "Postazione non trovata")
	st := env.manager.State()
	assert.Equal(t, "Postazione non trovata", st.Error)
	assert.Equal(t, PhaseConnected, st.Phase)
	assert.Zero(t, st.Signal, "errors are not data changes")
}

func TestTransportReconnect_ReloadsTrackedSelection(t *testing.T) {
	env := newTestEnv(t, "Subscribe")
	ch := connected(t, env)
	ctrl := NewSyncController(env.manager, env.manager.log)
	require.True(t, ctrl.Select(t.Context(), "LINE1", "ST2"))
	require.Len(t, env.fetches(), 1)
	subscribes := len(ch.Calls())

	ch.Drop(errors.New("websocket: close 1006"))
	assert.Equal(t, PhaseReconnecting, env.manager.State().Phase)
	assert.Len(t, env.fetches(), 1)

	ch.Recover("conn-z")
	st := env.manager.State()
	assert.Equal(t, PhaseConnected, st.Phase)
	assert.Equal(t, "conn-z", st.ConnectionID)

	fetches := env.fetches()
	require.Len(t, fetches, 2, "exactly one reload on recovery")
	assert.Equal(t, sel12, fetches[1])

	// The new connection probes and subscribes again.
	assert.Greater(t, len(ch.Calls()), subscribes)
	assert.Equal(t, "Subscribe", st.SubscribeMethod)
}

func TestTransportReconnect_UsesCurrentSelection(t *testing.T) {
	env := newTestEnv(t)
	ch := connected(t, env)
	ctrl := NewSyncController(env.manager, env.manager.log)
	ctrl.Select(t.Context(), "LINE1", "ST2")

	ch.Drop(errors.New("network down"))
	ctrl.Select(t.Context(), "LINE3", "ST9")
	ch.Recover("conn-y")

	fetches := env.fetches()
	require.Len(t, fetches, 3)
	assert.Equal(t, acquisition.Selection{Line: "LINE3", Station: "ST9"}, fetches[2])
}

func TestFetchError_KeepsListUnlessInitialLoad(t *testing.T) {
	env := newTestEnv(t)
	env.client.SetLatest(sel12, []acquisition.Record{record("1", "LINE1", "ST2")})
	require.NoError(t, env.manager.RefreshData(t.Context(), sel12))
	require.Len(t, env.manager.Records(), 1)

	env.client.SetError("LatestSingle", apperr.FromStatus(500, "boom"))
	require.Error(t, env.manager.RefreshData(t.Context(), sel12))
	assert.Len(t, env.manager.Records(), 1, "last good data kept")
	assert.Equal(t, "Errore del server. Riprova più tardi.", env.manager.State().FetchError)

	other := acquisition.Selection{Line: "LINE2", Station: "ST5"}
	require.Error(t, env.manager.RefreshData(t.Context(), other))
	assert.Empty(t, env.manager.Records(), "first load of a new selection clears the list")

	env.client.SetError("LatestSingle", nil)
	require.NoError(t, env.manager.RefreshData(t.Context(), other))
	assert.Empty(t, env.manager.State().FetchError)
}

func TestSubscribeAndSendMessage(t *testing.T) {
	env := newTestEnv(t, "Subscribe", "Ping")

	assert.False(t, env.manager.Subscribe(t.Context(), sel12), "not connected")
	assert.False(t, env.manager.SendMessage(t.Context(), "Ping"))

	ch := connected(t, env)
	assert.True(t, env.manager.Subscribe(t.Context(), sel12))
	assert.True(t, env.manager.SendMessage(t.Context(), "Ping"))
	assert.False(t, env.manager.SendMessage(t.Context(), "Nope"))

	ch.Reply("Ping", errors.New("boom"))
	assert.False(t, env.manager.SendMessage(t.Context(), "Ping"))
}

func TestListeners(t *testing.T) {
	env := newTestEnv(t)

	var mu sync.Mutex
	var phases []Phase
	var events []string
	env.manager.OnChange(func(s State) {
		mu.Lock()
		defer mu.Unlock()
		if len(phases) == 0 || phases[len(phases)-1] != s.Phase {
			phases = append(phases, s.Phase)
		}
	})
	env.manager.OnRecords(func(event string, recs []acquisition.Record) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, event)
	})

	ch := connected(t, env)
	ch.Emit(t, EventNewAcquisition, `{"id":"x"}`)
	ch.Emit(t, EventAcquisitionsUpdated, `[]`)
	require.NoError(t, env.manager.Disconnect())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Phase{PhaseConnecting, PhaseConnected, PhaseDisconnected}, phases)
	assert.Equal(t, []string{EventNewAcquisition, EventAcquisitionsUpdated}, events)
}

func TestStateJSON(t *testing.T) {
	env := newTestEnv(t)
	connected(t, env)

	data, err := json.Marshal(env.manager.State())
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "Connected", out["phase"])
	assert.Equal(t, "conn-a", out["connectionId"])
}

func TestClose(t *testing.T) {
	env := newTestEnv(t)
	env.hub.FailNext(1)
	require.Error(t, env.manager.Connect(t.Context()))

	require.NoError(t, env.manager.Close())
	require.NoError(t, env.manager.Close())
	assert.Zero(t, env.sched.Pending())
	assert.ErrorIs(t, env.manager.Connect(t.Context()), ErrClosed)
}
