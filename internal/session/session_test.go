package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/jobharvest/internal/operations"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeStatus struct {
	mu     sync.Mutex
	active map[operations.Kind]operations.Status
}

func newFakeStatus() *fakeStatus {
	return &fakeStatus{active: make(map[operations.Kind]operations.Status)}
}

func (f *fakeStatus) set(st operations.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st.Active {
		f.active[st.Kind] = st
	} else {
		delete(f.active, st.Kind)
	}
}

func (f *fakeStatus) Status(kind operations.Kind) operations.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.active[kind]; ok {
		return st
	}
	return operations.Status{Kind: kind}
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func drain(sub *Subscription) []Event {
	var out []Event
	for {
		select {
		case ev := <-sub.C:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func types(evs []Event) []EventType {
	out := make([]EventType, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

func TestStore_StaleSessionIsAbsent(t *testing.T) {
	s := NewStore(time.Minute)
	now := time.Now()
	s.Put(Session{ID: "a", Kind: operations.KindCollection, LastHeartbeat: now})

	_, ok := s.Live(operations.KindCollection, now.Add(30*time.Second))
	assert.True(t, ok)

	_, ok = s.Live(operations.KindCollection, now.Add(2*time.Minute))
	assert.False(t, ok, "stale session must read as absent")

	_, stored := s.Get(operations.KindCollection)
	assert.True(t, stored, "stale sessions stay stored until removed")
}

func TestStore_ClaimAndTouch(t *testing.T) {
	s := NewStore(time.Minute)
	now := time.Now()
	require.True(t, s.Claim(Session{ID: "a", Kind: operations.KindCollection, LastHeartbeat: now}, now))
	assert.False(t, s.Claim(Session{ID: "b", Kind: operations.KindCollection, LastHeartbeat: now}, now))

	_, ok := s.Touch(operations.KindCollection, "b", now)
	assert.False(t, ok)
	later := now.Add(50 * time.Second)
	sess, ok := s.Touch(operations.KindCollection, "a", later)
	require.True(t, ok)
	assert.Equal(t, later, sess.LastHeartbeat)

	assert.True(t, s.Claim(Session{ID: "b", Kind: operations.KindCollection, LastHeartbeat: now}, later.Add(2*time.Minute)),
		"a stale holder can be replaced")

	_, ok = s.Remove(operations.KindCollection, "a")
	assert.False(t, ok)
	_, ok = s.Remove(operations.KindCollection, "b")
	assert.True(t, ok)
}

func TestHub_PublishNeverBlocks(t *testing.T) {
	drops := 0
	h := NewHub(func() { drops++ })
	slow := h.Subscribe("", 1)
	defer slow.Close()

	done := make(chan struct{})
	go func() {
		for range 5 {
			h.Publish(Event{Type: EventHeartbeat, Kind: operations.KindCollection})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	assert.Len(t, drain(slow), 1)
	assert.Equal(t, uint64(4), h.Dropped())
	assert.Equal(t, 4, drops)
}

func TestHub_KindFilter(t *testing.T) {
	h := NewHub(nil)
	coll := h.Subscribe(operations.KindCollection, 8)
	all := h.Subscribe("", 8)

	h.Publish(Event{Type: EventStart, Kind: operations.KindEnrichment})
	h.Publish(Event{Type: EventStart, Kind: operations.KindCollection})
	h.Publish(Event{Type: EventSnapshot, Kinds: []operations.Kind{operations.KindCollection}})

	assert.Len(t, drain(coll), 2)
	assert.Len(t, drain(all), 3)

	coll.Close()
	coll.Close()
	assert.Equal(t, 1, h.Subscribers())
}

func TestBroadcaster_LeaseLifecycle(t *testing.T) {
	b := NewBroadcaster(newFakeStatus(), WithLogger(quiet), WithHeartbeatInterval(10*time.Millisecond))
	sub := b.Hub().Subscribe("", 64)
	defer sub.Close()

	l := b.Begin(operations.KindCollection, "cli", "startupjobs")
	sess, ok := b.Store().Live(operations.KindCollection, time.Now())
	require.True(t, ok)
	assert.Equal(t, l.Session().ID, sess.ID)

	time.Sleep(35 * time.Millisecond)
	l.End()
	l.End()

	_, ok = b.Store().Get(operations.KindCollection)
	assert.False(t, ok)

	evs := types(drain(sub))
	require.NotEmpty(t, evs)
	assert.Equal(t, EventStart, evs[0])
	assert.Equal(t, EventStop, evs[len(evs)-1])
	assert.Contains(t, evs, EventHeartbeat)
	stops := 0
	for _, e := range evs {
		if e == EventStop {
			stops++
		}
	}
	assert.Equal(t, 1, stops)
}

func TestBroadcaster_AttachReconciles(t *testing.T) {
	status := newFakeStatus()
	clk := &clock{now: time.Now()}
	b := NewBroadcaster(status, WithLogger(quiet), withClock(clk.Now))

	// A session left behind for a kind the registry no longer runs.
	b.Store().Put(Session{ID: "ghost", Kind: operations.KindEnrichment, LastHeartbeat: clk.Now()})
	// An active operation nobody announced.
	status.set(operations.Status{Kind: operations.KindCollection, Active: true, ID: "op-1", Descriptor: "all"})

	snap := b.Attach()
	assert.Equal(t, EventSnapshot, snap.Type)
	assert.ElementsMatch(t, operations.Kinds(), snap.Kinds)
	require.Len(t, snap.Sessions, 1)
	assert.Equal(t, "op-1", snap.Sessions[0].ID)
	assert.Equal(t, OwnerServer, snap.Sessions[0].Owner)
	assert.Equal(t, "all", snap.Sessions[0].Descriptor)

	_, ok := b.Store().Get(operations.KindEnrichment)
	assert.False(t, ok)

	// The synthesized session goes stale without heartbeats and is
	// synthesized again on the next attach while the kind stays active.
	clk.Advance(3 * time.Minute)
	snap = b.Attach(operations.KindCollection)
	require.Len(t, snap.Sessions, 1)
	assert.Equal(t, clk.Now(), snap.Sessions[0].LastHeartbeat)
}

func TestBroadcaster_StartRejectedWhileHeld(t *testing.T) {
	status := newFakeStatus()
	b := NewBroadcaster(status, WithLogger(quiet))

	status.set(operations.Status{Kind: operations.KindCollection, Active: true, ID: "op-1"})
	assert.False(t, b.Start(Session{ID: "client-1", Kind: operations.KindCollection}),
		"an active registry entry without a session is reconciled first")

	status.set(operations.Status{Kind: operations.KindCollection})
	b.Attach()
	assert.True(t, b.Start(Session{ID: "client-1", Kind: operations.KindCollection, Owner: "cli"}))
	assert.False(t, b.Start(Session{ID: "client-2", Kind: operations.KindCollection}))
	assert.True(t, b.Heartbeat(operations.KindCollection, "client-1"))
	assert.False(t, b.Heartbeat(operations.KindCollection, "client-2"))
	assert.True(t, b.Stop(operations.KindCollection, "client-1"))
}

func TestBroadcaster_RegistryListener(t *testing.T) {
	b := NewBroadcaster(nil, WithLogger(quiet))
	reg := operations.NewRegistry(operations.WithLogger(quiet), operations.WithListener(b))
	b.status = reg
	sub := b.Hub().Subscribe(operations.KindCollection, 16)
	defer sub.Close()

	var during Session
	err := reg.RunExclusive(operations.KindCollection, operations.Params{Descriptor: "jobscz"}, func(*operations.Token) error {
		var ok bool
		during, ok = b.Store().Live(operations.KindCollection, time.Now())
		if !ok {
			return errors.New("no session while running")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, OwnerServer, during.Owner)
	assert.Equal(t, "jobscz", during.Descriptor)

	_, ok := b.Store().Get(operations.KindCollection)
	assert.False(t, ok)
	assert.Equal(t, []EventType{EventStart, EventStop}, types(drain(sub)))
}

func TestBroadcaster_ClientSessionKeptForRegistryRun(t *testing.T) {
	b := NewBroadcaster(newFakeStatus(), WithLogger(quiet))
	require.True(t, b.Start(Session{ID: "cli-1", Kind: operations.KindCollection, Owner: "cli"}))

	b.OperationStarted(operations.Status{Kind: operations.KindCollection, Active: true, ID: "op-1"})
	sess, ok := b.Store().Live(operations.KindCollection, time.Now())
	require.True(t, ok)
	assert.Equal(t, "cli-1", sess.ID, "the client's own session is not replaced")

	b.OperationEnded(operations.Status{Kind: operations.KindCollection, ID: "op-1"}, operations.OutcomeCompleted)
	_, ok = b.Store().Get(operations.KindCollection)
	assert.False(t, ok)
}

func TestView_ApplyAndStaleness(t *testing.T) {
	clk := &clock{now: time.Now()}
	v := NewView(time.Minute, nil)
	v.now = clk.Now

	sess := Session{ID: "s1", Kind: operations.KindCollection, LastHeartbeat: clk.Now()}
	v.Apply(Event{Type: EventStart, Kind: operations.KindCollection, Session: &sess})
	_, ok := v.Active(operations.KindCollection)
	assert.True(t, ok)

	clk.Advance(2 * time.Minute)
	_, ok = v.Active(operations.KindCollection)
	assert.False(t, ok, "stale heartbeat reads as absent")

	fresh := sess
	fresh.LastHeartbeat = clk.Now()
	v.Apply(Event{Type: EventHeartbeat, Kind: operations.KindCollection, Session: &fresh})
	_, ok = v.Active(operations.KindCollection)
	assert.True(t, ok)

	other := Session{ID: "s2"}
	v.Apply(Event{Type: EventStop, Kind: operations.KindCollection, Session: &other})
	_, ok = v.Active(operations.KindCollection)
	assert.True(t, ok, "stop for another session is ignored")

	v.Apply(Event{Type: EventSnapshot, Kinds: operations.Kinds()})
	_, ok = v.Active(operations.KindCollection)
	assert.False(t, ok)
}

func TestView_ReconcileTrustsServer(t *testing.T) {
	status := newFakeStatus()
	status.set(operations.Status{Kind: operations.KindEnrichment, Active: true, ID: "op-9"})
	v := NewView(time.Minute, func(_ context.Context, k operations.Kind) (operations.Status, error) {
		return status.Status(k), nil
	})

	cached := Session{ID: "old", Kind: operations.KindCollection, LastHeartbeat: time.Now()}
	v.Apply(Event{Type: EventStart, Kind: operations.KindCollection, Session: &cached})

	require.NoError(t, v.Reconcile(context.Background()))
	_, ok := v.Active(operations.KindCollection)
	assert.False(t, ok, "cached belief dropped when the server says inactive")
	sess, ok := v.Active(operations.KindEnrichment)
	require.True(t, ok)
	assert.Equal(t, "op-9", sess.ID)
}

func TestWebsocket_RoundTrip(t *testing.T) {
	status := newFakeStatus()
	b := NewBroadcaster(status, WithLogger(quiet))
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		kind := operations.Kind(r.URL.Query().Get("kind"))
		b.Serve(r.Context(), conn, kind)
	}))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?kind=collection"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Watcher: receives the snapshot, then the holder's start.
	watcher, err := Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer watcher.Close()
	snap, err := watcher.Next()
	require.NoError(t, err)
	assert.Equal(t, EventSnapshot, snap.Type)
	assert.Empty(t, snap.Sessions)

	holder, err := Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer holder.Close()
	id, release, err := holder.Hold(ctx, operations.KindCollection, "cli", "startupjobs", time.Hour)
	require.NoError(t, err)

	ev, err := watcher.Next()
	require.NoError(t, err)
	assert.Equal(t, EventStart, ev.Type)
	require.NotNil(t, ev.Session)
	assert.Equal(t, id, ev.Session.ID)
	assert.Equal(t, "cli", ev.Session.Owner)

	release()
	ev, err = watcher.Next()
	require.NoError(t, err)
	assert.Equal(t, EventStop, ev.Type)

	_, ok := b.Store().Get(operations.KindCollection)
	assert.False(t, ok)
}
