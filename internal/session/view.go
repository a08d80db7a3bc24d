package session

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/kalambet/jobharvest/internal/operations"
)

// StatusFunc queries the server's registry status for kind.
type StatusFunc func(ctx context.Context, kind operations.Kind) (operations.Status, error)

// View is a client's belief about which kinds are active. Events update it,
// stale sessions read as absent, and Reconcile resets it from the registry.
type View struct {
	mu         sync.Mutex
	sessions   map[operations.Kind]Session
	staleAfter time.Duration
	status     StatusFunc
	now        func() time.Time
}

// NewView creates an empty view. status may be nil, in which case
// Reconcile only drops stale sessions.
func NewView(staleAfter time.Duration, status StatusFunc) *View {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &View{
		sessions:   make(map[operations.Kind]Session),
		staleAfter: staleAfter,
		status:     status,
		now:        time.Now,
	}
}

// Apply folds a server event into the view.
func (v *View) Apply(ev Event) {
	v.mu.Lock()
	defer v.mu.Unlock()
	switch ev.Type {
	case EventStart, EventHeartbeat:
		if ev.Session != nil {
			v.sessions[ev.Kind] = *ev.Session
		}
	case EventStop:
		cur, ok := v.sessions[ev.Kind]
		if ok && (ev.Session == nil || ev.Session.ID == cur.ID) {
			delete(v.sessions, ev.Kind)
		}
	case EventSnapshot:
		for _, k := range ev.Kinds {
			delete(v.sessions, k)
		}
		for _, s := range ev.Sessions {
			v.sessions[s.Kind] = s
		}
	}
}

// Active returns the live session for kind.
func (v *View) Active(kind operations.Kind) (Session, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	s, ok := v.sessions[kind]
	if !ok || s.Stale(v.now(), v.staleAfter) {
		return Session{}, false
	}
	return s, true
}

// Reconcile replaces the cached belief for every kind with the registry's
// answer. Kinds whose status query fails keep their cached session unless
// it is stale.
func (v *View) Reconcile(ctx context.Context) error {
	var firstErr error
	for _, k := range operations.Kinds() {
		if v.status == nil {
			v.dropStale(k)
			continue
		}
		st, err := v.status(ctx, k)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			v.dropStale(k)
			continue
		}
		v.mu.Lock()
		if !st.Active {
			delete(v.sessions, k)
		} else if cur, ok := v.sessions[k]; !ok || cur.Stale(v.now(), v.staleAfter) {
			v.sessions[k] = Session{
				ID:            st.ID,
				Kind:          k,
				Owner:         OwnerServer,
				Descriptor:    st.Descriptor,
				StartedAt:     st.StartedAt,
				LastHeartbeat: v.now(),
			}
		}
		v.mu.Unlock()
	}
	return firstErr
}

func (v *View) dropStale(k operations.Kind) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if cur, ok := v.sessions[k]; ok && cur.Stale(v.now(), v.staleAfter) {
		delete(v.sessions, k)
	}
}

// Follow keeps the view current from the websocket at rawURL until ctx is
// done. It reconciles on every (re)connect and redials after retryDelay
// when the connection drops. onEvent, if set, runs after each applied event.
func (v *View) Follow(ctx context.Context, rawURL string, header http.Header, retryDelay time.Duration, onEvent func(Event)) error {
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}
	for {
		err := v.followOnce(ctx, rawURL, header, onEvent)
		if ctx.Err() != nil {
			return nil
		}
		slog.Debug("session stream interrupted, reconnecting", "err", err, "delay", retryDelay)
		if operations.Sleep(ctx, retryDelay) != nil {
			return nil
		}
	}
}

func (v *View) followOnce(ctx context.Context, rawURL string, header http.Header, onEvent func(Event)) error {
	conn, err := Dial(ctx, rawURL, header)
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	v.Reconcile(ctx)
	for {
		ev, err := conn.Next()
		if err != nil {
			return err
		}
		v.Apply(ev)
		if onEvent != nil {
			onEvent(ev)
		}
	}
}
