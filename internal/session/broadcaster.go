package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/jobharvest/internal/operations"
)

// StatusSource is the authoritative view of active operations.
type StatusSource interface {
	Status(kind operations.Kind) operations.Status
}

// Broadcaster owns the session store and hub. It implements
// operations.Listener so registry transitions reach every client.
type Broadcaster struct {
	store     *Store
	hub       *Hub
	status    StatusSource
	heartbeat time.Duration
	now       func() time.Time
	logger    *slog.Logger

	mu     sync.Mutex
	leases map[operations.Kind]*Lease
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithStaleAfter sets the staleness threshold.
func WithStaleAfter(d time.Duration) Option {
	return func(b *Broadcaster) { b.store = NewStore(d) }
}

// WithHeartbeatInterval sets how often leases refresh their session.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(b *Broadcaster) {
		if d > 0 {
			b.heartbeat = d
		}
	}
}

// WithHub replaces the default hub.
func WithHub(h *Hub) Option {
	return func(b *Broadcaster) {
		if h != nil {
			b.hub = h
		}
	}
}

// WithLogger sets the broadcaster logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broadcaster) {
		if l != nil {
			b.logger = l
		}
	}
}

func withClock(now func() time.Time) Option {
	return func(b *Broadcaster) { b.now = now }
}

// NewBroadcaster creates a Broadcaster reconciling against status.
func NewBroadcaster(status StatusSource, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		store:     NewStore(DefaultStaleAfter),
		hub:       NewHub(nil),
		status:    status,
		heartbeat: DefaultHeartbeatInterval,
		now:       time.Now,
		logger:    slog.Default(),
		leases:    make(map[operations.Kind]*Lease),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Hub returns the event hub.
func (b *Broadcaster) Hub() *Hub { return b.hub }

// Store returns the session store.
func (b *Broadcaster) Store() *Store { return b.store }

// Lease is a server-held session that heartbeats until End.
type Lease struct {
	session Session
	b       *Broadcaster
	done    chan struct{}
	exited  chan struct{}
	once    sync.Once
}

// Session returns the leased session as created.
func (l *Lease) Session() Session { return l.session }

// End stops heartbeating, removes the session and publishes stop. Safe to
// call more than once.
func (l *Lease) End() {
	l.once.Do(func() {
		close(l.done)
		<-l.exited
		l.b.stop(l.session.Kind, l.session.ID)
	})
}

func (l *Lease) run() {
	defer close(l.exited)
	t := time.NewTicker(l.b.heartbeat)
	defer t.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-t.C:
			if !l.b.Heartbeat(l.session.Kind, l.session.ID) {
				// Another session took the kind over.
				return
			}
		}
	}
}

// Begin stores a new session for kind, publishes start and heartbeats it
// until the lease ends. It replaces any session stored for kind.
func (b *Broadcaster) Begin(kind operations.Kind, owner, descriptor string) *Lease {
	now := b.now()
	sess := Session{
		ID:            uuid.NewString(),
		Kind:          kind,
		Owner:         owner,
		Descriptor:    descriptor,
		StartedAt:     now,
		LastHeartbeat: now,
	}
	b.store.Put(sess)
	b.publish(EventStart, kind, &sess)

	l := &Lease{session: sess, b: b, done: make(chan struct{}), exited: make(chan struct{})}
	go l.run()
	return l
}

// Start records a session announced by a remote client. It is rejected
// when the registry or another live session already holds the kind. Unlike
// Attach it does not drop sessions for inactive kinds: clients announce
// their session before the operation registers.
func (b *Broadcaster) Start(sess Session) bool {
	b.adopt(sess.Kind, b.status.Status(sess.Kind))
	now := b.now()
	if sess.StartedAt.IsZero() {
		sess.StartedAt = now
	}
	sess.LastHeartbeat = now
	if !b.store.Claim(sess, now) {
		b.logger.Debug("session start rejected, kind is held", "kind", sess.Kind, "session", sess.ID)
		return false
	}
	b.publish(EventStart, sess.Kind, &sess)
	return true
}

// Heartbeat refreshes the session with the given ID.
func (b *Broadcaster) Heartbeat(kind operations.Kind, id string) bool {
	sess, ok := b.store.Touch(kind, id, b.now())
	if ok {
		b.publish(EventHeartbeat, kind, &sess)
	}
	return ok
}

// Stop removes the session with the given ID and publishes stop.
func (b *Broadcaster) Stop(kind operations.Kind, id string) bool {
	return b.stop(kind, id)
}

func (b *Broadcaster) stop(kind operations.Kind, id string) bool {
	sess, ok := b.store.Remove(kind, id)
	if ok {
		b.publish(EventStop, kind, &sess)
	}
	return ok
}

// Attach reconciles the given kinds (all kinds when none are given) with
// the registry and returns the resulting snapshot event.
func (b *Broadcaster) Attach(kinds ...operations.Kind) Event {
	if len(kinds) == 0 {
		kinds = operations.Kinds()
	}
	now := b.now()
	ev := Event{Type: EventSnapshot, Kinds: kinds, At: now}
	for _, k := range kinds {
		b.reconcile(k)
		if sess, ok := b.store.Live(k, now); ok {
			ev.Sessions = append(ev.Sessions, sess)
		}
	}
	return ev
}

// reconcile makes the store agree with the registry for kind: sessions for
// inactive kinds are dropped and an active kind without a live session gets
// a server-owned one.
func (b *Broadcaster) reconcile(kind operations.Kind) {
	st := b.status.Status(kind)
	if st.Active {
		b.adopt(kind, st)
		return
	}
	if sess, ok := b.store.Remove(kind, ""); ok {
		b.logger.Debug("dropping session for inactive kind", "kind", kind, "session", sess.ID)
		b.publish(EventStop, kind, &sess)
	}
}

// adopt stores a server-owned session for an active operation that no live
// session accounts for.
func (b *Broadcaster) adopt(kind operations.Kind, st operations.Status) {
	if !st.Active {
		return
	}
	now := b.now()
	if _, ok := b.store.Live(kind, now); ok {
		return
	}
	sess := Session{
		ID:            st.ID,
		Kind:          kind,
		Owner:         OwnerServer,
		Descriptor:    st.Descriptor,
		StartedAt:     st.StartedAt,
		LastHeartbeat: now,
	}
	b.store.Put(sess)
	b.logger.Debug("synthesized server session", "kind", kind, "operation", st.ID)
	b.publish(EventStart, kind, &sess)
}

// OperationStarted leases a server session unless a client already
// announced one for the kind.
func (b *Broadcaster) OperationStarted(st operations.Status) {
	if _, ok := b.store.Live(st.Kind, b.now()); ok {
		return
	}
	l := b.Begin(st.Kind, OwnerServer, st.Descriptor)
	b.mu.Lock()
	prev := b.leases[st.Kind]
	b.leases[st.Kind] = l
	b.mu.Unlock()
	if prev != nil {
		prev.End()
	}
}

// OperationEnded ends the server lease and clears whatever session still
// claims the kind.
func (b *Broadcaster) OperationEnded(st operations.Status, outcome operations.Outcome) {
	b.mu.Lock()
	l := b.leases[st.Kind]
	delete(b.leases, st.Kind)
	b.mu.Unlock()
	if l != nil {
		l.End()
	}
	b.stop(st.Kind, "")
	b.logger.Debug("operation session closed", "kind", st.Kind, "outcome", outcome)
}

func (b *Broadcaster) publish(t EventType, kind operations.Kind, sess *Session) {
	b.hub.Publish(Event{Type: t, Kind: kind, Session: sess, At: b.now()})
}

var _ operations.Listener = (*Broadcaster)(nil)
