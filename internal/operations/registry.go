package operations

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTimeout is the hard ceiling applied when neither the registry nor
// the caller specify one.
const DefaultTimeout = 30 * time.Minute

// Status is a read-only view of the operation registered for a kind.
type Status struct {
	Kind       Kind      `json:"kind"`
	Active     bool      `json:"active"`
	Cancelling bool      `json:"cancelling,omitempty"`
	ID         string    `json:"id,omitempty"`
	Descriptor string    `json:"descriptor,omitempty"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	Deadline   time.Time `json:"deadline,omitzero"`
}

// Listener observes operation lifecycle transitions. Callbacks run
// synchronously outside the registry lock and must not block.
type Listener interface {
	OperationStarted(st Status)
	OperationEnded(st Status, outcome Outcome)
}

// Params configures a single registration.
type Params struct {
	// Timeout overrides the registry default when positive.
	Timeout time.Duration
	// OnTimeout runs once, before the token is aborted, if the operation
	// outlives its timeout.
	OnTimeout func()
	// Descriptor is a short human-readable label exposed through Status.
	Descriptor string
}

// Operation is one guarded run of a kind.
type Operation struct {
	ID         string
	Kind       Kind
	Descriptor string
	StartedAt  time.Time
	Deadline   time.Time

	token     *Token
	timer     *time.Timer
	onTimeout func()
	registry  *Registry
	once      sync.Once
}

// Token returns the operation's cancellation token.
func (o *Operation) Token() *Token {
	return o.token
}

// Release removes the operation from its registry. It is safe to call any
// number of times from any goroutine.
func (o *Operation) Release() {
	outcome := OutcomeCompleted
	if o.token.Aborted() {
		outcome = OutcomeCancelled
	}
	o.registry.release(o, outcome)
}

func (o *Operation) status() Status {
	return Status{
		Kind:       o.Kind,
		Active:     true,
		Cancelling: o.token.Aborted(),
		ID:         o.ID,
		Descriptor: o.Descriptor,
		StartedAt:  o.StartedAt,
		Deadline:   o.Deadline,
	}
}

// Registry enforces at most one active operation per kind within the
// process.
type Registry struct {
	mu  sync.Mutex
	ops map[Kind]*Operation

	base      context.Context
	timeout   time.Duration
	listeners []Listener
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithTimeout sets the default hard timeout for registrations.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithListener adds a lifecycle listener.
func WithListener(l Listener) Option {
	return func(r *Registry) {
		if l != nil {
			r.listeners = append(r.listeners, l)
		}
	}
}

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithBaseContext sets the parent context of every token. Values flow
// through; cancellation of base aborts all tokens.
func WithBaseContext(ctx context.Context) Option {
	return func(r *Registry) {
		if ctx != nil {
			r.base = ctx
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		ops:     make(map[Kind]*Operation),
		base:    context.Background(),
		timeout: DefaultTimeout,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register claims kind. It returns a *ConflictError if an operation of the
// same kind is already registered. On success the hard timeout is armed;
// the caller must Release the operation when done.
func (r *Registry) Register(kind Kind, p Params) (*Operation, error) {
	if _, err := ParseKind(string(kind)); err != nil {
		return nil, err
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = r.timeout
	}

	r.mu.Lock()
	if active, ok := r.ops[kind]; ok {
		st := active.status()
		r.mu.Unlock()
		return nil, &ConflictError{Kind: kind, Active: st}
	}
	now := r.now()
	op := &Operation{
		ID:         uuid.NewString(),
		Kind:       kind,
		Descriptor: p.Descriptor,
		StartedAt:  now,
		Deadline:   now.Add(timeout),
		token:      newToken(r.base),
		onTimeout:  p.OnTimeout,
		registry:   r,
	}
	r.ops[kind] = op
	// Armed under the lock so expire never observes a nil timer.
	op.timer = time.AfterFunc(timeout, func() { r.expire(op) })
	st := op.status()
	r.mu.Unlock()

	r.logger.Info("operation started", "kind", kind, "id", op.ID, "timeout", timeout, "descriptor", p.Descriptor)
	for _, l := range r.listeners {
		l.OperationStarted(st)
	}
	return op, nil
}

// RunExclusive registers kind, runs fn with the operation token and releases
// the registration however fn exits. If the kind is already active it
// returns the *ConflictError without calling fn.
func (r *Registry) RunExclusive(kind Kind, p Params, fn func(tok *Token) error) (err error) {
	op, err := r.Register(kind, p)
	if err != nil {
		return err
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.release(op, OutcomeFailed)
			panic(rec)
		}
		outcome := OutcomeOf(err)
		if outcome == OutcomeCompleted && op.token.Aborted() {
			outcome = OutcomeCancelled
		}
		r.release(op, outcome)
	}()

	return fn(op.token)
}

// Cancel aborts the active operation of kind. The registration stays in
// place until the running body unwinds, so Status reports it as cancelling.
// It reports whether an operation was found.
func (r *Registry) Cancel(kind Kind) bool {
	r.mu.Lock()
	op, ok := r.ops[kind]
	r.mu.Unlock()
	if !ok {
		return false
	}
	op.token.abort(ErrCancelRequested)
	r.logger.Info("operation cancel requested", "kind", kind, "id", op.ID)
	return true
}

// Status returns the state of kind.
func (r *Registry) Status(kind Kind) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if op, ok := r.ops[kind]; ok {
		return op.status()
	}
	return Status{Kind: kind}
}

// Snapshot returns the status of every known kind.
func (r *Registry) Snapshot() []Status {
	out := make([]Status, 0, len(Kinds()))
	for _, k := range Kinds() {
		out = append(out, r.Status(k))
	}
	return out
}

// Close aborts every active operation. Running bodies still release their
// own registrations as they unwind.
func (r *Registry) Close() {
	r.mu.Lock()
	ops := make([]*Operation, 0, len(r.ops))
	for _, op := range r.ops {
		ops = append(ops, op)
	}
	r.mu.Unlock()

	for _, op := range ops {
		op.token.abort(ErrShutdown)
	}
}

func (r *Registry) expire(op *Operation) {
	r.mu.Lock()
	current := r.ops[op.Kind] == op
	r.mu.Unlock()
	if !current {
		return
	}

	r.logger.Warn("operation timed out", "kind", op.Kind, "id", op.ID, "started_at", op.StartedAt)
	if op.onTimeout != nil {
		op.onTimeout()
	}
	op.token.abort(ErrTimedOut)
	r.release(op, OutcomeCancelled)
}

func (r *Registry) release(op *Operation, outcome Outcome) {
	op.once.Do(func() {
		op.timer.Stop()

		r.mu.Lock()
		if r.ops[op.Kind] == op {
			delete(r.ops, op.Kind)
		}
		st := op.status()
		r.mu.Unlock()

		// Frees the context; the first abort cause is preserved.
		op.token.abort(errReleased)

		st.Active = false
		r.logger.Info("operation ended", "kind", op.Kind, "id", op.ID, "outcome", outcome,
			"elapsed", r.now().Sub(op.StartedAt).Round(time.Millisecond))
		for _, l := range r.listeners {
			l.OperationEnded(st, outcome)
		}
	})
}
