package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	domain "github.com/bryanwahyu/diagnovision/internal/domain/session"
)

const defaultRoleTimeout = 5 * time.Second

// Deps are the collaborators shared by every Store.
type Deps struct {
	Auth     domain.AuthProvider
	Profiles domain.ProfileStore
	// Limiter is optional.
	Limiter     domain.AttemptLimiter
	Log         *zap.Logger
	RoleTimeout time.Duration
}

type change struct {
	identity *domain.Identity
	applied  chan struct{}
}

// Store tracks the signed-in identity and role of one client.
//
// Auth-state changes are applied one at a time by a single goroutine; each change
// resolves the role before it is published. Subscribers always see the latest Session.
// Close is the only teardown: it stops the goroutine and closes every subscriber channel.
type Store struct {
	deps Deps
	log  *zap.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	changes chan change
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once

	mu      sync.RWMutex
	current domain.Session
	closed  bool
	subs    map[int]chan domain.Session
	nextSub int
}

// NewStore starts a Store in the loading state.
func NewStore(d Deps) *Store {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.RoleTimeout <= 0 {
		d.RoleTimeout = defaultRoleTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		deps:    d,
		log:     d.Log.Named("session"),
		ctx:     ctx,
		cancel:  cancel,
		changes: make(chan change),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		current: domain.Session{Loading: true},
		subs:    make(map[int]chan domain.Session),
	}
	go s.run()
	return s
}

// Current returns a snapshot of the session.
func (s *Store) Current() domain.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Subscribe returns a channel that immediately yields the current session and then
// every later one. Slow readers only miss intermediate values, never the latest.
// The channel is closed by unsubscribe or by Close.
func (s *Store) Subscribe() (<-chan domain.Session, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan domain.Session, 1)
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	ch <- s.current

	var once sync.Once
	return ch, func() { once.Do(func() { s.unsubscribe(id) }) }
}

func (s *Store) unsubscribe(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.subs[id]; ok {
		delete(s.subs, id)
		close(ch)
	}
}

// SignUp creates the identity, writes its role documents and signs it in.
//
// When the role documents cannot be written the identity still exists and is signed
// in with no role; the returned error is a *ProfileIncompleteError.
func (s *Store) SignUp(ctx context.Context, email, password, displayName string, role domain.Role) (domain.Identity, error) {
	if s.isClosed() {
		return domain.Identity{}, domain.ErrSessionClosed
	}
	id, err := s.deps.Auth.CreateIdentity(ctx, email, password, displayName)
	if err != nil {
		return domain.Identity{}, err
	}

	perr := s.writeProfiles(ctx, id, role)
	if err := s.emit(ctx, &id); err != nil {
		return id, err
	}
	if perr != nil {
		s.log.Warn("sign-up left identity without profile",
			zap.String("identity_id", id.ID), zap.Stringer("role", role), zap.Error(perr))
		return id, &domain.ProfileIncompleteError{IdentityID: id.ID, Err: perr}
	}
	return id, nil
}

func (s *Store) writeProfiles(ctx context.Context, id domain.Identity, role domain.Role) error {
	if role == domain.RoleNone {
		return nil
	}
	if err := s.deps.Profiles.SaveUser(ctx, domain.UserProfile{ID: id.ID, Email: id.Email, Role: role}); err != nil {
		return err
	}
	switch role {
	case domain.RolePatient:
		return s.deps.Profiles.SavePatient(ctx, domain.PatientProfile{UserID: id.ID, Name: id.DisplayName})
	case domain.RoleDoctor:
		return s.deps.Profiles.SaveDoctor(ctx, domain.DoctorProfile{UserID: id.ID, Name: id.DisplayName})
	}
	return nil
}

// SignIn verifies the credentials and signs the identity in.
func (s *Store) SignIn(ctx context.Context, email, password string) (domain.Identity, error) {
	if s.isClosed() {
		return domain.Identity{}, domain.ErrSessionClosed
	}
	key := strings.ToLower(strings.TrimSpace(email))
	lim := s.deps.Limiter

	if lim != nil {
		ok, err := lim.Allow(ctx, key)
		if err != nil {
			s.log.Warn("attempt limiter unavailable", zap.Error(err))
		} else if !ok {
			return domain.Identity{}, domain.ErrTooManyAttempts
		}
	}

	id, err := s.deps.Auth.Authenticate(ctx, email, password)
	if err != nil {
		if lim != nil && errors.Is(err, domain.ErrInvalidCredentials) {
			if ferr := lim.Fail(ctx, key); ferr != nil {
				s.log.Warn("record failed attempt", zap.Error(ferr))
			}
		}
		return domain.Identity{}, err
	}
	if lim != nil {
		if rerr := lim.Reset(ctx, key); rerr != nil {
			s.log.Warn("reset attempts", zap.Error(rerr))
		}
	}

	if err := s.emit(ctx, &id); err != nil {
		return id, err
	}
	return id, nil
}

// SignOut clears the identity. Signing out twice is not an error.
func (s *Store) SignOut(ctx context.Context) error {
	return s.emit(ctx, nil)
}

// Close tears the store down. It is safe to call more than once.
func (s *Store) Close() {
	s.once.Do(func() {
		s.cancel()
		close(s.done)
		<-s.stopped

		s.mu.Lock()
		defer s.mu.Unlock()
		s.closed = true
		for id, ch := range s.subs {
			close(ch)
			delete(s.subs, id)
		}
	})
}

func (s *Store) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// emit queues an auth-state change and waits until it has been published.
func (s *Store) emit(ctx context.Context, id *domain.Identity) error {
	c := change{identity: id, applied: make(chan struct{})}
	select {
	case s.changes <- c:
	case <-s.done:
		return domain.ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-c.applied:
		return nil
	case <-s.stopped:
		return domain.ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) run() {
	defer close(s.stopped)
	for {
		select {
		case <-s.done:
			return
		case c := <-s.changes:
			s.apply(c.identity)
			close(c.applied)
		}
	}
}

func (s *Store) apply(id *domain.Identity) {
	next := domain.Session{Role: domain.RoleNone}
	if id != nil {
		cp := *id
		next.Identity = &cp
		next.Role = s.resolveRole(cp.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.current = next
	for _, ch := range s.subs {
		offer(ch, next)
	}
}

// resolveRole never fails: a miss or a lookup error both mean no role.
func (s *Store) resolveRole(identityID string) domain.Role {
	ctx, cancel := context.WithTimeout(s.ctx, s.deps.RoleTimeout)
	defer cancel()

	role, err := s.deps.Profiles.Role(ctx, identityID)
	switch {
	case err == nil:
		return role
	case errors.Is(err, domain.ErrProfileNotFound):
		s.log.Debug("no profile for identity", zap.String("identity_id", identityID))
	default:
		s.log.Warn("role lookup failed", zap.String("identity_id", identityID), zap.Error(err))
	}
	return domain.RoleNone
}

// offer replaces any unread value so the channel always holds the latest session.
func offer(ch chan domain.Session, v domain.Session) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}
