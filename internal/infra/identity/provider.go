package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/bryanwahyu/diagnovision/internal/domain/session"
)

// ErrUserNotFound is the lookup miss of a UserRepository.
var ErrUserNotFound = errors.New("user not found")

// User is a stored credential.
type User struct {
	ID           string
	Email        string
	DisplayName  string
	PasswordHash string
	CreatedAt    time.Time
}

// UserRepository persists credentials. CreateUser returns session.ErrEmailInUse
// when the email is taken.
type UserRepository interface {
	CreateUser(ctx context.Context, u User) error
	UserByEmail(ctx context.Context, email string) (User, error)
}

// Provider is a local email/password identity provider.
type Provider struct {
	Users UserRepository
	Cost  int
	Now   func() time.Time

	// compared against when the email is unknown, so both paths cost one bcrypt
	dummy []byte
}

// NewProvider hashes with cost; zero means bcrypt.DefaultCost.
func NewProvider(users UserRepository, cost int) *Provider {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	dummy, _ := bcrypt.GenerateFromPassword([]byte("diagnovision"), cost)
	return &Provider{Users: users, Cost: cost, Now: time.Now, dummy: dummy}
}

// NormalizeEmail is the form emails are stored and looked up in.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (p *Provider) CreateIdentity(ctx context.Context, email, password, displayName string) (session.Identity, error) {
	email = NormalizeEmail(email)
	hash, err := bcrypt.GenerateFromPassword([]byte(password), p.Cost)
	if err != nil {
		return session.Identity{}, fmt.Errorf("hash password: %w", err)
	}
	u := User{
		ID:           uuid.NewString(),
		Email:        email,
		DisplayName:  strings.TrimSpace(displayName),
		PasswordHash: string(hash),
		CreatedAt:    p.Now().UTC(),
	}
	if err := p.Users.CreateUser(ctx, u); err != nil {
		if errors.Is(err, session.ErrEmailInUse) {
			return session.Identity{}, err
		}
		return session.Identity{}, fmt.Errorf("create user: %w", err)
	}
	return identityOf(u), nil
}

func (p *Provider) Authenticate(ctx context.Context, email, password string) (session.Identity, error) {
	u, err := p.Users.UserByEmail(ctx, NormalizeEmail(email))
	if errors.Is(err, ErrUserNotFound) {
		_ = bcrypt.CompareHashAndPassword(p.dummy, []byte(password))
		return session.Identity{}, session.ErrInvalidCredentials
	}
	if err != nil {
		return session.Identity{}, fmt.Errorf("load user: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return session.Identity{}, session.ErrInvalidCredentials
	}
	return identityOf(u), nil
}

func identityOf(u User) session.Identity {
	return session.Identity{ID: u.ID, DisplayName: u.DisplayName, Email: u.Email}
}
