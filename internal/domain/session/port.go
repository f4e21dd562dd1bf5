package session

import "context"

// AuthProvider creates and verifies email/password identities.
type AuthProvider interface {
	CreateIdentity(ctx context.Context, email, password, displayName string) (Identity, error)
	Authenticate(ctx context.Context, email, password string) (Identity, error)
}

// ProfileStore persists role documents. Role returns ErrProfileNotFound on a miss.
type ProfileStore interface {
	Role(ctx context.Context, identityID string) (Role, error)
	SaveUser(ctx context.Context, p UserProfile) error
	SavePatient(ctx context.Context, p PatientProfile) error
	SaveDoctor(ctx context.Context, p DoctorProfile) error
}

// AttemptLimiter throttles repeated failed sign-ins for one key.
type AttemptLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Fail(ctx context.Context, key string) error
	Reset(ctx context.Context, key string) error
}
