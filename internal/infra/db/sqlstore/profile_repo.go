package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/bryanwahyu/diagnovision/internal/domain/session"
)

// ProfileRepository implements session.ProfileStore.
type ProfileRepository struct{ db *DB }

func NewProfileRepository(db *DB) *ProfileRepository { return &ProfileRepository{db: db} }

// Role reads the role from the user profile; a missing row is session.ErrProfileNotFound.
func (r *ProfileRepository) Role(ctx context.Context, id string) (session.Role, error) {
	var raw string
	err := r.db.queryRow(ctx, `SELECT role FROM user_profiles WHERE id=? LIMIT 1`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return session.RoleNone, session.ErrProfileNotFound
	}
	if err != nil {
		return session.RoleNone, fmt.Errorf("select role: %w", err)
	}
	// unknown role strings resolve to none, same as a missing profile
	return session.ParseRole(raw), nil
}

func (r *ProfileRepository) SaveUser(ctx context.Context, p session.UserProfile) error {
	q := r.db.dialect.upsert("user_profiles", "id",
		[]string{"id", "email", "role"},
		[]string{"email", "role"})
	_, err := r.db.db.ExecContext(ctx, q, p.ID, p.Email, string(p.Role))
	return err
}

func (r *ProfileRepository) SavePatient(ctx context.Context, p session.PatientProfile) error {
	q := r.db.dialect.upsert("patient_profiles", "user_id",
		[]string{"user_id", "name", "age", "gender", "doctor_id", "contact_no"},
		[]string{"name", "age", "gender", "doctor_id", "contact_no"})
	_, err := r.db.db.ExecContext(ctx, q, p.UserID, p.Name, p.Age, p.Gender, p.DoctorID, p.ContactNo)
	return err
}

func (r *ProfileRepository) SaveDoctor(ctx context.Context, p session.DoctorProfile) error {
	q := r.db.dialect.upsert("doctor_profiles", "user_id",
		[]string{"user_id", "name", "qualification", "license_no"},
		[]string{"name", "qualification", "license_no"})
	_, err := r.db.db.ExecContext(ctx, q, p.UserID, p.Name, p.Qualification, p.LicenseNo)
	return err
}
