package session

import "strings"

// Role classifies an identity. It is looked up from the profile store, never stored on the identity.
type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
	RoleNone    Role = ""
)

// ParseRole maps free text to a Role; anything unknown is RoleNone.
func ParseRole(s string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RolePatient:
		return RolePatient
	case RoleDoctor:
		return RoleDoctor
	default:
		return RoleNone
	}
}

// String renders RoleNone as "none" so it reads well in logs and error bodies.
func (r Role) String() string {
	if r == RoleNone {
		return "none"
	}
	return string(r)
}

func (r Role) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *Role) UnmarshalText(b []byte) error {
	*r = ParseRole(string(b))
	return nil
}

// Identity is an authenticated user reference, independent of role.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
}

// Session is the signed-in state of one client.
type Session struct {
	Identity *Identity `json:"identity"`
	Role     Role      `json:"role"`
	Loading  bool      `json:"loading"`
}

// SignedIn reports whether an identity is attached.
func (s Session) SignedIn() bool { return s.Identity != nil }

// UserProfile is the role document keyed by identity id.
type UserProfile struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  Role   `json:"role"`
}

// PatientProfile is the empty patient record written at sign-up.
type PatientProfile struct {
	UserID    string `json:"user_id"`
	Name      string `json:"name"`
	Age       string `json:"age"`
	Gender    string `json:"gender"`
	DoctorID  string `json:"doctor_id"`
	ContactNo string `json:"contact_no"`
}

// DoctorProfile is the empty doctor record written at sign-up.
type DoctorProfile struct {
	UserID        string `json:"user_id"`
	Name          string `json:"name"`
	Qualification string `json:"qualification"`
	LicenseNo     string `json:"license_no"`
}
