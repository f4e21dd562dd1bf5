package session

// Verdict is the outcome of a route authorization check.
type Verdict int

const (
	// Wait means the session is still resolving; no redirect decision yet.
	Wait Verdict = iota
	RedirectToSignIn
	Forbidden
	Allow
)

func (v Verdict) String() string {
	switch v {
	case Wait:
		return "wait"
	case RedirectToSignIn:
		return "redirect_to_signin"
	case Forbidden:
		return "forbidden"
	case Allow:
		return "allow"
	default:
		return "unknown"
	}
}

// Decision carries the verdict plus the roles needed to render an access-denied state.
type Decision struct {
	Verdict  Verdict `json:"-"`
	Required Role    `json:"required,omitempty"`
	Actual   Role    `json:"actual"`
}

// Authorize gates a route on session presence and, when required is not RoleNone, on role.
func Authorize(s Session, required Role) Decision {
	d := Decision{Required: required, Actual: s.Role}
	switch {
	case s.Loading:
		d.Verdict = Wait
	case s.Identity == nil:
		d.Verdict = RedirectToSignIn
	case required != RoleNone && s.Role != required:
		d.Verdict = Forbidden
	default:
		d.Verdict = Allow
	}
	return d
}
