// Package access decides, for every inbound operation, whether it may run.
//
// The decision combines three inputs: whether a password has been set up,
// whether the request carries the shared credential, and whether an
// experiment currently owns the hardware. There is exactly one identity for
// the whole device.
package access

// Outcome is the result of a gate decision.
type Outcome int

const (
	Allow Outcome = iota
	RedirectToPasswordSetup
	RedirectToLogin
	RedirectToUnavailable
)

func (o Outcome) String() string {
	switch o {
	case Allow:
		return "allow"
	case RedirectToPasswordSetup:
		return "password-setup"
	case RedirectToLogin:
		return "login"
	case RedirectToUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Redirect targets for the non-Allow outcomes.
const (
	PasswordSetupPath = "/newpass"
	LoginPath         = "/login"
	UnavailablePath   = "/empty"
)

// Location returns the redirect target of o, or "" for Allow.
func (o Outcome) Location() string {
	switch o {
	case RedirectToPasswordSetup:
		return PasswordSetupPath
	case RedirectToLogin:
		return LoginPath
	case RedirectToUnavailable:
		return UnavailablePath
	default:
		return ""
	}
}

// PasswordStore exposes the stored credential hash. An empty hash means no
// password has been configured yet.
type PasswordStore interface {
	PasswordHash() string
}

// Availability reports whether an experiment is running.
type Availability interface {
	Running() bool
}

// Gate evaluates access decisions.
type Gate struct {
	table        Table
	passwords    PasswordStore
	availability Availability
}

// NewGate creates a gate over table. A nil table uses DefaultTable.
func NewGate(table Table, passwords PasswordStore, availability Availability) *Gate {
	if table == nil {
		table = DefaultTable
	}
	return &Gate{
		table:        table,
		passwords:    passwords,
		availability: availability,
	}
}

// Decide evaluates op for a request carrying credential.
func (g *Gate) Decide(op Operation, credential string) Outcome {
	stored := g.passwords.PasswordHash()
	if stored == "" && op != OpNewPassword && op != OpStatic {
		return RedirectToPasswordSetup
	}

	class := g.table.Class(op)
	if !class.Has(Public) && op != OpStatic && !CheckPassword(credential, stored) {
		return RedirectToLogin
	}

	if class.Has(BlockedWhileRunning) && g.availability.Running() {
		return RedirectToUnavailable
	}
	return Allow
}

// Available reports whether op may touch the hardware right now, ignoring
// authorization. Long-lived connections use it to re-check each command.
func (g *Gate) Available(op Operation) bool {
	return !(g.table.Class(op).Has(BlockedWhileRunning) && g.availability.Running())
}

// Authorized reports whether credential matches the stored password.
func (g *Gate) Authorized(credential string) bool {
	return CheckPassword(credential, g.passwords.PasswordHash())
}

// PasswordConfigured reports whether a password has been set up.
func (g *Gate) PasswordConfigured() bool {
	return g.passwords.PasswordHash() != ""
}
