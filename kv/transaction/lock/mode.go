package lock

import "strings"

// Mode is a lock mode. The compatibility between modes is fixed.
type Mode uint8

const (
	NoLock Mode = iota
	S
	U
	X
	IS
	IX
	SIX
	SchS
	SchM
)

const modeCount = int(SchM) + 1

var modeNames = [modeCount]string{"NL", "S", "U", "X", "IS", "IX", "SIX", "Sch-S", "Sch-M"}

func (m Mode) String() string {
	if int(m) < modeCount {
		return modeNames[m]
	}
	return "unknown"
}

// ParseMode parses the names printed by String, case insensitive.
func ParseMode(s string) (Mode, bool) {
	for i, name := range modeNames {
		if strings.EqualFold(name, s) {
			return Mode(i), true
		}
	}
	return NoLock, false
}

// Modes lists every real lock mode.
var Modes = []Mode{S, U, X, IS, IX, SIX, SchS, SchM}

const (
	y = true
	n = false
)

// compatibility[held][requested]
var compatibility = [modeCount][modeCount]bool{
	//          NL S  U  X  IS IX SIX SchS SchM
	NoLock: {y, y, y, y, y, y, y, y, y},
	S:      {y, y, y, n, y, n, n, y, n},
	U:      {y, y, n, n, y, n, n, y, n},
	X:      {y, n, n, n, n, n, n, y, n},
	IS:     {y, y, y, n, y, y, y, y, n},
	IX:     {y, n, n, n, y, y, n, y, n},
	SIX:    {y, n, n, n, y, n, n, y, n},
	SchS:   {y, y, y, y, y, y, y, y, n},
	SchM:   {y, n, n, n, n, n, n, n, n},
}

// Compatible reports whether a grant of mode a and a grant of mode b may coexist on one resource.
func Compatible(a, b Mode) bool {
	return compatibility[a][b]
}

// supremum of two modes by conflict set. U joined with an intent exclusive mode is SIX, since SIX conflicts with
// everything U or IX conflicts with.
var supremum = [modeCount][modeCount]Mode{
	//          NL      S    U    X  IS   IX   SIX  SchS  SchM
	NoLock: {NoLock, S, U, X, IS, IX, SIX, SchS, SchM},
	S:      {S, S, U, X, S, SIX, SIX, S, SchM},
	U:      {U, U, U, X, U, SIX, SIX, U, SchM},
	X:      {X, X, X, X, X, X, X, X, SchM},
	IS:     {IS, S, U, X, IS, IX, SIX, IS, SchM},
	IX:     {IX, SIX, SIX, X, IX, IX, SIX, IX, SchM},
	SIX:    {SIX, SIX, SIX, X, SIX, SIX, SIX, SIX, SchM},
	SchS:   {SchS, S, U, X, IS, IX, SIX, SchS, SchM},
	SchM:   {SchM, SchM, SchM, SchM, SchM, SchM, SchM, SchM, SchM},
}

// Combine returns the weakest mode that conflicts with everything either a or b conflicts with. It is the mode a
// transaction holds after converting a grant of a into a grant of b.
func Combine(a, b Mode) Mode {
	return supremum[a][b]
}

// Covers reports whether holding mode held on a resource already satisfies a request for want.
func Covers(held, want Mode) bool {
	return Combine(held, want) == held
}

// IntentFor returns the mode that must be held on the parent resources before mode can be granted on a child.
func IntentFor(mode Mode) Mode {
	switch mode {
	case S, IS:
		return IS
	case U, X, IX, SIX:
		return IX
	}
	return NoLock
}

// CoversChild reports whether a grant of held on a coarse resource implicitly grants want on its children.
func CoversChild(held, want Mode) bool {
	switch want {
	case S, IS:
		return held == S || held == SIX || held == X || held == U
	case U, X, IX, SIX:
		return held == X
	}
	return false
}
