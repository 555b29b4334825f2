// SPDX-License-Identifier: GPL-3.0-or-later
package domain

type Outcome int

const (
	None  = Outcome(0)
	Allow = Outcome(1)
	Deny  = Outcome(2)
)

// Decision is the terminal result of a single rule. None means "no opinion,
// continue down the chain".
type Decision struct {
	Outcome Outcome
	Reason  string
}

func NoDecision() Decision {
	return Decision{Outcome: None}
}

func Allowed(reason string) Decision {
	return Decision{Outcome: Allow, Reason: reason}
}

func Denied(reason string) Decision {
	return Decision{Outcome: Deny, Reason: reason}
}
