package rules

// Winner names the side that won an opposed check.
type Winner string

const (
	WinnerAttacker Winner = "attacker"
	WinnerDefender Winner = "defender"
	WinnerTie      Winner = "tie"
)

// Opposed is the outcome of two checks rolled against each other.
type Opposed struct {
	Attacker Result `json:"attacker"`
	Defender Result `json:"defender"`
	Winner   Winner `json:"winner"`
}

// Oppose compares two results: better level wins, then the higher
// target value, then the higher roll.
func Oppose(attacker, defender Result) Opposed {
	out := Opposed{Attacker: attacker, Defender: defender, Winner: WinnerTie}
	switch {
	case attacker.Level != defender.Level:
		out.Winner = pick(attacker.Level > defender.Level)
	case attacker.Target != defender.Target:
		out.Winner = pick(attacker.Target > defender.Target)
	case attacker.Roll != defender.Roll:
		out.Winner = pick(attacker.Roll > defender.Roll)
	}
	return out
}

func pick(attackerWins bool) Winner {
	if attackerWins {
		return WinnerAttacker
	}
	return WinnerDefender
}
