package rules

import (
	"fmt"
	"math/rand"
	"sync"
)

// Source is the injected randomness. *rand.Rand satisfies it.
type Source interface {
	Intn(n int) int
}

// NewSeededSource returns a deterministic source. A zero seed is still deterministic.
func NewSeededSource(seed int64) Source {
	return rand.New(rand.NewSource(seed))
}

// Roller resolves checks with a random source and a critical policy.
// It is safe for concurrent use.
type Roller struct {
	mu     sync.Mutex
	src    Source
	policy Policy
}

// NewRoller creates a roller. An empty policy means standard.
func NewRoller(src Source, policy Policy) *Roller {
	if policy == "" {
		policy = PolicyStandard
	}
	return &Roller{src: src, policy: policy}
}

// Policy returns the roller's critical policy.
func (r *Roller) Policy() Policy {
	return r.policy
}

// Resolve rolls a check against value at the given tier.
// One unit die is drawn, then 1+n tens dice; each tens die forms a
// percentile with the unit die, 00 reading as 100. Bonus keeps the
// lowest percentile and penalty the highest.
func (r *Roller) Resolve(value int, tier Tier, mode DiceMode, n int) (Result, error) {
	if value < 0 || value > 100 {
		return Result{}, fmt.Errorf("%w: %d", ErrInvalidSkillValue, value)
	}
	if n < 0 {
		return Result{}, fmt.Errorf("%w: negative count %d", ErrInvalidDiceMode, n)
	}
	if _, err := ParseTier(string(tier)); err != nil {
		return Result{}, err
	}
	switch mode {
	case "", ModeNone:
		mode, n = ModeNone, 0
	case ModeBonus, ModePenalty:
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrInvalidDiceMode, mode)
	}
	if tier == "" {
		tier = TierRegular
	}

	r.mu.Lock()
	unit := r.src.Intn(10)
	tens := make([]int, 1+n)
	for i := range tens {
		tens[i] = r.src.Intn(10)
	}
	r.mu.Unlock()

	roll := percentile(tens[0], unit)
	for _, t := range tens[1:] {
		p := percentile(t, unit)
		if (mode == ModeBonus && p < roll) || (mode == ModePenalty && p > roll) {
			roll = p
		}
	}

	level := r.policy.Evaluate(value, roll)
	return Result{
		Target:  value,
		Tier:    tier,
		Mode:    mode,
		Count:   n,
		Unit:    unit,
		Tens:    tens,
		Roll:    roll,
		Level:   level,
		Success: level.Meets(tier),
	}, nil
}

func percentile(tens, unit int) int {
	if p := tens*10 + unit; p != 0 {
		return p
	}
	return 100
}

// Digits splits a roll in 1..100 into the unit and tens dice that produce it.
func Digits(roll int) (unit, tens int) {
	if roll == 100 {
		return 0, 0
	}
	return roll % 10, roll / 10
}

// Sequence is a scripted Source that replays fixed draws, wrapping around.
// Each value is taken modulo n.
type Sequence struct {
	mu    sync.Mutex
	draws []int
	pos   int
}

// NewSequence creates a scripted source.
func NewSequence(draws ...int) *Sequence {
	return &Sequence{draws: draws}
}

// Rolls builds a source whose successive plain checks produce the given rolls.
func Rolls(rolls ...int) *Sequence {
	draws := make([]int, 0, 2*len(rolls))
	for _, roll := range rolls {
		unit, tens := Digits(roll)
		draws = append(draws, unit, tens)
	}
	return NewSequence(draws...)
}

// Intn returns the next scripted draw.
func (s *Sequence) Intn(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.draws) == 0 {
		return 0
	}
	v := s.draws[s.pos%len(s.draws)]
	s.pos++
	if v < 0 {
		v = -v
	}
	return v % n
}
