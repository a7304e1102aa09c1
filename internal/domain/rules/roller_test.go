package rules

import (
	"errors"
	"testing"
)

func TestResolveScriptedRolls(t *testing.T) {
	r := NewRoller(Rolls(50, 51, 100, 40), PolicyStandard)

	want := []struct {
		roll    int
		level   Level
		success bool
	}{
		{50, LevelRegular, true},
		{51, LevelFailure, false},
		{100, LevelFumble, false},
		{40, LevelRegular, true},
	}
	for i, w := range want {
		res, err := r.Resolve(50, TierRegular, ModeNone, 0)
		if err != nil {
			t.Fatalf("resolve %d: %v", i, err)
		}
		if res.Roll != w.roll {
			t.Fatalf("resolve %d: roll %d, want %d", i, res.Roll, w.roll)
		}
		if res.Level != w.level {
			t.Errorf("resolve %d: level %v, want %v", i, res.Level, w.level)
		}
		if res.Success != w.success {
			t.Errorf("resolve %d: success %v, want %v", i, res.Success, w.success)
		}
	}
}

func TestResolveSanityExtremeFailure(t *testing.T) {
	r := NewRoller(Rolls(40), PolicyStandard)
	res, err := r.Resolve(60, TierExtreme, ModeNone, 0)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Level != LevelRegular {
		t.Fatalf("expected regular success level, got %v", res.Level)
	}
	if res.Success {
		t.Fatal("regular level must not clear extreme tier")
	}
}

func TestResolveBonusKeepsLowest(t *testing.T) {
	// unit 3, tens 7 and 2 -> 73 and 23
	r := NewRoller(NewSequence(3, 7, 2), PolicyStandard)
	res, err := r.Resolve(50, TierRegular, ModeBonus, 1)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Roll != 23 || len(res.Tens) != 2 || res.Unit != 3 {
		t.Fatalf("unexpected bonus result %+v", res)
	}
}

func TestResolvePenaltyKeepsHighest(t *testing.T) {
	// unit 0, tens 0 and 4 -> 100 and 40
	r := NewRoller(NewSequence(0, 0, 4), PolicyStandard)
	res, err := r.Resolve(50, TierRegular, ModePenalty, 1)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Roll != 100 || res.Level != LevelFumble {
		t.Fatalf("expected 100 fumble, got %+v", res)
	}
}

func TestResolveErrors(t *testing.T) {
	r := NewRoller(Rolls(1), PolicyStandard)
	if _, err := r.Resolve(101, TierRegular, ModeNone, 0); !errors.Is(err, ErrInvalidSkillValue) {
		t.Errorf("expected ErrInvalidSkillValue, got %v", err)
	}
	if _, err := r.Resolve(-1, TierRegular, ModeNone, 0); !errors.Is(err, ErrInvalidSkillValue) {
		t.Errorf("expected ErrInvalidSkillValue, got %v", err)
	}
	if _, err := r.Resolve(50, TierRegular, ModeBonus, -1); !errors.Is(err, ErrInvalidDiceMode) {
		t.Errorf("expected ErrInvalidDiceMode, got %v", err)
	}
	if _, err := r.Resolve(50, TierRegular, DiceMode("lucky"), 1); !errors.Is(err, ErrInvalidDiceMode) {
		t.Errorf("expected ErrInvalidDiceMode, got %v", err)
	}
}

func TestBonusDominatesPlain(t *testing.T) {
	const trials = 5000
	plain := NewRoller(NewSeededSource(7), PolicyStandard)
	bonus := NewRoller(NewSeededSource(7), PolicyStandard)

	var plainWins, bonusWins int
	for i := 0; i < trials; i++ {
		p, err := plain.Resolve(40, TierRegular, ModeNone, 0)
		if err != nil {
			t.Fatal(err)
		}
		b, err := bonus.Resolve(40, TierRegular, ModeBonus, 1)
		if err != nil {
			t.Fatal(err)
		}
		if p.Success {
			plainWins++
		}
		if b.Success {
			bonusWins++
		}
		for _, tens := range b.Tens {
			if pct := percentile(tens, b.Unit); pct < b.Roll {
				t.Fatalf("bonus kept %d but %d was available", b.Roll, pct)
			}
		}
	}
	if bonusWins < plainWins {
		t.Fatalf("bonus succeeded %d times, plain %d", bonusWins, plainWins)
	}
}

func TestDigits(t *testing.T) {
	for roll := 1; roll <= 100; roll++ {
		unit, tens := Digits(roll)
		if got := percentile(tens, unit); got != roll {
			t.Fatalf("Digits(%d) reassembles to %d", roll, got)
		}
	}
}
