package rules

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestEvaluateTable(t *testing.T) {
	cases := []struct {
		value, roll int
		want        Level
	}{
		{50, 50, LevelRegular},
		{50, 51, LevelFailure},
		{50, 25, LevelHard},
		{50, 10, LevelExtreme},
		{50, 1, LevelCritical},
		{50, 100, LevelFumble},
		{50, 96, LevelFailure},
		{49, 96, LevelFumble},
		{49, 95, LevelFailure},
		{60, 12, LevelExtreme},
		{60, 13, LevelHard},
		{60, 40, LevelRegular},
		{0, 1, LevelCritical},
		{0, 2, LevelFailure},
		{100, 99, LevelRegular},
		{100, 100, LevelFumble},
		{3, 2, LevelRegular},
	}
	for _, tc := range cases {
		if got := Evaluate(tc.value, tc.roll); got != tc.want {
			t.Errorf("Evaluate(%d, %d) = %v, want %v", tc.value, tc.roll, got, tc.want)
		}
	}
}

func TestWideCriticalPolicy(t *testing.T) {
	cases := []struct {
		value, roll int
		standard    Level
		wide        Level
	}{
		{50, 5, LevelExtreme, LevelCritical},
		{50, 6, LevelExtreme, LevelExtreme},
		{49, 5, LevelExtreme, LevelExtreme},
		{80, 3, LevelExtreme, LevelCritical},
		{20, 1, LevelCritical, LevelCritical},
	}
	for _, tc := range cases {
		if got := PolicyStandard.Evaluate(tc.value, tc.roll); got != tc.standard {
			t.Errorf("standard(%d,%d) = %v, want %v", tc.value, tc.roll, got, tc.standard)
		}
		if got := PolicyWideCritical.Evaluate(tc.value, tc.roll); got != tc.wide {
			t.Errorf("wide(%d,%d) = %v, want %v", tc.value, tc.roll, got, tc.wide)
		}
	}
}

func TestLevelMeetsTier(t *testing.T) {
	if !LevelCritical.Meets(TierExtreme) {
		t.Error("critical must clear extreme")
	}
	if LevelHard.Meets(TierExtreme) {
		t.Error("hard must not clear extreme")
	}
	if !LevelHard.Meets(TierRegular) {
		t.Error("hard must clear regular")
	}
	if LevelFumble.Meets(TierRegular) || LevelFailure.Meets(TierRegular) {
		t.Error("failure levels never succeed")
	}
}

func TestLevelJSON(t *testing.T) {
	b, err := json.Marshal(LevelExtreme)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `"extreme_success"` {
		t.Fatalf("unexpected encoding %s", b)
	}
	var l Level
	if err := json.Unmarshal(b, &l); err != nil || l != LevelExtreme {
		t.Fatalf("round trip: %v %v", l, err)
	}
	if err := json.Unmarshal([]byte(`"great"`), &l); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestParsePolicyAndTier(t *testing.T) {
	if p, err := ParsePolicy(""); err != nil || p != PolicyStandard {
		t.Fatalf("empty policy: %v %v", p, err)
	}
	if _, err := ParsePolicy("lenient"); err == nil {
		t.Fatal("expected unknown policy error")
	}
	if _, err := ParseTier("impossible"); !errors.Is(err, ErrInvalidTier) {
		t.Fatalf("expected ErrInvalidTier, got %v", err)
	}
}

func TestNetMode(t *testing.T) {
	mode, n, err := NetMode(2, 1)
	if err != nil || mode != ModeBonus || n != 1 {
		t.Fatalf("got %v %d %v", mode, n, err)
	}
	mode, n, _ = NetMode(0, 2)
	if mode != ModePenalty || n != 2 {
		t.Fatalf("got %v %d", mode, n)
	}
	mode, n, _ = NetMode(1, 1)
	if mode != ModeNone || n != 0 {
		t.Fatalf("got %v %d", mode, n)
	}
	if _, _, err := NetMode(-1, 0); !errors.Is(err, ErrInvalidDiceMode) {
		t.Fatalf("expected ErrInvalidDiceMode, got %v", err)
	}
}
