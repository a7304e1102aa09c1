package rules

import (
	"errors"
	"testing"
)

func TestParseExpression(t *testing.T) {
	cases := map[string]Expression{
		"1d6":      {1, 6, 0},
		"2D10+3":   {2, 10, 3},
		" 1d4 - 1": {1, 4, -1},
	}
	for in, want := range cases {
		got, err := ParseExpression(in)
		if err != nil {
			t.Errorf("ParseExpression(%q): %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseExpression(%q) = %+v, want %+v", in, got, want)
		}
	}
	for _, bad := range []string{"", "d6", "1d0", "0d6", "1d6+x", "roll 1d6", "500d6"} {
		if _, err := ParseExpression(bad); !errors.Is(err, ErrInvalidExpression) {
			t.Errorf("ParseExpression(%q) expected ErrInvalidExpression, got %v", bad, err)
		}
	}
}

func TestRollExpression(t *testing.T) {
	// Intn(6) yields 2 and 4 -> dice 3 and 5
	r := NewRoller(NewSequence(2, 4), PolicyStandard)
	res, err := r.RollExpression("2d6+1")
	if err != nil {
		t.Fatalf("roll: %v", err)
	}
	if res.Total != 9 || len(res.Rolls) != 2 || res.Rolls[0] != 3 || res.Rolls[1] != 5 {
		t.Fatalf("unexpected result %+v", res)
	}
}
