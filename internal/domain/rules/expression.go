package rules

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrInvalidExpression is returned for dice expressions that are not NdM±K.
var ErrInvalidExpression = errors.New("rules: invalid dice expression")

const (
	maxExpressionDice  = 100
	maxExpressionSides = 1000
)

var expressionRe = regexp.MustCompile(`(?i)^(\d+)d(\d+)([+-]\d+)?$`)

// ExpressionResult is the outcome of a dice expression such as 1d6+1.
type ExpressionResult struct {
	Expression string `json:"expression"`
	Rolls      []int  `json:"rolls"`
	Modifier   int    `json:"modifier"`
	Total      int    `json:"total"`
}

// Expression is a parsed NdM±K.
type Expression struct {
	Count, Sides, Modifier int
}

// ParseExpression parses "NdM", "NdM+K" or "NdM-K". Spaces are ignored.
func ParseExpression(expr string) (Expression, error) {
	cleaned := strings.ReplaceAll(strings.TrimSpace(expr), " ", "")
	m := expressionRe.FindStringSubmatch(cleaned)
	if m == nil {
		return Expression{}, fmt.Errorf("%w: %q", ErrInvalidExpression, expr)
	}
	count, _ := strconv.Atoi(m[1])
	sides, _ := strconv.Atoi(m[2])
	mod := 0
	if m[3] != "" {
		mod, _ = strconv.Atoi(m[3])
	}
	if count < 1 || count > maxExpressionDice || sides < 1 || sides > maxExpressionSides {
		return Expression{}, fmt.Errorf("%w: %q", ErrInvalidExpression, expr)
	}
	return Expression{Count: count, Sides: sides, Modifier: mod}, nil
}

// RollExpression rolls a dice expression.
func (r *Roller) RollExpression(expr string) (ExpressionResult, error) {
	e, err := ParseExpression(expr)
	if err != nil {
		return ExpressionResult{}, err
	}
	rolls := make([]int, e.Count)
	total := e.Modifier

	r.mu.Lock()
	for i := range rolls {
		rolls[i] = r.src.Intn(e.Sides) + 1
		total += rolls[i]
	}
	r.mu.Unlock()

	return ExpressionResult{
		Expression: expr,
		Rolls:      rolls,
		Modifier:   e.Modifier,
		Total:      total,
	}, nil
}
