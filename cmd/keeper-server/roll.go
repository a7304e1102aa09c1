package main

import (
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"github.com/MRamiBalles/KeeperTable/internal/domain/rules"
)

// newRollCmd rolls dice offline with the server's rules.
func newRollCmd() *cobra.Command {
	var (
		target         int
		tier, policy   string
		bonus, penalty int
		seed           int64
	)
	cmd := &cobra.Command{
		Use:   "roll [NdM+K]",
		Short: "Roll a dice expression, or a percentile check with --target",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := rules.ParsePolicy(policy)
			if err != nil {
				return err
			}
			if seed == 0 {
				seed = time.Now().UnixNano()
			}
			roller := rules.NewRoller(rules.NewSeededSource(seed), p)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")

			if len(args) == 1 {
				res, err := roller.RollExpression(args[0])
				if err != nil {
					return err
				}
				return enc.Encode(res)
			}

			t, err := rules.ParseTier(tier)
			if err != nil {
				return err
			}
			mode, n, err := rules.NetMode(bonus, penalty)
			if err != nil {
				return err
			}
			res, err := roller.Resolve(target, t, mode, n)
			if err != nil {
				return err
			}
			return enc.Encode(res)
		},
	}
	cmd.Flags().IntVar(&target, "target", 50, "skill or attribute value for a check")
	cmd.Flags().StringVar(&tier, "tier", "regular", "difficulty: regular, hard or extreme")
	cmd.Flags().StringVar(&policy, "policy", "standard", "critical policy: standard or wide_critical")
	cmd.Flags().IntVar(&bonus, "bonus", 0, "bonus dice")
	cmd.Flags().IntVar(&penalty, "penalty", 0, "penalty dice")
	cmd.Flags().Int64Var(&seed, "seed", 0, "deterministic seed; 0 picks one from the clock")
	return cmd
}
