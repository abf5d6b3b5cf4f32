package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/daimatz/jweave/pkg/hierarchy"
	"github.com/daimatz/jweave/pkg/signature"
)

var errIncompatible = errors.New("incompatible")

var (
	exact    bool
	downcast bool
)

var checkCmd = &cobra.Command{
	Use:   "check <requirement> <symbol>",
	Short: "Check whether a symbol type satisfies a requirement type",
	Long: `Check parses two type signatures, e.g. "Ljava/util/List<+Ljava/lang/Number;>;"
and "Ljava/util/List<Ljava/lang/Integer;>;", and reports whether the symbol
can be used where the requirement is expected. Classes are resolved
through the configured classpath and the configured accessors may stand
in for their targets.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := signature.ParseType(args[0])
		if err != nil {
			return fmt.Errorf("requirement: %w", err)
		}
		sym, err := signature.ParseType(args[1])
		if err != nil {
			return fmt.Errorf("symbol: %w", err)
		}

		env, err := config.Environment()
		if err != nil {
			return err
		}
		if err := env.Activate(); err != nil {
			return err
		}
		ch := &signature.Checker{
			Hierarchy:     hierarchy.Scope{Resolver: env.Resolver()},
			Accessors:     env.Accessors(),
			AllowDowncast: downcast,
		}
		check := ch.Check
		if exact {
			check = ch.CheckExact
		}
		ok, err := check(req, sym, nil, nil)
		if err != nil {
			return err
		}
		if !ok {
			m := &signature.Mismatch{Current: sym.String(), Expected: req.String()}
			fmt.Fprintln(cmd.OutOrStdout(), m.Error())
			return errIncompatible
		}
		fmt.Fprintln(cmd.OutOrStdout(), "compatible")
		return nil
	},
}

func init() {
	checkCmd.Flags().BoolVar(&exact, "exact", false, "require invariant top-level variance")
	checkCmd.Flags().BoolVar(&downcast, "downcast", false, "let accessors stand in for their targets")
	rootCmd.AddCommand(checkCmd)
}
