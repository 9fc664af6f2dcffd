package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/steamrt/capsule"
	"github.com/steamrt/capsule/internal/ldlibs"
)

var depsCmd = &cobra.Command{
	Use:   "deps <config.yaml>",
	Short: "Print a capsule's dependency closure in load order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := capsule.LoadConfig(args[0])
		if err != nil {
			return err
		}
		closure, err := ldlibs.Resolve(cfg.Soname, ldlibs.Options{
			Prefix:      cfg.Prefix,
			LibraryPath: cfg.LibraryPath,
			Exclude:     cfg.Exclude,
			Logger:      logger,
		})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for i, lib := range closure.Order {
			where := "private"
			if lib.Excluded {
				where = "default"
			}
			fmt.Fprintf(out, "%d\t%s\t%s\t%s\n", i+1, lib.Soname, where, lib.Path)
		}
		return nil
	},
}
