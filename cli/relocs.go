package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/steamrt/capsule/elfdyn"
)

var relocsCmd = &cobra.Command{
	Use:   "relocs <shared library>",
	Short: "List relocation entries with decoded kinds",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		obj, walker, err := openPrivate(args[0])
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 1, ' ', 0)
		summary, err := walker.Walk(obj.Base, obj.Dynamic, 0, func(table *elfdyn.RelocTable) error {
			for i := 0; i < table.Len(); i++ {
				r := table.Entry(walker.Mem, walker.Class, i)
				name := ""
				if r.Sym != 0 {
					if _, n, ok := walker.FindSymbol(r.Sym, table.Tables); ok {
						name = n
						if v, ok := walker.SymbolVersion(r.Sym, table.Tables); ok {
							name = elfdyn.FormatVersioned(n, v.Name, false)
						}
					}
				}
				fmt.Fprintf(w, "%s\t%#x\t%s\t%s\t%s\t%d\n",
					table.Tag, r.Offset, walker.Class.TypeName(r.Type), walker.Class.Kind(r.Type), name, r.Addend)
			}
			return nil
		})
		if err != nil {
			return err
		}
		if err := w.Flush(); err != nil {
			return err
		}
		for _, s := range summary.Skipped {
			fmt.Fprintf(cmd.ErrOrStderr(), "skipped %s: %v\n", s.Tag, s.Err)
		}
		return nil
	},
}
