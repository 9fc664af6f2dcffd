package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var definedOnly bool

var symbolsCmd = &cobra.Command{
	Use:   "symbols <shared library>",
	Short: "List dynamic symbols with their versions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		obj, walker, err := openPrivate(args[0])
		if err != nil {
			return err
		}
		tables, err := walker.ReadTables(obj.Base, obj.Dynamic, 0)
		if err != nil {
			return err
		}
		if tables.SymCount == 0 {
			return fmt.Errorf("%s: no DT_HASH or DT_GNU_HASH, symbol count unknown", args[0])
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 1, ' ', 0)
		for _, sym := range walker.Symbols(tables) {
			if definedOnly && !sym.Defined() {
				continue
			}
			value := "UND"
			if sym.Defined() {
				value = fmt.Sprintf("%#x", sym.Value)
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", sym.Index, value, sym.Type(), sym.Bind(), sym)
		}
		return w.Flush()
	},
}

func init() {
	symbolsCmd.Flags().BoolVar(&definedOnly, "defined", false, "Only list symbols the library defines")
}
