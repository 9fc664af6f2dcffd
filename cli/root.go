package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/steamrt/capsule/internal/logging"
)

var (
	debugComponents string
	logFormat       string
	logger          *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:          "capsule-tool",
	Short:        "Inspect libraries the way the capsule runtime sees them",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		format, err := logging.ParseFormat(logFormat)
		if err != nil {
			return err
		}
		logger = logging.New(logging.Options{
			Debug:  debugComponents,
			Format: format,
			Output: cmd.ErrOrStderr(),
		})
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&debugComponents, "debug", os.Getenv(logging.EnvDebug),
		"Debug components (path,search,ldcache,capsule,mprotect,wrappers,reloc,elf,dlfunc,all)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format: text or json")

	rootCmd.AddCommand(symbolsCmd, relocsCmd, depsCmd)
}
