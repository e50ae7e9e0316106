package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/spiderfleet/internal/spiderdef"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE [SPIDER...]",
		Short: "Compiles a spider module file offline",
		Long: `Compiles the module in FILE the same way the loader does and reports the
spiders it defines. Naming spiders also checks that each one is present.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read module: %w", err)
			}
			module, err := spiderdef.Compile(string(src))
			if err != nil {
				return err
			}
			names := args[1:]
			if len(names) == 0 {
				names = module.Names()
			}
			for _, name := range names {
				typ, err := module.Lookup(name)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tok\tsearch=%t\n", typ.Name(), typ.CanSearch())
			}
			return nil
		},
	}
}
