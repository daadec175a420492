package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/recdeploy/internal/prompt"
)

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "List or export the code-generation prompt templates",
}

var templatesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the builtin templates",
	Run: func(cmd *cobra.Command, args []string) {
		for _, name := range prompt.Names() {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
	},
}

var templatesExportCmd = &cobra.Command{
	Use:   "export [dir]",
	Short: "Write the builtin templates to dir (default: codegen.template_dir) for editing",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var dir string
		hint := false
		if len(args) == 1 {
			dir = args[0]
		} else {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			dir = cfg.Codegen.TemplateDir
			if dir == "" {
				dir = filepath.Join(cfg.State.Dir, "templates")
				hint = true
			}
		}

		written, err := prompt.ExportBuiltins(dir)
		if err != nil {
			return err
		}
		if len(written) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "All templates already exist in %s.\n", dir)
			return nil
		}
		for _, p := range written {
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", p)
		}
		if hint {
			fmt.Fprintf(cmd.OutOrStdout(), "Set codegen.template_dir: %s to use them.\n", dir)
		}
		return nil
	},
}

func init() {
	templatesCmd.AddCommand(templatesListCmd)
	templatesCmd.AddCommand(templatesExportCmd)
}
