package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/intentmix/internal/intent"
)

var (
	intentsFile         string
	intentsEligibleOnly bool
	intentsSignals      bool
)

var intentsCmd = &cobra.Command{
	Use:   "intents",
	Short: "List the intent catalog",
	Long: `List every intent in the catalog with its sampling eligibility.
Excluded intents are never sampled but may still be forced with --intents.

Examples:
  intentmix intents
  intentmix intents --eligible
  intentmix intents --file taxonomy.json --signals`,
	RunE: runIntents,
}

func init() {
	intentsCmd.Flags().StringVarP(&intentsFile, "file", "f", "", "catalog file (default from INTENTMIX_INTENTS_PATH)")
	intentsCmd.Flags().BoolVar(&intentsEligibleOnly, "eligible", false, "only show intents that can be sampled")
	intentsCmd.Flags().BoolVar(&intentsSignals, "signals", false, "show key signals")
}

func runIntents(cmd *cobra.Command, args []string) error {
	path := intentsFile
	if path == "" {
		path = cfg.IntentsPath
	}
	catalog, err := intent.LoadCatalog(path, cfg.ExcludedIntents)
	if err != nil {
		return err
	}
	printCatalog(cmd.OutOrStdout(), catalog, intentsEligibleOnly, intentsSignals)
	return nil
}

func printCatalog(w io.Writer, c *intent.Catalog, eligibleOnly, signals bool) {
	theme := defaultTheme
	shown := 0
	for _, def := range c.All() {
		excluded := c.Excluded(def.ID)
		if eligibleOnly && excluded {
			continue
		}
		shown++

		marker := theme.completedStyle().Render("●")
		if excluded {
			marker = theme.hintStyle().Render("○")
		}
		line := fmt.Sprintf("%s %4s  %s", marker, def.ID, def.Name)
		if def.Category != "" {
			line += theme.hintStyle().Render(" [" + def.Category + "]")
		}
		fmt.Fprintln(w, line)
		if signals && len(def.KeySignals) > 0 {
			fmt.Fprintf(w, "        signals: %s\n", strings.Join(def.KeySignals, ", "))
		}
	}
	fmt.Fprintf(w, "\n%d shown, %d eligible, %d total\n", shown, len(c.Eligible()), c.Len())
}
