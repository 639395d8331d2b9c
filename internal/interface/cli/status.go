package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/takumi-oki/restockd/internal/domain/purchase"
	infraconfig "github.com/takumi-oki/restockd/internal/infra/config"
)

func newStatusCmd(home *string) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show persisted purchase states",
		Long:  "Reads the state file best-effort without locking, so it is safe to run next to a live monitor.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := infraconfig.LoadSettings(resolveHome(*home))
			if err != nil {
				return err
			}
			return printStatus(cmd, cfg.StateFile(), asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	return cmd
}

func printStatus(cmd *cobra.Command, statePath string, asJSON bool) error {
	data, err := os.ReadFile(statePath)
	if os.IsNotExist(err) {
		fmt.Fprintln(cmd.OutOrStdout(), "no purchase state recorded yet")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read state file: %w", err)
	}

	states := make(map[string]purchase.State)
	if err := json.Unmarshal(data, &states); err != nil {
		// A write may be in flight; the atomic rename makes this rare
		return fmt.Errorf("state file is not readable right now: %w", err)
	}

	if asJSON {
		out, err := json.MarshalIndent(states, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	}

	ids := make([]string, 0, len(states))
	for id := range states {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PRODUCT\tSTATUS\tATTEMPTS\tDETAIL")
	for _, id := range ids {
		st := states[id]
		detail := ""
		switch {
		case st.OrderRef != "":
			detail = "order " + st.OrderRef
		case st.FailureReason != "":
			detail = string(st.FailureReason)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", id, st.Status, st.AttemptCount, detail)
	}
	return w.Flush()
}
