package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func runVoices(cmd *cobra.Command, cfgFile string) error {
	cfg, log, err := loadConfig(cfgFile)
	if err != nil {
		return err
	}

	defer func() {
		_ = log.Close()
	}()

	voices := loadCatalog(cfg, newResolver(cfg.Dialects), log).Voices()
	if len(voices) == 0 {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "No voices found under %s\n", cfg.Engine.VoicePath())

		return nil
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tNAME\tDIALECT\tGENDER\tICON")

	for _, v := range voices {
		icon := "-"
		if len(v.Icon) > 0 {
			icon = "yes"
		}

		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", v.ID, v.Name, v.Dialect, v.Gender, icon)
	}

	return tw.Flush()
}
