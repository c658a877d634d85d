package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/infrasonar/rapp/internal/config"
	"github.com/infrasonar/rapp/internal/statestore"
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("99"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("76"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("204"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	boldStyle   = lipgloss.NewStyle().Bold(true)
)

func statusCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the last applied state and recent reconcile results",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings := config.FromEnv()
			store, err := statestore.Open(filepath.Join(settings.DataPath, "rapp.db"))
			if err != nil {
				return err
			}
			defer store.Close()
			out, err := renderStatus(store, limit)
			if err != nil {
				return err
			}
			cmd.Println(out)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "results", 10, "Number of recent results to show")
	return cmd
}

func renderStatus(store *statestore.Store, limit int) (string, error) {
	var b strings.Builder

	applied, ok, err := store.LoadApplied()
	if err != nil {
		return "", err
	}
	b.WriteString(boldStyle.Render("Applied state") + "\n")
	if !ok {
		b.WriteString(mutedStyle.Render("  never converged") + "\n")
	} else {
		fmt.Fprintf(&b, "  %s %s\n", mutedStyle.Render("applied at:"), applied.AppliedAt.Format("2006-01-02 15:04:05 MST"))
		fmt.Fprintf(&b, "  %s %d\n", mutedStyle.Render("version:   "), applied.Version)
		fmt.Fprintf(&b, "  %s %s\n", mutedStyle.Render("compose:   "), shortDigest(applied.ComposeDigest))
		fmt.Fprintf(&b, "  %s %s\n", mutedStyle.Render("env:       "), shortDigest(applied.EnvDigest))
		fmt.Fprintf(&b, "  %s %s\n", mutedStyle.Render("services:  "), accentStyle.Render(strings.Join(applied.Services, ", ")))
	}

	results, err := store.RecentResults(limit)
	if err != nil {
		return "", err
	}
	b.WriteString("\n" + boldStyle.Render("Recent results") + "\n")
	if len(results) == 0 {
		b.WriteString(mutedStyle.Render("  none") + "\n")
	}
	for _, r := range results {
		mark := okStyle.Render("✓")
		if !r.OK {
			mark = failStyle.Render("✗")
		}
		line := fmt.Sprintf("  %s %s %s", mark, r.CreatedAt, r.Source)
		if r.Detail != "" {
			line += " " + mutedStyle.Render(r.Detail)
		}
		b.WriteString(line + "\n")
	}

	return b.String(), nil
}

func shortDigest(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	if d == "" {
		return "-"
	}
	return d
}
