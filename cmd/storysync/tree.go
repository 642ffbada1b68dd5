package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/agentworkforce/storysync/internal/stories"
)

var (
	rootStyle      = lipgloss.NewStyle().Bold(true).Transform(strings.ToUpper)
	groupStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	componentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#60A5FA"))
	docsStyle      = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("#10B981"))
	leafStyle      = lipgloss.NewStyle()
	idStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	warnStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B"))
)

func newTreeCmd(opts *rootOptions) *cobra.Command {
	var showIDs bool
	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Print the story hierarchy",
		Long: `Fetch the story index once and print the sidebar hierarchy.

Example:
  storysync tree --index-url http://localhost:6006`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(cmd.ErrOrStderr())
			cfg, err := opts.loadConfig(cmd, logger)
			if err != nil {
				return err
			}
			fetcher, err := buildFetcher(cfg)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(contextOrBackground(cmd), cfg.FetchTimeout)
			defer cancel()
			index, err := fetcher.FetchIndex(ctx)
			if err != nil {
				return fmt.Errorf("fetch index: %w", err)
			}
			hash, skipped := stories.FromIndex(index, stories.Options{ShowRoots: cfg.ShowRoots()})
			renderTree(cmd.OutOrStdout(), hash, showIDs)
			for _, skip := range skipped {
				fmt.Fprintln(cmd.ErrOrStderr(), warnStyle.Render("skipped: "+skip.Error()))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showIDs, "ids", false, "print node ids next to names")
	return cmd
}

// renderTree prints one line per node in hash order, indented by depth.
func renderTree(w io.Writer, hash *stories.Hash, showIDs bool) {
	hash.Each(func(node *stories.Node) bool {
		line := strings.Repeat("  ", node.Depth) + styleFor(node).Render(node.Name)
		if showIDs {
			line += " " + idStyle.Render(node.ID)
		}
		fmt.Fprintln(w, line)
		return true
	})
}

func styleFor(node *stories.Node) lipgloss.Style {
	switch {
	case node.IsRoot:
		return rootStyle
	case node.IsComponent:
		return componentStyle
	case node.DocsOnly():
		return docsStyle
	case node.IsEntry():
		return leafStyle
	default:
		return groupStyle
	}
}

func contextOrBackground(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
