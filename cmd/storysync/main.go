package main

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/storysync/internal/config"
	"github.com/agentworkforce/storysync/internal/storysync"
)

// Version information, injected at build time.
var (
	Version = "dev"
	Commit  = "none"
)

func main() {
	root := NewRootCmd()
	root.Version = Version + " (" + Commit + ")"
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	indexURL   string
	indexPath  string
	showRoots  bool
}

// NewRootCmd creates the storysync command with every subcommand registered.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "storysync",
		Short: "Keep a story index in sync with its previews and refs",
		Long: `storysync fetches a component story index, builds the sidebar
hierarchy from it, and keeps that hierarchy in sync with a preview and any
number of externally hosted refs.`,
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", strings.TrimSpace(os.Getenv("STORYSYNC_CONFIG")), "path to a YAML config file")
	root.PersistentFlags().StringVar(&opts.indexURL, "index-url", "", "base URL or index.json URL of the story index")
	root.PersistentFlags().StringVar(&opts.indexPath, "index-path", "", "read the story index from a file instead")
	root.PersistentFlags().BoolVar(&opts.showRoots, "show-roots", true, "render the first title segment as a root")
	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newTreeCmd(opts))
	return root
}

// loadConfig layers flags that were set explicitly over file and env config.
func (o *rootOptions) loadConfig(cmd *cobra.Command, logger *log.Logger) (config.Config, error) {
	cfg, err := config.Load(o.configPath, logger)
	if err != nil {
		return config.Config{}, err
	}
	flags := cmd.Flags()
	if flags.Changed("index-url") {
		cfg.IndexURL = o.indexURL
		cfg.IndexPath = ""
	}
	if flags.Changed("index-path") {
		cfg.IndexPath = o.indexPath
	}
	if flags.Changed("show-roots") {
		showRoots := o.showRoots
		cfg.Sidebar.ShowRoots = &showRoots
	}
	return cfg, nil
}

func newLogger(w io.Writer) *log.Logger {
	return log.New(w, "storysync ", log.LstdFlags)
}

func buildFetcher(cfg config.Config) (storysync.IndexFetcher, error) {
	switch {
	case strings.TrimSpace(cfg.IndexPath) != "":
		return storysync.FileIndexFetcher{Path: cfg.IndexPath}, nil
	case strings.TrimSpace(cfg.IndexURL) != "":
		return storysync.NewHTTPClient(cfg.IndexURL, &http.Client{Timeout: cfg.FetchTimeout}), nil
	default:
		return nil, fmt.Errorf("an index source is required (--index-url, --index-path or STORYSYNC_INDEX_URL)")
	}
}
