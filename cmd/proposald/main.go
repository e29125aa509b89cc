// Command proposald runs the proposal engine and drives it from the terminal.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Sophanos/saga-sub007/internal/client"
	"github.com/Sophanos/saga-sub007/internal/config"
	"github.com/Sophanos/saga-sub007/internal/observability"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// options are the flags shared by every command.
type options struct {
	configPath string
	serverURL  string
	userID     string

	cfg *config.Config
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "proposald",
		Short:         "Review and apply agent proposals to a project",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "path to a JSON or YAML config file (default $"+config.EnvConfigPath+", then config.json next to the binary)")
	flags.StringVar(&opts.serverURL, "server", "", "engine server URL; overrides server_url")
	flags.StringVar(&opts.userID, "user", os.Getenv("PROPOSALD_USER"), "acting user id")

	root.AddCommand(
		newServeCmd(opts),
		newSuggestionsCmd(opts),
		newDocumentsCmd(opts),
		newChatCmd(opts),
		newVersionCmd(),
	)
	return root
}

func (o *options) load() error {
	if path := config.Resolve(o.configPath); path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("load config %s: %w", path, err)
		}
		o.cfg = cfg
	} else {
		o.cfg = config.Default("proposald.db")
	}
	observability.SetLogger(observability.NewLogger(os.Stderr, o.cfg.LogFormat, o.cfg.LogLevel))
	return nil
}

// client returns an API client for the configured server.
func (o *options) client() *client.Client {
	return client.New(o.baseURL(), client.WithUser(o.userID))
}

func (o *options) baseURL() string {
	if o.serverURL != "" {
		return o.serverURL
	}
	if o.cfg.ServerURL != "" {
		return o.cfg.ServerURL
	}
	return listenURL(o.cfg.ListenAddr)
}

// listenURL turns a listen address into a URL a local client can reach.
func listenURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return "http://" + host + ":" + port
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "proposald %s (commit=%s, built=%s)\n", version, commit, date)
		},
	}
}
