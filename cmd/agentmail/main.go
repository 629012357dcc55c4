// Command agentmail drives a user's mailbox through the policy-checked
// agent service: connect, search, read, stage drafts and confirm them.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/nhle/agentmail/internal/app"
	"github.com/nhle/agentmail/internal/model"
)

type globalFlags struct {
	configPath string
	userID     string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}

	cmd := &cobra.Command{
		Use:           "agentmail",
		Short:         "Policy-checked mailbox access for agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&g.configPath, "config", model.DefaultConfigPath(), "path to the config file")
	cmd.PersistentFlags().StringVar(&g.userID, "user", defaultUser(), "user the mailbox belongs to")

	cmd.AddCommand(
		connectCmd(g),
		disconnectCmd(g),
		testCmd(g),
		statusCmd(g),
		searchCmd(g),
		readCmd(g),
		composeCmd(g),
		sendCmd(g),
		replyCmd(g),
		policyCmd(g),
		draftsCmd(g),
		settingsCmd(g),
		secretCmd(),
	)
	return cmd
}

// withApp loads the config, builds the application and hands it to fn.
func withApp(g *globalFlags, fn func(a *app.App) error, opts ...app.Option) (err error) {
	cfg, err := model.LoadConfig(g.configPath)
	if err != nil {
		return err
	}
	a, err := app.New(cfg, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := a.Close(); err == nil {
			err = closeErr
		}
	}()
	return fn(a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func defaultUser() string {
	if u := os.Getenv("AGENTMAIL_USER"); u != "" {
		return u
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "default"
}

// exitCode maps error kinds to distinct process exit codes.
func exitCode(err error) int {
	switch {
	case model.IsPolicyViolation(err):
		return 3
	case model.IsDraftError(err, ""):
		return 4
	case model.IsConfigurationError(err):
		return 5
	case model.IsConnectionError(err):
		return 6
	case model.IsProtocolError(err):
		return 7
	default:
		return 1
	}
}
