// Command campaignctl is the operator console for campaign dispatch.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/unclebandit/rallymail-backend/internal/client"
)

type globalFlags struct {
	server string
	token  string
}

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:          "campaignctl",
		Short:        "Submit and follow bulk mail campaigns",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&g.server, "server", envOr("CAMPAIGN_API_URL", "http://localhost:8080"), "API base URL")
	root.PersistentFlags().StringVar(&g.token, "token", os.Getenv("CAMPAIGN_API_TOKEN"), "bearer token")

	root.AddCommand(
		newSubmitCmd(g),
		newStatusCmd(g),
		newWatchCmd(g),
		newCancelCmd(g),
		newHistoryCmd(g),
		newResubmitCmd(g),
		newAttachmentCmd(g),
	)
	return root
}

func (g *globalFlags) client() *client.Client {
	return client.New(g.server, g.token)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func printf(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
