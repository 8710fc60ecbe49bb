package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/KR7-gen/ai-vent-app/internal/ui"
	"github.com/KR7-gen/ai-vent-app/internal/version"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "aivent",
	Short: "Two-party video rooms with an AI chat-reaction overlay",
	Long: `aivent pairs two participants in a room through a small signaling hub and
connects them directly with WebRTC. The host opens a room and approves who may
join; while the call runs, short reactions and the occasional AI reply scroll
past in the comment overlay.

Run "aivent serve" for the signaling server, then "aivent host" and
"aivent join <room-id>" on the two participants' machines.`,
	Version: version.Version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		ui.PrintError(err.Error())
		stop()
		os.Exit(1)
	}
}
