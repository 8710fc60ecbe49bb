package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/KR7-gen/ai-vent-app/internal/config"
	"github.com/KR7-gen/ai-vent-app/internal/registry"
	"github.com/KR7-gen/ai-vent-app/internal/session"
	"github.com/KR7-gen/ai-vent-app/internal/ui"
)

var (
	flagHostServer   string
	flagHostSTUN     string
	flagHostTURN     string
	flagHostTURNUser string
	flagHostTURNPass string
	flagHostRelay    bool
	flagHostRoom     string
	flagHostMedia    string
	flagHostRecord   bool
	flagHostNoAI     bool
)

// Unregistering must still work after Ctrl+C cancelled the command context.
const closeRoomTimeout = 5 * time.Second

var hostCmd = &cobra.Command{
	Use:     "host",
	Aliases: []string{"h"},
	Short:   "Open a room and wait for someone to join",
	Long: `Open a room on the signaling server and wait for a participant. Each join
request is shown in the call view and answered with y/n.

Examples:
  aivent host
  aivent host --room ROOM-ABCD-1234 --media talk.ogg
  aivent host --server https://aivent.example.com --record`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return hostRoom(cmd.Context())
	},
}

func hostRoom(ctx context.Context) error {
	cfg, err := LoadConfig(config.Options{
		ServerURL:  flagHostServer,
		STUNServer: flagHostSTUN,
		TURNServer: flagHostTURN,
		TURNUser:   flagHostTURNUser,
		TURNPass:   flagHostTURNPass,
		ForceRelay: flagHostRelay,
	})
	if err != nil {
		return err
	}

	roomID := flagHostRoom
	if roomID == "" {
		roomID = registry.NewRoomID()
	}

	fmt.Fprintln(ui.Output)
	machine := session.NewMachine()
	call, err := NewCallContext(ctx, cfg, roleHost, machine, CallOptions{
		Media:  flagHostMedia,
		Record: flagHostRecord,
		NoAI:   flagHostNoAI,
	})
	if err != nil {
		return err
	}
	defer call.Close()

	rooms := registry.NewClient(cfg.ServerURL, nil)
	if err := session.OpenRoom(ctx, rooms, call.Conn, machine, roomID); err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeRoomTimeout)
		defer cancel()
		if err := session.CloseRoom(closeCtx, rooms, roomID); err != nil {
			slog.Warn("room not unregistered", "room", roomID, "error", err)
		}
	}()

	fmt.Fprintln(ui.Output, ui.NewRoomInfo(roomID, cfg.ServerURL).View())

	return RunCall(ctx, call)
}

func init() {
	rootCmd.AddCommand(hostCmd)

	hostCmd.Flags().StringVarP(&flagHostServer, "server", "s", "", "Signaling server URL")
	hostCmd.Flags().StringVar(&flagHostSTUN, "stun", "", "STUN server URL")
	hostCmd.Flags().StringVar(&flagHostTURN, "turn", "", "TURN server URL")
	hostCmd.Flags().StringVar(&flagHostTURNUser, "turn-user", "", "TURN username")
	hostCmd.Flags().StringVar(&flagHostTURNPass, "turn-pass", "", "TURN password")
	hostCmd.Flags().BoolVar(&flagHostRelay, "relay", false, "Force relay through the TURN server")
	hostCmd.Flags().StringVarP(&flagHostRoom, "room", "r", "", "Room id to open (default: generated)")
	hostCmd.Flags().StringVarP(&flagHostMedia, "media", "m", "", `Ogg/Opus file to send, or "none" (default: silence)`)
	hostCmd.Flags().BoolVar(&flagHostRecord, "record", false, "Record the other participant's media")
	hostCmd.Flags().BoolVar(&flagHostNoAI, "no-ai", false, "Only use local reactions in the overlay")
}
