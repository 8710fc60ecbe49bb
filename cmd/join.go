package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/KR7-gen/ai-vent-app/internal/config"
	"github.com/KR7-gen/ai-vent-app/internal/hubclient"
	"github.com/KR7-gen/ai-vent-app/internal/registry"
	"github.com/KR7-gen/ai-vent-app/internal/session"
	"github.com/KR7-gen/ai-vent-app/internal/ui"
)

var (
	flagJoinServer   string
	flagJoinSTUN     string
	flagJoinTURN     string
	flagJoinTURNUser string
	flagJoinTURNPass string
	flagJoinRelay    bool
	flagJoinMedia    string
	flagJoinRecord   bool
	flagJoinNoAI     bool
)

var joinCmd = &cobra.Command{
	Use:     "join <room-id|url>",
	Aliases: []string{"j"},
	Short:   "Join a room opened by a host",
	Long: `Ask a room's host to let you in, then connect to them directly.

Examples:
  aivent join ROOM-ABCD-1234
  aivent join https://aivent.example.com/room/ROOM-ABCD-1234
  aivent join ROOM-ABCD-1234 --media none`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID, err := parseRoomInput(args[0])
		if err != nil {
			return err
		}
		return joinRoom(cmd.Context(), roomID)
	},
}

func joinRoom(ctx context.Context, roomID string) error {
	cfg, err := LoadConfig(config.Options{
		ServerURL:  flagJoinServer,
		STUNServer: flagJoinSTUN,
		TURNServer: flagJoinTURN,
		TURNUser:   flagJoinTURNUser,
		TURNPass:   flagJoinTURNPass,
		ForceRelay: flagJoinRelay,
	})
	if err != nil {
		return err
	}

	fmt.Fprintln(ui.Output)
	machine := session.NewMachine()
	admission := &session.Admission{
		Rooms: registry.NewClient(cfg.ServerURL, nil),
		Dial: func(ctx context.Context) (session.Signaler, error) {
			c, err := hubclient.Dial(ctx, cfg.WebSocketURL)
			if err != nil {
				return nil, err
			}
			return c, nil
		},
		Machine: machine,
	}

	sp := ui.NewWaitingSpinner("Waiting for the host to let you in...")
	sp.Start()
	if err := admission.Join(ctx, roomID); err != nil {
		sp.Stop()
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return admissionError(roomID, err)
	}
	sp.Success("Joined " + roomID)

	call, err := NewCallContext(ctx, cfg, roleJoiner, machine, CallOptions{
		Media:  flagJoinMedia,
		Record: flagJoinRecord,
		NoAI:   flagJoinNoAI,
	})
	if err != nil {
		return err
	}
	defer call.Close()

	return RunCall(ctx, call)
}

// admissionError turns a refused admission into a sentence for the user.
func admissionError(roomID string, err error) error {
	if !session.IsAdmissionError(err) {
		return err
	}
	switch {
	case errors.Is(err, session.ErrRoomNotFound):
		return fmt.Errorf("room %s does not exist", roomID)
	case errors.Is(err, session.ErrHostNotFound):
		return fmt.Errorf("the host of %s is not connected", roomID)
	}
	return fmt.Errorf("the host declined your request to join %s", roomID)
}

// parseRoomInput accepts a bare room id or a share link ending in
// /room/<id>. Ids are opaque and kept exactly as the host chose them.
func parseRoomInput(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("room ID cannot be empty")
	}

	if strings.Contains(input, "://") {
		roomID, err := extractRoomIDFromURL(input)
		if err != nil {
			return "", err
		}
		ui.PrintSuccessf("Extracted room ID: %s", roomID)
		return roomID, nil
	}

	return input, nil
}

func extractRoomIDFromURL(urlStr string) (string, error) {
	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		return "", session.NewError("parse URL", err)
	}

	path := strings.TrimSuffix(parsedURL.Path, "/")
	parts := strings.Split(path, "/")

	for i, part := range parts {
		if part == "room" && i+1 < len(parts) && parts[i+1] != "" {
			return parts[i+1], nil
		}
	}

	return "", fmt.Errorf("could not extract room ID from URL: %s", urlStr)
}

func init() {
	rootCmd.AddCommand(joinCmd)

	joinCmd.Flags().StringVarP(&flagJoinServer, "server", "s", "", "Signaling server URL")
	joinCmd.Flags().StringVar(&flagJoinSTUN, "stun", "", "STUN server URL")
	joinCmd.Flags().StringVar(&flagJoinTURN, "turn", "", "TURN server URL")
	joinCmd.Flags().StringVar(&flagJoinTURNUser, "turn-user", "", "TURN username")
	joinCmd.Flags().StringVar(&flagJoinTURNPass, "turn-pass", "", "TURN password")
	joinCmd.Flags().BoolVar(&flagJoinRelay, "relay", false, "Force relay through the TURN server")
	joinCmd.Flags().StringVarP(&flagJoinMedia, "media", "m", "", `Ogg/Opus file to send, or "none" (default: silence)`)
	joinCmd.Flags().BoolVar(&flagJoinRecord, "record", false, "Record the other participant's media")
	joinCmd.Flags().BoolVar(&flagJoinNoAI, "no-ai", false, "Only use local reactions in the overlay")
}
