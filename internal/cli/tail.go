package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/luthien-dev/luthien/internal/bus"
	"github.com/luthien-dev/luthien/internal/events"
	"github.com/luthien-dev/luthien/internal/tui"
)

// TailCommand follows the global activity channel in a terminal UI.
func TailCommand() *cobra.Command {
	var redisURL string
	var plain bool
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow live control-plane activity",
		Long: `Tail subscribes to the global activity channel on redis and renders
every event the control plane publishes: requests, chunks, policy
decisions, warnings, and errors across all calls.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if redisURL == "" {
				redisURL = os.Getenv("LUTHIEN_REDIS_URL")
			}
			if redisURL == "" {
				return fmt.Errorf("redis URL required: set LUTHIEN_REDIS_URL or pass --redis-url")
			}
			return runTail(cmd.Context(), redisURL, plain)
		},
	}
	cmd.Flags().StringVar(&redisURL, "redis-url", "", "redis URL (overrides LUTHIEN_REDIS_URL)")
	cmd.Flags().BoolVar(&plain, "plain", false, "print raw JSON lines instead of the TUI")
	return cmd
}

func runTail(ctx context.Context, redisURL string, plain bool) error {
	eventBus, err := bus.New(ctx, redisURL)
	if err != nil {
		return err
	}
	defer eventBus.Close()

	sub, err := eventBus.SubscribeActivity(ctx)
	if err != nil {
		return err
	}
	defer sub.Close()

	if plain {
		return tailPlain(ctx, sub)
	}

	program := tea.NewProgram(tui.NewActivityModel(), tea.WithAltScreen())
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Messages():
				if !ok {
					program.Send(tui.DisconnectedMsg{Err: fmt.Errorf("subscription closed")})
					return
				}
				var ev events.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					logrus.WithError(err).Debug("Skipping undecodable activity payload")
					continue
				}
				program.Send(tui.EventMsg{Event: ev})
			}
		}
	}()

	_, err = program.Run()
	return err
}

// tailPlain writes one JSON payload per line, for piping into jq.
func tailPlain(ctx context.Context, sub *bus.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.Messages():
			if !ok {
				return fmt.Errorf("subscription closed")
			}
			fmt.Println(msg.Payload)
		}
	}
}
