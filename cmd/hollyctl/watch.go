package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jordanhubbard/holly/internal/messagebus"
)

func newWatchCommand() *cobra.Command {
	var (
		natsURL string
		stream  string
		event   string
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow lifecycle events on the NATS bus",
		Example: `  hollyctl watch
  hollyctl watch --event=review_requested`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
			bus, err := messagebus.Connect(messagebus.Config{URL: natsURL, StreamName: stream}, logger)
			if err != nil {
				return err
			}
			defer bus.Close()

			subject := messagebus.SubjectPrefix + ".>"
			if event != "" {
				subject = messagebus.Subject(event)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "watching %s\n", subject)
			return bus.Subscribe(ctx, subject, func(_ string, data []byte) {
				outputJSON(cmd.OutOrStdout(), data)
			})
		},
	}
	cmd.Flags().StringVar(&natsURL, "nats", envOr("HOLLY_NATS_URL", "nats://localhost:4222"), "NATS server URL")
	cmd.Flags().StringVar(&stream, "stream", "HOLLY", "JetStream stream name")
	cmd.Flags().StringVar(&event, "event", "", "Only show one event type, e.g. merged")
	return cmd
}
