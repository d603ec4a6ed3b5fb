package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"medremind/internal/app"
	"medremind/internal/outbox"
)

func newMailCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "mail", Short: "Outbound email"}

	var m outbox.Message
	send := &cobra.Command{
		Use:   "send",
		Short: "Enqueue an email on the outbound queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCore(cmd, opts, func(ctx context.Context, core *app.Core) error {
				if err := core.Publisher().Enqueue(ctx, m); err != nil {
					return err
				}
				fmt.Printf("queued for %s on %s\n", m.To, core.Config().RabbitMQ.Queue)
				return nil
			})
		},
	}
	send.Flags().StringVar(&m.To, "to", "", "recipient address")
	send.Flags().StringVar(&m.Subject, "subject", "", "subject line")
	send.Flags().StringVar(&m.Body, "body", "", "HTML body")
	send.Flags().IntVar(&m.RetryCount, "retries", 0, "send attempts before the message is dropped (0 uses mail_worker.send_attempts)")
	_ = send.MarkFlagRequired("to")
	_ = send.MarkFlagRequired("subject")

	cmd.AddCommand(send)
	return cmd
}
