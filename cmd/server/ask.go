package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/trax-tutor/internal/agent"
	"github.com/ashureev/trax-tutor/internal/domain"
	"github.com/spf13/cobra"
)

// newAskCmd runs one turn against the local database and prints the result.
func newAskCmd(logger *slog.Logger) *cobra.Command {
	var userID, sessionID string

	cmd := &cobra.Command{
		Use:   "ask [prompt]",
		Short: "Submit a single turn and print the structured reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, logger)
			if err != nil {
				return err
			}
			defer a.close()

			now := time.Now()
			if err := a.repo.UpsertUser(ctx, &domain.User{
				UserID:    userID,
				Username:  userID,
				CreatedAt: now,
				UpdatedAt: now,
			}); err != nil {
				return fmt.Errorf("ensure user: %w", err)
			}

			result, err := a.service.SubmitTurn(ctx, agent.TurnInput{
				OwnerID:   userID,
				SessionID: sessionID,
				Prompt:    strings.Join(args, " "),
				Channel:   "cli",
			})
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}

	cmd.Flags().StringVar(&userID, "user", "cli-user", "owner user ID")
	cmd.Flags().StringVar(&sessionID, "session", "", "session ID to continue (empty starts a new session)")
	return cmd
}
