package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var resetPasswordCmd = &cobra.Command{
	Use:   "reset-password <username>",
	Short: "Start the password reset flow",
	Args:  cobra.ExactArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		return withApp(c, func(ctx context.Context, a *app) error {
			if !a.manager.ResetPassword(ctx, args[0]) {
				return passwordFailure(c, a)
			}
			fmt.Fprintln(c.OutOrStdout(), "Verification code sent.")
			return nil
		})
	},
}

var (
	confirmCode        string
	confirmNewPassword string
)

var confirmResetPasswordCmd = &cobra.Command{
	Use:   "confirm-reset-password <username>",
	Short: "Complete the password reset flow with the emailed code",
	Args:  cobra.ExactArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		if confirmCode == "" || confirmNewPassword == "" {
			return errors.New("--code and --new-password are required")
		}
		return withApp(c, func(ctx context.Context, a *app) error {
			if !a.manager.ConfirmResetPassword(ctx, args[0], confirmCode, confirmNewPassword) {
				return passwordFailure(c, a)
			}
			fmt.Fprintln(c.OutOrStdout(), "Password changed.")
			return nil
		})
	},
}

func passwordFailure(c *cobra.Command, a *app) error {
	msg := a.manager.Snapshot().Error
	fmt.Fprintln(c.ErrOrStderr(), msg)
	return errors.New(msg)
}

func init() {
	confirmResetPasswordCmd.Flags().StringVar(&confirmCode, "code", "", "Verification code")
	confirmResetPasswordCmd.Flags().StringVar(&confirmNewPassword, "new-password", "", "New password")
	rootCmd.AddCommand(resetPasswordCmd, confirmResetPasswordCmd)
}
