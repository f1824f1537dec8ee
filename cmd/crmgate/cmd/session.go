package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmcleod/crmgate/guard"
	"github.com/jmcleod/crmgate/session"
)

// withApp wires the app, runs fn and tears everything down.
func withApp(c *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	a, err := newApp(c.Context(), c)
	if err != nil {
		return err
	}
	defer a.close()
	ctx, stop := a.withInterrupt(c.Context())
	defer stop()
	return fn(ctx, a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// reportError prints the localized message of a session error.
func reportError(c *cobra.Command, err error) error {
	var se *session.Error
	if errors.As(err, &se) {
		fmt.Fprintln(c.ErrOrStderr(), se.Message)
	}
	return err
}

var (
	loginUser     string
	loginPassword string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in and load the CRM session",
	Long: `Signs in against the identity provider, resolves the user's role and profile
and persists the session state and cookie mirror. The password is read from
the first line of standard input when --password is not given.`,
	RunE: func(c *cobra.Command, args []string) error {
		if loginUser == "" {
			return errors.New("--username is required")
		}
		password := loginPassword
		if password == "" {
			line, err := bufio.NewReader(c.InOrStdin()).ReadString('\n')
			if err != nil && !errors.Is(err, io.EOF) {
				return fmt.Errorf("reading password: %w", err)
			}
			password = strings.TrimRight(line, "\r\n")
		}
		return withApp(c, func(ctx context.Context, a *app) error {
			res, err := a.manager.SignIn(ctx, loginUser, password)
			if err != nil {
				return reportError(c, err)
			}
			return printJSON(c.OutOrStdout(), res)
		})
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out everywhere and clear the local session",
	RunE: func(c *cobra.Command, args []string) error {
		return withApp(c, func(ctx context.Context, a *app) error {
			return reportError(c, a.manager.SignOut(ctx))
		})
	},
}

var whoamiOffline bool

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the current session",
	Long: `Validates the session with the identity provider and prints the resulting
view. With --offline only the persisted state and cookie mirror are read.`,
	RunE: func(c *cobra.Command, args []string) error {
		return withApp(c, func(ctx context.Context, a *app) error {
			if whoamiOffline {
				return printJSON(c.OutOrStdout(), session.ReadUserData(a.mirror, a.store))
			}
			a.manager.CheckAuthState(ctx)
			return printJSON(c.OutOrStdout(), a.manager.Snapshot())
		})
	},
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Refetch the user profile and update the session if it changed",
	RunE: func(c *cobra.Command, args []string) error {
		return withApp(c, func(ctx context.Context, a *app) error {
			v := a.manager.Snapshot()
			if !v.IsAuthenticated {
				return errors.New("not signed in")
			}
			a.profiles.Invalidate(v.Username)
			a.manager.RefreshUserData(ctx)
			return printJSON(c.OutOrStdout(), a.manager.Snapshot())
		})
	},
}

var navigateCmd = &cobra.Command{
	Use:   "navigate <path>",
	Short: "Evaluate the client route guard for a page",
	Args:  cobra.ExactArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		path := args[0]
		return withApp(c, func(ctx context.Context, a *app) error {
			b := clientGuardFor(path).Bind(a.manager, printNavigator{w: c.OutOrStdout()}, nil)
			defer b.Close()
			a.manager.Init(ctx)
			a.manager.Close()
			if d := b.Decision(); d.Render {
				fmt.Fprintf(c.OutOrStdout(), "render %s\n", path)
			}
			return nil
		})
	},
}

// clientGuardFor returns the guard a page is wrapped in.
func clientGuardFor(path string) guard.ClientGuard {
	policy := guard.DefaultPolicy()
	switch {
	case policy.IsAuthPath(path):
		return guard.ClientGuard{RequireAuth: false, RedirectTo: session.PathDashboard}
	case strings.HasPrefix(path, session.PathDashboard):
		g := guard.NewClientGuard(session.RoleAdmin, session.RoleBoard)
		g.RedirectTo = session.PathCosts
		return g
	default:
		return guard.NewClientGuard()
	}
}

func init() {
	loginCmd.Flags().StringVarP(&loginUser, "username", "u", "", "Username")
	loginCmd.Flags().StringVarP(&loginPassword, "password", "p", "", "Password (read from stdin when empty)")
	whoamiCmd.Flags().BoolVar(&whoamiOffline, "offline", false, "Read the persisted state without contacting the provider")

	rootCmd.AddCommand(loginCmd, logoutCmd, whoamiCmd, refreshCmd, navigateCmd)
}
