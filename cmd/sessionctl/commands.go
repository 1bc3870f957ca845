package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sessionkit/sessionkit/pkg/session"
)

// NewLoginCmd creates the login subcommand.
func NewLoginCmd() *cobra.Command {
	var (
		username string
		password string
		remember bool
	)

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate against the backend and persist the session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if password == "" {
				password = os.Getenv("SESSIONKIT_PASSWORD")
			}

			app, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			snap, err := app.Manager.Login(cmd.Context(), session.Credentials{
				Identifier: username,
				Secret:     password,
				GrantType:  session.GrantPassword,
				Remember:   remember,
			})
			if err != nil {
				return err
			}

			cmd.Printf("logged in as %s (user %d)\n", snap.User.Email, snap.User.ID)
			printExpiry(cmd, snap)
			return nil
		},
	}

	cmd.Flags().StringVarP(&username, "username", "u", "", "account identifier")
	cmd.Flags().StringVarP(&password, "password", "p", "", "password (or set SESSIONKIT_PASSWORD)")
	cmd.Flags().BoolVar(&remember, "remember", true, "persist the session across restarts")
	cmd.MarkFlagRequired("username")

	return cmd
}

// NewRegisterCmd creates the register subcommand.
func NewRegisterCmd() *cobra.Command {
	var (
		email    string
		password string
	)

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create a new account and log in",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if password == "" {
				password = os.Getenv("SESSIONKIT_PASSWORD")
			}

			app, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			snap, err := app.Manager.Register(cmd.Context(), session.Registration{
				Email:       email,
				Secret:      password,
				AcceptTerms: true,
			})
			if err != nil {
				return err
			}

			cmd.Printf("registered and logged in as %s (user %d)\n", snap.User.Email, snap.User.ID)
			printExpiry(cmd, snap)
			return nil
		},
	}

	cmd.Flags().StringVarP(&email, "email", "e", "", "account email")
	cmd.Flags().StringVarP(&password, "password", "p", "", "password (or set SESSIONKIT_PASSWORD)")
	cmd.MarkFlagRequired("email")

	return cmd
}

// NewStatusCmd creates the status subcommand.
func NewStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current session state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			snap := app.Manager.Snapshot()
			if !snap.IsAuthenticated {
				cmd.Println("not authenticated")
				return nil
			}

			cmd.Printf("authenticated as %s (user %d)\n", snap.User.Email, snap.User.ID)
			printExpiry(cmd, snap)
			return nil
		},
	}
}

// NewWatchCmd creates the watch subcommand.
func NewWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow session state changes until interrupted",
		Long: `Watch keeps the process alive so the background refresh scheduler runs,
and prints every session state change, including changes made by other
sessionctl processes against the same state database.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			unsubscribe := app.Manager.Subscribe(func(ch session.Change) {
				if ch.IsAuthenticated {
					cmd.Printf("%s authenticated as %s (user %d)\n",
						time.Now().Format(time.TimeOnly), ch.User.Email, ch.User.ID)
					return
				}
				cmd.Printf("%s signed out\n", time.Now().Format(time.TimeOnly))
			})
			defer unsubscribe()

			snap := app.Manager.Snapshot()
			if snap.IsAuthenticated {
				cmd.Printf("watching; currently authenticated as %s\n", snap.User.Email)
			} else {
				cmd.Println("watching; currently not authenticated")
			}

			<-ctx.Done()
			return nil
		},
	}
}

// NewLogoutCmd creates the logout subcommand.
func NewLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Clear the session locally and notify the backend",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.Manager.Logout(cmd.Context()); err != nil {
				return err
			}
			cmd.Println("logged out")
			return nil
		},
	}
}

func printExpiry(cmd *cobra.Command, snap session.Snapshot) {
	if snap.Token == nil || snap.Token.ExpiresAt == nil {
		cmd.Println("token has no known expiry")
		return
	}
	cmd.Printf("token expires at %s\n", snap.Token.ExpiresAt.Format(time.RFC3339))
}
