package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newSignInCommand() *cobra.Command {
	var displayName string
	cmd := &cobra.Command{
		Use:   "signin",
		Short: "Sign in and remember the access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			current, err := newApp()
			if err != nil {
				return err
			}
			defer current.close()

			email := strings.TrimSpace(viper.GetString("auth.email"))
			if email == "" {
				return fmt.Errorf("auth.email is required (--email or PLANNER_AUTH_EMAIL)")
			}
			active, err := current.provider.SignIn(cmd.Context(), email, displayName)
			if err != nil {
				return err
			}
			if err := current.saveToken(active.AccessToken); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "signed in as %s (%s)\n", active.Email, active.UserID)
			return nil
		},
	}
	cmd.Flags().String("email", "", "Account email")
	cmd.Flags().StringVar(&displayName, "name", "", "Display name for a new account")
	if err := viper.BindPFlag("auth.email", cmd.Flags().Lookup("email")); err != nil {
		panic(err)
	}
	return cmd
}

func newSignOutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "signout",
		Short: "Forget the saved access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			current, err := newApp()
			if err != nil {
				return err
			}
			defer current.close()

			current.provider.SignOut()
			if err := current.forgetToken(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "signed out")
			return nil
		},
	}
}

func newWhoAmICommand() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in account",
		RunE: func(cmd *cobra.Command, args []string) error {
			current, err := newApp()
			if err != nil {
				return err
			}
			defer current.close()

			if _, err := current.requireSession(); err != nil {
				return err
			}
			user, err := current.api.User(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", user.UserID, user.Email, user.DisplayName)
			return nil
		},
	}
}
