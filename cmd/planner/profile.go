package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/MarcoPoloResearchLab/planner/internal/profiles"
	"github.com/spf13/cobra"
)

func newProfileCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Show or change the profile",
	}
	cmd.AddCommand(newProfileShowCommand(), newProfileSetCommand())
	return cmd
}

func newProfileShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			current, err := newApp()
			if err != nil {
				return err
			}
			defer current.close()

			directory, err := current.profileDirectory(cmd.Context())
			if err != nil {
				return err
			}
			defer directory.Close()

			profile, err := directory.Ensure(cmd.Context(), "")
			if err != nil {
				return err
			}
			writeProfile(cmd.OutOrStdout(), profile)
			return nil
		},
	}
}

func newProfileSetCommand() *cobra.Command {
	var name, avatar, timezone string
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Change profile fields",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			if !flags.Changed("name") && !flags.Changed("avatar") && !flags.Changed("timezone") {
				return errors.New("nothing to change: pass --name, --avatar or --timezone")
			}
			current, err := newApp()
			if err != nil {
				return err
			}
			defer current.close()

			directory, err := current.profileDirectory(cmd.Context())
			if err != nil {
				return err
			}
			defer directory.Close()

			if _, err := directory.Ensure(cmd.Context(), name); err != nil {
				return err
			}
			var patch profiles.Patch
			if flags.Changed("name") {
				patch.DisplayName = &name
			}
			if flags.Changed("avatar") {
				patch.AvatarURL = &avatar
			}
			if flags.Changed("timezone") {
				patch.Timezone = &timezone
			}
			profile, err := directory.Save(cmd.Context(), patch)
			if err != nil {
				return err
			}
			writeProfile(cmd.OutOrStdout(), profile)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Display name")
	cmd.Flags().StringVar(&avatar, "avatar", "", "Avatar URL")
	cmd.Flags().StringVar(&timezone, "timezone", "", "IANA timezone, for example Europe/Berlin")
	return cmd
}

func writeProfile(out io.Writer, profile profiles.Profile) {
	fmt.Fprintf(out, "name:     %s\n", profile.DisplayName)
	fmt.Fprintf(out, "avatar:   %s\n", profile.AvatarURL)
	fmt.Fprintf(out, "timezone: %s\n", profile.Location())
}
