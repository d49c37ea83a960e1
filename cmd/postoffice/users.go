// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/turtacn/mqtt-postoffice/pkg/auth"
	"github.com/turtacn/mqtt-postoffice/pkg/config"
)

var errConfigRequired = errors.New("--config is required")

func newConfigCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "generate",
			Short: "Write the default configuration to --config",
			RunE: func(cmd *cobra.Command, _ []string) error {
				if opts.configPath == "" {
					return errConfigRequired
				}
				if err := config.SaveConfig(config.DefaultConfig(), opts.configPath); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "configuration saved to %s\n", opts.configPath)
				return nil
			},
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Load and validate --config",
			RunE: func(cmd *cobra.Command, _ []string) error {
				if opts.configPath == "" {
					return errConfigRequired
				}
				if _, err := config.LoadConfig(opts.configPath); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s is valid\n", opts.configPath)
				return nil
			},
		},
	)
	return cmd
}

type userFlags struct {
	username  string
	password  string
	algorithm string
	disabled  bool
}

func newUserCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage the users in --config",
	}

	// edit loads the config, applies fn and saves the result.
	edit := func(fn func(*config.Config) error) error {
		if opts.configPath == "" {
			return errConfigRequired
		}
		cfg, err := config.LoadConfig(opts.configPath)
		if err != nil {
			return err
		}
		if err := fn(cfg); err != nil {
			return err
		}
		return config.SaveConfig(cfg, opts.configPath)
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.configPath == "" {
				return errConfigRequired
			}
			cfg, err := config.LoadConfig(opts.configPath)
			if err != nil {
				return err
			}
			users := cfg.ListUsers()
			if len(users) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no users configured")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "USERNAME\tALGORITHM\tENABLED")
			for _, u := range users {
				fmt.Fprintf(w, "%s\t%s\t%t\n", u.Username, u.Algorithm, u.Enabled)
			}
			return w.Flush()
		},
	}

	var add userFlags
	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Add a user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if add.username == "" || add.password == "" {
				return errors.New("--user and --pass are required")
			}
			if err := edit(func(cfg *config.Config) error {
				return cfg.AddUser(add.username, add.password, add.algorithm, !add.disabled)
			}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user %s added\n", add.username)
			return nil
		},
	}
	bindUserFlags(addCmd, &add, string(auth.HashBcrypt))

	var update userFlags
	updateCmd := &cobra.Command{
		Use:   "update",
		Short: "Change a user's password, algorithm or status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if update.username == "" {
				return errors.New("--user is required")
			}
			if err := edit(func(cfg *config.Config) error {
				return cfg.UpdateUser(update.username, update.password, update.algorithm, !update.disabled)
			}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user %s updated\n", update.username)
			return nil
		},
	}
	bindUserFlags(updateCmd, &update, "")

	var remove userFlags
	removeCmd := &cobra.Command{
		Use:   "remove",
		Short: "Remove a user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if remove.username == "" {
				return errors.New("--user is required")
			}
			if err := edit(func(cfg *config.Config) error { return cfg.RemoveUser(remove.username) }); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user %s removed\n", remove.username)
			return nil
		},
	}
	removeCmd.Flags().StringVar(&remove.username, "user", "", "username")

	cmd.AddCommand(list, addCmd, updateCmd, removeCmd,
		newUserToggleCmd(edit, "enable", true), newUserToggleCmd(edit, "disable", false))
	return cmd
}

func newUserToggleCmd(edit func(func(*config.Config) error) error, verb string, enabled bool) *cobra.Command {
	var username string
	cmd := &cobra.Command{
		Use:   verb,
		Short: fmt.Sprintf("%s a user", verb),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if username == "" {
				return errors.New("--user is required")
			}
			if err := edit(func(cfg *config.Config) error {
				return cfg.UpdateUser(username, "", "", enabled)
			}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user %s %sd\n", username, verb)
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "user", "", "username")
	return cmd
}

func bindUserFlags(cmd *cobra.Command, f *userFlags, defaultAlgorithm string) {
	cmd.Flags().StringVar(&f.username, "user", "", "username")
	cmd.Flags().StringVar(&f.password, "pass", "", "password")
	cmd.Flags().StringVar(&f.algorithm, "algo", defaultAlgorithm, "password algorithm: plain, sha256 or bcrypt")
	cmd.Flags().BoolVar(&f.disabled, "disabled", false, "create or leave the user disabled")
}
