package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/panyam/accounts/client"
	clientfs "github.com/panyam/accounts/client/stores/fs"
)

type clientFlags struct {
	server      string
	prefix      string
	credentials string
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.server, "server", "http://localhost:8080", "Server running the account routes")
	cmd.Flags().StringVar(&f.prefix, "prefix", "", "Path the account routes are mounted under")
	cmd.Flags().StringVar(&f.credentials, "credentials", "", "Credentials file; defaults to the user config directory")
}

func (f *clientFlags) client() (*client.AuthClient, error) {
	store, err := clientfs.Open(f.credentials, "demo-hostapp")
	if err != nil {
		return nil, err
	}
	return client.NewAuthClient(f.server, store, client.WithPrefix(f.prefix)), nil
}

func loginCmd() *cobra.Command {
	var flags clientFlags
	var email, password string
	var signup bool

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log into a running server and remember the login",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			if password == "" {
				if password, err = readPassword(); err != nil {
					return err
				}
			}
			attempt := c.Login
			if signup {
				attempt = c.Signup
			}
			user, err := attempt(cmd.Context(), email, password)
			if err != nil {
				return err
			}
			fmt.Printf("Logged in as user %d (%s)\n", user.ID, user.Email)
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&email, "email", "", "Account email")
	cmd.Flags().StringVar(&password, "password", "", "Account password; prompted for when empty")
	cmd.Flags().BoolVar(&signup, "signup", false, "Create the account first")
	cmd.MarkFlagRequired("email")

	return cmd
}

func whoamiCmd() *cobra.Command {
	var flags clientFlags

	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show the user the stored login belongs to",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			profile, err := c.Me(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("User %d (%s) via %s\n", profile.User.ID, profile.User.Email, profile.Identity)
			for _, id := range profile.OAuth2Identities {
				fmt.Printf("  oauth2 %s:%s\n", id.Provider, id.UID)
			}
			for _, id := range profile.OpenIDIdentities {
				fmt.Printf("  openid %s\n", id.Identity)
			}
			return nil
		},
	}

	flags.register(cmd)
	return cmd
}

func logoutCmd() *cobra.Command {
	var flags clientFlags

	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Log out and forget the stored login",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			if err := c.Logout(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("Logged out")
			return nil
		},
	}

	flags.register(cmd)
	return cmd
}

// readPassword reads a password without echo when stdin is a terminal and
// a plain line otherwise, so it can be piped in.
func readPassword() (string, error) {
	fmt.Fprint(os.Stderr, "Password: ")
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		pw, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		return string(pw), err
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
