package main

import (
	"fmt"
	"io"
	"os"

	"envvault/internal/envvault"

	"github.com/spf13/cobra"
)

// version is injected at build time:
// go build -ldflags="-X main.version=v1.2.3"
var version = "dev"

type runner interface {
	Login() error
	Logout() error
	WhoAmI(verify bool) error
	Push(opts envvault.PushOptions) error
	Pull(opts envvault.PullOptions) error
	List(opts envvault.ListOptions) error
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func buildRootCmd(app runner, out io.Writer) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "envvault",
		Short:         "encrypted .env storage for GitHub repositories",
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: "Store encrypted environment files keyed by GitHub repository.\n\n" +
			"Example:\n" +
			"  envvault login\n" +
			"  envvault push --file .env.production",
	}
	rootCmd.SetOut(out)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "login",
		Short: "Sign in with GitHub",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.Login()
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "logout",
		Short: "Sign out and clear the stored credential",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.Logout()
		},
	})

	whoamiCmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in GitHub account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			verify, _ := cmd.Flags().GetBool("verify")
			return app.WhoAmI(verify)
		},
	}
	whoamiCmd.Flags().Bool("verify", false, "Check the stored token against the backend")
	rootCmd.AddCommand(whoamiCmd)

	pushCmd := &cobra.Command{
		Use:   "push",
		Short: "Encrypt and upload an env file",
		Args:  cobra.NoArgs,
		Example: "envvault push\n" +
			"envvault push --file .env.production --directory api --name .env.prod",
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts envvault.PushOptions
			opts.File, _ = cmd.Flags().GetString("file")
			opts.Owner, _ = cmd.Flags().GetString("owner")
			opts.Repo, _ = cmd.Flags().GetString("repo")
			opts.Directory, _ = cmd.Flags().GetString("directory")
			opts.Name, _ = cmd.Flags().GetString("name")
			return app.Push(opts)
		},
	}
	pushCmd.Flags().StringP("file", "f", "", "Env file to push (default .env)")
	pushCmd.Flags().StringP("owner", "o", "", "Repository owner (default from git remote)")
	pushCmd.Flags().StringP("repo", "r", "", "Repository name (default from git remote)")
	pushCmd.Flags().StringP("directory", "d", "", "Directory within the repository (default root)")
	pushCmd.Flags().StringP("name", "n", "", "Stored env file name (default .env.<date>)")
	rootCmd.AddCommand(pushCmd)

	pullCmd := &cobra.Command{
		Use:   "pull",
		Short: "Download and decrypt an env file",
		Args:  cobra.NoArgs,
		Example: "envvault pull\n" +
			"envvault pull --repo widget --output .env.local",
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts envvault.PullOptions
			opts.Owner, _ = cmd.Flags().GetString("owner")
			opts.Repo, _ = cmd.Flags().GetString("repo")
			opts.Directory, _ = cmd.Flags().GetString("directory")
			opts.Output, _ = cmd.Flags().GetString("output")
			return app.Pull(opts)
		},
	}
	pullCmd.Flags().StringP("owner", "o", "", "Repository owner (default from git remote)")
	pullCmd.Flags().StringP("repo", "r", "", "Repository name (default from git remote)")
	pullCmd.Flags().StringP("directory", "d", "", "Directory within the repository (default root)")
	pullCmd.Flags().String("output", "", "Write the env file to this path")
	rootCmd.AddCommand(pullCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List stored env files grouped by repository",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts envvault.ListOptions
			opts.Owner, _ = cmd.Flags().GetString("owner")
			opts.Repo, _ = cmd.Flags().GetString("repo")
			return app.List(opts)
		},
	}
	listCmd.Flags().StringP("owner", "o", "", "Repository owner")
	listCmd.Flags().StringP("repo", "r", "", "Only show files for this repository")
	rootCmd.AddCommand(listCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "envvault %s\n", version)
			return nil
		},
	})

	return rootCmd
}

func main() {
	app, err := envvault.NewApp()
	if err != nil {
		fatal(err)
	}
	if err := buildRootCmd(app, os.Stdout).Execute(); err != nil {
		fatal(err)
	}
}
