package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	version      = "0.1.0"
	cfgFile      string
	manifestURL  string
	outputFormat string
	waitTimeout  time.Duration
	listenAddr   string
)

var rootCmd = &cobra.Command{
	Use:          "breeze-updater",
	Short:        "Breeze agent updater",
	Long:         `Breeze Updater - checks for a newer agent build, downloads it and hands it to the platform installer`,
	SilenceUsage: true,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check the manifest for a newer build",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCheck(cmd.OutOrStdout())
	},
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Check, download and launch the installer for a newer build",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runUpdate(cmd.OutOrStdout())
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the state feed with periodic update checks",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the state of a running updater",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus(cmd.OutOrStdout())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "Breeze Updater v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is updater.yaml in the platform config dir)")
	rootCmd.PersistentFlags().StringVar(&manifestURL, "manifest-url", "", "override manifest_url")

	checkCmd.Flags().StringVarP(&outputFormat, "output", "o", "text", "output format: text, json or yaml")
	updateCmd.Flags().DurationVar(&waitTimeout, "wait", 30*time.Minute, "how long to wait for the download to finish")
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "override feed_listen_addr")
	statusCmd.Flags().StringVar(&listenAddr, "addr", "", "address of the running state feed (default feed_listen_addr)")

	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
