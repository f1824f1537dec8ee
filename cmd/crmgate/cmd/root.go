package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X ...cmd.Version=...".
var Version = "dev"

var (
	configPath string
	envFile    string
	dataDir    string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "crmgate",
	Short: "crmgate manages CRM sessions and guards CRM routes",
	Long: `crmgate signs users in against the identity provider, keeps the CRM session
state and its cookie mirror, and runs a gateway enforcing the role-based
route policy in front of the CRM frontend.`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", os.Getenv("CRMGATE_CONFIG"), "Path to the YAML config file")
	pf.StringVar(&envFile, "env-file", ".env", "Path to a .env file loaded before the config")
	pf.StringVar(&dataDir, "data-dir", "", "Directory for persistent data (overrides config)")
	pf.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error (overrides config)")
}
