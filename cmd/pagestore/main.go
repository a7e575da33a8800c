package main

import (
	"fmt"
	"os"

	"github.com/cuemby/pagestore/pkg/log"
	"github.com/cuemby/pagestore/pkg/paths"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pagestore",
	Short: "Inspect and operate an embedded pagestore persistence root",
	Long: `pagestore is a command-line surface over an embedded, single-writer
persistent store: it opens a persistence root on local disk and lets an
operator inspect its current snapshot, read or scan a datastore's
entries, and trigger a retention sweep by hand.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"pagestore version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "Path to a pagestore.yaml config file (flags override its values)")
	rootCmd.PersistentFlags().String("dir", "", "Persistence root directory (default: ~/.pagestore, or the config file's dir)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(datastoresCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(gcCmd)
	rootCmd.AddCommand(serveCmd)
}

func loadedConfig() Config {
	path, _ := rootCmd.PersistentFlags().GetString("config")
	cfg, err := loadConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func initLogging() {
	cfg := loadedConfig()

	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	if !rootCmd.PersistentFlags().Changed("log-level") && cfg.LogLevel != "" {
		logLevel = cfg.LogLevel
	}
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	if !rootCmd.PersistentFlags().Changed("log-json") && cfg.LogJSON {
		logJSON = true
	}

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// rootDir resolves the --dir flag, falling back to the config file's
// dir and then to paths.DefaultRoot when neither is set.
func rootDir(cmd *cobra.Command) (string, error) {
	dir, _ := cmd.Flags().GetString("dir")
	if dir != "" {
		return dir, nil
	}
	if cfg := loadedConfig(); cfg.Dir != "" {
		return cfg.Dir, nil
	}
	return paths.DefaultRoot()
}
