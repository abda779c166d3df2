// Package cmd assembles the trailwatch command line interface.
package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mtoivan/trailwatch-go/cmd/realtime"
	"github.com/mtoivan/trailwatch-go/internal/conf"
)

// RootCommand creates and returns the root command.
func RootCommand(settings *conf.Settings) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "trailwatch",
		Short: "Trailwatch wildlife detection alert engine",
	}

	setupFlags(rootCmd, settings)
	rootCmd.AddCommand(realtime.Command(settings))

	return rootCmd
}

// setupFlags binds the global flags to their viper keys so command line
// arguments take precedence over config file and environment.
func setupFlags(cmd *cobra.Command, settings *conf.Settings) {
	cmd.PersistentFlags().BoolVarP(&settings.Main.Debug, "debug", "d", settings.Main.Debug, "Enable debug logging")
	cmd.PersistentFlags().StringVar(&settings.Main.Name, "name", settings.Main.Name, "Node name for this engine instance")
	cmd.PersistentFlags().StringVar(&settings.WebServer.Port, "port", settings.WebServer.Port, "REST API port")

	_ = viper.BindPFlag("main.debug", cmd.PersistentFlags().Lookup("debug"))
	_ = viper.BindPFlag("main.name", cmd.PersistentFlags().Lookup("name"))
	_ = viper.BindPFlag("webserver.port", cmd.PersistentFlags().Lookup("port"))
}
