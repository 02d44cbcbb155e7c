package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"sentinel-overwatch/pkg/config"
)

var (
	v = config.New()

	rootCmd = &cobra.Command{
		Use:   "overwatch",
		Short: "Sentinel Overwatch operator console",
		Long: `Operator console for the shared operational picture.

watch follows live telemetry, alerts and annotations from the relay.
roi and route edit the room's shared annotations.
mission, step, poi and sitrep drive the system of record.`,
		SilenceUsage: true,
	}
)

func main() {
	config.LoadDotEnv()
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func addPersistentFlags() {
	// stdout carries command output; console logs go to stderr
	v.SetDefault("log-level", "warn")
	v.SetDefault("log-format", "console")

	flags := rootCmd.PersistentFlags()
	flags.String("relay-url", "", "relay websocket endpoint")
	flags.String("api-base-url", "", "system of record base URL")
	flags.String("token", "", "credential used when none is stored")
	flags.String("room", "", "collaboration room")
	flags.String("db-path", "", "local state database")
	flags.String("log-level", "", "debug, info, warn or error")
	flags.String("log-format", "", "json or console")
	flags.StringP("output", "o", outputTable, "table, json or yaml")
	for _, name := range []string{"relay-url", "api-base-url", "token", "room", "db-path", "log-level", "log-format", "output"} {
		_ = v.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(annotationCmd(roiKind))
	rootCmd.AddCommand(annotationCmd(routeKind))
	rootCmd.AddCommand(authCmd())
	rootCmd.AddCommand(homeBaseCmd())
	rootCmd.AddCommand(missionCmd())
	rootCmd.AddCommand(stepCmd())
	rootCmd.AddCommand(assetCmd())
	rootCmd.AddCommand(poiCmd())
	rootCmd.AddCommand(sitrepCmd())
}
