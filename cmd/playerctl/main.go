package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var addr string

	rootCmd := &cobra.Command{
		Use:   "playerctl",
		Short: "Send playout commands to a running graphics player",
		Long: `playerctl posts commands to a player's local control surface
(POST /api/command). Every command gets a fresh id, so the player applies it
exactly once even if the same command also arrives from the backend.`,
		SilenceUsage: true,
	}

	defaultAddr := os.Getenv("PLAYER_ADDR")
	if defaultAddr == "" {
		defaultAddr = "http://localhost:3000"
	}
	rootCmd.PersistentFlags().StringVar(&addr, "addr", defaultAddr, "player control address (env PLAYER_ADDR)")

	client := func() *controlClient { return newControlClient(addr) }

	rootCmd.AddCommand(templateCmd("play", "Play a template (in, then loop)", client))
	rootCmd.AddCommand(templateCmd("load", "Cue a template without starting the clock", client))
	rootCmd.AddCommand(updateCmd(client))
	rootCmd.AddCommand(stopCmd(client))
	rootCmd.AddCommand(clearCmd(client))
	rootCmd.AddCommand(initializeCmd(client))
	rootCmd.AddCommand(stateCmd(client))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
