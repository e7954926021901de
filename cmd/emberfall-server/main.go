// Command emberfall-server runs a dedicated game server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"emberfall/engine/game"
	"emberfall/engine/internal/app"
	"emberfall/engine/internal/config"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "emberfall-server",
		Short:         "Dedicated Emberfall game server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return app.Run(ctx, cfg)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to the server config file")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the game version",
		Run: func(*cobra.Command, []string) {
			fmt.Println(game.Version)
		},
	})

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
