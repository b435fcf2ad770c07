// Command opsctl runs operator actions against the subscription store
// without going through the HTTP API.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/angelmondragon/membergate-backend/pkg/logger"
)

func main() {
	_ = godotenv.Load()
	logg := logger.New(logger.Options{ServiceName: "opsctl"})

	root := newRootCommand()
	if err := root.ExecuteContext(context.Background()); err != nil {
		logg.Error(context.Background(), "opsctl failed", err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "opsctl",
		Short:         "Operator tooling for paid group memberships",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newGrantCommand(),
		newRevokeCommand(),
		newResyncCommand(),
		newRecomputeCommand(),
		newRunCommand(),
		newTokenCommand(),
	)
	return root
}
