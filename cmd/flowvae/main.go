// Command flowvae trains and serves variational autoencoders with
// normalizing-flow posteriors.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cobra.CheckErr(NewCLI().ExecuteContext(ctx))
}
