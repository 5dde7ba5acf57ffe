package main

import (
	"net"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/born-ml/flowvae/internal/checkpoint"
	"github.com/born-ml/flowvae/internal/server"
)

func (c *cli) serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve CHECKPOINT",
		Short: "Serve a trained model over HTTP",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = c.cfg.Server.Addr
			}

			model, _, info, err := checkpoint.Load(args[0], newBackend())
			if err != nil {
				return err
			}
			if c.cfg.Log.Level != "debug" {
				gin.SetMode(gin.ReleaseMode)
			}

			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return err
			}
			return server.New(model, info, c.logger).Serve(cmd.Context(), ln)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from config)")
	return cmd
}
