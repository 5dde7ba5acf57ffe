package main

import (
	"fmt"
	"log/slog"
	"runtime"
	"sort"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/born-ml/flowvae/internal/config"
)

var version = "0.1.0-dev"

type backend = *autodiff.Backend[*cpu.Backend]

func newBackend() backend {
	return autodiff.New(cpu.New())
}

type cli struct {
	configPath string
	logLevel   string

	cfg    config.Config
	logger *slog.Logger
}

func NewCLI() *cobra.Command {
	c := &cli{}

	rootCmd := &cobra.Command{
		Use:   "flowvae",
		Short: "Variational autoencoders with normalizing flows",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceUsage:      true,
		PersistentPreRunE: c.setup,
	}

	rootCmd.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "Path to a TOML config file")
	rootCmd.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "Log level: debug, info, warn or error")

	cobra.EnableCommandSorting = false

	rootCmd.AddCommand(
		c.trainCmd(),
		c.sampleCmd(),
		c.serveCmd(),
		c.envCmd(),
		versionCmd(),
	)
	return rootCmd
}

func (c *cli) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
	}
	level, err := config.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}

	c.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	slog.SetDefault(c.logger)
	c.cfg = cfg
	return nil
}

func (c *cli) envCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "Show FLOWVAE_* environment variables and their resolved values",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			vars := c.cfg.AsMap()
			names := make([]string, 0, len(vars))
			for name := range vars {
				names = append(names, name)
			}
			sort.Strings(names)

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"NAME", "VALUE", "DESCRIPTION"})
			table.SetAlignment(tablewriter.ALIGN_LEFT)
			table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
			table.SetBorder(false)
			table.SetNoWhiteSpace(true)
			table.SetTablePadding("    ")
			table.SetHeaderLine(false)
			table.SetAutoWrapText(false)
			for _, name := range names {
				v := vars[name]
				table.Append([]string{v.Name, fmt.Sprintf("%v", v.Value), v.Description})
			}
			table.Render()
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		// Skips config loading.
		PersistentPreRun: func(*cobra.Command, []string) {},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "flowvae version %s (%s/%s)\n", version, runtime.GOOS, runtime.GOARCH)
		},
	}
}
