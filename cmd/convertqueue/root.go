// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// ConvertQueue - FFmpeg 视频转换队列工具

package main

import (
	"github.com/ZSC714725/convertqueue/internal/config"
	"github.com/ZSC714725/convertqueue/internal/logger"

	"github.com/spf13/cobra"
)

// commandContext loads the configuration once for all subcommands
type commandContext struct {
	configPath *string
	debug      *bool
	ffmpegPath *string
	cfg        *config.Config
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}

	cfg := config.Default()
	if *c.configPath != "" {
		var err error
		cfg, err = config.Load(*c.configPath)
		if err != nil {
			return nil, err
		}
	}
	if *c.debug {
		cfg.Log.Debug = true
	}
	if *c.ffmpegPath != "" {
		cfg.FFmpeg.Path = *c.ffmpegPath
	}

	c.cfg = cfg
	return cfg, nil
}

func (c *commandContext) logger(prefix string) logger.Logger {
	debug := c.cfg != nil && c.cfg.Log.Debug
	return logger.NewWithConfig(logger.Config{Prefix: prefix, Debug: debug})
}

func newRootCommand() *cobra.Command {
	var (
		configFlag string
		debugFlag  bool
		ffmpegFlag string
	)
	ctx := &commandContext{configPath: &configFlag, debug: &debugFlag, ffmpegPath: &ffmpegFlag}

	rootCmd := &cobra.Command{
		Use:           "convertqueue",
		Short:         "Queue video files for conversion to MP4 with FFmpeg",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path (YAML or TOML)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&ffmpegFlag, "ffmpeg", "", "FFmpeg binary path (overrides config)")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newConvertCommand(ctx))
	rootCmd.AddCommand(newHistoryCommand(ctx))

	return rootCmd
}
