// Package main is the ekffusion command: offline replay of recorded sensor logs through the fusion
// filter, plus inspection of recorded runs.
package main

import (
	"os"

	"github.com/urfave/cli/v2"
	"go.viam.com/utils"

	"go.viam.com/ekffusion/logging"
)

const (
	flagConfig = "config"
	flagDebug  = "debug"
	flagLog    = "log-file"
	flagBag    = "bag"
	flagDB     = "db"
	flagListen = "listen"
	flagServe  = "serve"
	flagRun    = "run"
	flagOut    = "out"
	flagTopics = "topics"
)

var logger = logging.NewLogger("ekffusion")

var app = &cli.App{
	Name:            "ekffusion",
	Usage:           "fuse imu, wheel and lidar odometry with an extended kalman filter",
	HideHelpCommand: true,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    flagConfig,
			Aliases: []string{"c"},
			Usage:   "load filter configuration from `FILE`",
		},
		&cli.BoolFlag{
			Name:    flagDebug,
			Aliases: []string{"vvv"},
			Usage:   "enable debug logging",
		},
		&cli.PathFlag{
			Name:  flagLog,
			Usage: "also write json logs to `FILE`, rotated by size",
		},
	},
	Before: func(c *cli.Context) error {
		level := logging.INFO
		if c.Bool(flagDebug) {
			level = logging.DEBUG
		}
		if path := c.Path(flagLog); path != "" {
			logger = logging.NewFileLogger("ekffusion", path, level)
		}
		logger.SetLevel(level)
		return nil
	},
	After: func(c *cli.Context) error {
		// syncing stdout fails on most platforms
		utils.UncheckedError(logger.Sync())
		return nil
	},
	Commands: []*cli.Command{
		{
			Name:      "replay",
			Usage:     "run a rosbag through the filter",
			UsageText: "ekffusion [-c config.json] replay --bag <file> [--db <file>] [--listen <addr> [--serve]]",
			Flags: []cli.Flag{
				&cli.PathFlag{
					Name:     flagBag,
					Required: true,
					Usage:    "rosbag containing the imu, wheel and lidar topics",
				},
				&cli.PathFlag{
					Name:  flagDB,
					Usage: "record published estimates to this sqlite database",
				},
				&cli.StringFlag{
					Name:  flagListen,
					Usage: "serve the stream, state and metrics on `ADDR`",
				},
				&cli.BoolFlag{
					Name:  flagServe,
					Usage: "keep serving after the replay finishes until interrupted",
				},
			},
			Action: ReplayAction,
		},
		{
			Name:      "runs",
			Usage:     "list the runs recorded in a database",
			UsageText: "ekffusion runs --db <file>",
			Flags: []cli.Flag{
				&cli.PathFlag{Name: flagDB, Required: true, Usage: "sqlite database written by replay"},
			},
			Action: RunsAction,
		},
		{
			Name:      "plot",
			Usage:     "plot the x/y trajectory of a recorded run",
			UsageText: "ekffusion plot --db <file> [--run <id>] --out <file.png>",
			Flags: []cli.Flag{
				&cli.PathFlag{Name: flagDB, Required: true, Usage: "sqlite database written by replay"},
				&cli.StringFlag{Name: flagRun, Usage: "run id, defaults to the most recent run"},
				&cli.PathFlag{Name: flagOut, Required: true, Usage: "output image, format chosen by extension"},
			},
			Action: PlotAction,
		},
		{
			Name:      "export",
			Usage:     "write bag topics as json lines",
			UsageText: "ekffusion export --bag <file> [--topics /imu/data,...]",
			Flags: []cli.Flag{
				&cli.PathFlag{Name: flagBag, Required: true, Usage: "rosbag to read"},
				&cli.StringSliceFlag{Name: flagTopics, Usage: "topics to export, defaults to all"},
			},
			Action: ExportAction,
		},
		{
			Name:   "defaults",
			Usage:  "print the default filter configuration",
			Action: DefaultsAction,
		},
	},
}

func main() {
	if err := app.Run(os.Args); err != nil {
		logger.Fatalf("%+v", err)
	}
}
