package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/doughall/linuxrmm/bridge/internal/config"
	"github.com/doughall/linuxrmm/bridge/internal/explorer"
	"github.com/doughall/linuxrmm/bridge/internal/host"
	"github.com/doughall/linuxrmm/bridge/internal/monitor"
	"github.com/doughall/linuxrmm/bridge/internal/tasks"
	"github.com/doughall/linuxrmm/bridge/internal/version"
)

func outputFor(c *cli.Context) (*renderer, error) {
	r, err := newRenderer(c.String("format"), c.App.Writer)
	if err != nil {
		return nil, cli.Exit(err.Error(), exitApplication)
	}
	return r, nil
}

func usage(c *cli.Context, msg string) error {
	return cli.Exit(fmt.Sprintf("%s\nusage: %s %s %s", msg, c.App.Name, c.Command.Name, c.Command.ArgsUsage), exitApplication)
}

func psCommand() *cli.Command {
	return &cli.Command{
		Name:  "ps",
		Usage: "List running processes",
		Action: func(c *cli.Context) error {
			r, err := outputFor(c)
			if err != nil {
				return err
			}
			return withSession(c, func(ctx context.Context, s *session) error {
				am, err := s.activity(ctx)
				if err != nil {
					return err
				}
				procs, err := am.ListRunningProcesses(ctx)
				if err != nil {
					return err
				}
				return r.render(newProcessList(procs))
			})
		},
	}
}

func killCommand() *cli.Command {
	return &cli.Command{
		Name:      "kill",
		Usage:     "Force-stop every process of a package",
		ArgsUsage: "<package>",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "user",
				Usage: "only stop processes of this uid (-1 for all users, root only)",
				Value: os.Getuid(),
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return usage(c, "exactly one package is required")
			}
			pkg := c.Args().First()
			return withSession(c, func(ctx context.Context, s *session) error {
				am, err := s.activity(ctx)
				if err != nil {
					return err
				}
				if err := am.ForceStopPackage(ctx, pkg, int32(c.Int("user"))); err != nil {
					return err
				}
				fmt.Fprintf(c.App.Writer, "stopped %s\n", pkg)
				return nil
			})
		},
	}
}

func memCommand() *cli.Command {
	return &cli.Command{
		Name:      "mem",
		Usage:     "Show memory usage of processes in KiB",
		ArgsUsage: "<pid>...",
		Action: func(c *cli.Context) error {
			pids, err := parsePIDs(c.Args().Slice())
			if err != nil {
				return usage(c, err.Error())
			}
			r, err := outputFor(c)
			if err != nil {
				return err
			}
			return withSession(c, func(ctx context.Context, s *session) error {
				am, err := s.activity(ctx)
				if err != nil {
					return err
				}
				infos, err := am.GetProcessMemoryInfo(ctx, pids)
				if err != nil {
					return err
				}
				list := make(memoryList, len(infos))
				for i, m := range infos {
					list[i] = newMemoryView(pids[i], m)
				}
				return r.render(list)
			})
		},
	}
}

// parsePIDs parses at least one decimal pid.
func parsePIDs(args []string) ([]int32, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("at least one pid is required")
	}
	pids := make([]int32, len(args))
	for i, a := range args {
		v, err := strconv.ParseInt(a, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid pid %q", a)
		}
		pids[i] = int32(v)
	}
	return pids, nil
}

func tasksCommand() *cli.Command {
	return &cli.Command{
		Name:  "tasks",
		Usage: "List running tasks",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "max", Usage: "maximum number of tasks", Value: 100},
			&cli.BoolFlag{Name: "visible", Usage: "only tasks with a visible window"},
			&cli.BoolFlag{Name: "extras", Usage: "include launch command lines"},
			&cli.IntFlag{Name: "display", Usage: "only tasks on this display (-1 for any)", Value: int(tasks.AnyDisplay)},
		},
		Action: func(c *cli.Context) error {
			r, err := outputFor(c)
			if err != nil {
				return err
			}
			return withSession(c, func(ctx context.Context, s *session) error {
				tm, err := s.tasks(ctx)
				if err != nil {
					return err
				}
				list, err := tm.GetTasks(ctx, int32(c.Int("max")),
					tasks.FilterOnlyVisibleRecents(c.Bool("visible")),
					tasks.KeepIntentExtra(c.Bool("extras")),
					tasks.OnDisplay(int32(c.Int("display"))),
				)
				if err != nil {
					return err
				}
				return r.render(newTaskList(list))
			})
		},
	}
}

func lsCommand() *cli.Command {
	return &cli.Command{
		Name:      "ls",
		Usage:     "List a directory",
		ArgsUsage: "<path>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return usage(c, "exactly one path is required")
			}
			r, err := outputFor(c)
			if err != nil {
				return err
			}
			return withSession(c, func(ctx context.Context, s *session) error {
				fm, err := s.files(ctx)
				if err != nil {
					return err
				}
				records, err := fm.ListFiles(ctx, c.Args().First())
				if err != nil {
					return err
				}
				return r.render(newFileList(records))
			})
		},
	}
}

func statCommand() *cli.Command {
	return &cli.Command{
		Name:      "stat",
		Usage:     "Describe a file or directory",
		ArgsUsage: "<path>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return usage(c, "exactly one path is required")
			}
			r, err := outputFor(c)
			if err != nil {
				return err
			}
			return withSession(c, func(ctx context.Context, s *session) error {
				fm, err := s.files(ctx)
				if err != nil {
					return err
				}
				record, err := fm.Stat(ctx, c.Args().First())
				if err != nil {
					return err
				}
				return r.render(newFileView(record))
			})
		},
	}
}

func catCommand() *cli.Command {
	return &cli.Command{
		Name:      "cat",
		Usage:     "Print part of a file",
		ArgsUsage: "<path>",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "offset", Usage: "first byte to read"},
			&cli.IntFlag{Name: "limit", Usage: "maximum bytes to read", Value: explorer.MaxReadLimit},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return usage(c, "exactly one path is required")
			}
			return withSession(c, func(ctx context.Context, s *session) error {
				fm, err := s.files(ctx)
				if err != nil {
					return err
				}
				data, err := fm.ReadFile(ctx, c.Args().First(), c.Int64("offset"), int32(c.Int("limit")))
				if err != nil {
					return err
				}
				_, err = c.App.Writer.Write(data)
				return err
			})
		},
	}
}

func topCommand() *cli.Command {
	return &cli.Command{
		Name:  "top",
		Usage: "Refresh the memory usage of task processes on a schedule",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "all", Usage: "include every process, not only task processes"},
			&cli.StringFlag{Name: "schedule", Usage: "refresh schedule (default from monitor_schedule)"},
			&cli.BoolFlag{Name: "once", Usage: "print one snapshot and exit"},
		},
		Action: topAction,
	}
}

func topAction(c *cli.Context) error {
	r, err := outputFor(c)
	if err != nil {
		return err
	}
	s, err := openSession(c)
	if err != nil {
		return err
	}
	defer s.Close()

	bindCtx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
	defer cancel()

	am, err := s.activity(bindCtx)
	if err != nil {
		return exit(err)
	}
	tm, err := s.tasks(bindCtx)
	if err != nil {
		return exit(err)
	}

	schedule := c.String("schedule")
	if schedule == "" {
		schedule = s.cfg.MonitorSchedule
	}
	opts := []monitor.Option{
		monitor.WithAllProcesses(c.Bool("all")),
		monitor.WithSchedule(schedule),
	}
	// System totals describe this machine, which is the helper's only over
	// the Unix socket.
	if s.cfg.Transport == config.TransportUnix {
		opts = append(opts, monitor.WithSystemMemory(host.SystemMemory))
	}
	m := monitor.New(am, tm, s.logger, opts...)

	if c.Bool("once") {
		snap, err := m.Collect(bindCtx)
		if err != nil {
			return exit(err)
		}
		return printSnapshot(c, r, snap)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return exit(m.Run(ctx, func(snap monitor.Snapshot) {
		if err := printSnapshot(c, r, snap); err != nil {
			s.logger.Error("failed to print snapshot", "error", err)
		}
	}))
}

func printSnapshot(c *cli.Context, r *renderer, snap monitor.Snapshot) error {
	v := newSnapshotView(snap)
	if r.format == formatTable {
		fmt.Fprintln(c.App.Writer, v.summary())
		defer fmt.Fprintln(c.App.Writer)
	}
	return r.render(v)
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version information",
		Action: func(c *cli.Context) error {
			fmt.Fprintln(c.App.Writer, version.Info(binaryName))
			return nil
		},
	}
}
