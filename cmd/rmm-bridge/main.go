// rmm-bridge is the operator CLI of the bridge. It binds to the services of
// an rmm-bridge-helper over the configured transport and prints the result.
//
// Usage:
//
//	rmm-bridge [--config path] [--format table|json|yaml] <command> [args]
//
// Exit codes:
//   - 0: success
//   - 1: application error reported by the service, or a usage error
//   - 2: protocol error (contract mismatch, malformed transaction)
//   - 3: transport error (helper unreachable, connection lost)
package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/doughall/linuxrmm/bridge/internal/binder"
	"github.com/doughall/linuxrmm/bridge/internal/config"
	"github.com/doughall/linuxrmm/bridge/internal/version"
)

const binaryName = "rmm-bridge"

// Exit codes by error class.
const (
	exitApplication = 1
	exitProtocol    = 2
	exitTransport   = 3
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		// ExitErrHandler already exited for cli.ExitCoder errors.
		os.Exit(exitApplication)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:           binaryName,
		Usage:          "Inspect and manage processes, tasks and files through rmm-bridge-helper",
		Version:        version.Info(binaryName),
		ExitErrHandler: exitErrHandler,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to configuration file",
				Value:   config.DefaultConfigPath,
			},
			&cli.StringFlag{
				Name:    "format",
				Aliases: []string{"o"},
				Usage:   "output format: table, json or yaml",
				Value:   string(formatTable),
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "deadline for one-shot commands",
				Value: 30 * time.Second,
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"V"},
				Usage:   "log at the configured level instead of warnings only",
			},
		},
		Commands: []*cli.Command{
			psCommand(),
			killCommand(),
			memCommand(),
			tasksCommand(),
			lsCommand(),
			statCommand(),
			catCommand(),
			topCommand(),
			versionCommand(),
		},
	}
}

// exitErrHandler prints the error and exits with the code of its class.
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}

	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()
		if msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(code)
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(exitCode(err))
}

// exitCode maps a transaction error to the exit code of its class.
func exitCode(err error) int {
	switch {
	case binder.IsTransportError(err):
		return exitTransport
	case binder.IsProtocolError(err):
		return exitProtocol
	default:
		return exitApplication
	}
}

// exit wraps err so that the CLI exits with the code of its class.
func exit(err error) error {
	if err == nil {
		return nil
	}
	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		return err
	}
	return cli.Exit(err.Error(), exitCode(err))
}
