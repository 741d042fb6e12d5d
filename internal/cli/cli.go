package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/specialistvlad/pmigo/internal/app"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// Parse processes command-line arguments. It returns a populated Config,
// a boolean indicating if the program should exit cleanly, or an ExitError.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	slog.Debug("CLI parser started.")
	flagSet := flag.NewFlagSet("pmigo", flag.ContinueOnError)
	flagSet.SetOutput(output)

	flagSet.Usage = func() {
		fmt.Fprint(output, `
pmigo - parallel method invocation across a controller and its workers.

Usage:
  pmigo -local -workers N [options]
  pmigo -role controller -workers N -listen ADDR [options]
  pmigo -role worker -workers N -rank R -controller URL -job-id ID [options]
  pmigo -describe [-capabilities PATH]

Options:
`)
		flagSet.PrintDefaults()
	}

	roleFlag := flagSet.String("role", "", "Part this process plays: 'controller' or 'worker'.")
	localFlag := flagSet.Bool("local", false, "Run the controller and every worker inside this process.")
	rankFlag := flagSet.Int("rank", 0, "Rank of this worker (0-based).")
	workersFlag := flagSet.Int("workers", 1, "Number of workers in the job.")
	listenFlag := flagSet.String("listen", "127.0.0.1:7070", "Address the controller accepts workers on.")
	controllerFlag := flagSet.String("controller", "ws://127.0.0.1:7070/pmi", "URL of the controller, for workers.")
	jobIDFlag := flagSet.String("job-id", "", "Job id shared by the controller and its workers. Generated by the controller when empty.")
	capsFlag := flagSet.String("capabilities", "", "Extra .hcl capability file or directory.")
	scriptFlag := flagSet.String("script", app.DefaultScript, "Built-in controller script to run.")
	compressFlag := flagSet.Bool("compress", false, "Compress large invocation frames with brotli.")
	describeFlag := flagSet.Bool("describe", false, "Print the exposed classes and exit.")
	healthPortFlag := flagSet.Int("healthcheck-port", 0, "Port for the HTTP health check and metrics server. 0 is disabled.")
	logFormatFlag := flagSet.String("log-format", "text", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}
	slog.Debug("Arguments parsed successfully.")

	if flagSet.NArg() > 0 {
		return nil, false, &ExitError{Code: 2, Message: fmt.Sprintf("unexpected arguments: %s", strings.Join(flagSet.Args(), " "))}
	}
	if *roleFlag == "" && !*localFlag && !*describeFlag {
		slog.Debug("No role given, printing usage and exiting.")
		flagSet.Usage()
		return nil, true, nil
	}
	if *roleFlag != "" && *localFlag {
		return nil, false, &ExitError{Code: 2, Message: "-role and -local are mutually exclusive"}
	}

	logFormat := strings.ToLower(*logFormatFlag)
	if logFormat != "text" && logFormat != "json" {
		return nil, false, &ExitError{Code: 2, Message: "invalid log-format: must be 'text' or 'json'"}
	}

	logLevel := strings.ToLower(*logLevelFlag)
	switch logLevel {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return nil, false, &ExitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}
	slog.Debug("CLI parameter validation complete.")

	config, err := app.NewConfig(app.Config{
		Role:             strings.ToLower(*roleFlag),
		Local:            *localFlag,
		Rank:             *rankFlag,
		Workers:          *workersFlag,
		Listen:           *listenFlag,
		ControllerURL:    *controllerFlag,
		JobID:            *jobIDFlag,
		CapabilitiesPath: *capsFlag,
		Script:           *scriptFlag,
		Compress:         *compressFlag,
		Describe:         *describeFlag,
		HealthcheckPort:  *healthPortFlag,
		LogFormat:        logFormat,
		LogLevel:         logLevel,
	})
	if err != nil {
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	slog.Debug("CLI parser finished successfully.", "config", config)
	return config, false, nil
}
