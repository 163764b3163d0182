// Package errors reports fatal startup and runtime errors of the daemon and
// hands main an exit code.
package errors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/twmailer/twmailer/logger"
)

// Exit codes returned by WaitForExit.
const (
	ExitRuntime = 1
	ExitConfig  = 2
)

type GracefulError struct {
	Operation string
	Err       error
}

func (g *GracefulError) Error() string {
	return fmt.Sprintf("operation '%s' failed: %v", g.Operation, g.Err)
}

func (g *GracefulError) Unwrap() error {
	return g.Err
}

func NewGracefulError(operation string, err error) *GracefulError {
	return &GracefulError{Operation: operation, Err: err}
}

// ErrorHandler records the first fatal error. Reports go to stderr as well
// as the logger, which may not be initialized yet.
type ErrorHandler struct {
	exitChannel chan int
	stderr      io.Writer
}

func NewErrorHandler() *ErrorHandler {
	return &ErrorHandler{
		exitChannel: make(chan int, 1),
		stderr:      os.Stderr,
	}
}

func (eh *ErrorHandler) report(code int, msg string) {
	fmt.Fprintf(eh.stderr, "twmailer: %s\n", msg)
	logger.Error(msg)
	select {
	case eh.exitChannel <- code:
	default:
	}
}

func (eh *ErrorHandler) FatalError(operation string, err error) {
	eh.report(ExitRuntime, "FATAL: "+NewGracefulError(operation, err).Error())
}

func (eh *ErrorHandler) ConfigError(configPath string, err error) {
	if errors.Is(err, fs.ErrNotExist) {
		eh.report(ExitConfig, fmt.Sprintf("configuration file '%s' not found: %v", configPath, err))
		return
	}
	eh.report(ExitConfig, fmt.Sprintf("failed to load configuration file '%s': %v", configPath, err))
}

func (eh *ErrorHandler) ValidationError(err error) {
	eh.report(ExitConfig, fmt.Sprintf("invalid configuration: %v", err))
}

// WaitForExit blocks until an error has been reported and returns its exit
// code.
func (eh *ErrorHandler) WaitForExit() int {
	return <-eh.exitChannel
}

func (eh *ErrorHandler) Shutdown(ctx context.Context) {
	select {
	case <-ctx.Done():
		logger.Info("Graceful shutdown initiated")
	default:
		logger.Warn("Unexpected shutdown")
	}
}
