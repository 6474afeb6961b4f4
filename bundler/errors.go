package bundler

import (
	"errors"
	"fmt"
	"os"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/getsentry/sentry-go"

	"github.com/AvaProtocol/ap-bundler/version"
)

const (
	// JSON-RPC codes of the ERC-7769 validation errors
	CodeInvalidFields    = -32602
	CodeSimulationFailed = -32500
	CodeEntityRole       = -32502

	InternalError = "Internal Error"
)

var ErrAdmissionRejected = errors.New("user operation rejected")

// AdmissionError is returned by Submit when an op is not accepted. Code
// follows the JSON-RPC error code a client would see for the same failure.
type AdmissionError struct {
	Code   int
	Reason string
	Err    error
}

func (e *AdmissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *AdmissionError) Unwrap() error {
	return e.Err
}

func (e *AdmissionError) Is(target error) bool {
	return target == ErrAdmissionRejected
}

func reject(code int, reason string, err error) *AdmissionError {
	return &AdmissionError{Code: code, Reason: reason, Err: err}
}

// goSafe runs fn in a goroutine, reporting a panic to Sentry before
// re-raising it
func goSafe(fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				sentryRecover(r)
				panic(r)
			}
		}()
		fn()
	}()
}

// sentryRecover is a no-op unless Sentry was initialized
func sentryRecover(rec interface{}) {
	sentry.CurrentHub().Recover(rec)
}

func sentryFlushSafely(timeout time.Duration) {
	_ = sentry.Flush(timeout)
}

// initSentry enables error reporting when a DSN is set in the environment or
// the config file
func (b *Bundler) initSentry() {
	dsn := os.Getenv("SENTRY_DSN")
	if dsn == "" {
		dsn = b.config.SentryDsn
	}
	if dsn == "" {
		b.logger.Info("SENTRY_DSN not set, skipping Sentry initialization")
		return
	}

	env := os.Getenv("SENTRY_ENVIRONMENT")
	if env == "" {
		env = "production"
		if b.config.Environment == sdklogging.Development {
			env = "development"
		}
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		ServerName:       b.config.ServerName,
		Environment:      env,
		Release:          fmt.Sprintf("%s@%s", version.Get(), version.Commit()),
		AttachStacktrace: true,
	})
	if err != nil {
		b.logger.Error("failed to initialize Sentry", "error", err)
		return
	}
	b.logger.Infof("Sentry initialized for environment: %s", env)
}
