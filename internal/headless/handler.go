package headless

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/standardbeagle/wkdrive/internal/metrics"
	"github.com/standardbeagle/wkdrive/internal/protocol"
)

// handler serves one connection.
type handler struct {
	parser  *protocol.Parser
	writer  *protocol.ResponseWriter
	session *session
	logger  *zap.Logger
	metrics *metrics.Collector
}

// commandError is a failure reported to the client with an error class.
type commandError struct {
	class   string
	message string
}

func (e *commandError) Error() string {
	return e.class + ": " + e.message
}

func errorf(class, format string, args ...any) error {
	return &commandError{class: class, message: fmt.Sprintf(format, args...)}
}

type commandFunc func(s *session, ctx context.Context, args []string) ([]byte, error)

// commandSpec gives the accepted argument count; max < 0 is unbounded.
type commandSpec struct {
	min, max int
	run      commandFunc
}

var commands = map[string]commandSpec{
	protocol.CmdVisit:               {1, 1, (*session).visit},
	protocol.CmdCurrentURL:          {0, 0, (*session).currentURL},
	protocol.CmdRequestedURL:        {0, 0, (*session).requestedURL},
	protocol.CmdBody:                {0, 0, (*session).body},
	protocol.CmdSource:              {0, 0, (*session).source},
	protocol.CmdTitle:               {0, 0, (*session).title},
	protocol.CmdStatus:              {0, 0, (*session).status},
	protocol.CmdHeaders:             {0, 0, (*session).headers},
	protocol.CmdExecute:             {1, 1, (*session).execute},
	protocol.CmdEvaluate:            {1, 1, (*session).evaluate},
	protocol.CmdFind:                {1, 1, (*session).find},
	protocol.CmdNode:                {2, -1, (*session).node},
	protocol.CmdIgnoreSSLErrors:     {1, 1, (*session).ignoreSSLErrors},
	protocol.CmdSetSkipImageLoading: {1, 1, (*session).setSkipImageLoading},
	protocol.CmdAuthenticate:        {1, 2, (*session).authenticate},
	protocol.CmdSetProxy:            {2, 4, (*session).setProxy},
	protocol.CmdClearProxy:          {0, 0, (*session).clearProxy},
	protocol.CmdReset:               {0, 0, (*session).reset},
}

// handle runs one command and writes its response. Only write failures are
// returned; command failures become error responses.
func (h *handler) handle(ctx context.Context, req *protocol.Request) error {
	start := time.Now()

	spec, ok := commands[req.Name]
	if !ok {
		return h.fail(req.Name, protocol.ClassUnknownCommand, "unknown command: "+req.Name, start)
	}
	if n := len(req.Args); n < spec.min || (spec.max >= 0 && n > spec.max) {
		return h.fail(req.Name, protocol.ClassArgument, arityMessage(req.Name, n, spec), start)
	}

	payload, err := spec.run(h.session, ctx, req.Args)
	if err != nil {
		var ce *commandError
		if errors.As(err, &ce) {
			return h.fail(req.Name, ce.class, ce.message, start)
		}
		return h.fail(req.Name, protocol.ClassInvalidResponse, err.Error(), start)
	}

	h.metrics.Observe(req.Name, metrics.OutcomeOK, time.Since(start))
	h.metrics.ObservePayload(req.Name, len(payload))
	return h.writer.WriteOK(payload)
}

func (h *handler) fail(name, class, message string, start time.Time) error {
	h.logger.Debug("command failed",
		zap.String("command", name),
		zap.String("class", class),
		zap.String("message", message))
	h.metrics.Observe(name, metrics.OutcomeRemoteError, time.Since(start))
	return h.writer.WriteError(class, message)
}

func arityMessage(name string, got int, spec commandSpec) string {
	switch {
	case spec.min == spec.max:
		return fmt.Sprintf("%s takes %d arguments, got %d", name, spec.min, got)
	case spec.max < 0:
		return fmt.Sprintf("%s takes at least %d arguments, got %d", name, spec.min, got)
	default:
		return fmt.Sprintf("%s takes %d to %d arguments, got %d", name, spec.min, spec.max, got)
	}
}
