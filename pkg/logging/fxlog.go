package logging

import (
	"strings"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
)

// UseLoggingInterface routes fx's own events to the container's Interface.
var UseLoggingInterface fx.Option = fx.WithLogger(
	func(logger Interface) fxevent.Logger {
		return &fxLoggerAdapter{Interface: logger}
	},
)

type fxLoggerAdapter struct{ Interface }

// LogEvent logs lifecycle and failure events at info level; the container
// wiring chatter (provides, invokes) goes to debug.
func (f fxLoggerAdapter) LogEvent(event fxevent.Event) {
	log := f.Interface.WithField("fx", "event")

	switch e := event.(type) {
	case *fxevent.OnStartExecuted:
		infoOrErr("OnStart hook", e.Err,
			log.WithField("callee", e.FunctionName).
				WithField("caller", e.CallerName).
				WithField("runtime", e.Runtime.String()))
	case *fxevent.OnStopExecuted:
		infoOrErr("OnStop hook", e.Err,
			log.WithField("callee", e.FunctionName).
				WithField("caller", e.CallerName).
				WithField("runtime", e.Runtime.String()))
	case *fxevent.Provided:
		if e.Err != nil {
			log.WithField("constructor", e.ConstructorName).
				WithError(e.Err).
				Error("error encountered while applying options")
			return
		}
		log.WithField("constructor", e.ConstructorName).
			WithField("types", strings.Join(e.OutputTypeNames, ",")).
			Debug("Provided")
	case *fxevent.Invoked:
		if e.Err != nil {
			log.WithField("function", e.FunctionName).
				WithField("stack", e.Trace).
				WithError(e.Err).
				Error("Invoke failed")
			return
		}
		log.WithField("function", e.FunctionName).Debug("Invoked")
	case *fxevent.Stopping:
		log.WithField("signal", strings.ToUpper(e.Signal.String())).
			Info("Stopping: received signal")
	case *fxevent.Stopped:
		infoOrErr("App stop", e.Err, log)
	case *fxevent.RollingBack:
		infoOrErr("Start failed, rolling back", e.StartErr, log)
	case *fxevent.RolledBack:
		infoOrErr("Rolling back", e.Err, log)
	case *fxevent.Started:
		infoOrErr("App start", e.Err, log)
	case *fxevent.LoggerInitialized:
		infoOrErr("Custom logger initialization", e.Err,
			log.WithField("function", e.ConstructorName))
	default:
		log.Debugf("fx event %T", event)
	}
}

func infoOrErr(msg string, err error, log Interface) {
	if err == nil {
		log.Info(msg + " succeeded")
		return
	}

	log.WithError(err).
		Error(msg + " failed")
}
