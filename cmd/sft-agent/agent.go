package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var configFilePath string
var debug bool

// AgentModule represents a module that can be run by the agent framework
type AgentModule interface {
	Name() string
	ShortDescription() string
	LongDescription() string
	FxModules() []fx.Option

	// ConfigureCommand lets an agent add flags or subcommands to its command.
	ConfigureCommand(*cobra.Command)

	// Start runs the agent until ctx is cancelled or the work is done.
	Start(ctx context.Context) error
}

// CreateAgentCommand creates a cobra command for an agent module
func CreateAgentCommand(module AgentModule) *cobra.Command {
	cmd := &cobra.Command{
		Use:   module.Name(),
		Short: module.ShortDescription(),
		Long:  module.LongDescription(),
	}

	cmd.PersistentFlags().StringVarP(&configFilePath, "config", "c", "", "path to config file")
	cmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug mode")

	module.ConfigureCommand(cmd)

	return cmd
}

// runAgentCommand starts an fx app for the agent and runs action once the app is up.
// Stopping the app (e.g. on SIGTERM) cancels the action's context and waits, up to
// the fx stop timeout, for the action to return; a failed action exits the process
// with status 1.
func runAgentCommand(cmd *cobra.Command, module AgentModule, action func(ctx context.Context) error) {
	options := []fx.Option{
		configProvider(cmd, module),
	}

	options = append(options, module.FxModules()...)
	options = append(options, fx.Invoke(func(lc fx.Lifecycle, l *zap.Logger, sh fx.Shutdowner) {
		lc.Append(actionHook(module.Name(), action, l, sh, func() { os.Exit(1) }))
	}))

	app := fx.New(fx.Options(options...))
	app.Run()
}

// actionHook runs action in the background from OnStart. OnStop cancels it and
// blocks until it returns or the stop context expires, so cleanup such as
// terminating a remote run completes before the process exits.
func actionHook(name string, action func(ctx context.Context) error, l *zap.Logger, sh fx.Shutdowner, fail func()) fx.Hook {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	return fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				err := action(ctx)
				close(done)
				if err != nil {
					if ctx.Err() != nil {
						l.Info(name+" stopped", zap.Error(err))
						return
					}
					l.Error(name+" encountered an error during execution", zap.Error(err))
					_ = l.Sync()
					fail()
					return
				}
				if err := sh.Shutdown(); err != nil {
					l.Error("Failed to shutdown "+name, zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return fmt.Errorf("%s did not stop in time: %w", name, stopCtx.Err())
			}
		},
	}
}
