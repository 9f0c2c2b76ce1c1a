// Package app assembles the proxy's Fx application.
package app

import (
	"context"
	"os"
	"time"

	"github.com/uber-go/tally"
	"go.uber.org/fx"
	"go.uber.org/zap"

	proxyctl "github.com/pyright-proxy/pyright-proxy/src/proxy/controller/proxy"
	"github.com/pyright-proxy/pyright-proxy/src/proxy/gateway/backend"
	"github.com/pyright-proxy/pyright-proxy/src/proxy/internal/clock"
	"github.com/pyright-proxy/pyright-proxy/src/proxy/internal/core"
	"github.com/pyright-proxy/pyright-proxy/src/proxy/internal/fs"
	"github.com/pyright-proxy/pyright-proxy/src/proxy/internal/proc"
	"github.com/pyright-proxy/pyright-proxy/src/proxy/internal/venv"
	"github.com/pyright-proxy/pyright-proxy/src/proxy/repository/documents"
)

// Module defines the pyright-proxy application module.
var Module = fx.Options(
	core.ConfigModule,
	core.LoggerModule,
	fs.Module,
	clock.Module,
	proc.Module,
	venv.Module,
	documents.Module,
	backend.Module,
	proxyctl.Module,
	fx.Provide(func(lc fx.Lifecycle) tally.Scope {
		rs, closer := tally.NewRootScope(tally.ScopeOptions{
			Tags: map[string]string{
				"service": "pyright-proxy",
			},
		}, 1*time.Second)

		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return closer.Close()
			},
		})

		return rs
	}),
	// Standard input and output belong to the LSP channel with the client.
	fx.Provide(func() proxyctl.ClientStreams {
		return proxyctl.ClientStreams{Reader: os.Stdin, Writer: os.Stdout}
	}),
	fx.Invoke(registerSupervisor),
)

// registerSupervisor runs the supervisor for the lifetime of the process and
// converts its result into the process exit code.
func registerSupervisor(lc fx.Lifecycle, shutdowner fx.Shutdowner, ctrl proxyctl.Controller, logger *zap.SugaredLogger) {
	ctx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				code := ctrl.Run(ctx)
				logger.Infow("supervisor finished", "exitCode", code)
				if err := shutdowner.Shutdown(fx.ExitCode(code)); err != nil {
					logger.Errorw("shutdown request failed", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}
