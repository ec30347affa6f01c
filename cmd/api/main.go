// The api service exposes the execution lifecycle over HTTP and fans
// status events out over websockets. Executions themselves run in the
// worker service; this process only plans, enqueues and observes them.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/driftworks/conductor/cmd/api/container"
	"github.com/driftworks/conductor/cmd/api/routes"
	"github.com/driftworks/conductor/common/bootstrap"
	"github.com/driftworks/conductor/common/server"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	components, err := bootstrap.Setup(ctx, "api")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to bootstrap api: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	serviceContainer, err := container.NewContainer(ctx, components)
	if err != nil {
		components.Logger.Error("failed to initialize container", "error", err)
		os.Exit(1)
	}
	defer serviceContainer.Broker.Close()

	e := setupEcho()
	routes.RegisterHealthRoutes(e, serviceContainer)
	routes.RegisterExecutionRoutes(e, serviceContainer)
	routes.RegisterWSRoutes(e, serviceContainer)

	srv := server.New("api", components.Config.Service.Port, e, components.Logger)
	srv.OnShutdown(func(shutdownCtx context.Context) {
		serviceContainer.Hub.Shutdown(shutdownCtx)
	})

	if err := srv.Start(); err != nil {
		components.Logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(echomw.RequestID())
	e.Use(echomw.Recover())
	e.Use(echomw.CORS())

	return e
}
