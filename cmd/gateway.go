// Copyright 2025-2026 The uabridge Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/urfave/cli/v2"
	"gitlab.com/project-nan/uabridge/apis"
	"gitlab.com/project-nan/uabridge/browse"
	"gitlab.com/project-nan/uabridge/common"
	"gitlab.com/project-nan/uabridge/session"
	"gitlab.com/project-nan/uabridge/subscription"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// GatewayRestEndpoints end-point path configs for the gateway API
type GatewayRestEndpoints struct {
	PathPrefix string
}

// GatewayCLIArgs arguments
type GatewayCLIArgs struct {
	ServerPort int `validate:"required,gt=0,lt=65536"`
	Endpoints  GatewayRestEndpoints
}

// GetGatewayCLIFlags retrieve the set of CMD flags for the gateway server
func GetGatewayCLIFlags(args *GatewayCLIArgs) []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:        "gateway-server-port",
			Usage:       "Gateway server port",
			Aliases:     []string{"gsp"},
			EnvVars:     []string{"GATEWAY_SERVER_PORT"},
			Value:       3000,
			DefaultText: "3000",
			Destination: &args.ServerPort,
			Required:    false,
		},
		// End-point related
		&cli.StringFlag{
			Name:        "gateway-server-endpoint-prefix",
			Usage:       "Set the end-point path prefix for the gateway APIs",
			Aliases:     []string{"gsep"},
			EnvVars:     []string{"GATEWAY_SERVER_ENDPOINT_PREFIX"},
			Value:       "/",
			DefaultText: "/",
			Destination: &args.Endpoints.PathPrefix,
			Required:    false,
		},
	}
}

// RunGatewayServer run the gateway server
func RunGatewayServer(
	params GatewayCLIArgs,
	httpConfig *common.HTTPConfig,
	instance string,
	sessions session.Registry,
	browser browse.Engine,
	monitors subscription.Registry,
	runTimeContext context.Context,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "gateway",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return err
	}

	httpHandler, err := apis.GetAPIRestGatewayHandler(sessions, browser, monitors, httpConfig)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, params.Endpoints.PathPrefix, nil)

	// Node address space
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/node/value", map[string]http.HandlerFunc{
			"get": httpHandler.ReadNodeValueHandler(),
			"put": httpHandler.WriteNodeValueHandler(),
		},
	)
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/node/children", map[string]http.HandlerFunc{
			"get": httpHandler.ListNodeChildrenHandler(),
		},
	)
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/node/container", map[string]http.HandlerFunc{
			"get": httpHandler.CheckNodeContainerHandler(),
		},
	)
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/node/deadband", map[string]http.HandlerFunc{
			"get": httpHandler.CheckNodeDeadbandHandler(),
		},
	)

	// Server sessions
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/server/available", map[string]http.HandlerFunc{
			"get": httpHandler.CheckServerAvailableHandler(),
		},
	)

	// Monitoring
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/monitor", map[string]http.HandlerFunc{
			"post":   httpHandler.MonitorItemsHandler(),
			"delete": httpHandler.UnmonitorItemsHandler(),
		},
	)

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/ready", map[string]http.HandlerFunc{
		"get": httpHandler.ReadyHandler(),
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(httpHandler, next)
	})

	serverListen := fmt.Sprintf("%s:%d", httpConfig.Server.ListenOn, params.ServerPort)
	httpSrv := &http.Server{
		Addr:         serverListen,
		ReadTimeout:  time.Second * time.Duration(httpConfig.Server.ReadTimeout),
		WriteTimeout: time.Second * time.Duration(httpConfig.Server.WriteTimeout),
		IdleTimeout:  time.Second * time.Duration(httpConfig.Server.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runTimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}
