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

package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/apex/log"
	apexJSON "github.com/apex/log/handlers/json"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"
	"gitlab.com/project-nan/uabridge/browse"
	"gitlab.com/project-nan/uabridge/cmd"
	"gitlab.com/project-nan/uabridge/common"
	"gitlab.com/project-nan/uabridge/publisher"
	"gitlab.com/project-nan/uabridge/session"
	"gitlab.com/project-nan/uabridge/subscription"
	"gitlab.com/project-nan/uabridge/uaclient"
)

type cliArgs struct {
	JSONLog    bool
	LogLevel   string `validate:"required,oneof=debug info warn error"`
	ConfigFile string `validate:"omitempty,file"`
	Hostname   string
}

var cmdArgs cliArgs

var gatewayArgs cmd.GatewayCLIArgs

var logTags log.Fields

// @title uabridge
// @version v0.1.0
// @description OPC UA gateway bridging server address spaces to NATS and MQTT brokers

// @host localhost:3000
// @BasePath /
// @query.collection.format multi
func main() {
	hostname, err := os.Hostname()
	if err != nil {
		log.WithError(err).Fatal("Unable to read hostname")
	}
	cmdArgs.Hostname = hostname
	logTags = log.Fields{
		"module":    "main",
		"component": "main",
		"instance":  hostname,
	}

	common.InstallDefaultConfigValues()

	app := &cli.App{
		Version:     "v0.1.0",
		Usage:       "application entrypoint",
		Description: "OPC UA gateway bridging server address spaces to NATS and MQTT brokers",
		Flags: []cli.Flag{
			// LOGGING
			&cli.BoolFlag{
				Name:        "json-log",
				Usage:       "Whether to log in JSON format",
				Aliases:     []string{"j"},
				EnvVars:     []string{"LOG_AS_JSON"},
				Value:       false,
				DefaultText: "false",
				Destination: &cmdArgs.JSONLog,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Logging level: [debug info warn error]",
				Aliases:     []string{"l"},
				EnvVars:     []string{"LOG_LEVEL"},
				Value:       "warn",
				DefaultText: "warn",
				Destination: &cmdArgs.LogLevel,
				Required:    false,
			},
			// Config file
			&cli.StringFlag{
				Name:        "config-file",
				Usage:       "Application config file. Use DEFAULT if not specified.",
				Aliases:     []string{"c"},
				EnvVars:     []string{"CONFIG_FILE"},
				Value:       "",
				DefaultText: "",
				Destination: &cmdArgs.ConfigFile,
				Required:    false,
			},
		},
		// Components
		Commands: []*cli.Command{
			{
				Name:        "gateway",
				Usage:       "Run the uabridge gateway server",
				Description: "Serves the REST API for browsing OPC UA servers and monitoring value changes",
				Flags:       cmd.GetGatewayCLIFlags(&gatewayArgs),
				Action:      startGatewayServer,
			},
		},
	}

	err = app.Run(os.Args)
	if err != nil {
		log.WithError(err).WithFields(logTags).Fatal("Program shutdown")
	}
}

// setupLogging helper function to prepare the app logging
func setupLogging() {
	if cmdArgs.JSONLog {
		log.SetHandler(apexJSON.New(os.Stderr))
	}
	switch cmdArgs.LogLevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.ErrorLevel)
	}
}

// initialCmdArgsProcessing perform initial CMD arg processing
func initialCmdArgsProcessing() (*common.SystemConfig, error) {
	validate := validator.New()
	// Validate command line argument
	if err := validate.Struct(&cmdArgs); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return nil, err
	}
	setupLogging()
	tmp, err := json.MarshalIndent(&cmdArgs, "", "  ")
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to marshal args")
		return nil, err
	}
	log.Debugf("Starting params\n%s", tmp)
	// Parse the config file
	if len(cmdArgs.ConfigFile) > 0 {
		viper.SetConfigFile(cmdArgs.ConfigFile)
		if err := viper.ReadInConfig(); err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to read config file %s", cmdArgs.ConfigFile,
			)
			return nil, err
		}
	}
	var config common.SystemConfig
	if err := viper.Unmarshal(&config); err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Failed to parse config file %s", cmdArgs.ConfigFile,
		)
		return nil, err
	}
	tmp, err = json.MarshalIndent(&config, "", "  ")
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to marshal config files")
		return nil, err
	}
	log.Debugf("Config file\n%s", tmp)
	if err := validate.Struct(&config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid config file content")
		return nil, err
	}
	return &config, nil
}

func defineControlVars() (*sync.WaitGroup, context.Context, context.CancelFunc) {
	runTimeContext, rtCancel := context.WithCancel(context.Background())
	return &sync.WaitGroup{}, runTimeContext, rtCancel
}

// signalRecvSetup helper function for setting up the SIG receive handler
func signalRecvSetup(wg *sync.WaitGroup, ctxtCancel context.CancelFunc) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		cc := make(chan os.Signal, 1)
		// We'll accept graceful shutdowns when quit via SIGINT (Ctrl+C)
		// SIGKILL, SIGQUIT or SIGTERM (Ctrl+/) will not be caught.
		signal.Notify(cc, os.Interrupt)
		<-cc
		ctxtCancel()
	}()
}

// ============================================================================
// Gateway subcommand

// startGatewayServer run the gateway server
func startGatewayServer(c *cli.Context) error {
	config, err := initialCmdArgsProcessing()
	if err != nil {
		return err
	}

	wg, runTimeContext, rtCancel := defineControlVars()
	defer wg.Wait()
	defer rtCancel()

	connectTimeout := time.Second * time.Duration(config.UASession.ConnectTimeout)
	uaClient, err := uaclient.GetUAClient(connectTimeout)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to define OPC UA client")
		return err
	}

	sessions, err := session.DefineRegistry(uaClient, connectTimeout, runTimeContext, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to define session registry")
		return err
	}

	browser, err := browse.DefineEngine(sessions)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to define browse engine")
		return err
	}

	publishers, err := publisher.GetPublisherFactory(config.Publisher.NATS, config.Publisher.MQTT)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to define publisher factory")
		return err
	}

	tp, err := common.GetNewTaskProcessorInstance("value-forward", 256, runTimeContext)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to define task processor")
		return err
	}

	monitors, err := subscription.DefineRegistry(sessions, publishers, tp, connectTimeout)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to define subscription registry")
		return err
	}

	if err := tp.StartEventLoop(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to start forwarding event loop")
		return err
	}

	if config.UASession.ProbeInterval > 0 {
		probeInterval := time.Second * time.Duration(config.UASession.ProbeInterval)
		if err := sessions.StartProbeLoop(probeInterval, wg); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to start session probe loop")
			return err
		}
	}

	signalRecvSetup(wg, rtCancel)

	err = cmd.RunGatewayServer(
		gatewayArgs,
		&config.Gateway.HTTPSetting,
		cmdArgs.Hostname,
		sessions,
		browser,
		monitors,
		runTimeContext,
	)

	// Tear down in reverse order of construction
	cleanupCtxt, cleanupCancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cleanupCancel()
	if config.UASession.ProbeInterval > 0 {
		if stopErr := sessions.StopProbeLoop(); stopErr != nil {
			log.WithError(stopErr).WithFields(logTags).Error("Failed to stop session probe loop")
		}
	}
	monitors.StopAll(cleanupCtxt)
	sessions.CloseAll(cleanupCtxt)
	if stopErr := tp.StopEventLoop(); stopErr != nil {
		log.WithError(stopErr).WithFields(logTags).Error("Failed to stop forwarding event loop")
	}

	return err
}
