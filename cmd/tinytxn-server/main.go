// Copyright 2016 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/pingcap-incubator/tinytxn/pkg/logutil"
	"github.com/pingcap-incubator/tinytxn/server"
	"github.com/pingcap-incubator/tinytxn/server/api"
	"github.com/pingcap-incubator/tinytxn/server/config"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var exitSignals = []os.Signal{syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT}

func main() {
	cfg, quit, err := loadConfig(os.Args[1:])
	if quit {
		exit(0)
	}
	if err != nil {
		log.Fatal("parse cmd flags error", zap.Error(err))
	}
	defer logutil.LogPanic()

	if err := setupLogger(cfg); err != nil {
		log.Fatal("initialize logger error", zap.Error(err))
	}
	defer log.Sync()

	exit(serve(cfg))
}

// loadConfig parses the command line. quit is set when the process only
// had to print something.
func loadConfig(args []string) (cfg *config.Config, quit bool, err error) {
	cfg = config.NewConfig()
	err = cfg.Parse(args)
	switch {
	case cfg.Version:
		server.PrintInfo()
		return cfg, true, nil
	case errors.Cause(err) == flag.ErrHelp:
		return cfg, true, nil
	case err != nil:
		return cfg, false, err
	case cfg.ConfigCheck:
		server.PrintConfigCheckMsg(cfg)
		return cfg, true, nil
	}
	return cfg, false, nil
}

func setupLogger(cfg *config.Config) error {
	if err := cfg.SetupLogger(); err != nil {
		return err
	}
	log.ReplaceGlobals(cfg.GetZapLogger(), cfg.GetZapLogProperties())
	server.LogInfo()
	for _, msg := range cfg.WarningMsgs {
		log.Warn(msg)
	}
	return nil
}

// serve runs the server until an exit signal arrives and returns the exit
// code for that signal.
func serve(cfg *config.Config) int {
	svr, err := server.CreateServer(cfg)
	if err != nil {
		log.Fatal("create server failed", zap.Error(err))
	}

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, exitSignals...)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := svr.Run(ctx, api.NewHandler(svr)); err != nil {
		log.Fatal("run server failed", zap.Error(err))
	}
	sig := <-sc
	log.Info("got signal to exit", zap.Stringer("signal", sig))
	cancel()
	svr.Close()
	return exitCode(sig)
}

// exitCode is 0 for a plain SIGTERM and 1 for any other signal.
func exitCode(sig os.Signal) int {
	if sig == syscall.SIGTERM {
		return 0
	}
	return 1
}

func exit(code int) {
	log.Sync()
	os.Exit(code)
}
