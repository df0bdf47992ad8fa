// Copyright 2024 The chainhead-engine Authors
// This file is part of the chainhead-engine library.
//
// The chainhead-engine library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The chainhead-engine library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the chainhead-engine library. If not, see <http://www.gnu.org/licenses/>.

// Command chainheadrpc serves the ChainHead JSON-RPC method table over HTTP
// against an in-memory backend, the way cmd/geth bootstraps node/eth config
// and registers RPC namespaces before serving — scaled down to one backend,
// one namespace, no peer networking.
package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/urfave/cli/v2"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/chainhead-engine/chainhead"
	"github.com/chainhead-engine/chainhead/dispatch"
	"github.com/chainhead-engine/chainhead/memorybackend"
)

var (
	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "path to a ChainHeadConfig TOML file (defaults applied for any field it omits)",
	}
	listenAddrFlag = &cli.StringFlag{
		Name:  "http.addr",
		Usage: "address to serve the chainHead_unstable JSON-RPC namespace on",
		Value: "127.0.0.1:8645",
	}
	logFileFlag = &cli.StringFlag{
		Name:  "log.file",
		Usage: "rotate logs into this file instead of stderr",
	}
)

func main() {
	app := &cli.App{
		Name:  "chainheadrpc",
		Usage: "serve the ChainHead subscription engine against an in-memory demo backend",
		Flags: []cli.Flag{configFlag, listenAddrFlag, logFileFlag},
		Action: func(c *cli.Context) error {
			return run(c)
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "chainheadrpc:", err)
		os.Exit(1)
	}
}

func setupLogging(logFile string) {
	var handler log.Handler
	if logFile != "" {
		writer := &lumberjack.Logger{Filename: logFile, MaxSize: 100, MaxBackups: 3, MaxAge: 28}
		handler = log.NewTerminalHandler(writer, false)
	} else {
		handler = log.NewTerminalHandler(os.Stderr, true)
	}
	log.SetDefault(log.NewLogger(handler))
}

func loadConfig(path string) (chainhead.Config, error) {
	if path == "" {
		return chainhead.DefaultConfig, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return chainhead.Config{}, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return chainhead.LoadConfig(f)
}

// seedDemoChain seeds the in-memory backend with two blocks so a
// freshly started server has something to chainHead_unstable_follow right
// away, rather than an empty genesis-only chain.
func seedDemoChain(backend *memorybackend.Backend, genesis chainhead.Hash) {
	var b1, b2 chainhead.Hash
	b1[0], b2[0] = 1, 2
	if err := backend.AddBlock(b1, genesis, nil, [][]byte{[]byte("genesis-child")}, map[string][]byte{":code": []byte("v1")}, nil, true); err != nil {
		log.Warn("chainheadrpc: seeding demo chain", "err", err)
		return
	}
	backend.Finalize(b1)
	if err := backend.AddBlock(b2, b1, nil, nil, nil, nil, true); err != nil {
		log.Warn("chainheadrpc: seeding demo chain", "err", err)
	}
}

func run(c *cli.Context) error {
	setupLogging(c.String(logFileFlag.Name))

	cfg, err := loadConfig(c.String(configFlag.Name))
	if err != nil {
		return err
	}

	var genesis chainhead.Hash
	backend := memorybackend.New(genesis)
	seedDemoChain(backend, genesis)

	d := dispatch.New(backend, cfg)
	defer d.Close()

	server := rpc.NewServer()
	if err := server.RegisterName("chainHead_unstable", dispatch.NewAPI(d)); err != nil {
		return fmt.Errorf("register chainHead_unstable API: %w", err)
	}
	defer server.Stop()

	addr := c.String(listenAddrFlag.Name)
	log.Info("chainheadrpc: serving chainHead_unstable JSON-RPC", "addr", addr)
	return http.ListenAndServe(addr, server)
}
