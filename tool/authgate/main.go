/*
 * Authgate
 * Copyright (C) 2025  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Command authgate runs the authenticating reverse proxy.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"

	"github.com/gravitational/authgate"
	"github.com/gravitational/authgate/lib/config"
	"github.com/gravitational/authgate/lib/service"
	logutils "github.com/gravitational/authgate/lib/utils/log"
)

func main() {
	app := kingpin.New("authgate", "Authenticating reverse proxy sidecar.")
	debug := app.Flag("debug", "Enable verbose logging.").Short('d').Bool()

	start := app.Command("start", "Start the gateway.")
	configPath := start.Flag("config", "Path to the configuration file.").
		Short('c').Default("/etc/authgate.yaml").String()

	versionCmd := app.Command("version", "Print the version and exit.")

	command := kingpin.MustParse(app.Parse(os.Args[1:]))
	switch command {
	case start.FullCommand():
		if err := onStart(*configPath, *debug); err != nil {
			fmt.Fprintln(os.Stderr, "ERROR:", trace.DebugReport(err))
			os.Exit(1)
		}
	case versionCmd.FullCommand():
		fmt.Println(authgate.Version)
	}
}

func onStart(configPath string, debug bool) error {
	severity := "INFO"
	if debug {
		severity = "DEBUG"
	}
	logutils.Initialize(logutils.Config{Severity: severity, Format: "json"})

	cfg, err := config.ReadFromFile(configPath)
	if err != nil {
		return trace.Wrap(err)
	}
	svc, err := service.New(cfg)
	if err != nil {
		return trace.Wrap(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return trace.Wrap(svc.Run(ctx))
}
