// Copyright 2015 Ka-Hing Cheung
// Copyright 2015 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	blobstream "github.com/kahing/blobstream/api"
	. "github.com/kahing/blobstream/api/common"
	. "github.com/kahing/blobstream/internal"

	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
)

var log = GetLogger("main")

func registerSIGINTHandler(cancel context.CancelFunc) {
	// Register for SIGINT.
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)

	// Start a goroutine that will cancel the transfer when the signal is received.
	go func() {
		s := <-signalChan
		log.Infof("Received %v, cancelling transfer...", s)
		cancel()
	}()
}

func serveMetrics(addr string) error {
	reg := prometheus.NewRegistry()
	err := RegisterMetrics(reg)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:     addr,
		Handler:  mux,
		ErrorLog: GetStdLogger(NewLogger("metrics"), logrus.ErrorLevel),
	}
	go func() {
		err := server.ListenAndServe()
		if err != nil {
			log.Errorf("metrics server on %v: %v", addr, err)
		}
	}()
	return nil
}

func summarize(verb string, stats *TransferStats, start time.Time) {
	elapsed := time.Since(start)
	rate := float64(stats.Bytes) / elapsed.Seconds()

	log.Infof("%v %v in %v chunks %v (%v/s)", verb,
		humanize.IBytes(uint64(stats.Bytes)), stats.Chunks, stats.Key,
		humanize.IBytes(uint64(rate)))
}

// command wraps a transfer that takes nargs arguments with the common
// flag, logging and signal setup
func command(nargs int, run func(ctx context.Context, c *cli.Context, flags *FlagStorage) error) cli.ActionFunc {
	return func(c *cli.Context) (err error) {
		if len(c.Args()) != nargs {
			fmt.Fprintf(os.Stderr,
				"Error: %s takes exactly %v arguments.\n\n",
				c.Command.Name, nargs)
			cli.ShowCommandHelp(c, c.Command.Name)
			os.Exit(1)
		}

		flags, err := PopulateFlags(c)
		if err != nil {
			return
		}

		InitLoggers(flags.LogFile)

		if flags.MetricsAddr != "" {
			err = serveMetrics(flags.MetricsAddr)
			if err != nil {
				return
			}
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		registerSIGINTHandler(cancel)

		return run(ctx, c, flags)
	}
}

func main() {
	app := NewApp()

	actions := map[string]cli.ActionFunc{
		"upload": command(2, func(ctx context.Context, c *cli.Context, flags *FlagStorage) error {
			start := time.Now()
			stats, err := blobstream.Upload(ctx, c.Args()[0], os.Stdin, c.Args()[1], flags)
			if err != nil {
				return err
			}
			summarize("uploaded", stats, start)
			return nil
		}),

		"download": command(2, func(ctx context.Context, c *cli.Context, flags *FlagStorage) error {
			start := time.Now()
			stats, err := blobstream.Download(ctx, c.Args()[0], c.Args()[1], flags)
			if err != nil {
				return err
			}
			summarize("downloaded", stats, start)
			return nil
		}),

		"cat": command(1, func(ctx context.Context, c *cli.Context, flags *FlagStorage) error {
			r, err := blobstream.Cat(ctx, c.Args()[0], flags)
			if err != nil {
				return err
			}

			var src io.Reader = r
			if flags.Gzip {
				gz, err := gzip.NewReader(r)
				if err != nil {
					return err
				}
				defer gz.Close()
				src = gz
			}

			_, err = io.Copy(os.Stdout, src)
			return err
		}),

		"copy": command(2, func(ctx context.Context, c *cli.Context, flags *FlagStorage) error {
			start := time.Now()
			stats, err := blobstream.Copy(ctx, c.Args()[0], c.Args()[1], flags)
			if err != nil {
				return err
			}
			summarize("copied", stats, start)
			return nil
		}),
	}

	for i := range app.Commands {
		app.Commands[i].Action = actions[app.Commands[i].Name]
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatalln(err)
	}
}
