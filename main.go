// MIT License
//
// Copyright (c) 2023 TTBT Enterprises LLC
// Copyright (c) 2023 Robin Thellend <rthellend@thellend.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// meridian is a TLS-terminating reverse proxy that routes connections by
// SNI or HTTP Host/path to pools of upstreams, reconfigures itself live
// from a YAML file, and manages its own certificates via ACME v2 or
// static cert/key pairs.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/meridian-proxy/meridian/acme"
	"github.com/meridian-proxy/meridian/certmanager"
	"github.com/meridian-proxy/meridian/proxy"
)

// Version is set with -ldflags="-X main.Version=${VERSION}"
var Version = "dev"

// Startup exit codes: 0 is normal exit, everything else distinguishes why
// the process never got to serve traffic at all.
const (
	exitBadConfig  = 2 // config missing, unreadable, or failed validation
	exitBindFailed = 3 // the initial Reconfigure couldn't bind a listener
)

// fatal logs format/args (the caller supplies the level prefix, e.g.
// "ERR " or "FATAL ") and exits with code, without running
// deferred cleanup — used only for startup failures that happen before
// there is anything to clean up.
func fatal(code int, format string, args ...any) {
	log.Printf(format, args...)
	os.Exit(code)
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	configFile := flag.String("config", "", "The config file name.")
	versionFlag := flag.Bool("v", false, "Show the version.")
	shutdownGraceFlag := flag.Duration("shutdown-grace-period", time.Minute, "The shutdown grace period.")
	reloadIntervalFlag := flag.Duration("reload-interval", 30*time.Second, "How often to re-read the config file and apply changes.")
	acmeDirectoryFlag := flag.String("acme-directory-url", "", "The ACME v2 directory URL. Defaults to Let's Encrypt's production directory.")
	ephemeralCertsFlag := flag.Bool("use-ephemeral-certificate-manager", false, "Use an ephemeral certificate manager for certificates with no cert_file/key_file or acme_account_id. This is for testing purposes only.")
	stdoutFlag := flag.Bool("stdout", false, "Log to STDOUT.")
	flag.Parse()

	if *versionFlag {
		os.Stdout.WriteString(Version + " " + runtime.Version() + " " + runtime.GOOS + "/" + runtime.GOARCH + "\n")
		return
	}
	if *stdoutFlag {
		log.SetOutput(os.Stdout)
	}
	if *configFile == "" {
		fatal(exitBadConfig, "--config must be set")
	}
	log.Printf("INF meridian %s %s %s/%s", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)

	cfg, err := proxy.ReadConfig(*configFile)
	if err != nil {
		fatal(exitBadConfig, "ERR %v", err)
	}

	ctrl := proxy.NewController()
	if *ephemeralCertsFlag {
		log.Print("WRN using ephemeral certificate manager")
		cm, err := certmanager.New("meridian-ephemeral-ca", nil)
		if err != nil {
			fatal(exitBadConfig, "FATAL %v", err)
		}
		ctrl.EphemeralCerts = cm
	}
	if len(cfg.AcmeAccounts) > 0 {
		responder := acme.NewResponder()
		go responder.Serve(ctx)
		engine, err := acme.NewEngine(*acmeDirectoryFlag, responder)
		if err != nil {
			fatal(exitBadConfig, "FATAL %v", err)
		}
		ctrl.Acme = engine
		ctrl.Responder = responder
	}

	if err := ctrl.Reconfigure(cfg); err != nil {
		code := exitBadConfig
		var opErr *net.OpError
		if errors.As(err, &opErr) {
			code = exitBindFailed
		}
		fatal(code, "FATAL %v", err)
	}
	defer ctrl.Stop()

	admin := &http.Server{
		Addr:         cfg.AdminListenAddr,
		Handler:      proxy.NewAdminServer(ctrl).Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // GET /api/events streams indefinitely
	}
	if admin.Addr == "" {
		admin.Addr = "127.0.0.1:46492"
	}
	go func() {
		log.Printf("INF admin api listening on %s", admin.Addr)
		if err := admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("ERR admin api: %v", err)
		}
	}()

	go configLoop(ctx, ctrl, *configFile, *reloadIntervalFlag)

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT)
	signal.Notify(ch, syscall.SIGTERM)
	sig := <-ch
	log.Printf("INF received signal %d (%s)", sig, sig)

	shutdownCtx, canc := context.WithTimeout(ctx, *shutdownGraceFlag)
	defer canc()
	admin.Shutdown(shutdownCtx)
}

// configLoop re-reads file every interval and applies any changes,
// standing in for a push-based config source until one is wired up as an
// external collaborator.
func configLoop(ctx context.Context, ctrl *proxy.Controller, file string, interval time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
		cfg, err := proxy.ReadConfig(file)
		if err != nil {
			log.Printf("ERR %v", err)
			continue
		}
		if err := ctrl.Reconfigure(cfg); err != nil {
			log.Printf("ERR %v", err)
		}
	}
}
