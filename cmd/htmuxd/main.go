// htmuxd is a multiplexing HTTP service built on the htmux session layer.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sammck-go/htmux/pkg/htserver"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	host := flag.String("host", "", "listen host (overrides config)")
	port := flag.Int("port", 0, "listen port (overrides config)")
	adminAddr := flag.String("admin", "", "admin endpoint address (overrides config)")
	auth := flag.String("auth", "", "user:pass credential (overrides config)")
	socks5 := flag.Bool("socks5", false, "enable CONNECT-to-SOCKS5 tunneling")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	var cfg *htserver.ServerConfig
	var err error
	if *configPath != "" {
		cfg, err = htserver.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	} else {
		cfg = htserver.DefaultConfig()
	}
	if *host != "" {
		cfg.Host = *host
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *adminAddr != "" {
		cfg.AdminAddr = *adminAddr
	}
	if *auth != "" {
		cfg.Auth = *auth
	}
	if *socks5 {
		cfg.Socks5 = true
	}
	if *debug {
		cfg.Debug = true
	}

	srv, err := htserver.NewServer(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	if err := srv.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
