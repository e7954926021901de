// Command emberfall-host runs the rendezvous services on a single UDP
// port: public-address echo, the global server registry, and the NAT-punch
// relay.
//
// Usage: emberfall-host <port>
package main

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"emberfall/engine/internal/app"
	"emberfall/engine/internal/host"
	"emberfall/engine/internal/telemetry"
)

func main() {
	if len(os.Args) != 2 {
		usage()
	}
	port, err := strconv.ParseUint(os.Args[1], 10, 16)
	if err != nil {
		usage()
	}

	appLog := app.NewLogger()
	metrics := telemetry.NewCounters()

	h, err := host.New(host.Config{
		Bind:    netip.AddrPortFrom(netip.IPv4Unspecified(), uint16(port)),
		Logger:  appLog,
		Metrics: metrics,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h.Run(ctx)
	if err := h.Close(); err != nil {
		appLog.Printf("host: close: %v", err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: emberfall-host <udp-port>")
	os.Exit(2)
}
