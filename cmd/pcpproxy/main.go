// Command pcpproxy runs the PCP intercepting proxy: it listens on a
// local port, classifies every accepted connection (raw/HTTP/PCP), and
// splices it to a configured real PeerCast server with addresses
// rewritten to loop back through this process, per spec §4 and §6.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"go.uber.org/zap"

	"github.com/progre/peercastpcp/diag"
	"github.com/progre/peercastpcp/pcp/handshake"
	"github.com/progre/peercastpcp/proxy"
)

func main() {
	os.Exit(run())
}

func run() int {
	listenPort := flag.Uint("listen-port", 0, "local TCP port to listen on (required, non-zero)")
	realServerAddr := flag.String("real-server", "", "upstream PeerCast server host:port (required)")
	interceptionAddr := flag.String("interception-ip", "", "address this proxy advertises to remote peers (required)")
	flag.Parse()

	log := logrus.New()

	if *listenPort == 0 || *listenPort > 65535 {
		log.Error("listen-port must be a non-zero u16")
		return 1
	}
	if *realServerAddr == "" {
		log.Error("real-server is required")
		return 1
	}
	if *interceptionAddr == "" {
		log.Error("interception-ip is required")
		return 1
	}

	zapLog, err := zap.NewProduction()
	if err != nil {
		log.WithError(err).Error("build structured logger")
		return 1
	}
	defer func() { _ = zapLog.Sync() }()

	cfg := proxy.Config{
		ListenPort:     uint16(*listenPort),
		RealServerAddr: *realServerAddr,
		InterceptionIP: *interceptionAddr,
		Handshake:      handshake.Config{},
	}
	server, err := proxy.NewServerWithStructuredLog(cfg, diag.NewSink(os.Stdout), log, zapLog)
	if err != nil {
		log.WithError(err).Error("configure proxy")
		return 1
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", *listenPort))
	if err != nil {
		log.WithError(err).Error("bind listen port")
		return 1
	}
	defer ln.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	log.WithFields(logrus.Fields{
		"listen_port":     *listenPort,
		"real_server":     *realServerAddr,
		"interception_ip": *interceptionAddr,
	}).Info("pcpproxy listening")

	if err := server.Serve(ctx, ln); err != nil && ctx.Err() == nil {
		log.WithError(err).Error("proxy accept loop ended")
		return 1
	}
	return 0
}
