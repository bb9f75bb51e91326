// Command pcpdirectory runs the PCP directory/analytics server: it
// accepts PCP connections, aggregates bcst broadcasts into a channel
// table, and serves an XML snapshot over HTTP, per spec §4.10 and §6.
package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/progre/peercastpcp/directory"
)

func main() {
	os.Exit(run())
}

func run() int {
	pcpPort := flag.Uint("pcp-port", 0, "local TCP port PCP peers connect to (required, non-zero)")
	httpAddr := flag.String("http-addr", "", "address the admin XML endpoint listens on (required, host:port)")
	flag.Parse()

	log := logrus.New()

	if *pcpPort == 0 || *pcpPort > 65535 {
		log.Error("pcp-port must be a non-zero u16")
		return 1
	}
	if *httpAddr == "" {
		log.Error("http-addr is required")
		return 1
	}

	zapLog, err := zap.NewProduction()
	if err != nil {
		log.WithError(err).Error("build structured logger")
		return 1
	}
	defer func() { _ = zapLog.Sync() }()

	server := directory.NewServerWithStructuredLog(log, zapLog)

	pcpAddr := net.JoinHostPort("", strconv.FormatUint(uint64(*pcpPort), 10))
	ln, err := net.Listen("tcp", pcpAddr)
	if err != nil {
		log.WithError(err).Error("bind pcp port")
		return 1
	}
	defer ln.Close()

	httpServer := &http.Server{Addr: *httpAddr, Handler: server.Router()}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ServePCP(gctx, ln)
	})
	g.Go(func() error {
		<-gctx.Done()
		return httpServer.Close()
	})
	g.Go(func() error {
		err := httpServer.ListenAndServe()
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	})
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	log.WithFields(logrus.Fields{
		"pcp_port":  *pcpPort,
		"http_addr": *httpAddr,
	}).Info("pcpdirectory listening")

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.WithError(err).Error("directory server ended")
		return 1
	}
	return 0
}
