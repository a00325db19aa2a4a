package main

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/opd-ai/cellswarm"
	"github.com/opd-ai/cellswarm/discovery"
	"github.com/opd-ai/cellswarm/peer"
)

var joinFlags struct {
	topic       string
	announce    bool
	lookup      bool
	host        string
	port        int
	maxPeers    int
	multiplex   bool
	noHandshake bool
	metricsAddr string
}

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join a topic and log connections until interrupted",
	RunE:  runJoin,
}

func init() {
	f := joinCmd.Flags()
	f.StringVar(&joinFlags.topic, "topic", "", "topic as 64 hex characters or any string to hash")
	f.BoolVar(&joinFlags.announce, "announce", true, "announce this node under the topic")
	f.BoolVar(&joinFlags.lookup, "lookup", true, "look up peers under the topic")
	f.StringVar(&joinFlags.host, "host", "", "address to bind")
	f.IntVar(&joinFlags.port, "port", 0, "port shared by TCP and QUIC (0 picks one)")
	f.IntVar(&joinFlags.maxPeers, "max-peers", cellswarm.DefaultMaxPeers, "maximum number of peers")
	f.BoolVar(&joinFlags.multiplex, "multiplex", false, "share one connection per peer across topics")
	f.BoolVar(&joinFlags.noHandshake, "no-handshake", false, "skip the Noise handshake")
	f.StringVar(&joinFlags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	_ = joinCmd.MarkFlagRequired("topic")
}

func runJoin(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := cellswarm.NewOptions()
	opts.Host = joinFlags.host
	opts.Port = joinFlags.port
	opts.MaxPeers = joinFlags.maxPeers
	opts.MaxClientSockets = joinFlags.maxPeers
	opts.MaxServerSockets = joinFlags.maxPeers
	opts.Multiplex = joinFlags.multiplex
	opts.Handshake = !joinFlags.noHandshake

	if joinFlags.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		opts.Registerer = reg

		srv := serveMetrics(joinFlags.metricsAddr, reg)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	swarm, err := cellswarm.New(opts)
	if err != nil {
		return err
	}
	defer swarm.Close()

	swarm.OnConnection(func(conn net.Conn, info cellswarm.PeerInfo) {
		logrus.WithFields(logPeer(conn, info)).Info("Peer connected")
		go drain(conn)
	})
	swarm.OnDisconnection(func(conn net.Conn, info cellswarm.PeerInfo) {
		logrus.WithFields(logPeer(conn, info)).Info("Peer disconnected")
	})
	swarm.OnPeerRejected(func(c peer.Candidate) {
		logrus.WithFields(logrus.Fields{
			"function": "runJoin",
			"peer":     c.Addr(),
		}).Warn("Peer rejected, swarm is full")
	})
	swarm.OnUpdated(func(t peer.Topic) {
		logrus.WithFields(logrus.Fields{
			"function": "runJoin",
			"topic":    t.String(),
		}).Debug("Lookup round finished")
	})

	if err := swarm.Listen(ctx); err != nil {
		return err
	}

	topic := discovery.TopicFromString(joinFlags.topic)
	if err := swarm.Join(ctx, topic, cellswarm.JoinOptions{
		Lookup:   joinFlags.lookup,
		Announce: joinFlags.announce,
	}); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function": "runJoin",
		"addr":     swarm.Address().String(),
		"topic":    topic.String(),
	}).Info("Joined topic")

	<-ctx.Done()
	return nil
}

// drain reads a connection to EOF and closes it so the swarm sees the
// disconnect.
func drain(conn net.Conn) {
	if conn == nil {
		return
	}
	_, err := io.Copy(io.Discard, conn)
	if err != nil && !errors.Is(err, net.ErrClosed) {
		logrus.WithFields(logrus.Fields{
			"function": "drain",
			"remote":   conn.RemoteAddr().String(),
			"error":    err.Error(),
		}).Debug("Connection read failed")
	}
	_ = conn.Close()
}

func logPeer(conn net.Conn, info cellswarm.PeerInfo) logrus.Fields {
	fields := logrus.Fields{
		"function": "runJoin",
		"client":   info.Client,
		"reliable": info.Reliable,
	}
	if conn != nil {
		fields["remote"] = conn.RemoteAddr().String()
	}
	if info.Client {
		fields["priority"] = info.Priority.String()
	}
	return fields
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithFields(logrus.Fields{
				"function": "serveMetrics",
				"addr":     addr,
				"error":    err.Error(),
			}).Warn("Metrics server stopped")
		}
	}()
	return srv
}
