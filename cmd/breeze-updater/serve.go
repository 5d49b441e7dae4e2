package main

import (
	"context"
	"net"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/breeze-rmm/agent-updater/internal/logging"
	"github.com/breeze-rmm/agent-updater/internal/statusfeed"
	"github.com/breeze-rmm/agent-updater/internal/updater"
)

// server is a running `serve` process: the components, the state feed and
// the periodic check loop.
type server struct {
	c      *components
	feed   *statusfeed.Server
	cancel context.CancelFunc
	done   chan struct{}
}

func startServer() (*server, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	c, err := startComponents(cfg)
	if err != nil {
		return nil, err
	}

	addr := cfg.FeedListenAddr
	if listenAddr != "" {
		addr = listenAddr
	}
	l, err := net.Listen("tcp", addr)
	if err != nil {
		c.close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &server{
		c:      c,
		feed:   statusfeed.New(addr, c.pipeline, c.health),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		if err := s.feed.Serve(l); err != nil {
			log.Error("state feed stopped", logging.KeyError, err)
		}
	}()
	go s.checkLoop(ctx, time.Duration(cfg.CheckIntervalMinutes)*time.Minute)

	log.Info("updater serving", "addr", addr, "checkIntervalMinutes", cfg.CheckIntervalMinutes, "autoDownload", cfg.AutoDownload)
	return s, nil
}

// checkLoop checks once at start and then every interval.
func (s *server) checkLoop(ctx context.Context, interval time.Duration) {
	defer close(s.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s.checkOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *server) checkOnce(ctx context.Context) {
	res := s.c.pipeline.Check(ctx)
	if res.Status != updater.CheckUpdateAvailable || !s.c.cfg.AutoDownload {
		return
	}
	switch s.c.pipeline.Downloads().Get().Phase {
	case updater.PhaseDownloading, updater.PhaseDownloaded:
		return
	}
	if _, err := s.c.pipeline.StartDownload(ctx, res.Manifest); err != nil {
		log.Warn("automatic download failed to start", logging.KeyError, err)
	}
}

func (s *server) stop() error {
	var result *multierror.Error

	s.cancel()
	<-s.done

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.feed.Shutdown(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.c.close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func runServe() error {
	if isWindowsService() {
		return runAsService(startServer)
	}

	s, err := startServer()
	if err != nil {
		return err
	}
	exitOnSignal()
	log.Info("shutting down updater")
	return s.stop()
}
