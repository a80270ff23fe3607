// Package surface exposes the coverage registry's two byte-stream
// endpoints, control (write) and show (read), as unix sockets under one
// named root directory.
package surface

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/RakibFiha/kcov/internal/coverage"
	kcoverrors "github.com/RakibFiha/kcov/internal/errors"
)

// Config contains surface configuration.
type Config struct {
	// Root is the directory the control and show sockets are created
	// in. It is created if missing.
	Root   string
	Logger zerolog.Logger
}

// Surface serves the control and show endpoints for one registry.
type Surface struct {
	logger zerolog.Logger
	reg    *coverage.Registry
	root   string

	controlLn net.Listener
	showLn    net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New binds both endpoints. Any failure unwinds everything already
// created; no partial surface is left behind.
func New(reg *coverage.Registry, cfg Config) (*Surface, error) {
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create surface root %s: %w", cfg.Root, err)
	}

	controlPath := filepath.Join(cfg.Root, "control")
	showPath := filepath.Join(cfg.Root, "show")

	// Stale sockets from an unclean shutdown block rebinding.
	_ = os.Remove(controlPath)
	_ = os.Remove(showPath)

	controlLn, err := net.Listen("unix", controlPath)
	if err != nil {
		return nil, fmt.Errorf("listen on control socket: %w", err)
	}

	showLn, err := net.Listen("unix", showPath)
	if err != nil {
		kcoverrors.DeferClose(cfg.Logger, controlLn, "close control listener")
		return nil, fmt.Errorf("listen on show socket: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Surface{
		logger:    cfg.Logger,
		reg:       reg,
		root:      cfg.Root,
		controlLn: controlLn,
		showLn:    showLn,
		ctx:       ctx,
		cancel:    cancel,
	}

	s.wg.Add(2)
	go s.acceptLoop(controlLn, s.serveControl)
	go s.acceptLoop(showLn, s.serveShow)

	s.logger.Info().
		Str("control", controlPath).
		Str("show", showPath).
		Msg("Coverage surface ready")

	return s, nil
}

func (s *Surface) acceptLoop(ln net.Listener, serve func(net.Conn, string)) {
	defer s.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			// Listener closed during shutdown.
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			s.logger.Warn().Err(err).Msg("accept connection")
			return
		}

		connID := uuid.NewString()
		s.logger.Debug().Str("conn_id", connID).Msg("Connection opened")

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			// Closing the connection on shutdown unblocks a pending
			// Read in serveControl.
			stop := context.AfterFunc(s.ctx, func() { _ = conn.Close() })
			defer stop()
			defer func() { _ = conn.Close() }()
			serve(conn, connID)
			s.logger.Debug().Str("conn_id", connID).Msg("Connection closed")
		}()
	}
}

// serveControl feeds each chunk read from the connection to the control
// parser. Chunks are independent writes: an unterminated trailing line
// in one chunk is dropped, exactly as on the underlying channel.
func (s *Surface) serveControl(conn net.Conn, connID string) {
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			consumed := s.reg.Control(buf[:n])
			s.logger.Debug().
				Str("conn_id", connID).
				Int("received", n).
				Int("consumed", consumed).
				Msg("Processed control write")
		}
		if err != nil {
			return
		}
	}
}

// serveShow streams formatted hit records to the client until it
// disconnects or the surface shuts down. Each record is one drain.
func (s *Surface) serveShow(conn net.Conn, connID string) {
	buf := make([]byte, coverage.RecordSize)
	for {
		n := s.reg.Show(s.ctx, buf)
		if n == 0 {
			// Interrupted by shutdown with nothing available.
			return
		}
		if _, err := conn.Write(buf[:n]); err != nil {
			s.logger.Debug().
				Err(err).
				Str("conn_id", connID).
				Msg("show client went away")
			return
		}
	}
}

// Close shuts the surface down: stops both listeners, interrupts
// blocked show reads, and removes the socket files.
func (s *Surface) Close() error {
	s.cancel()
	kcoverrors.DeferClose(s.logger, s.controlLn, "close control listener")
	kcoverrors.DeferClose(s.logger, s.showLn, "close show listener")
	s.wg.Wait()

	_ = os.Remove(filepath.Join(s.root, "control"))
	_ = os.Remove(filepath.Join(s.root, "show"))
	return nil
}
