// Copyright 2016 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pingcap-incubator/tinytxn/pkg/logutil"
	"github.com/pingcap-incubator/tinytxn/server/config"
	"github.com/pingcap-incubator/tinytxn/txn"
	"github.com/pingcap-incubator/tinytxn/txn/catalog"
	"github.com/pingcap-incubator/tinytxn/txn/commit"
	"github.com/pingcap-incubator/tinytxn/txn/manager"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	recentOutcomes  = 256
	shutdownTimeout = 3 * time.Second
)

// Server hosts a transaction manager, the in-process participants of every
// catalog node and the status API.
type Server struct {
	// Server state.
	isServing int64

	cfg       *config.Config
	catalog   *catalog.Catalog
	transport *commit.LocalTransport
	manager   *manager.Manager

	serverLoopCtx    context.Context
	serverLoopCancel func()
	serverLoopWg     sync.WaitGroup

	httpServer *http.Server
	addr       string
	startTime  time.Time

	outcomeMu sync.RWMutex
	outcomes  []txn.Outcome

	lg       *zap.Logger
	logProps *log.ZapProperties
}

// CreateServer creates the UNINITIALIZED server with given configuration.
func CreateServer(cfg *config.Config) (*Server, error) {
	log.Info("tinytxn config", zap.Reflect("config", cfg))

	mcfg, err := cfg.ManagerConfig()
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:       cfg,
		catalog:   cfg.Catalog(),
		transport: commit.NewLocalTransport(),
	}
	for _, n := range s.catalog.Nodes() {
		p := commit.NewParticipant(n.ID, cfg.Commit.ParticipantTimeout.Duration, nil)
		s.transport.Register(p, n.Latency)
	}
	s.manager = manager.New(mcfg, s.catalog, s.transport)
	s.lg = cfg.GetZapLogger()
	s.logProps = cfg.GetZapLogProperties()
	return s, nil
}

// Run starts the manager loops and serves handler on the status address.
func (s *Server) Run(ctx context.Context, handler http.Handler) error {
	if !atomic.CompareAndSwapInt64(&s.isServing, 0, 1) {
		return errors.New("server is already running")
	}
	l, err := net.Listen("tcp", s.cfg.StatusAddr)
	if err != nil {
		atomic.StoreInt64(&s.isServing, 0)
		return errors.WithStack(err)
	}
	s.addr = l.Addr().String()
	s.startTime = time.Now()

	s.manager.Start(ctx)
	s.startServerLoop(ctx)

	s.httpServer = &http.Server{Handler: handler}
	go func() {
		if err := s.httpServer.Serve(l); err != nil && err != http.ErrServerClosed {
			log.Error("status server stopped", zap.Error(err))
		}
	}()
	log.Info("status server started", zap.String("addr", s.addr))
	return nil
}

func (s *Server) startServerLoop(ctx context.Context) {
	s.serverLoopCtx, s.serverLoopCancel = context.WithCancel(ctx)
	s.serverLoopWg.Add(1)
	go s.outcomeLoop()
}

func (s *Server) stopServerLoop() {
	s.serverLoopCancel()
	s.serverLoopWg.Wait()
}

// outcomeLoop drains the manager's outcome stream into a bounded history.
func (s *Server) outcomeLoop() {
	defer logutil.LogPanic()
	defer s.serverLoopWg.Done()

	ctx, cancel := context.WithCancel(s.serverLoopCtx)
	defer cancel()
	for {
		select {
		case out := <-s.manager.Outcomes():
			log.Debug("transaction finished",
				zap.String("txn", string(out.Txn)), zap.Stringer("decision", out.Decision),
				zap.String("reason", out.Reason))
			s.outcomeMu.Lock()
			s.outcomes = append(s.outcomes, out)
			if over := len(s.outcomes) - recentOutcomes; over > 0 {
				s.outcomes = append([]txn.Outcome(nil), s.outcomes[over:]...)
			}
			s.outcomeMu.Unlock()
		case <-ctx.Done():
			log.Info("server is closed, exit outcome loop")
			return
		}
	}
}

// Close closes the server.
func (s *Server) Close() {
	if !atomic.CompareAndSwapInt64(&s.isServing, 1, 0) {
		// server is already closed
		return
	}

	log.Info("closing server")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Error("close status server meet error", zap.Error(err))
	}
	s.stopServerLoop()
	s.manager.Stop()

	log.Info("close server")
}

// IsClosed checks whether server is closed or not.
func (s *Server) IsClosed() bool {
	return atomic.LoadInt64(&s.isServing) == 0
}

// GetAddr returns the address the status server listens on.
func (s *Server) GetAddr() string {
	return s.addr
}

func (s *Server) Name() string {
	return s.cfg.Name
}

func (s *Server) GetConfig() *config.Config {
	return s.cfg.Clone()
}

func (s *Server) GetManager() *manager.Manager {
	return s.manager
}

func (s *Server) GetCatalog() *catalog.Catalog {
	return s.catalog
}

func (s *Server) GetTransport() *commit.LocalTransport {
	return s.transport
}

// StartTime returns when Run was called.
func (s *Server) StartTime() time.Time {
	return s.startTime
}

// RecentOutcomes returns the latest outcomes, oldest first.
func (s *Server) RecentOutcomes() []txn.Outcome {
	s.outcomeMu.RLock()
	defer s.outcomeMu.RUnlock()
	return append([]txn.Outcome(nil), s.outcomes...)
}

// SetLogLevel sets log level.
func (s *Server) SetLogLevel(level string) error {
	if !logutil.IsValidLevel(level) {
		return errors.Errorf("unknown log level %q", level)
	}
	s.cfg.Log.Level = level
	log.SetLevel(logutil.StringToZapLogLevel(level))
	log.Warn("log level changed", zap.String("level", log.GetLevel().String()))
	return nil
}
