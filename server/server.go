package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clipvault/clipvault/server/auth"
	"github.com/clipvault/clipvault/server/clips"
	"github.com/clipvault/clipvault/server/faces"
	"github.com/clipvault/clipvault/server/live"
	"github.com/clipvault/clipvault/server/storage"
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"gorm.io/gorm"
)

type Server struct {
	Log logs.Log
	DB  *gorm.DB

	cfg         Config
	signalIn    chan os.Signal
	httpServer  *http.Server
	httpHandler http.Handler
	auth        *auth.AuthServer
	clips       *clips.ClipServer
	live        *live.Hub
	faces       *faces.Encoder
	storage     storage.Storage
}

func NewServer(configFile string) (*Server, error) {
	cfg := Config{}
	if cfgB, err := os.ReadFile(configFile); err != nil {
		return nil, err
	} else {
		if err := json.Unmarshal(cfgB, &cfg); err != nil {
			return nil, fmt.Errorf("Error parsing config file %v: %w", configFile, err)
		}
	}
	logger, err := logs.NewLog()
	if err != nil {
		return nil, err
	}
	return NewServerFromConfig(logger, &cfg, 0)
}

// NewServerFromConfig exists so that tests can inject their own logger, a
// throwaway DB, and temp-dir storage.
func NewServerFromConfig(logger logs.Log, cfg *Config, dbFlags dbh.DBConnectFlags) (*Server, error) {
	db, err := openDB(logger, cfg.DB, dbFlags)
	if err != nil {
		return nil, err
	}

	// Open blob store
	var storageServer storage.Storage
	if cfg.Storage.GCS != nil {
		storageServer, err = storage.NewStorageGCS(logger, cfg.Storage.GCS.Bucket)
	} else if cfg.Storage.S3 != nil {
		storageServer, err = storage.NewStorageS3(logger, cfg.Storage.S3.Bucket, cfg.Storage.S3.Region)
	} else if cfg.Storage.Filesystem != nil {
		storageServer, err = storage.NewStorageFS(logger, cfg.Storage.Filesystem.Root)
	} else {
		return nil, fmt.Errorf("One of the storage options must be configured (i.e. 'filesystem', 'gcs', or 's3')")
	}
	if err != nil {
		return nil, err
	}

	s := &Server{
		Log:     logger,
		DB:      db,
		cfg:     *cfg,
		auth:    auth.NewAuthServer(db, logger),
		clips:   clips.NewClipServer(logger, db, storageServer),
		live:    live.NewHub(logger),
		faces:   faces.NewEncoder(logger, cfg.Faces.Python, cfg.Faces.Script),
		storage: storageServer,
	}
	if err := s.setupHttpRoutes(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Server) ListenAndServe() error {
	port := s.cfg.HTTP.Port
	if port == 0 {
		port = 8080
	}
	addr := fmt.Sprintf(":%v", port)
	s.Log.Infof("Listening on %v", addr)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.httpHandler,
	}
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) ListenForKillSignals() {
	s.signalIn = make(chan os.Signal, 1)
	signal.Notify(s.signalIn, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig, ok := <-s.signalIn
		if ok {
			s.Log.Infof("Received OS signal '%v'. ListenForKillSignals will exit after shutdown", sig.String())
			s.Shutdown()
		} else {
			// Shutdown() was called by something other than ourselves, and it closed signalIn
			s.Log.Infof("signalIn closed. ListenForKillSignals will exit now")
		}
	}()
}

func (s *Server) Shutdown() {
	s.Log.Infof("Shutdown")
	if s.signalIn != nil {
		signal.Stop(s.signalIn)
		close(s.signalIn)
		s.signalIn = nil
	}
	if s.httpServer != nil {
		s.Log.Infof("Closing HTTP server")
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.Log.Warnf("Shutdown complete, with error: %v", err)
		} else {
			s.Log.Infof("Shutdown complete")
		}
	}
	s.Log.Close()
}
