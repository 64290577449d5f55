package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/pillbox/laporbox/internal/config"
	"github.com/pillbox/laporbox/internal/email"
	"github.com/pillbox/laporbox/internal/gate"
	"github.com/pillbox/laporbox/internal/objstore"
	"github.com/pillbox/laporbox/internal/reconcile"
	"github.com/pillbox/laporbox/internal/remote"
	"github.com/pillbox/laporbox/internal/store"
	"github.com/pillbox/laporbox/internal/upload"
	"github.com/pillbox/laporbox/internal/vision"
)

// app wires the engine's components from the loaded configuration.
type app struct {
	cfg        *config.Config
	store      *store.Store
	docs       remote.DocumentStore
	reconciler *reconcile.Reconciler
	worker     *upload.Worker
	logOut     io.Writer
}

// newApp opens the local store and constructs the collaborator clients.
// The caller must Close() the app when done.
func newApp() (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	var logOut io.Writer = os.Stderr
	if cfg.LogFile != "" {
		logOut = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogMaxSize,
			MaxBackups: 3,
		}
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := st.InitSchema(context.Background()); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to initialize store schema: %w", err)
	}

	var docs remote.DocumentStore
	if cfg.Offline {
		docs = remote.NewMemory()
	} else {
		docs = remote.NewClient(cfg.RemoteBaseURL, cfg.RemoteAPIKey)
	}

	a := &app{
		cfg:        cfg,
		store:      st,
		docs:       docs,
		logOut:     logOut,
		reconciler: reconcile.New(st, docs, componentLogger(logOut, "reconcile")),
	}

	a.worker = upload.New(upload.Config{
		Store:       st,
		Remote:      docs,
		Gate:        gate.New(vision.NewAnthropic(cfg.VisionAPIKey, cfg.VisionModel)),
		Uploader:    objstore.NewClient(cfg.UploadURL, cfg.UploadPreset),
		Mailer:      email.NewClient(cfg.EmailEndpoint, cfg.EmailAPIKey, cfg.EmailFromName, cfg.EmailFrom),
		UserID:      cfg.UserID,
		PatientName: cfg.PatientName,
		Logger:      componentLogger(logOut, "upload"),
	})

	return a, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Error closing store: %v\n", err)
	}
}

func componentLogger(w io.Writer, name string) *log.Logger {
	return log.New(w, "["+name+"] ", log.LstdFlags)
}
