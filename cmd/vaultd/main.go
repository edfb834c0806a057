package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"github.com/rs/zerolog"

	"health-vault/internal/audit"
	"health-vault/internal/auth"
	"health-vault/internal/keys"
	"health-vault/internal/platform"
	"health-vault/internal/records"
	"health-vault/internal/server"
	"health-vault/internal/sos"
	"health-vault/internal/storage"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8600", "listen address")
	dataDir := flag.String("data", "./vault-data", "data directory")
	store := flag.String("store", "file", "blob backend: file, bolt or mongo")
	mongoURI := flag.String("mongo", "", "MongoDB URI (store=mongo)")
	mongoDB := flag.String("db", "healthvault", "Mongo database name")
	summarizerURL := flag.String("summarizer", "", "summarization model endpoint (empty: template only)")
	langs := flag.String("langs", "en,es,fr,de,zh", "comma-separated summary languages")
	sessionTTL := flag.Duration("session-ttl", 15*time.Minute, "session lifetime")
	debug := flag.Bool("debug", false, "debug logging")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger().Level(zerolog.InfoLevel)
	if *debug {
		logger = logger.Level(zerolog.DebugLevel)
	}

	cfg := server.Config{
		Addr:       *addr,
		DataDir:    *dataDir,
		Store:      *store,
		MongoURI:   *mongoURI,
		MongoDB:    *mongoDB,
		SessionTTL: *sessionTTL,
		Languages:  strings.Split(*langs, ","),
	}
	cfg.ApplyDefaults()
	if err := run(cfg, *summarizerURL, logger); err != nil {
		logger.Fatal().Err(err).Msg("vaultd failed")
	}
}

func run(cfg server.Config, summarizerURL string, logger zerolog.Logger) error {
	if err := platform.DisableCoreDumps(); err != nil {
		logger.Warn().Err(err).Msg("could not disable core dumps")
	}
	// Purges key material on SIGINT/SIGTERM before the process dies.
	memguard.CatchInterrupt()
	defer memguard.Purge()

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return err
	}

	blobs, auditSink, closeStores, err := buildStores(cfg)
	if err != nil {
		return err
	}
	defer closeStores()

	auditLog, err := audit.Open(auditSink, logger)
	if err != nil {
		return err
	}

	km := keys.NewManager(cfg.HeaderPath(), logger)
	// Repair any rekey the previous process did not finish.
	recoverCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = km.Recover(recoverCtx, blobs)
	cancel()
	if err != nil {
		return err
	}

	// Platform biometric integration is injected by the host app; the bare
	// daemon has no sensor, so the check always fails. In biometric-bypass
	// mode that drives the failure counter exactly as a broken sensor would.
	bio := auth.BiometricFunc(func() bool { return false })

	am, err := auth.NewManager(cfg.StatePath(), km, bio, auditLog, cfg.SessionTTL, logger)
	if err != nil {
		return err
	}

	recs := records.NewMemStore()

	var summarizer sos.Summarizer = sos.Disabled{}
	if summarizerURL != "" {
		summarizer = sos.NewHTTPSummarizer(summarizerURL, &http.Client{})
	}
	sm, err := sos.NewManager(sos.Config{
		Languages:   cfg.Languages,
		CallTimeout: cfg.SummarizerTimeout,
		TotalBudget: cfg.RegenBudget,
	}, recs, summarizer, km, blobs, auditLog, logger)
	if err != nil {
		return err
	}
	recs.OnChange(sm.RecordsChanged)

	loadCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	sm.LoadPersisted(loadCtx)
	cancel()

	priv, _, err := auth.GenerateEd25519()
	if err != nil {
		return err
	}
	signer := auth.NewJWTSigner(priv, cfg.JWTIssuer, cfg.SessionTTL)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.New(cfg, signer, am, sm, auditLog, blobs, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr).Str("store", cfg.Store).Msg("vaultd listening")
		errCh <- srv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
	km.Zeroize()
	return nil
}

// buildStores selects the blob backend and pairs it with the matching audit
// sink: bolt co-locates the audit chain in the same database file, file and
// mongo keep a JSONL audit file next to the vault header.
func buildStores(cfg server.Config) (storage.BlobStore, audit.Sink, func(), error) {
	switch cfg.Store {
	case "file", "":
		return storage.NewFileBlobStore(cfg.BlobDir()),
			audit.NewFileSink(cfg.AuditPath()),
			func() {},
			nil

	case "bolt":
		bs, err := storage.NewBoltBlobStore(cfg.BoltPath())
		if err != nil {
			return nil, nil, nil, err
		}
		sink, err := audit.NewBoltSink(bs.DB())
		if err != nil {
			_ = bs.Close()
			return nil, nil, nil, err
		}
		return bs, sink, func() { _ = bs.Close() }, nil

	case "mongo":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		ms, err := storage.NewMongoBlobStore(ctx, cfg.MongoURI, cfg.MongoDB, cfg.MongoBlobs)
		if err != nil {
			return nil, nil, nil, err
		}
		closeFn := func() {
			cctx, ccancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer ccancel()
			_ = ms.Close(cctx)
		}
		return ms, audit.NewFileSink(cfg.AuditPath()), closeFn, nil
	}
	return nil, nil, nil, errors.New("unknown store backend: " + cfg.Store)
}
