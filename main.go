package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Tutortoise/face-embedding-service/config"
	"github.com/Tutortoise/face-embedding-service/embedding"
	"github.com/Tutortoise/face-embedding-service/preprocess"
	"github.com/Tutortoise/face-embedding-service/recognition"
	"github.com/Tutortoise/face-embedding-service/store"
	"github.com/spf13/cobra"
)

const Version = "0.1.0"

var (
	cfg        *config.AppConfig
	configPath string
	debugFlag  bool
	backend    string
)

var rootCmd = &cobra.Command{
	Use:     "face-embedding",
	Short:   "Face crop preprocessing, embedding and check-in service",
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
		config.LoadEnv()

		var err error
		if configPath != "" {
			cfg, err = config.Load(configPath)
		} else {
			cfg, _, err = config.LoadDefault()
		}
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := config.ApplyEnv(cfg); err != nil {
			return err
		}

		if debugFlag {
			cfg.Server.Debug = true
		}
		if backend != "" {
			cfg.Embedding.Backend = backend
		}
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ./config.yaml or ~/.config/face-embedding/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "log per-request timings and matching decisions")
	rootCmd.PersistentFlags().StringVar(&backend, "backend", "", "embedding backend: onnx or synthetic")
	rootCmd.AddCommand(serveCmd)
}

// app bundles the long-lived components shared by the server and CLI.
type app struct {
	db    *store.Store
	state *AppState
}

func openApp(cfg *config.AppConfig) (*app, error) {
	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, err
	}

	embedder, err := embedding.Open(cfg.EmbedderConfig())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open embedder: %w", err)
	}

	faces := recognition.NewService(db, recognition.Options{
		Dimension: embedder.Dimension(),
		Policy:    cfg.Matching,
		Cooldown:  cfg.Cooldown(),
		Debug:     cfg.Server.Debug,
	})

	return &app{
		db: db,
		state: &AppState{
			Preprocessor: preprocess.NewPreprocessor(cfg.Preprocess.Workers),
			Embedder:     embedder,
			Faces:        faces,
			Debug:        cfg.Server.Debug,
			MaxBodyBytes: cfg.Server.MaxBodyBytes,
		},
	}, nil
}

func (a *app) Close() {
	if err := a.state.Embedder.Close(); err != nil {
		log.Printf("close embedder: %v", err)
	}
	if err := a.db.Close(); err != nil {
		log.Printf("close database: %v", err)
	}
	if cfg.Embedding.Backend == embedding.BackendONNX {
		if err := embedding.DestroyRuntime(); err != nil {
			log.Printf("destroy onnx runtime: %v", err)
		}
	}
}

func runServe(ctx context.Context) error {
	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := &http.Server{
		Handler:      newRouter(a.state),
		Addr:         cfg.Server.ListenAddr,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Starting server on %s (backend %s, dim %d)", srv.Addr, cfg.Embedding.Backend, a.state.Embedder.Dimension())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		log.Printf("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
