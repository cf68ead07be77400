package server

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"

	"github.com/ilnaes/padsync/internal/config"
	"github.com/ilnaes/padsync/internal/discovery"
	"github.com/ilnaes/padsync/internal/lock"
	"github.com/ilnaes/padsync/internal/store"
)

// Router wires the backbone's endpoints.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/ws", s.middleware(s.ws))
	r.HandleFunc("/lock", s.middleware(s.handleLock)).Methods("POST")
	r.HandleFunc("/locks", s.middleware(s.listLocks)).Methods("GET")
	r.HandleFunc("/documents/{docid}/history", s.middleware(s.history)).Methods("GET")
	r.HandleFunc("/documents/{docid}/version", s.middleware(s.currentVersion)).Methods("GET")
	r.HandleFunc("/health", s.health).Methods("GET")
	return r
}

// Run starts a backbone from cfg and blocks until ctx ends.
func Run(ctx context.Context, cfg config.Config) error {
	logger := log.New(os.Stderr, "[padsyncd] ", log.LstdFlags)
	opts := Options{Secret: []byte(cfg.JWTSecret), Liveness: cfg.Liveness, Logger: logger}
	if cfg.JWTSecret == "" {
		logger.Println("no PADSYNC_JWT_SECRET set, trusting uid query parameters")
	}

	if cfg.MongoURI != "" {
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		m, err := store.NewMongo(cctx, cfg.MongoURI, cfg.MongoDB)
		cancel()
		if err != nil {
			return err
		}
		defer m.Close(context.Background())
		opts.Store = m
		logger.Printf("edit log in mongo database %s", cfg.MongoDB)
	}

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		defer rdb.Close()
		if opts.Store == nil {
			opts.Store = store.NewMemory()
		}
		opts.Versions = NewRedisVersions(rdb, opts.Store.Latest)
		opts.Locks = lock.NewRedisTable(rdb)
		logger.Printf("versions, locks and room bridge on redis %s", cfg.RedisAddr)
		s := New(opts)
		s.bridge = NewRedisBridge(rdb, s.instance)
		return s.listen(ctx, cfg)
	}

	return New(opts).listen(ctx, cfg)
}

func (s *Server) listen(ctx context.Context, cfg config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.Start(ctx)

	if cfg.MDNS {
		ad, err := discovery.Advertise(s.instance, cfg.Port)
		if err != nil {
			s.logger.Printf("mdns: %v", err)
		} else {
			defer ad.Shutdown()
		}
	}

	srv := &http.Server{
		Handler:      s.Router(),
		Addr:         cfg.ListenAddr(),
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Printf("listening on %s", srv.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	s.Close()
	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	return srv.Shutdown(sctx)
}
