package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"accesscore.org/internal/audit"
	"accesscore.org/internal/authn"
	"accesscore.org/internal/grpcapi"
	"accesscore.org/internal/httpapi"
	"accesscore.org/internal/obs"
	"accesscore.org/internal/presence"
	"accesscore.org/internal/rbac"
	"accesscore.org/internal/store"
	"accesscore.org/internal/store/pg"
	"accesscore.org/internal/stream"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	secret := os.Getenv("ACCESSCORE_AUTH_SECRET")
	if secret == "" {
		log.Fatal("ACCESSCORE_AUTH_SECRET is required")
	}

	retention := envInt("ACCESSCORE_AUDIT_RETENTION", store.DefaultAuditRetention)

	var (
		st store.Store
		db *sql.DB
	)
	if dsn := os.Getenv("ACCESSCORE_PG_DSN"); dsn != "" {
		pgStore, err := pg.Open(dsn, pg.WithAuditRetention(retention))
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer pgStore.Close()
		st = pgStore
		db = pgStore.DB()
	} else {
		st = store.NewMemory(store.WithAuditRetention(retention))
		log.Println("no ACCESSCORE_PG_DSN set, using in-memory store")
	}

	ctx := context.Background()

	broker := stream.New()
	recorder := audit.NewRecorder(st, broker)

	authz, err := rbac.NewService(st)
	if err != nil {
		log.Fatalf("rbac service: %v", err)
	}
	if err := authz.EnsureBuiltins(ctx); err != nil {
		log.Fatalf("ensure builtin permissions: %v", err)
	}
	if err := authz.EnsureBuiltinRoles(ctx); err != nil {
		log.Fatalf("ensure builtin roles: %v", err)
	}

	authsvc, err := authn.NewService(st, authz, secret, authn.WithRecorder(recorder))
	if err != nil {
		log.Fatalf("authn service: %v", err)
	}

	tracker, err := presence.NewTracker(st, broker)
	if err != nil {
		log.Fatalf("presence tracker: %v", err)
	}

	if err := seedAdmin(ctx, st, authz, authsvc); err != nil {
		log.Fatalf("seed admin: %v", err)
	}

	probe := httpapi.ReadyProbe{DB: db}
	api := httpapi.New(httpapi.Config{
		Store:    st,
		Authz:    authz,
		Authn:    authsvc,
		Recorder: recorder,
		Presence: tracker,
		Broker:   broker,
		Probe:    probe,
		Version:  version,
	})

	addr := envStr("ACCESSCORE_ADDR", ":8080")
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcSrv := grpc.NewServer()
	grpcapi.NewServer(probe).Register(grpcSrv)
	grpcAddr := envStr("ACCESSCORE_GRPC_ADDR", ":9090")
	grpcLis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		log.Fatalf("grpc listen: %v", err)
	}

	log.Printf("Starting accesscore-api %s on %s (grpc %s)", version, addr, grpcAddr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()
	go func() {
		if err := grpcSrv.Serve(grpcLis); err != nil {
			log.Fatalf("grpc serve: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	log.Println("Stopped")
}

// seedAdmin bootstraps the first administrator account when the
// ACCESSCORE_ADMIN_* variables are set. Safe to run on every start.
func seedAdmin(ctx context.Context, st store.Store, authz *rbac.Service, authsvc *authn.Service) error {
	username := os.Getenv("ACCESSCORE_ADMIN_USERNAME")
	password := os.Getenv("ACCESSCORE_ADMIN_PASSWORD")
	if username == "" || password == "" {
		return nil
	}
	email := envStr("ACCESSCORE_ADMIN_EMAIL", username+"@localhost")

	user, err := st.Users(ctx).FindByUsername(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		user, err = authsvc.Register(ctx, username, email, password)
	}
	if err != nil {
		return err
	}

	adminRole, err := st.Roles(ctx).FindByName(ctx, "admin")
	if err != nil {
		return err
	}
	for _, id := range user.RoleIDs {
		if id == adminRole.ID {
			return nil
		}
	}
	_, err = authz.AssignRolesToUser(ctx, user.ID, []string{adminRole.ID})
	if err == nil {
		log.Printf("seeded admin account %q", username)
	}
	return err
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Printf("invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}
