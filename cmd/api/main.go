package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"hadik.org/internal/admission"
	"hadik.org/internal/httpapi"
	"hadik.org/internal/identity"
	"hadik.org/internal/mailer"
	"hadik.org/internal/obs"
)

var version = "0.3.1"

func main() {
	obs.Init()

	secret := os.Getenv("HADIK_SESSION_SECRET")
	if secret == "" {
		log.Fatal("missing HADIK_SESSION_SECRET")
	}

	// DSN-less runs fall back to the in-memory stores for local development;
	// /readyz stays green because there is no DB to ping.
	var (
		db       *sql.DB
		store    admission.Store
		accounts identity.AccountStore
	)
	if dsn := os.Getenv("HADIK_PG_DSN"); dsn != "" {
		var err error
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
		store = admission.NewPGStore(db)
		accounts = identity.NewPGAccounts(db)
	} else {
		store = admission.NewMemStore()
		accounts = identity.NewMemAccounts()
	}

	appURL := os.Getenv("HADIK_APP_URL")
	if appURL == "" {
		appURL = "http://localhost:3000"
	}

	var mail mailer.Mailer = mailer.LogMailer{}
	if key := os.Getenv("HADIK_RESEND_API_KEY"); key != "" {
		from := os.Getenv("HADIK_MAIL_FROM")
		if from == "" {
			from = "Hadik Workspace <no-reply@hadik.org>"
		}
		var err error
		mail, err = mailer.NewResendMailer(key, from)
		if err != nil {
			log.Fatalf("mailer: %v", err)
		}
	}
	sender := mailer.NewInvitationSender(mail, appURL)

	ident, err := identity.NewLocal(accounts, secret, identity.WithLinkSender(sender))
	if err != nil {
		log.Fatalf("identity: %v", err)
	}

	ctrl, err := admission.NewController(store, ident,
		admission.WithNotifier(admission.NotifierFunc(func(ctx context.Context, email, token string, role admission.Role) error {
			return sender.Send(ctx, email, token, string(role))
		})),
		admission.WithEstablishTarget(appURL+"/set-password"),
	)
	if err != nil {
		log.Fatalf("admission: %v", err)
	}

	// Audit retention sweep, once a day.
	sweep := time.NewTicker(24 * time.Hour)
	defer sweep.Stop()
	go func() {
		for range sweep.C {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			if n, err := ctrl.TrimAuditLog(ctx, 30*24*time.Hour); err != nil {
				obs.Log("warn", "audit trim failed", map[string]any{"error": err.Error()})
			} else if n > 0 {
				obs.Log("info", "audit trimmed", map[string]any{"removed": n})
			}
			cancel()
		}
	}()

	api := httpapi.New(ctrl, ident, httpapi.ReadyProbe{DB: db}, version)

	addr := os.Getenv("HADIK_HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	handler := httpapi.Logging(httpapi.SecurityHeaders(httpapi.CORS(
		httpapi.RateLimit(httpapi.MaxBodyBytes(api.Handler(), 1<<20), 20, 10),
	)))

	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting hadik-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if db != nil {
		_ = db.Close()
	}
	log.Println("Stopped")
}
