// Command server is the wa-scheduler process entrypoint: it wires the
// State Store, Job Runtime, Connection Manager, Dispatcher, Delivery
// Listener, Rate Limiter, Scheduling Service, Retention Sweeper, and
// HTTP/WS transport into one running process, the way the teacher's
// main.go wires store/manager/overseer/router together.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stickyrelay/wa-scheduler/chatclient"
	"github.com/stickyrelay/wa-scheduler/config"
	"github.com/stickyrelay/wa-scheduler/connmgr"
	"github.com/stickyrelay/wa-scheduler/contactstore"
	"github.com/stickyrelay/wa-scheduler/delivery"
	"github.com/stickyrelay/wa-scheduler/dispatch"
	"github.com/stickyrelay/wa-scheduler/events"
	"github.com/stickyrelay/wa-scheduler/jobs"
	"github.com/stickyrelay/wa-scheduler/ratelimit"
	"github.com/stickyrelay/wa-scheduler/retention"
	"github.com/stickyrelay/wa-scheduler/scheduling"
	"github.com/stickyrelay/wa-scheduler/store"
	"github.com/stickyrelay/wa-scheduler/store/postgres"
	"github.com/stickyrelay/wa-scheduler/transport"
)

var version = "dev"

func main() {
	port := env("PORT", "8080")

	dbDSN := os.Getenv("DB_DSN")
	if dbDSN == "" {
		log.Fatal("DB_DSN environment variable is required")
	}
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET environment variable is required")
	}
	masterKey := os.Getenv("VAULT_MASTER_KEY")
	if masterKey == "" {
		log.Fatal("VAULT_MASTER_KEY environment variable is required")
	}

	fmt.Printf("wa-scheduler %s\n", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := postgres.Open(ctx, dbDSN)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer db.Close()

	cfg, err := config.Load(ctx, db)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	bus := events.New()

	jobGap := time.Duration(cfg.Get().JobConcurrencyGapMS) * time.Millisecond
	if jobGap < 2*time.Second {
		jobGap = 2 * time.Second
	}
	jr := jobs.New(db, jobGap)

	limiter := ratelimit.New(db, bus, cfg.Get().DailyCap, cfg.Get().WarnPct)
	contacts := contactstore.NewInMemory()

	baseDelay := parseDuration(cfg.Get().ReconnectBaseDelay, time.Second)
	maxDelay := parseDuration(cfg.Get().ReconnectMaxDelay, 60*time.Second)
	maxRetryWindow := parseDuration(cfg.Get().MaxRetryWindow, 30*time.Minute)

	// The chat-wire adapter is out of scope (spec §1): chatclient only
	// declares the seam the Connection Manager drives. noopChatClient
	// below is the graceful-degradation stand-in, the way the teacher
	// runs with ConverterClient/ThumbnailerClient left nil when their
	// URLs aren't configured — except here the seam is mandatory, so it
	// parks in StreamPairingCode forever rather than sending anything,
	// and an operator wires a real provider adapter in its place.
	client := newNoopChatClient()
	connMgr := connmgr.New(client, db, bus, []byte(masterKey), baseDelay, maxDelay, maxRetryWindow)
	go connMgr.Run(ctx)

	listener := delivery.New(db, bus)
	connMgr.OnDeliveryAck(listener.HandleAck)

	minDispatch := time.Duration(cfg.Get().MinDispatchDelayMS) * time.Millisecond
	maxDispatch := time.Duration(cfg.Get().MaxDispatchDelayMS) * time.Millisecond
	dispatcher := dispatch.New(db, limiter, contacts, connMgr.GetSocket, bus, minDispatch, maxDispatch)
	jr.RegisterHandler(store.JobKindDispatch, dispatcher.HandleDispatch)
	jr.RegisterHandler(store.JobKindRuleFire, dispatcher.HandleRuleFire)

	sweeper := retention.New(db, cfg)
	jr.RegisterHandler(store.JobKindRetentionSweep, sweeper.Handler)
	if err := sweeper.Install(ctx, jr); err != nil {
		log.Fatalf("retention: install schedule: %v", err)
	}

	jobCtx, jobCancel := context.WithCancel(ctx)
	defer jobCancel()
	if err := jr.Start(jobCtx); err != nil {
		log.Fatalf("jobs: start: %v", err)
	}
	defer jr.Stop()

	svc := scheduling.New(db, jr, limiter, contacts, cfg)

	srv := &http.Server{
		Addr: ":" + port,
		Handler: transport.New(transport.Deps{
			Scheduling: svc,
			Limiter:    limiter,
			Bus:        bus,
			JWTSecret:  []byte(jwtSecret),
		}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("listening on :%s", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http: %v", err)
		}
	}()

	<-sigCh
	log.Println("shutting down…")

	// Shutdown order per spec §5: stop accepting new job work (cancelling
	// the Job Runtime's dequeue loop, the consumer side), then tear down
	// its recurring emitters (jr.Stop, the producer side), then the
	// Connection Manager; the State Store outlives all of them since final
	// status writes land there. A handler already running when the dequeue
	// loop is cancelled is not waited for.
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	jobCancel()
	jr.Stop()
	connMgr.Destroy()
	cancel()
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// noopChatClient is the placeholder ChatClient wired when no concrete
// provider adapter is configured: it reports a pairing code once and
// otherwise never connects. Send always errors, which the Dispatcher
// surfaces as a transient failure rather than silently dropping sends.
type noopChatClient struct {
	stream chan chatclient.StreamEvent
}

func newNoopChatClient() *noopChatClient {
	return &noopChatClient{stream: make(chan chatclient.StreamEvent, 1)}
}

func (c *noopChatClient) Connect(ctx context.Context, creds []byte) (chatclient.ConnectionStream, error) {
	c.stream <- chatclient.StreamEvent{Kind: chatclient.StreamPairingCode, PairingCode: "NO-PROVIDER-CONFIGURED"}
	return c.stream, nil
}

func (c *noopChatClient) Stop() {}

func (c *noopChatClient) Send(ctx context.Context, address string, payload chatclient.Payload) (string, error) {
	return "", fmt.Errorf("chatclient: no provider adapter configured")
}
