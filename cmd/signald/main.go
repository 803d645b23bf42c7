package main

import (
	"context"
	"database/sql"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/pairlink/signald/internal/httpapi"
	"github.com/pairlink/signald/internal/hub"
	"github.com/pairlink/signald/internal/messaging"
	"github.com/pairlink/signald/internal/metrics"
	"github.com/pairlink/signald/internal/protocol"
	"github.com/pairlink/signald/internal/ratelimit"
	"github.com/pairlink/signald/internal/rating"
	"github.com/pairlink/signald/internal/ws"
)

func main() {
	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	h := hub.New()

	// --- NATS (optional: lifecycle event publishing) ---
	var natsPub *messaging.Publisher
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig := messaging.DefaultConfig()
		natsConfig.URL = natsURL
		var err error
		natsPub, err = messaging.NewPublisher(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		h.SetEvents(natsPub)
	}

	// --- Redis (optional: rate limiting) ---
	var limiter *ratelimit.Limiter
	var rdb *redis.Client
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: redisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rdb.Ping(ctx).Err(); err != nil {
			cancel()
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		cancel()
		limiter = ratelimit.NewLimiter(rdb)
		h.SetLimiter(limiter)
	}

	// --- Postgres (optional: call rating persistence) ---
	var db *sql.DB
	var ratingStore *rating.Store
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		var err error
		db, err = sql.Open("postgres", dbURL)
		if err != nil {
			log.Fatalf("failed to open Postgres: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := db.PingContext(ctx); err != nil {
			cancel()
			log.Fatalf("failed to connect to Postgres: %v", err)
		}
		cancel()
		if err := rating.Migrate(db); err != nil {
			log.Fatalf("failed to run rating migrations: %v", err)
		}
		ratingStore = rating.NewStore(db)
		h.SetRatings(ratingStore)
	}

	log.Printf("pairlink signaling server starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  read_timeout:    %s", config.ReadTimeout)
	log.Printf("  write_timeout:   %s", config.WriteTimeout)
	log.Printf("  nats:            %v", natsPub != nil)
	log.Printf("  ratelimit:       %v", limiter != nil)

	dispatcher := ws.NewMessageDispatcher()

	// -----------------------------------------------------------------------
	// join — request matchmaking with an interest set
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeJoin, func(conn *ws.Connection, msg interface{}) {
		joinMsg, ok := msg.(protocol.JoinMsg)
		if !ok {
			return
		}
		h.HandleJoin(conn.ID, joinMsg.Interests)
	})

	// -----------------------------------------------------------------------
	// signal_offer / signal_answer / signal_ice — opaque WebRTC relay
	// -----------------------------------------------------------------------
	relaySignal := func(conn *ws.Connection, msg interface{}) {
		signalMsg, ok := msg.(protocol.SignalMsg)
		if !ok {
			return
		}
		h.HandleSignal(conn.ID, signalMsg.Type, signalMsg.RoomID, signalMsg.Payload)
	}
	dispatcher.Register(protocol.TypeSignalOffer, relaySignal)
	dispatcher.Register(protocol.TypeSignalAnswer, relaySignal)
	dispatcher.Register(protocol.TypeSignalICE, relaySignal)

	// -----------------------------------------------------------------------
	// chat — relay a text message to the partner
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeChat, func(conn *ws.Connection, msg interface{}) {
		chatMsg, ok := msg.(protocol.ChatMsg)
		if !ok {
			return
		}
		h.HandleChat(conn.ID, chatMsg.RoomID, chatMsg.Text)
	})

	// -----------------------------------------------------------------------
	// typing — relay the typing indicator
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeTyping, func(conn *ws.Connection, msg interface{}) {
		typingMsg, ok := msg.(protocol.TypingMsg)
		if !ok {
			return
		}
		h.HandleTyping(conn.ID, typingMsg.RoomID, typingMsg.IsTyping)
	})

	// -----------------------------------------------------------------------
	// rate — rate the partner; always ends the call
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeRate, func(conn *ws.Connection, msg interface{}) {
		rateMsg, ok := msg.(protocol.RateMsg)
		if !ok {
			return
		}
		h.HandleRate(conn.ID, rateMsg.RoomID, rateMsg.Rating)
	})

	server := ws.NewServer(config, dispatcher.Dispatch)

	server.SetOnConnect(func(conn *ws.Connection) {
		h.Connect(conn.ID, conn)
	})
	server.SetOnDisconnect(func(connID string) {
		h.Disconnect(connID)
	})

	if limiter != nil {
		server.SetUpgradeGate(func(r *http.Request) bool {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			allowed, _ := limiter.Allow(ctx, host, ratelimit.RuleConnect)
			return allowed
		})
	}

	api := httpapi.NewHandler(h)
	if ratingStore != nil {
		api.SetRatings(ratingStore)
	}
	server.Handle("/api/end-call", http.HandlerFunc(api.EndCall))
	server.Handle("/api/health", http.HandlerFunc(api.Health))
	server.Handle("/api/ratings", http.HandlerFunc(api.RatingSummary))
	server.Handle("/metrics", metrics.Handler())

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		natsPub.Close()
		if rdb != nil {
			rdb.Close()
		}
		if db != nil {
			db.Close()
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
