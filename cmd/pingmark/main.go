package main

import (
	"context"
	"log"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/redis/go-redis/v9"

	"github.com/layer-3/pingmark/adapters/events"
	"github.com/layer-3/pingmark/adapters/ledger"
	"github.com/layer-3/pingmark/adapters/store"
	"github.com/layer-3/pingmark/adapters/tokenizer"
	"github.com/layer-3/pingmark/config"
	"github.com/layer-3/pingmark/merkle"
	"github.com/layer-3/pingmark/ports"
	"github.com/layer-3/pingmark/service"
	"github.com/layer-3/pingmark/transport/http"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Generate a new ECDSA key pair for receipt signing (you would
	// normally load this from somewhere secure)
	receiptKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		panic(err)
	}

	var (
		sessionStore    ports.SessionStore
		commitmentStore ports.CommitmentStore
		publisher       message.Publisher
	)

	wmLogger := watermill.NewStdLogger(false, false)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("Failed to parse Redis URL: %v", err)
		}
		redisClient := redis.NewClient(opts)

		publisher, err = redisstream.NewPublisher(
			redisstream.PublisherConfig{
				Client: redisClient,
			},
			wmLogger,
		)
		if err != nil {
			log.Fatalf("Failed to create Redis publisher: %v", err)
		}

		sessionStore = store.NewRedisSessionStore(redisClient)
		commitmentStore = store.NewRedisCommitmentStore(redisClient)
	} else {
		publisher = gochannel.NewGoChannel(gochannel.Config{}, wmLogger)
		sessionStore = store.NewMemorySessionStore()
		commitmentStore = store.NewMemoryCommitmentStore()
	}

	var anchorLedger ports.Ledger
	if cfg.EthRPCURL != "" {
		anchorKey, err := crypto.HexToECDSA(cfg.EthPrivateKey)
		if err != nil {
			log.Fatalf("Failed to parse anchoring key: %v", err)
		}
		anchorLedger, err = ledger.NewEthLedger(
			context.Background(),
			cfg.EthRPCURL,
			common.HexToAddress(cfg.EthContract),
			anchorKey,
			big.NewInt(cfg.EthChainID),
		)
		if err != nil {
			log.Fatalf("Failed to connect to ledger: %v", err)
		}
	} else {
		anchorLedger = ledger.NewMockLedger()
	}

	receiptTokenizer := tokenizer.NewJWTTokenizer(receiptKey)
	eventPub := events.NewWatermillPublisher(publisher)

	epochService := service.NewEpochService(
		sessionStore,
		commitmentStore,
		anchorLedger,
		eventPub,
		merkle.MiMCHasher{},
		service.EpochConfig{
			TreeDepth:      cfg.TreeDepth,
			CommitmentTTL:  cfg.CommitmentTTL,
			AnchorAttempts: cfg.AnchorAttempts,
			AnchorBackoff:  cfg.AnchorBackoff,
		},
	)
	sessionService := service.NewSessionService(
		sessionStore,
		epochService,
		eventPub,
		receiptTokenizer,
		service.SessionConfig{
			ChallengeCount: cfg.ChallengeCount,
			Interval:       cfg.Interval,
			Jitter:         cfg.Jitter,
			ChallengeTTL:   cfg.ChallengeTTL,
			TailWait:       cfg.TailWait,
			EpochWindow:    cfg.EpochWindow,
			StoreTTL:       cfg.SessionTTL,
		},
	)

	// Setup Gin router
	router := http.SetupRouter(sessionService, epochService, receiptTokenizer)

	// Drain sessions and in-flight anchors on shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-stop
		sessionService.Close()
		epochService.Close()
		os.Exit(0)
	}()

	// Start server
	if err := router.Run(cfg.ListenAddr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
