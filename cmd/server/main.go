package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/walters954/OpenBookLM/internal/app"
	"github.com/walters954/OpenBookLM/internal/audio"
	"github.com/walters954/OpenBookLM/internal/auth"
	"github.com/walters954/OpenBookLM/internal/cache"
	"github.com/walters954/OpenBookLM/internal/chathistory"
	"github.com/walters954/OpenBookLM/internal/config"
	"github.com/walters954/OpenBookLM/internal/credit"
	"github.com/walters954/OpenBookLM/internal/fetcher"
	"github.com/walters954/OpenBookLM/internal/llm"
	"github.com/walters954/OpenBookLM/internal/notebook"
	"github.com/walters954/OpenBookLM/internal/objstore"
	"github.com/walters954/OpenBookLM/internal/queue"
	"github.com/walters954/OpenBookLM/internal/ratelimit"
	"github.com/walters954/OpenBookLM/internal/server"
	"github.com/walters954/OpenBookLM/internal/servicetoken"
	"github.com/walters954/OpenBookLM/internal/store"
	"github.com/walters954/OpenBookLM/internal/user"
	"github.com/walters954/OpenBookLM/internal/usertoken"
	"github.com/walters954/OpenBookLM/internal/util"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		util.Fatal("load config", "error", err)
	}
	logger := util.InitLogger(cfg.LogLevel)

	st, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		util.Fatal("open database", "error", err)
	}

	c := cache.New(cfg.RedisAddr, cfg.RedisPassword)
	if cfg.RedisAddr == "" {
		logger.Warn("redis not configured, cache layer disabled")
	}

	credits := credit.NewManager(st, c, logger)
	users := user.NewService(st, credits, logger)
	history := chathistory.NewManager(st, c, logger)
	notebooks := notebook.NewService(st, c, credits, fetcher.New(), logger)

	sessionTTL := time.Duration(cfg.SessionTTLMinutes) * time.Minute
	if sessionTTL <= 0 {
		sessionTTL = 24 * time.Hour
	}
	sessions := auth.NewSessionStore(cfg.SessionSecret, sessionTTL)

	completer := llm.NewClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel)
	chat := app.New(st, history, credits, completer, cfg.ChatCharBudget, logger)

	var chatLimiter *ratelimit.Limiter
	if cfg.ChatRateLimitPerMinute > 0 && cfg.RedisAddr != "" {
		chatLimiter, err = ratelimit.New(ratelimit.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Prefix:   cfg.RateLimitPrefix,
			Limit:    cfg.ChatRateLimitPerMinute,
			Window:   time.Minute,
		})
		if err != nil {
			util.Fatal("configure rate limiter", "error", err)
		}
	}

	var external *usertoken.Verifier
	if cfg.ExternalJWKSURL != "" {
		external, err = usertoken.NewVerifier(usertoken.Config{
			JWKSURL:  cfg.ExternalJWKSURL,
			Issuer:   cfg.ExternalIssuer,
			Audience: cfg.ExternalAudience,
		})
		if err != nil {
			util.Fatal("configure external identity verifier", "error", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var audioSvc *audio.Service
	if cfg.AudioBackendURL != "" {
		if cfg.RedisAddr == "" {
			util.Fatal("audio generation requires redisAddr for the job queue")
		}
		objects, err := objstore.NewMinioStore(
			cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			util.Fatal("open object store", "error", err)
		}
		stream := cfg.AudioQueueStream
		if stream == "" {
			stream = "audio:generate"
		}
		audioQueue, err := queue.New(queue.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Stream:   stream,
			Group:    cfg.AudioQueueGroup,
		})
		if err != nil {
			util.Fatal("open audio queue", "error", err)
		}
		audioSvc = audio.NewService(st, credits, audioQueue, objects, logger)

		backend := audio.NewBackend(cfg.AudioBackendURL)
		if cfg.AudioBackendKeyPath != "" {
			signer, err := servicetoken.New(servicetoken.Options{
				PrivateKeyPath: cfg.AudioBackendKeyPath,
				Issuer:         "openbooklm-api",
			})
			if err != nil {
				util.Fatal("configure backend token signer", "error", err)
			}
			backend.WithSigner(signer)
		}
		worker := audio.NewWorker(st, credits, backend, objects, audioQueue, logger)
		concurrency := cfg.AudioConcurrency
		if concurrency <= 0 {
			concurrency = 2
		}
		worker.Start(ctx, concurrency)
		logger.Info("audio workers started", "concurrency", concurrency)
	} else {
		logger.Warn("audio backend not configured, audio generation disabled")
	}

	srv := server.New(server.Config{
		Users:       users,
		Sessions:    sessions,
		Notebooks:   notebooks,
		Chat:        chat,
		Credits:     credits,
		Audio:       audioSvc,
		Cache:       c,
		ChatLimiter: chatLimiter,
		External:    external,
		Logger:      logger,
	})

	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: srv.Router(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("server listening", "port", cfg.Port)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		util.Fatal("server stopped", "error", err)
	}
	logger.Info("server shut down")
}
