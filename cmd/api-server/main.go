// Package main API Server 入口
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

	"studymate-server/internal/apiserver/auth"
	"studymate-server/internal/apiserver/server"
	"studymate-server/internal/config"
	"studymate-server/internal/shared/cache"
	cacheredis "studymate-server/internal/shared/cache/redis"
	"studymate-server/internal/shared/objstore"
	"studymate-server/internal/shared/storage/mongostore"
)

func main() {
	// 加载配置（自动加载 .env，根据 APP_ENV 切换 configs/{env}.yaml）
	cfg := config.Load()

	log.Printf("Starting API Server... [env=%s]", cfg.Env)
	log.Printf("Config: %s", cfg.String())

	if cfg.Auth.JWTSecret == "" {
		if cfg.IsProduction() {
			log.Fatal("JWT_SECRET is required in production")
		}
		log.Println("WARNING: JWT_SECRET not set, using insecure dev secret")
		cfg.Auth.JWTSecret = "dev-secret-change-in-production"
	}

	// 初始化 MongoDB（用户凭证存储）
	store, err := mongostore.NewStore(cfg.MongoURI, cfg.MongoDB)
	if err != nil {
		log.Fatalf("Failed to connect to MongoDB: %v", err)
	}
	defer store.Close()

	// 初始化验证码存储：Redis 不可用时开发环境退回进程内实现
	var codes cache.CodeStore
	if redisStore, err := cacheredis.NewStoreFromURL(cfg.RedisURL); err == nil {
		codes = redisStore
	} else {
		if cfg.IsProduction() {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		log.Printf("WARNING: Redis unavailable (%v), using in-memory code store", err)
		codes = cache.NewMemoryCodeStore()
	}
	defer codes.Close()

	// 短信下发：未配置服务商时使用日志实现
	var sms auth.SMSSender
	if cfg.SMS.APIURL != "" {
		sms = auth.NewHTTPSMSSender(cfg.SMS)
	} else {
		if cfg.IsProduction() {
			log.Fatal("SMS provider is required in production")
		}
		sms = auth.LogSMSSender{}
	}

	// 微信身份交换：未配置 AppID 时使用模拟实现
	var wechat auth.WechatVerifier
	if cfg.Wechat.AppID != "" {
		wechat = auth.NewWechatClient(cfg.Wechat)
	} else {
		if cfg.IsProduction() {
			log.Fatal("Wechat app credentials are required in production")
		}
		wechat = auth.MockWechatVerifier{}
	}

	// 对象存储（学校认证证明材料），可选
	var proofs *objstore.Client
	if cfg.MinIO.Enabled() {
		proofs, err = objstore.NewClient(cfg.MinIO)
		if err != nil {
			log.Fatalf("Failed to create MinIO client: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := proofs.EnsureBucket(ctx); err != nil {
			cancel()
			log.Fatalf("Failed to ensure MinIO bucket: %v", err)
		}
		cancel()
	}

	svc := auth.NewService(store, codes, sms, wechat, cfg.Auth)
	authHandler := auth.NewHandler(svc, cfg.Auth, proofs, !cfg.IsProduction())
	h := server.NewHandler(authHandler)

	srv := &http.Server{
		Addr:         ":" + cfg.APIPort,
		Handler:      h.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// 优雅关闭
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down server...")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("API Server listening on :%s", cfg.APIPort)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}

	fmt.Println("Server stopped")
}
