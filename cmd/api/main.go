package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/voiceline/backend/internal/config"
	"github.com/zhouzirui/voiceline/backend/internal/handler"
	"github.com/zhouzirui/voiceline/backend/internal/handler/voice"
	speechModel "github.com/zhouzirui/voiceline/backend/internal/model/speech"
	"github.com/zhouzirui/voiceline/backend/internal/service/assistant"
	"github.com/zhouzirui/voiceline/backend/internal/service/auth"
	"github.com/zhouzirui/voiceline/backend/internal/service/conversation"
	"github.com/zhouzirui/voiceline/backend/internal/service/speech"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	verifier := auth.NewStaticVerifier(cfg.Auth.Tokens)
	if len(cfg.Auth.Tokens) == 0 {
		log.Println("warning: AUTH_TOKENS is empty, every connection will be rejected")
	}

	store, closeStore, err := newStore(cfg.Store)
	if err != nil {
		log.Fatalf("failed to initialize conversation store: %v", err)
	}
	defer closeStore()

	backend := newAssistantClient(ctx, cfg.AI)
	transcriber, synthesizer := newSpeechServices(cfg.Speech)

	registry := voice.NewRegistry()
	gateway := voice.NewGateway(verifier, registry, transcriber, synthesizer, backend, store, cfg.Realtime)

	router := handler.NewRouter(gateway, store, verifier)

	startServer(ctx, cfg.Server, registry, time.Duration(cfg.Realtime.ShutdownGraceSeconds)*time.Second, router)
}

// newStore 按配置选择SQLite或内存存储。
func newStore(cfg config.StoreConfig) (conversation.Store, func(), error) {
	if cfg.SQLitePath == "" {
		log.Println("STORE_SQLITE_PATH 未配置，对话历史仅保存在内存中")
		return conversation.NewMemoryStore(), func() {}, nil
	}

	store, err := conversation.NewSQLiteStore(cfg.SQLitePath)
	if err != nil {
		return nil, nil, err
	}
	log.Printf("conversation store: sqlite at %s", cfg.SQLitePath)
	return store, func() {
		if err := store.Close(); err != nil {
			log.Printf("warning: close sqlite store: %v", err)
		}
	}, nil
}

// newAssistantClient 凭证可用时接入Ark大模型，否则退回确定性回显桩。
func newAssistantClient(ctx context.Context, cfg config.AIConfig) assistant.Client {
	if !cfg.Enabled() {
		log.Println("Ark 凭证未配置，使用回显助手")
		return &assistant.EchoClient{}
	}

	client, err := assistant.NewEinoClient(ctx, cfg)
	if err != nil {
		log.Printf("warning: failed to initialize AI backend: %v", err)
		log.Println("falling back to echo assistant - 请检查 Ark 模型相关环境变量")
		return &assistant.EchoClient{}
	}
	log.Println("AI backend initialized successfully")
	return client
}

// newSpeechServices 凭证可用时接入火山引擎识别与合成，否则退回桩实现。
func newSpeechServices(cfg config.SpeechConfig) (speech.Transcriber, speech.Synthesizer) {
	if !cfg.Enabled {
		log.Println("语音服务凭证未配置，使用确定性语音桩")
		return &speech.StubTranscriber{}, &speech.StubSynthesizer{}
	}

	providerCfg := &speechModel.ProviderConfig{
		AppID:       cfg.AppID,
		AccessToken: cfg.AccessToken,
		APIKey:      cfg.APIKey,
		AccessKey:   cfg.AccessKey,
		SecretKey:   cfg.SecretKey,
		Region:      cfg.Region,
		BaseURL:     cfg.BaseURL,
		ASRModel:    cfg.ASRModel,
		ASRLanguage: cfg.ASRLanguage,
		TTSVoice:    cfg.TTSVoice,
		TTSSpeed:    cfg.TTSSpeed,
		TTSVolume:   cfg.TTSVolume,
		TTSLanguage: cfg.TTSLanguage,
		Timeout:     cfg.Timeout,
	}
	log.Println("Speech services initialized successfully")
	return speech.NewVolcengineTranscriber(providerCfg), speech.NewVolcengineSynthesizer(providerCfg)
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, registry *voice.Registry, grace time.Duration, router http.Handler) {
	srv := &http.Server{
		Addr:              serverCfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("Voiceline backend listening on %s", serverCfg.Addr)
	if err := runServer(ctx, srv, registry, grace); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server, registry *voice.Registry, grace time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		// 先断会话，再停HTTP服务。
		drainCtx, cancelDrain := context.WithTimeout(context.Background(), grace)
		registry.Shutdown(drainCtx)
		cancelDrain()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
