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

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"manualai_back/cache"
	"manualai_back/chat"
	"manualai_back/documents"
	"manualai_back/llm"
)

func mustLoadEnv() {
	_ = godotenv.Load()
}

func main() {
	mustLoadEnv()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := gin.Default()
	r.Use(cors.Default())

	docs, err := documents.NewModuleFromEnv(ctx)
	if err != nil {
		log.Fatalf("init documents module: %v", err)
	}

	synth, err := llm.NewSynthesizerFromEnv()
	if err != nil {
		log.Fatalf("init answer synthesizer: %v", err)
	}

	var answerCache *llm.AnswerCache
	if redisClient, err := cache.GetRedisClient(); err != nil {
		log.Printf("answer cache disabled: %v", err)
	} else {
		answerCache = llm.NewAnswerCache(redisClient)
	}
	docs.SetAnswerCache(answerCache)

	docs.RegisterRoutes(r)
	chat.NewModule(docs.Service(), synth, answerCache).RegisterRoutes(r)

	r.GET("/healthz", func(c *gin.Context) {
		docCount, chunkCount, err := docs.Service().Size(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": "knowledge base unreachable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":         "ok",
			"retrieval_mode": docs.Service().RetrievalMode(),
			"documents":      docCount,
			"chunks":         chunkCount,
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server := &http.Server{Addr: ":" + port, Handler: r}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("start server: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	if err := docs.Service().Checkpoint(); err != nil {
		log.Printf("final checkpoint failed: %v", err)
	}
}
