package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tbourn/go-llm-chat/internal/mockllm"
	"github.com/tbourn/go-llm-chat/internal/sysutil"
)

func newMockCmd() *cobra.Command {
	var (
		port     string
		delay    time.Duration
		thinking string
	)

	cmd := &cobra.Command{
		Use:   "mock",
		Short: "Run a mock OpenAI-compatible LLM server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			sysutil.SetupLogger(os.Stderr, os.Getenv("LOG_LEVEL"), sysutil.IsTruthy(os.Getenv("LOG_PRETTY")))
			gin.SetMode(gin.ReleaseMode)

			port = sysutil.FirstNonEmpty(port, os.Getenv("MOCK_LLM_PORT"), "1234")
			srv := &http.Server{
				Addr:              ":" + port,
				Handler:           mockllm.New(mockllm.Options{ChunkDelay: delay, Thinking: thinking}).Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", srv.Addr, err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			log.Info().Str("endpoint", "http://localhost:"+port+"/v1/chat/completions").Msg("mock llm ready")
			return runServer(ctx, srv, ln, shutdownGrace)
		},
	}

	cmd.Flags().StringVarP(&port, "port", "p", "", "listen port (default $MOCK_LLM_PORT or 1234)")
	cmd.Flags().DurationVar(&delay, "delay", 50*time.Millisecond, "pause between streamed chunks")
	cmd.Flags().StringVar(&thinking, "thinking", "", "stream this text inside <think> tags before each reply")
	return cmd
}
