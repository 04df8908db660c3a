// Command chatd runs the go-llm-chat HTTP API, an interactive terminal chat
// and a mock OpenAI-compatible LLM server.
//
// @title           go-llm-chat API
// @version         1.0
// @description     Streaming chat sessions against OpenAI-compatible local LLM servers.
// @BasePath        /api/v1
// @schemes         http https
//
// @securityDefinitions.apikey LLMApiKey
// @in                          header
// @name                        X-LLM-API-Key
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	// A missing .env is fine; real environment variables still apply.
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "chatd",
		Short:         "Streaming chat against OpenAI-compatible local LLM servers",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newServeCmd(),
		newChatCmd(),
		newMockCmd(),
	)
	return root
}
