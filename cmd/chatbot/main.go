package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/comigor/azure-chat-go/internal/chat"
	"github.com/comigor/azure-chat-go/internal/config"
	"github.com/comigor/azure-chat-go/internal/history"
	"github.com/comigor/azure-chat-go/internal/logger"
	"github.com/comigor/azure-chat-go/internal/server"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "chatbot",
		Short:        "Chat with an Azure OpenAI deployment",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default ./config.yaml or $CONFIG_PATH)")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP chat API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "ask <message>",
		Short: "Send one message and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ask(cmd.Context(), configPath, strings.Join(args, " "), cmd)
		},
	})
	return root
}

func setup(configPath string, logOut io.Writer) (*config.Config, *slog.Logger, *chat.Service, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load configuration: %w", err)
	}
	log := logger.New(logOut, cfg.LogLevel)

	svc, err := chat.New(&cfg.Azure, &cfg.Model, chat.WithLogger(log))
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, log, svc, nil
}

type completer interface {
	GetChatCompletion(ctx context.Context, req chat.ChatRequest) (chat.ChatResponse, error)
}

// ask logs to stderr so that stdout carries only the reply.
func ask(ctx context.Context, configPath, message string, cmd *cobra.Command) error {
	_, _, svc, err := setup(configPath, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	return printReply(ctx, svc, message, cmd.OutOrStdout())
}

func printReply(ctx context.Context, c completer, message string, out io.Writer) error {
	resp, err := c.GetChatCompletion(ctx, chat.ChatRequest{Message: message})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, resp.Message)
	return err
}

func serve(ctx context.Context, configPath string) error {
	cfg, log, svc, err := setup(configPath, os.Stdout)
	if err != nil {
		return err
	}

	store := history.Open(cfg.History.DBPath, log)
	defer store.Close()

	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: server.New(svc, store, log, cfg.Server.RequestTimeout),
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting server", "address", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error("failed to start server", "error", err)
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
