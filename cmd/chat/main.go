// Package main is a terminal chat client for the generation platform.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/pinegen-ai/generation-platform/internal/config"
	"github.com/pinegen-ai/generation-platform/internal/extract"
	"github.com/pinegen-ai/generation-platform/internal/model"
	natsclient "github.com/pinegen-ai/generation-platform/internal/nats"
	"github.com/pinegen-ai/generation-platform/internal/orchestrator"
	"github.com/pinegen-ai/generation-platform/internal/quota"
	"github.com/pinegen-ai/generation-platform/internal/store"
	"github.com/pinegen-ai/generation-platform/pkg/logger"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	token := os.Getenv("CHAT_TOKEN")
	userID := os.Getenv("CHAT_USER_ID")
	if token == "" || userID == "" {
		fmt.Fprintln(os.Stderr, "CHAT_TOKEN and CHAT_USER_ID are required")
		os.Exit(1)
	}
	tier := os.Getenv("CHAT_TIER")
	if tier == "" {
		tier = model.TierFree
	}

	ctx := context.Background()
	limits := quota.Limits{Free: cfg.QuotaFreeDailyLimit, Pro: cfg.QuotaProDailyLimit}

	// Durable stores live on NATS when reachable; otherwise everything is
	// session-local.
	var (
		conversations store.ConversationStore
		messages      store.MessageStore
		quotaStore    quota.Store
	)
	if natsClient, err := natsclient.Connect(ctx, natsclient.Config{URL: cfg.NATSURL, Token: cfg.NATSToken}, log); err == nil {
		defer natsClient.Close()
		js, jsErr := store.NewJetStream(ctx, natsClient)
		kv, kvErr := quota.NewKVStore(ctx, natsClient, limits)
		if jsErr == nil && kvErr == nil {
			conversations, messages, quotaStore = js, js, kv
		}
	}
	if conversations == nil {
		log.Warn("NATS unavailable, using in-memory stores")
		mem := store.NewMemory()
		conversations, messages = mem, mem
		quotaStore = quota.NewMemoryStore(limits)
	}

	orch := orchestrator.New(orchestrator.Deps{
		Conversations: conversations,
		Messages:      messages,
		Quota:         quota.NewGuard(quotaStore, log),
		Gateway:       orchestrator.NewGatewayClient(cfg.GatewayURL, nil),
		Logger:        log,
	})
	orch.SetSession(&orchestrator.Session{UserID: userID, Token: token, Tier: tier})

	fmt.Println("pinegen chat - describe the script you want, ctrl-d to quit")

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		prompt := strings.TrimSpace(scanner.Text())
		if prompt == "" {
			continue
		}

		if err := orch.SendMessage(ctx, prompt); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}

		msgs := orch.Transcript().Messages()
		if len(msgs) == 0 {
			continue
		}
		reply := msgs[len(msgs)-1]
		if reply.Role != model.RoleAssistant {
			continue
		}

		code := extract.Script(reply.Content)
		fmt.Println()
		fmt.Println(code)
		fmt.Printf("\n[%s]", extract.Filename(code))

		if info := orch.QuotaInfo(); info.Limit > 0 {
			fmt.Printf(" %d/%d generations remaining today", info.Remaining, info.Limit)
		}
		fmt.Println()
	}
}
