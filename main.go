package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"

	orchestratorx "github.com/tanpawarit/argo-agent/agent/agents/orchestrator"
	"github.com/tanpawarit/argo-agent/agent/llm"
	"github.com/tanpawarit/argo-agent/agent/loop"
	"github.com/tanpawarit/argo-agent/agent/memory"
	"github.com/tanpawarit/argo-agent/agent/prompt"
	"github.com/tanpawarit/argo-agent/agent/session"
	"github.com/tanpawarit/argo-agent/agent/tool"
	configx "github.com/tanpawarit/argo-agent/pkg/config"
	"github.com/tanpawarit/argo-agent/pkg/datasource"
	_ "github.com/tanpawarit/argo-agent/pkg/logger/autoload"
	"github.com/tanpawarit/argo-agent/pkg/tokenizer"
)

const (
	storeBackendSQL     = "sql"
	storeBackendUpstash = "upstash"
)

type AppConfig struct {
	StoreBackend      string `split_words:"true" default:"sql"`
	SchemaPath        string `split_words:"true"`
	TokenizerEncoding string `split_words:"true" default:"cl100k_base"`
}

func (c AppConfig) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.StoreBackend)) {
	case storeBackendSQL, storeBackendUpstash:
		return nil
	default:
		return fmt.Errorf("unknown store backend %q", c.StoreBackend)
	}
}

func main() {
	sessionID := flag.String("session", "", "resume an existing session id")

	appCfg := configx.MustNew[AppConfig]("ARGO")
	llmCfg := configx.MustNew[llm.Config]("OPENROUTER")
	summaryCfg := configx.MustNew[llm.SummaryConfig]("SUMMARY")
	loopCfg := configx.MustNew[loop.Config]("LOOP")
	memoryCfg := configx.MustNew[memory.Config]("MEMORY")
	toolCfg := configx.MustNew[tool.Config]("TOOL")
	datasetCfg := configx.MustNew[datasource.Config]("DATASET")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dataset, err := datasource.Open(ctx, *datasetCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("open dataset database")
	}
	defer dataset.Close()

	store, closeStore, err := openStore(ctx, *appCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("open session store")
	}
	defer closeStore()

	decideCfg := llmCfg.OpenRouterFor(llm.PurposeDecide)
	decideModel, err := decideCfg.New(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("build decide model")
	}
	decideGateway, err := llm.NewGateway(decideModel)
	if err != nil {
		log.Fatal().Err(err).Msg("build decide gateway")
	}

	knowledgeCfg := llmCfg.OpenRouterFor(llm.PurposeKnowledge)
	knowledgeModel, err := knowledgeCfg.New(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("build knowledge model")
	}
	knowledgeGateway, err := llm.NewGateway(knowledgeModel)
	if err != nil {
		log.Fatal().Err(err).Msg("build knowledge gateway")
	}

	summarizer, err := llm.NewSummarizer(*summaryCfg, decideCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("build summarizer")
	}

	query, err := tool.NewQueryCapability(dataset, toolCfg.MaxRows)
	if err != nil {
		log.Fatal().Err(err).Msg("build query capability")
	}
	knowledge, err := tool.NewKnowledgeCapability(knowledgeGateway)
	if err != nil {
		log.Fatal().Err(err).Msg("build knowledge capability")
	}
	registry, err := tool.NewRegistry(query, knowledge, tool.WithTimeout(toolCfg.Timeout))
	if err != nil {
		log.Fatal().Err(err).Msg("build capability registry")
	}

	prompts, err := loadPrompts(ctx, appCfg.SchemaPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load prompts")
	}

	orch, err := orchestratorx.New(orchestratorx.Deps{
		Store:      store,
		Gateway:    decideGateway,
		Tools:      registry,
		Counter:    tokenizer.New(appCfg.TokenizerEncoding),
		Summarizer: summarizer,
	}, orchestratorx.Config{
		Loop:         *loopCfg,
		Memory:       *memoryCfg,
		SystemPrompt: prompts.System,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("build orchestrator")
	}

	if err := runChat(ctx, orch, *sessionID, os.Stdin, os.Stdout); err != nil {
		log.Fatal().Err(err).Msg("chat ended with error")
	}
}

func openStore(ctx context.Context, appCfg AppConfig) (session.Store, func(), error) {
	if strings.EqualFold(strings.TrimSpace(appCfg.StoreBackend), storeBackendUpstash) {
		upstashCfg, err := configx.Process[session.UpstashConfig]("UPSTASH_REDIS_REST")
		if err != nil {
			return nil, nil, err
		}
		store, err := session.NewUpstashStore(*upstashCfg)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	}

	storeCfg, err := configx.Process[datasource.Config]("STORE")
	if err != nil {
		return nil, nil, err
	}
	db, err := datasource.Open(ctx, *storeCfg)
	if err != nil {
		return nil, nil, err
	}
	store, err := session.NewBunStore(db)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return store, func() { _ = db.Close() }, nil
}

func loadPrompts(ctx context.Context, schemaPath string) (prompt.PromptSet, error) {
	ds, err := prompt.DefaultSchema()
	if path := strings.TrimSpace(schemaPath); path != "" {
		raw, readErr := os.ReadFile(path)
		if readErr != nil {
			return prompt.PromptSet{}, fmt.Errorf("read dataset schema: %w", readErr)
		}
		ds, err = prompt.ParseSchema(raw)
	}
	if err != nil {
		return prompt.PromptSet{}, err
	}
	return prompt.LoadPromptSet(ctx, ds)
}
