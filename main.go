package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"
	"github.com/hashicorp/go-retryablehttp"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/iamwavecut/doorman/internal/adapters"
	"github.com/iamwavecut/doorman/internal/adapters/llm/gemini"
	"github.com/iamwavecut/doorman/internal/adapters/llm/openai"
	"github.com/iamwavecut/doorman/internal/banlist"
	"github.com/iamwavecut/doorman/internal/bot"
	"github.com/iamwavecut/doorman/internal/config"
	"github.com/iamwavecut/doorman/internal/db/sqlite"
	"github.com/iamwavecut/doorman/internal/doorman"
	"github.com/iamwavecut/doorman/internal/i18n"
	"github.com/iamwavecut/doorman/internal/infra"
	"github.com/iamwavecut/doorman/internal/infrastructure/telegram"
	"github.com/iamwavecut/doorman/internal/lifecycle"
	"github.com/iamwavecut/doorman/internal/observability"
	"github.com/iamwavecut/doorman/internal/signals"
	"github.com/iamwavecut/doorman/internal/state"
	"github.com/iamwavecut/doorman/resources"
)

const (
	dbFile          = "doorman.db"
	shutdownTimeout = 15 * time.Second
	pollTimeout     = 60
)

func main() {
	app := &cli.App{
		Name:   "doorman",
		Usage:  "spam and newcomer moderation for Telegram groups",
		Before: setup,
		Action: run,
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "serve the bot until interrupted",
				Action: run,
			},
			{
				Name:      "train",
				Usage:     "add labelled samples for the classifier, one message per line",
				ArgsUsage: "<file>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "ham", Usage: "samples are legitimate messages"},
				},
				Action: train,
			},
			{
				Name:      "mark-bad",
				Usage:     "add messages to the known-bad set, one per line or from arguments",
				ArgsUsage: "[text...]",
				Action:    markBad,
			},
			{
				Name:   "stats",
				Usage:  "print the stats of a running instance",
				Action: stats,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.WithField("error", err.Error()).Fatal("exiting")
	}
}

func setup(*cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log.SetFormatter(&config.NbFormatter{NoColor: cfg.LogNoColor})
	log.SetOutput(os.Stdout)
	log.SetLevel(log.Level(cfg.LogLevel))
	i18n.SetDefaultLanguage(cfg.DefaultLanguage)
	return nil
}

func run(cctx *cli.Context) error {
	cfg := config.Get()
	if cfg.TelegramAPIToken == "" {
		return fmt.Errorf("%sTOKEN is not set", config.EnvPrefix)
	}
	ctx, stop := signal.NotifyContext(cctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := sqlite.NewSQLiteClient(ctx, cfg.DotPath, dbFile)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	botAPI, err := api.NewBotAPI(cfg.TelegramAPIToken)
	if err != nil {
		return fmt.Errorf("init bot api: %w", err)
	}
	botAPI.Debug = log.Level(cfg.LogLevel) == log.TraceLevel
	transport := telegram.NewOperations(botAPI, botAPI.Self.ID)
	log.WithField("bot", botAPI.Self.UserName).Info("authorized")

	runtime := lifecycle.NewRuntime()
	deps := doorman.Dependencies{Store: store, Transport: transport}

	var feed *banlist.Feed
	if cfg.Banlist.Enabled {
		feed = banlist.NewFeed(store, banlist.Options{
			DailyURLs: cfg.Banlist.DailyURLs,
			HourlyURL: cfg.Banlist.HourlyURL,
			Timeout:   cfg.Banlist.Timeout,
		})
		deps.Banlist = feed
	}

	if cfg.OracleEnabled() {
		backend, closeBackend, err := newLLM(ctx, cfg.LLM)
		if err != nil {
			return err
		}
		runtime.Register("llm", lifecycle.Funcs{OnStop: func(context.Context) error { return closeBackend() }})
		deps.Oracle = signals.NewLLMOracle(backend, signals.OracleOptions{
			Timeout:       cfg.LLM.Timeout,
			CallsPerMin:   cfg.LLM.CallsPerMin,
			CacheTTL:      cfg.LLM.CacheTTL,
			CacheCapacity: cfg.LLM.CacheCapacity,
		})
	}

	if cfg.Classifier.Type == "zeroshot" {
		modelsDir, err := infra.GetWorkDir(cfg.DotPath, cfg.Classifier.ModelsDir)
		if err != nil {
			return err
		}
		zs, err := signals.NewZeroShot(modelsDir, cfg.Classifier.ModelName, cfg.Classifier.SpamLabels, cfg.Classifier.HamLabels)
		if err != nil {
			return err
		}
		deps.Classifier = zs
	}

	if deps.StopWords, err = loadStopWords(cfg.Moderation.StopWords); err != nil {
		return err
	}

	logDir, err := infra.GetWorkDir(cfg.DotPath, "logs")
	if err != nil {
		return err
	}
	if deps.DecisionLog, err = observability.NewDecisionLog(logDir); err != nil {
		return err
	}
	defer func() { _ = deps.DecisionLog.Sync() }()
	runtime.Register("tracing", lifecycle.Funcs{OnStop: observability.SetupTracing()})

	d := doorman.New(cfg, deps)
	persister := state.NewPersister(store, d.TrustStore(), d.Ledger(), d.Violations(), state.Options{
		ViolationWindow: cfg.Moderation.ViolationWindow,
	})
	server := observability.NewServer(cfg.MetricsAddr, observability.StatsFunc(func() any { return d.Stats() }))

	processor := bot.NewUpdateProcessor(
		bot.NewGatekeeper(d, transport, botAPI, bot.GatekeeperOptions{BanDuration: cfg.Captcha.BanDuration}),
		bot.NewAdmin(d, transport, botAPI, cfg.AdminChatID),
		bot.NewModerator(d),
	)
	updateConfig := api.NewUpdate(0)
	updateConfig.Timeout = pollTimeout
	updateConfig.AllowedUpdates = []string{"message", "edited_message", "callback_query", "chat_member"}
	poller := bot.NewPoller(botAPI, processor, updateConfig)

	runtime.
		Register("state", persister).
		Register("doorman", d).
		Register("server", server)
	if feed != nil {
		runtime.Register("banlist", feed)
	}
	runtime.Register("poller", poller)

	if err := runtime.Start(ctx); err != nil {
		return err
	}
	log.Info("doorman is up")
	<-ctx.Done()
	log.Info("shutting down")

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return runtime.Stop(stopCtx)
}

func newLLM(ctx context.Context, cfg config.LLM) (adapters.LLM, func() error, error) {
	logger := log.WithField("object", "LLM").WithField("type", cfg.Type)
	switch cfg.Type {
	case "gemini":
		g, err := gemini.NewGemini(ctx, cfg.APIKey, cfg.Model, logger)
		if err != nil {
			return nil, nil, err
		}
		return g, g.Close, nil
	case "openai", "":
		return openai.NewOpenAI(cfg.APIKey, cfg.Model, cfg.BaseURL, logger), func() error { return nil }, nil
	}
	return nil, nil, fmt.Errorf("unknown llm type %q", cfg.Type)
}

// loadStopWords merges the bundled list with the configured extras.
func loadStopWords(extra []string) ([]string, error) {
	f, err := resources.FS.Open("data/stop-words.txt")
	if err != nil {
		return nil, fmt.Errorf("open stop words: %w", err)
	}
	defer func() { _ = f.Close() }()
	words, err := signals.ReadStopWords(f)
	if err != nil {
		return nil, err
	}
	return append(words, extra...), nil
}

func train(cctx *cli.Context) error {
	cfg := config.Get()
	if cctx.NArg() != 1 {
		return fmt.Errorf("expected one samples file")
	}
	store, err := sqlite.NewSQLiteClient(cctx.Context, cfg.DotPath, dbFile)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	f, err := os.Open(filepath.Clean(cctx.Args().First()))
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	isSpam := !cctx.Bool("ham")
	var added int
	err = eachLine(f, func(line string) error {
		added++
		return store.AddSpamHamSample(cctx.Context, line, isSpam)
	})
	log.WithField("samples", added).WithField("spam", isSpam).Info("training samples stored")
	return err
}

func markBad(cctx *cli.Context) error {
	cfg := config.Get()
	store, err := sqlite.NewSQLiteClient(cctx.Context, cfg.DotPath, dbFile)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	knownBad := signals.NewKnownBad(store)
	if err := knownBad.Load(cctx.Context); err != nil {
		return err
	}
	mark := func(text string) error {
		added, err := knownBad.MarkAsBad(cctx.Context, text)
		if err != nil {
			return err
		}
		if added {
			return store.AddSpamHamSample(cctx.Context, text, true)
		}
		return nil
	}

	before := knownBad.Len()
	if cctx.NArg() > 0 {
		err = mark(strings.Join(cctx.Args().Slice(), " "))
	} else {
		err = eachLine(os.Stdin, mark)
	}
	log.WithField("added", knownBad.Len()-before).Info("known-bad set updated")
	return err
}

func stats(cctx *cli.Context) error {
	cfg := config.Get()
	addr := cfg.MetricsAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	resp, err := retryablehttp.Get("http://" + addr + "/stats")
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, err = io.Copy(cctx.App.Writer, resp.Body)
	return err
}

func eachLine(r io.Reader, f func(line string) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := f(line); err != nil {
			return err
		}
	}
	return scanner.Err()
}
