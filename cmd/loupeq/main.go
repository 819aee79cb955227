// Command loupeq asks a single question from the terminal: it streams the
// answer to stdout, records the exchange in the local history and exits.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/loupe-ai/loupe/internal/config"
	"github.com/loupe-ai/loupe/internal/console"
	"github.com/loupe-ai/loupe/internal/conversation"
	"github.com/loupe-ai/loupe/internal/quickquery"
	sdk "github.com/loupe-ai/loupe/sdk/go/loupe"
)

func main() {
	os.Exit(run())
}

func run() int {
	mode := flag.String("mode", "", "retrieval mode: graph, vector, or hybrid")
	sources := flag.String("sources", "", "comma-separated source IDs")
	topK := flag.Int("top-k", 0, "maximum evidence passages")
	timeout := flag.Int("timeout", 0, "query timeout in seconds")
	showHistory := flag.Bool("history", false, "print recent questions and exit")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	slog.SetDefault(logger)

	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "loupeq: %v\n", err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := quickquery.OpenStore(cfg.HistoryPath, cfg.HistoryCapacity)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loupeq: open history: %v\n", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	if *showHistory {
		return printHistory(ctx, store)
	}

	question := strings.TrimSpace(strings.Join(flag.Args(), " "))
	if question == "" {
		fmt.Fprintln(os.Stderr, "usage: loupeq [flags] <question>")
		flag.PrintDefaults()
		return 2
	}

	client, err := sdk.NewClient(sdk.Config{
		BaseURL:  cfg.RetrievalURL,
		ClientID: cfg.RetrievalClientID,
		APIKey:   cfg.RetrievalAPIKey,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "loupeq: %v\n", err)
		return 1
	}

	engine := console.New(conversation.NewStore(), client, console.Defaults{
		SourceIDs:      cfg.DefaultSourceIDs,
		RetrievalMode:  sdk.RetrievalMode(cfg.DefaultRetrievalMode),
		TopK:           cfg.DefaultTopK,
		TimeoutSeconds: cfg.DefaultTimeoutSeconds,
	}, logger)

	opts := console.AskOptions{
		RetrievalMode:  sdk.RetrievalMode(*mode),
		TopK:           *topK,
		TimeoutSeconds: *timeout,
		Observer: sdk.Handlers{
			OnTextDelta: func(ev sdk.TextDelta) { fmt.Print(ev.Content) },
			OnStatus: func(ev sdk.Status) {
				fmt.Fprintf(os.Stderr, "[%s] %s\n", ev.Stage, ev.Message)
			},
		},
	}
	if *sources != "" {
		for _, id := range strings.Split(*sources, ",") {
			if id = strings.TrimSpace(id); id != "" {
				opts.SourceIDs = append(opts.SourceIDs, id)
			}
		}
	}

	msg, err := engine.AskAndWait(ctx, question, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "\nloupeq: %v\n", err)
		return 1
	}
	fmt.Println()

	if msg.Status == conversation.StatusFailed {
		fmt.Fprintf(os.Stderr, "loupeq: query failed: %s\n", msg.Error)
		return 1
	}

	if len(msg.Evidence) > 0 {
		fmt.Println()
		for _, ev := range msg.Evidence {
			loc := ev.FilePath
			if ev.StartLine > 0 {
				loc = fmt.Sprintf("%s:%d", ev.FilePath, ev.StartLine)
			}
			fmt.Printf("  [%d] %s %s\n", ev.Index, ev.Repo, loc)
		}
	}

	entry := quickquery.Entry{
		Question:   question,
		Answer:     msg.Content,
		Confidence: msg.Metadata.ConfidenceScore,
		AskedAt:    time.Now().UTC(),
	}
	if err := store.Add(ctx, entry); err != nil {
		fmt.Fprintf(os.Stderr, "loupeq: record history: %v\n", err)
	}

	return 0
}

func printHistory(ctx context.Context, store *quickquery.Store) int {
	entries, err := store.Recent(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loupeq: read history: %v\n", err)
		return 1
	}
	if len(entries) == 0 {
		fmt.Println("no history yet")
		return 0
	}
	for _, e := range entries {
		fmt.Printf("%s  %s\n", e.AskedAt.Local().Format("2006-01-02 15:04"), e.Question)
	}
	return 0
}
