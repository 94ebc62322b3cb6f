package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/knoguchi/ragengine/internal/auth"
	"github.com/knoguchi/ragengine/internal/ingestion"
	"github.com/knoguchi/ragengine/internal/repository"
)

func newApp() *cli.App {
	return &cli.App{
		Name:  "ragctl",
		Usage: "Query and feed a ragd retrieval engine",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Aliases: []string{"s"},
				Usage:   "ragd base URL",
				Value:   "http://localhost:8080",
				EnvVars: []string{"RAGCTL_SERVER"},
			},
			&cli.StringFlag{
				Name:    "api-key",
				Usage:   "API key sent as X-API-Key",
				EnvVars: []string{"RAG_API_KEY"},
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "Bearer token",
				EnvVars: []string{"RAG_TOKEN"},
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Request timeout",
				Value: 5 * time.Minute,
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
				Value:   "warn",
			},
		},
		Before: setupLogger,
		Commands: []*cli.Command{
			{
				Name:      "search",
				Usage:     "Retrieve and rerank chunks without generating an answer",
				ArgsUsage: "<query>",
				Action:    searchCommand,
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "top-k", Aliases: []string{"k"}, Usage: "Results to return (0 sizes from the query)"},
					&cli.BoolFlag{Name: "documents", Usage: "Group hits by document"},
					&cli.IntFlag{Name: "max-chunks", Usage: "Chunks aggregated in document mode"},
				},
			},
			{
				Name:      "ask",
				Usage:     "Answer a question from one retrieval round",
				ArgsUsage: "<question>",
				Action:    askCommand("/v1/ask"),
				Flags:     askFlags(),
			},
			{
				Name:      "ask-iterative",
				Usage:     "Answer a question with confidence-driven retrieval rounds",
				ArgsUsage: "<question>",
				Action:    askCommand("/v1/ask-iterative"),
				Flags:     askFlags(),
			},
			{
				Name:      "research",
				Usage:     "Decompose a question, answer each part and synthesize a report",
				ArgsUsage: "<question>",
				Action:    researchCommand,
			},
			{
				Name:      "ingest",
				Usage:     "Submit text files as one ingestion job",
				ArgsUsage: "<file>...",
				Action:    ingestCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "link-prefix", Usage: "Prefix joined with each file name to form its link"},
					&cli.BoolFlag{Name: "wait", Aliases: []string{"w"}, Usage: "Poll until the job finishes"},
					&cli.DurationFlag{Name: "poll-interval", Usage: "Status poll interval", Value: 2 * time.Second},
				},
			},
			{
				Name:      "job",
				Usage:     "Show an ingestion job",
				ArgsUsage: "<job-id>",
				Action:    jobCommand,
			},
			{
				Name:   "token",
				Usage:  "Mint a bearer token signed with the server's JWT secret",
				Action: tokenCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "secret", Usage: "JWT signing secret", EnvVars: []string{"JWT_SECRET"}, Required: true},
					&cli.StringFlag{Name: "subject", Usage: "Token subject", Required: true},
					&cli.StringFlag{Name: "name", Usage: "Client display name"},
					&cli.DurationFlag{Name: "expiry", Usage: "Token lifetime", Value: 24 * time.Hour},
				},
			},
		},
	}
}

func askFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{Name: "multi-query", Usage: "Expand the question into rephrasings (server default when unset)"},
		&cli.BoolFlag{Name: "hyde", Usage: "Add a hypothetical answer as a query (server default when unset)"},
		&cli.IntFlag{Name: "top-k", Aliases: []string{"k"}, Usage: "Sources handed to generation (0 sizes from the query)"},
	}
}

func setupLogger(c *cli.Context) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.String("log-level"))); err != nil {
		return fmt.Errorf("invalid log level %q", c.String("log-level"))
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return nil
}

func queryArg(c *cli.Context) (string, error) {
	q := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
	if q == "" {
		return "", fmt.Errorf("%s: a query is required", c.Command.Name)
	}
	return q, nil
}

func searchCommand(c *cli.Context) error {
	q, err := queryArg(c)
	if err != nil {
		return err
	}
	body := map[string]any{
		"query":          q,
		"top_k":          c.Int("top-k"),
		"document_level": c.Bool("documents"),
		"max_chunks":     c.Int("max-chunks"),
	}
	return postAndPrint(c, "/v1/search", body)
}

func askCommand(path string) cli.ActionFunc {
	return func(c *cli.Context) error {
		q, err := queryArg(c)
		if err != nil {
			return err
		}
		body := map[string]any{"query": q, "top_k": c.Int("top-k")}
		// Unset switches are left out so the server applies its defaults.
		if c.IsSet("multi-query") {
			body["multi_query"] = c.Bool("multi-query")
		}
		if c.IsSet("hyde") {
			body["hyde"] = c.Bool("hyde")
		}
		return postAndPrint(c, path, body)
	}
}

func researchCommand(c *cli.Context) error {
	q, err := queryArg(c)
	if err != nil {
		return err
	}
	return postAndPrint(c, "/v1/research", map[string]any{"query": q})
}

func ingestCommand(c *cli.Context) error {
	if c.NArg() == 0 {
		return fmt.Errorf("ingest: at least one file is required")
	}
	docs := make([]ingestion.Document, 0, c.NArg())
	for _, path := range c.Args().Slice() {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		name := filepath.Base(path)
		doc := ingestion.Document{Name: name, Text: string(data)}
		if prefix := c.String("link-prefix"); prefix != "" {
			doc.Link = strings.TrimSuffix(prefix, "/") + "/" + name
		}
		docs = append(docs, doc)
	}

	client := newClient(c)
	var job repository.IngestJob
	if err := client.post(c.Context, "/v1/ingest/jobs", map[string]any{"documents": docs}, &job); err != nil {
		return err
	}
	slog.Info("ingest job submitted", "job_id", job.ID, "documents", len(docs))

	if c.Bool("wait") {
		final, err := client.waitJob(c.Context, job.ID.String(), c.Duration("poll-interval"))
		if err != nil {
			return err
		}
		job = *final
	}
	return printJSON(c, job)
}

func jobCommand(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("job: exactly one job id is required")
	}
	var job repository.IngestJob
	if err := newClient(c).get(c.Context, "/v1/ingest/jobs/"+c.Args().First(), &job); err != nil {
		return err
	}
	return printJSON(c, job)
}

func tokenCommand(c *cli.Context) error {
	cfg := auth.DefaultJWTConfig(c.String("secret"))
	cfg.Expiry = c.Duration("expiry")
	token, err := auth.NewJWTManager(cfg).GenerateToken(c.String("subject"), c.String("name"))
	if err != nil {
		return fmt.Errorf("failed to mint token: %w", err)
	}
	_, err = fmt.Fprintln(c.App.Writer, token)
	return err
}

func postAndPrint(c *cli.Context, path string, body any) error {
	var out json.RawMessage
	if err := newClient(c).post(c.Context, path, body, &out); err != nil {
		return err
	}
	return printJSON(c, out)
}

func printJSON(c *cli.Context, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return err
	}
	buf.WriteByte('\n')
	_, err = c.App.Writer.Write(buf.Bytes())
	return err
}

// contextOrBackground guards against actions invoked without a context.
func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
