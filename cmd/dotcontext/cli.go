package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/dotsetgreg/dotcontext/pkg/api"
	"github.com/dotsetgreg/dotcontext/pkg/logger"
	"github.com/dotsetgreg/dotcontext/pkg/memory"
)

func executeCLI() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return buildRootCommand().ExecuteContext(ctx)
}

func buildRootCommand() *cobra.Command {
	var showVersion bool
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "dotcontext",
		Short: "Hybrid memory and context assembly engine for conversational agents",
		Long: strings.TrimSpace(`dotcontext keeps per-user conversation history and assembles a
token-budgeted context for every inbound turn from recent turns,
semantically similar history, and pinned summaries.

Run the HTTP service with "serve", or drive a local store directly with the
assemble, record, history, compact, and repl commands.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion()
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Config file (default ~/.dotcontext/config.json)")
	root.PersistentFlags().StringVar(&opts.profilesPath, "profiles", "", "Per-user tunables profiles file (YAML)")
	root.PersistentFlags().BoolVarP(&opts.debug, "debug", "d", false, "Enable debug logging")

	root.AddCommand(newServeCommand(opts))
	root.AddCommand(newAssembleCommand(opts))
	root.AddCommand(newRecordCommand(opts))
	root.AddCommand(newHistoryCommand(opts))
	root.AddCommand(newCompactCommand(opts))
	root.AddCommand(newClearCommand(opts))
	root.AddCommand(newReplCommand(opts))
	root.AddCommand(newVersionCommand())

	return root
}

// withService loads config, opens the engine, and tears it down after fn.
func withService(cmd *cobra.Command, opts *globalOptions, sopts serviceOptions, fn func(*service) error) error {
	cfg, err := loadRuntimeConfig(opts)
	if err != nil {
		return err
	}
	svc, err := openService(cmd.Context(), cfg, sopts)
	if err != nil {
		return err
	}
	runErr := fn(svc)
	if err := svc.Close(); err != nil {
		logger.WarnCF("service", "Shutdown reported errors", map[string]interface{}{"error": err.Error()})
	}
	return runErr
}

type conversationFlags struct {
	user         string
	conversation string
}

func (f *conversationFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.user, "user", "u", "", "User id")
	cmd.Flags().StringVarP(&f.conversation, "conversation", "C", "default", "Conversation id")
	_ = cmd.MarkFlagRequired("user")
}

func newServeCommand(opts *globalOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP context service",
		Long:  "Serve the assembly, history, and compaction API with Prometheus metrics and a background compaction sweep.",
		Example: strings.Join([]string{
			"  dotcontext serve",
			"  dotcontext serve --addr 127.0.0.1:18791 --debug",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, opts, serviceOptions{Sweep: true}, func(svc *service) error {
				listen := strings.TrimSpace(addr)
				if listen == "" {
					listen = svc.cfg.ListenAddr()
				}
				return serveHTTP(cmd.Context(), cmd.OutOrStdout(), listen, svc)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.host/server.port)")
	return cmd
}

func serveHTTP(ctx context.Context, out io.Writer, addr string, svc *service) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           api.New(svc.engine, api.SettingsResolver(svc.resolve), svc.registry).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	fmt.Fprintf(out, "✓ Context service listening on http://%s\n", addr)
	fmt.Fprintln(out, "Press Ctrl+C to stop")

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	fmt.Fprintln(out, "\nShutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	fmt.Fprintln(out, "✓ Context service stopped")
	return nil
}

func newAssembleCommand(opts *globalOptions) *cobra.Command {
	var (
		conv      conversationFlags
		query     string
		budget    int
		persist   bool
		important bool
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "assemble",
		Short: "Assemble a budgeted context for one query",
		Long:  "Assemble the context an agent would receive for a query. The query is not stored unless --record is set.",
		Example: strings.Join([]string{
			"  dotcontext assemble -u alice -q \"what did we decide about the trip?\"",
			"  dotcontext assemble -u alice -C trip -q \"hotel?\" --budget 800 --json",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, opts, serviceOptions{}, func(svc *service) error {
				if budget <= 0 {
					budget = svc.resolve(conv.user, conv.conversation).TokenBudget
				}
				ac, err := svc.engine.Assemble(cmd.Context(), memory.AssembleRequest{
					UserID:         conv.user,
					ConversationID: conv.conversation,
					Query:          query,
					TokenBudget:    budget,
					Role:           memory.RoleUser,
					Important:      important,
					Ephemeral:      !persist,
				})
				if err != nil {
					return err
				}
				if persist {
					if err := svc.engine.Flush(cmd.Context(), conv.user, conv.conversation); err != nil {
						return err
					}
				}
				return renderContext(cmd.OutOrStdout(), ac, asJSON)
			})
		},
	}
	conv.register(cmd)
	cmd.Flags().StringVarP(&query, "query", "q", "", "Inbound message to assemble context for")
	cmd.Flags().IntVarP(&budget, "budget", "b", 0, "Token budget (default from config/profile)")
	cmd.Flags().BoolVar(&persist, "record", false, "Also store the query as a user turn")
	cmd.Flags().BoolVar(&important, "important", false, "Mark the recorded turn as important")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the assembled context as JSON")
	return cmd
}

func newRecordCommand(opts *globalOptions) *cobra.Command {
	var (
		conv      conversationFlags
		role      string
		content   string
		turnID    string
		important bool
	)

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Append a turn to a conversation",
		Example: strings.Join([]string{
			"  dotcontext record -u alice -r user -m \"I'm allergic to peanuts\" --important",
			"  dotcontext record -u alice -r assistant -m \"Noted.\"",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, opts, serviceOptions{}, func(svc *service) error {
				turn, err := svc.engine.RecordTurn(cmd.Context(), memory.Turn{
					ID:             turnID,
					UserID:         conv.user,
					ConversationID: conv.conversation,
					Role:           memory.Role(strings.ToLower(strings.TrimSpace(role))),
					Content:        content,
					Important:      important,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Recorded %s turn %s (seq %d)\n", turn.Role, turn.ID, turn.Seq)
				return nil
			})
		},
	}
	conv.register(cmd)
	cmd.Flags().StringVarP(&role, "role", "r", "user", "Speaker role: user, assistant, or system")
	cmd.Flags().StringVarP(&content, "message", "m", "", "Turn content")
	cmd.Flags().StringVar(&turnID, "turn-id", "", "Idempotency key for the turn")
	cmd.Flags().BoolVar(&important, "important", false, "Pin the turn and any summary that covers it")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

func newHistoryCommand(opts *globalOptions) *cobra.Command {
	var (
		conv      conversationFlags
		afterSeq  int64
		limit     int
		summaries bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List stored turns or summaries",
		Example: strings.Join([]string{
			"  dotcontext history -u alice",
			"  dotcontext history -u alice -C trip --after 40 --limit 20",
			"  dotcontext history -u alice --summaries",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, opts, serviceOptions{}, func(svc *service) error {
				out := cmd.OutOrStdout()
				if summaries {
					list, err := svc.engine.Summaries(cmd.Context(), conv.user, conv.conversation)
					if err != nil {
						return err
					}
					if len(list) == 0 {
						fmt.Fprintln(out, "No summaries.")
					}
					for _, s := range list {
						pin := ""
						if s.Pinned {
							pin = " [pinned]"
						}
						fmt.Fprintf(out, "#%d-%d%s %s\n%s\n\n", s.RangeStartSeq, s.RangeEndSeq, pin, s.CreatedAt.Format(time.RFC3339), s.Text)
					}
					return nil
				}
				turns, err := svc.engine.History(cmd.Context(), conv.user, conv.conversation, afterSeq, limit)
				if err != nil {
					return err
				}
				if len(turns) == 0 {
					fmt.Fprintln(out, "No turns.")
				}
				for _, t := range turns {
					fmt.Fprintln(out, formatTurnLine(t))
				}
				return nil
			})
		},
	}
	conv.register(cmd)
	cmd.Flags().Int64Var(&afterSeq, "after", 0, "Only turns with seq greater than this")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum turns to list")
	cmd.Flags().BoolVar(&summaries, "summaries", false, "List summaries instead of turns")
	return cmd
}

func newCompactCommand(opts *globalOptions) *cobra.Command {
	var (
		conv  conversationFlags
		force bool
	)

	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Fold aged turns into a summary now",
		Long:  "Run one compaction pass. Without --force it only runs when the unsummarized count has reached the threshold.",
		Example: strings.Join([]string{
			"  dotcontext compact -u alice -C trip",
			"  dotcontext compact -u alice -C trip --force",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, opts, serviceOptions{}, func(svc *service) error {
				res, err := svc.engine.Compact(cmd.Context(), conv.user, conv.conversation, force)
				if err != nil {
					return err
				}
				printCompaction(cmd.OutOrStdout(), res)
				return nil
			})
		},
	}
	conv.register(cmd)
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Compact even below the threshold")
	return cmd
}

func newClearCommand(opts *globalOptions) *cobra.Command {
	var (
		conv conversationFlags
		yes  bool
	)

	cmd := &cobra.Command{
		Use:     "clear",
		Short:   "Delete a conversation's turns, summaries, and vectors",
		Example: "  dotcontext clear -u alice -C trip --yes",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to clear %s/%s without --yes", conv.user, conv.conversation)
			}
			return withService(cmd, opts, serviceOptions{}, func(svc *service) error {
				if err := svc.engine.ClearConversation(cmd.Context(), conv.user, conv.conversation); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Cleared %s/%s\n", conv.user, conv.conversation)
				return nil
			})
		},
	}
	conv.register(cmd)
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Confirm deletion")
	return cmd
}

func newReplCommand(opts *globalOptions) *cobra.Command {
	var conv conversationFlags

	cmd := &cobra.Command{
		Use:   "repl",
		Short: "Interactively record turns and inspect assembled context",
		Long: strings.TrimSpace(`Each line you type is stored as a user turn and the assembled context is
printed. Commands:
  /assistant <text>  record an assistant reply
  /important <text>  record a pinned user turn
  /history           list stored turns
  /summaries         list summaries
  /compact           force a compaction pass
  exit               quit`),
		Example: "  dotcontext repl -u alice -C scratch",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, opts, serviceOptions{}, func(svc *service) error {
				budget := svc.resolve(conv.user, conv.conversation).TokenBudget
				return interactiveMode(cmd.Context(), cmd.OutOrStdout(), svc, conv.user, conv.conversation, budget)
			})
		},
	}
	conv.register(cmd)
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show build/version metadata",
		Example: "  dotcontext version",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion()
			return nil
		},
	}
}

func interactiveMode(ctx context.Context, out io.Writer, svc *service, userID, conversationID string, budget int) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          fmt.Sprintf("%s [%s/%s]> ", appName, userID, conversationID),
		HistoryFile:     filepath.Join(os.TempDir(), ".dotcontext_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		Stdout:          out,
	})
	if err != nil {
		return fmt.Errorf("initialize readline: %w", err)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Fprintln(out, "\nGoodbye!")
				return nil
			}
			fmt.Fprintf(out, "Error reading input: %v\n", err)
			continue
		}
		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Fprintln(out, "Goodbye!")
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		if err := handleReplLine(ctx, out, svc.engine, userID, conversationID, budget, input); err != nil {
			fmt.Fprintf(out, "Error: %v\n", err)
		}
	}
}

// replEngine is what the repl drives; *memory.Engine satisfies it.
type replEngine interface {
	Assemble(ctx context.Context, req memory.AssembleRequest) (memory.AssembledContext, error)
	RecordTurn(ctx context.Context, turn memory.Turn) (memory.Turn, error)
	Flush(ctx context.Context, userID, conversationID string) error
	History(ctx context.Context, userID, conversationID string, afterSeq int64, limit int) ([]memory.Turn, error)
	Summaries(ctx context.Context, userID, conversationID string) ([]memory.Summary, error)
	Compact(ctx context.Context, userID, conversationID string, force bool) (memory.CompactionResult, error)
}

func handleReplLine(ctx context.Context, out io.Writer, engine replEngine, userID, conversationID string, budget int, input string) error {
	command, rest, _ := strings.Cut(input, " ")
	rest = strings.TrimSpace(rest)

	switch command {
	case "/assistant", "/important":
		if rest == "" {
			return fmt.Errorf("%s needs text", command)
		}
		turn := memory.Turn{UserID: userID, ConversationID: conversationID, Role: memory.RoleAssistant, Content: rest}
		if command == "/important" {
			turn.Role = memory.RoleUser
			turn.Important = true
		}
		stored, err := engine.RecordTurn(ctx, turn)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "✓ seq %d\n", stored.Seq)
		return nil
	case "/history":
		if err := engine.Flush(ctx, userID, conversationID); err != nil {
			return err
		}
		turns, err := engine.History(ctx, userID, conversationID, 0, 0)
		if err != nil {
			return err
		}
		for _, t := range turns {
			fmt.Fprintln(out, formatTurnLine(t))
		}
		return nil
	case "/summaries":
		list, err := engine.Summaries(ctx, userID, conversationID)
		if err != nil {
			return err
		}
		for _, s := range list {
			fmt.Fprintf(out, "#%d-%d %s\n", s.RangeStartSeq, s.RangeEndSeq, s.Text)
		}
		return nil
	case "/compact":
		res, err := engine.Compact(ctx, userID, conversationID, true)
		if err != nil {
			return err
		}
		printCompaction(out, res)
		return nil
	}
	if strings.HasPrefix(command, "/") {
		return fmt.Errorf("unknown command %s", command)
	}

	ac, err := engine.Assemble(ctx, memory.AssembleRequest{
		UserID:         userID,
		ConversationID: conversationID,
		Query:          input,
		TokenBudget:    budget,
		Role:           memory.RoleUser,
	})
	if err != nil {
		return err
	}
	return renderContext(out, ac, false)
}

func formatTurnLine(t memory.Turn) string {
	marks := ""
	if t.Important {
		marks += " [important]"
	}
	if t.Summarized {
		marks += " [summarized]"
	}
	return fmt.Sprintf("%4d %s %-9s%s %s", t.Seq, t.CreatedAt.Format("2006-01-02 15:04:05"), t.Role, marks, t.Content)
}

func printCompaction(out io.Writer, res memory.CompactionResult) {
	if res.Summary == nil {
		fmt.Fprintf(out, "No compaction: %s\n", res.Reason)
		return
	}
	fmt.Fprintf(out, "✓ Folded %d turns (seq %d-%d) into summary %s\n",
		res.Folded, res.Summary.RangeStartSeq, res.Summary.RangeEndSeq, res.Summary.ID)
}

type contextItemView struct {
	Ref           string  `json:"ref"`
	Role          string  `json:"role"`
	Content       string  `json:"content"`
	Tokens        int     `json:"tokens"`
	Pinned        bool    `json:"pinned,omitempty"`
	SemanticScore float64 `json:"semantic_score,omitempty"`
}

type contextView struct {
	Items       []contextItemView `json:"items"`
	TotalTokens int               `json:"total_tokens"`
	Budget      int               `json:"budget"`
	Truncated   bool              `json:"truncated"`
	Degraded    []string          `json:"degraded,omitempty"`
}

func renderContext(out io.Writer, ac memory.AssembledContext, asJSON bool) error {
	if asJSON {
		view := contextView{
			Items:       make([]contextItemView, 0, len(ac.Items)),
			TotalTokens: ac.TotalTokens,
			Budget:      ac.Budget,
			Truncated:   ac.Truncated,
			Degraded:    ac.Degraded,
		}
		for _, it := range ac.Items {
			view.Items = append(view.Items, contextItemView{
				Ref:           it.Ref.Key(),
				Role:          string(it.Role),
				Content:       it.Content,
				Tokens:        it.Tokens,
				Pinned:        it.Pinned,
				SemanticScore: it.SemanticScore,
			})
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	}

	for _, it := range ac.Items {
		pin := ""
		if it.Pinned {
			pin = "*"
		}
		fmt.Fprintf(out, "%s%-10s %-9s %4dt  %s\n", pin, it.Ref.Kind, it.Role, it.Tokens, it.Content)
	}
	status := fmt.Sprintf("%d items, %d/%d tokens", len(ac.Items), ac.TotalTokens, ac.Budget)
	if ac.Truncated {
		status += ", truncated"
	}
	if len(ac.Degraded) > 0 {
		status += ", degraded: " + strings.Join(ac.Degraded, ",")
	}
	fmt.Fprintln(out, status)
	return nil
}
