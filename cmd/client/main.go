package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"barkingtalk/internal/callflow"
	"barkingtalk/internal/collaborators"
	"barkingtalk/internal/config"
	"barkingtalk/internal/handoff"
	"barkingtalk/internal/media"
	"barkingtalk/internal/metrics"
	"barkingtalk/internal/models"
	"barkingtalk/internal/queue"
	"barkingtalk/internal/review"
	"barkingtalk/internal/rtc"
	"barkingtalk/internal/transcription"
	"barkingtalk/internal/utils"
)

type callOptions struct {
	participant models.Participant
	question    string
	answer      string
	duration    time.Duration
	rate        int
	language    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "barkingtalk-client",
		Short:        "Headless participant for group voice calls",
		SilenceUsage: true,
	}
	root.AddCommand(newCallCmd(), newInterestsCmd())
	return root
}

func newCallCmd() *cobra.Command {
	opts := &callOptions{}
	cmd := &cobra.Command{
		Use:   "call",
		Short: "Queue for a match, take the call, then review the other participants",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.participant.ID == "" {
				opts.participant.ID = uuid.New().String()
			}
			return runCall(cmd.Context(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.participant.ID, "id", "", "participant id (random when empty)")
	f.StringVar(&opts.participant.Nickname, "nickname", "", "display name")
	f.StringSliceVar(&opts.participant.Interests, "interests", nil, "comma-separated interests")
	f.StringVar(&opts.participant.MBTI, "mbti", "", "MBTI type")
	f.StringVar(&opts.question, "question", "", "question announced with the ticket")
	f.StringVar(&opts.answer, "answer", "", "answer announced with the ticket")
	f.DurationVar(&opts.duration, "duration", 2*time.Minute, "hang up after this long")
	f.IntVar(&opts.rate, "rate", 0, "rate everyone with this score instead of asking (1-5)")
	f.StringVar(&opts.language, "language", "ko-KR", "recognition language")
	cmd.MarkFlagRequired("nickname")
	return cmd
}

func newInterestsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "interests",
		Short: "Print the most popular interests",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger, err := utils.NewLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync()

			api := collaborators.New(cfg.APIBaseURL, logger, collaborators.WithAuthToken(cfg.AuthToken))
			interests, err := api.GetTopInterests(cmd.Context())
			if err != nil {
				return err
			}
			for i, interest := range interests {
				fmt.Fprintf(cmd.OutOrStdout(), "%d. %s\n", i+1, interest)
			}
			return nil
		},
	}
}

func runCall(parent context.Context, opts *callOptions) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if opts.rate != 0 && (opts.rate < review.MinRating || opts.rate > review.MaxRating) {
		return fmt.Errorf("--rate must be between %d and %d", review.MinRating, review.MaxRating)
	}

	logger, err := utils.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()
	logger = logger.With(zap.String("participantId", opts.participant.ID))

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, logger)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	store := handoff.NewStore(rdb, opts.participant.ID, cfg.HandoffTTL)

	api := collaborators.New(cfg.APIBaseURL, logger, collaborators.WithAuthToken(cfg.AuthToken))

	participant := opts.participant
	if top, err := api.GetTopInterests(ctx); err != nil {
		logger.Warn("Could not fetch top interests", zap.Error(err))
	} else {
		participant.AIInterests = top
	}

	authHeader := http.Header{}
	if cfg.AuthToken != "" {
		authHeader.Set("Authorization", "Bearer "+cfg.AuthToken)
	}

	// set by Join and read after the call on the same goroutine
	var pipeline *transcription.Pipeline

	nav := callflow.NewNavigator(16, logger)
	provider := rtc.NewProvider(cfg, participant.ID, logger)

	deps := callflow.Deps{
		Handoff: store,
		NewQueue: func() callflow.Queue {
			return queue.NewClient(cfg.QueueURL, store, logger,
				queue.WithHeader(authHeader),
				queue.WithUpdateHook(func(t models.QueueTicket) {
					if t.State == models.QueueQueued {
						fmt.Printf("waiting... %d in queue\n", t.QueueLength)
					}
				}))
		},
		NewCall: func() callflow.Call {
			return media.NewOrchestrator(participant.ID, media.Deps{
				Tokens:   api,
				Provider: provider,
				Ender:    api,
				Handoff:  store,
				Topics:   api,
				Transcribers: func(local media.LocalStream) media.Transcriber {
					engine := transcription.NewWSEngine(cfg.STTURL, authHeader, opts.language, local)
					pipeline = transcription.NewPipeline(engine, api, participant.ID, logger,
						transcription.WithBackoff(cfg.RestartBackoffBase, cfg.RestartBackoffMax),
						transcription.WithSegmentHook(func(ev models.TranscriptEvent) {
							fmt.Printf("[me] %s\n", ev.Text)
						}))
					return pipeline
				},
				Navigator: nav,
			}, logger)
		},
		Review: review.NewCorrelator(participant.ID, store, api, review.WriterSpeaker{W: os.Stdout, PerWord: 300 * time.Millisecond}, nav, logger),
		Rater:  newRater(participant.ID, opts.rate, os.Stdin, os.Stdout),
		InCall: func(ctx context.Context, call callflow.Call) (err error) {
			fmt.Printf("in call, hanging up in %s (Ctrl-C to leave now)\n", opts.duration)
			if topics, err := call.RecommendTopics(ctx); err == nil && len(topics) > 0 {
				fmt.Printf("try talking about: %s\n", strings.Join(topics, ", "))
			}
			t := time.NewTimer(opts.duration)
			defer t.Stop()
			select {
			case <-ctx.Done():
				err = ctx.Err()
			case <-t.C:
			}
			if pipeline != nil {
				printTranscript(os.Stdout, pipeline.Transcript())
			}
			return err
		},
		ShowReview: func(s callflow.Summary) { printSummary(os.Stdout, s) },
	}

	cycle := callflow.NewCycle(participant, deps, nav, cfg.ReviewPromptTimeout, logger)
	err = cycle.Run(ctx, opts.question, opts.answer)
	switch {
	case err == nil:
		fmt.Println("call cycle complete")
		return nil
	case errors.Is(err, callflow.ErrReviewExpired):
		fmt.Println("review skipped")
		return nil
	case errors.Is(err, context.Canceled):
		fmt.Println("left the queue")
		return nil
	default:
		return err
	}
}

func serveMetrics(addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	logger.Info("Metrics listening", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("Metrics server stopped", zap.Error(err))
	}
}
