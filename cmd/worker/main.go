package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rollcall/internal/analytics"
	"rollcall/internal/config"
	"rollcall/internal/credential"
	"rollcall/internal/queue"
	"rollcall/internal/session"
	"rollcall/internal/store"
)

// Worker runs the background loops: queued recompute jobs, the nightly
// recompute, and the scheduled-session auto-start tick.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	st, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("store connect failed: %v", err)
	}
	defer st.Close()

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(queue.NewRedisClient(cfg.RedisAddr), "")
	}

	engine := analytics.NewEngine(st, cfg.StudentBatchSize)
	sessions := session.NewService(st, credential.New(cfg.CommitSecret))

	go runScheduleTick(ctx, st, sessions, cfg.ScheduleTick)
	go runNightlyRecompute(ctx, engine, cfg.NightlyRecompute, cfg.RecomputeWindow)

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("worker started, waiting for messages...")
	for msg := range messages {
		if msg.Type != queue.TypeRecompute {
			log.Printf("skipping unknown message type %q", msg.Type)
			continue
		}
		job, err := queue.ParseRecomputeJob(msg)
		if err != nil {
			log.Printf("bad recompute job: %v", err)
			continue
		}
		runRecompute(ctx, engine, job.Days)
	}

	log.Println("worker stopped")
}

func openStore(ctx context.Context, cfg config.App) (store.Store, error) {
	if cfg.StoreBackend == "memory" {
		log.Println("using in-memory store")
		return store.NewMemory(), nil
	}
	return store.NewPostgres(ctx, cfg.DatabaseURL)
}

func runRecompute(ctx context.Context, engine *analytics.Engine, days int) {
	started := time.Now()
	modules, err := engine.Recompute(ctx, days)
	if err != nil {
		log.Printf("recompute over %d days failed: %v", days, err)
		return
	}
	log.Printf("recompute over %d days done: %d module(s) in %s", days, modules, time.Since(started).Round(time.Millisecond))
}

// runNightlyRecompute rebuilds analytics on a fixed interval regardless of
// queued jobs, so drifted incremental stats always converge.
func runNightlyRecompute(ctx context.Context, engine *analytics.Engine, every time.Duration, windowDays int) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			runRecompute(ctx, engine, windowDays)
		case <-ctx.Done():
			return
		}
	}
}

// runScheduleTick starts queued sessions whose scheduled time has arrived.
// A failure on one schedule is logged and skipped so the rest still start.
func runScheduleTick(ctx context.Context, st store.Store, sessions *session.Service, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			startDueSchedules(ctx, st, sessions)
		case <-ctx.Done():
			return
		}
	}
}

func startDueSchedules(ctx context.Context, st store.Store, sessions *session.Service) {
	due, err := st.DueSchedules(ctx, time.Now())
	if err != nil {
		log.Printf("schedule scan failed: %v", err)
		return
	}
	for _, sched := range due {
		res, err := sessions.CreateFromSchedule(ctx, sched)
		if err != nil {
			log.Printf("auto-start of schedule %s failed: %v", sched.ID, err)
			continue
		}
		if err := st.MarkScheduleStarted(ctx, sched.ID, res.SessionID, time.Now()); err != nil {
			log.Printf("marking schedule %s started failed: %v", sched.ID, err)
			continue
		}
		log.Printf("schedule %s started session %s", sched.ID, res.SessionID)
	}
}
