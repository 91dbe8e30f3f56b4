package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/go-co-op/gocron/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/velotype/velotype/internal/api"
	"github.com/velotype/velotype/internal/event"
	"github.com/velotype/velotype/internal/leaderboard"
	"github.com/velotype/velotype/internal/match"
	"github.com/velotype/velotype/internal/race"
	"github.com/velotype/velotype/internal/telemetry"
	"github.com/velotype/velotype/internal/tournament"
	"github.com/velotype/velotype/internal/ws"
)

type Config struct {
	HTTP struct {
		Port int32
		// AdminPort serves metrics and pprof, separate from player traffic.
		AdminPort int32
	}

	Redis struct {
		Tournaments struct {
			Addrs  []string
			Pass   string
			Prefix string
		}
	}

	Postgres struct {
		Stats struct {
			Addr string
			User string
			Pass string
			Name string
		}
	}

	Race struct {
		// SweepIntervalSeconds is how often abandoned rooms are collected.
		SweepIntervalSeconds int
		// MaxRoomAgeSeconds is how long a waiting room may sit unstarted.
		MaxRoomAgeSeconds int
	}

	Leaderboard struct {
		// Timezone anchors daily/weekly/monthly window boundaries.
		Timezone string
	}
}

type Server struct {
	c Config

	eb *event.Bus

	infra struct {
		redis    redis.UniversalClient
		postgres *pgxpool.Pool
	}

	service struct {
		rooms       *race.Manager
		tournament  *tournament.Service
		match       *match.Service
		leaderboard *leaderboard.Service
	}

	http      *http.Server
	admin     *http.Server
	scheduler gocron.Scheduler
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}

	s.eb = event.NewBus()

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	if err := s.initService(); err != nil {
		return nil, fmt.Errorf("server: init service: %w", err)
	}

	s.initAPI()

	if err := s.initScheduler(); err != nil {
		return nil, fmt.Errorf("server: init scheduler: %w", err)
	}

	return s, nil
}

func (s *Server) initInfra() error {
	if err := s.initRedis(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if err := s.initPostgres(); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	return nil
}

func (s *Server) initRedis() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	r := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    s.c.Redis.Tournaments.Addrs,
		Password: s.c.Redis.Tournaments.Pass,
	})

	if err := telemetry.MonitorRedis(r); err != nil {
		return err
	}

	if err := r.Ping(ctx).Err(); err != nil {
		return err
	}

	s.infra.redis = r
	return nil
}

func (s *Server) initPostgres() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pg := s.c.Postgres.Stats
	cc, err := pgxpool.ParseConfig(fmt.Sprintf("postgres://%s:%s@%s/%s", pg.User, pg.Pass, pg.Addr, pg.Name))
	if err != nil {
		return err
	}

	db, err := pgxpool.NewWithConfig(ctx, cc)
	if err != nil {
		return err
	}

	if err := db.Ping(ctx); err != nil {
		return err
	}

	s.infra.postgres = db
	return nil
}

func (s *Server) initService() error {
	s.service.rooms = race.NewManager(race.ManagerConfig{
		EventBus: s.eb,
	})

	s.service.tournament = tournament.NewService(tournament.Config{
		EventBus: s.eb,
		Redis:    s.infra.redis,
		Prefix:   s.c.Redis.Tournaments.Prefix,
	})

	s.service.match = match.NewService(match.Config{
		EventBus: s.eb,
		DB:       s.infra.postgres,
	})

	loc := time.Local
	if tz := s.c.Leaderboard.Timezone; tz != "" {
		var err error
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("leaderboard timezone: %w", err)
		}
	}

	s.service.leaderboard = leaderboard.NewService(leaderboard.Config{
		DB:       s.infra.postgres,
		Location: loc,
	})

	return nil
}

func (s *Server) initAPI() {
	e := gin.New()
	e.Use(gin.Recovery())

	api.New(api.Config{
		Engine:      e,
		Tournament:  s.service.tournament,
		Leaderboard: s.service.leaderboard,
		Match:       s.service.match,
		Rooms:       s.service.rooms,
		Gateway:     ws.NewGateway(ws.Config{Manager: s.service.rooms}),
	})

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}

	a := gin.New()
	a.Use(gin.Recovery())
	a.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(a, "/debug/pprof")

	s.admin = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.AdminPort),
		Handler:           a,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

// initScheduler arms the janitor that evicts finished and abandoned rooms.
func (s *Server) initScheduler() error {
	interval := time.Duration(s.c.Race.SweepIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}

	maxAge := time.Duration(s.c.Race.MaxRoomAgeSeconds) * time.Second
	if maxAge <= 0 {
		maxAge = 30 * time.Minute
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		return err
	}

	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			s.service.rooms.Sweep(maxAge)
		}),
	)
	if err != nil {
		return err
	}

	s.scheduler = sched
	return nil
}

func (s *Server) Start() {
	ctx := context.TODO()

	s.scheduler.Start()

	var eg errgroup.Group
	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: admin listening on port %d", s.c.HTTP.AdminPort))
		if err := s.admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if err := eg.Wait(); err != nil {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	if err := s.admin.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown admin failed", "error", err)
	}

	if err := s.scheduler.Shutdown(); err != nil {
		slog.ErrorContext(ctx, "server: shutdown scheduler failed", "error", err)
	}

	s.eb.Stop()
	s.infra.postgres.Close()
	if err := s.infra.redis.Close(); err != nil {
		slog.ErrorContext(ctx, "server: close redis failed", "error", err)
	}

	slog.InfoContext(ctx, "server: shutdown completed")
}
