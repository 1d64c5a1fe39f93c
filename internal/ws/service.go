package ws

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/remote-agent-terminal/relayhub/internal/auth"
	"github.com/remote-agent-terminal/relayhub/internal/config"
	"github.com/remote-agent-terminal/relayhub/internal/db"
	"github.com/remote-agent-terminal/relayhub/internal/logger"
	"github.com/remote-agent-terminal/relayhub/internal/presence"
	"github.com/remote-agent-terminal/relayhub/internal/repository"
)

// Service wires a Hub to its token policy and presence sinks and manages
// their lifecycle.
type Service struct {
	hub        *Hub
	dispatcher *presence.Dispatcher
	database   *sql.DB
	repo       *repository.PresenceRepository
	redis      *presence.RedisPublisher
	log        zerolog.Logger

	retention time.Duration

	cancel context.CancelFunc
	errCh  chan error
	pruned chan struct{}
}

const pruneInterval = time.Hour

// NewService builds the hub described by cfg. The SQLite audit log and the
// Redis mirror are only opened when configured. log is the root logger; each
// component adds its own tag.
func NewService(ctx context.Context, cfg *config.HubConfig, log zerolog.Logger) (*Service, error) {
	validator, err := auth.New(cfg.TokenPolicy, cfg.Tokens, cfg.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("invalid token policy: %w", err)
	}

	s := &Service{log: logger.Component(log, "service"), retention: cfg.PresenceRetention}

	var sinks []presence.Sink
	if cfg.DBPath != "" {
		database, err := db.Open(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		s.database = database
		s.repo = repository.NewPresenceRepository(database)
		sinks = append(sinks, s.repo)
		s.log.Info().Str("path", cfg.DBPath).Msg("presence audit log enabled")
	}
	if cfg.RedisURL != "" {
		pub, err := presence.NewRedisPublisher(ctx, cfg.RedisURL, cfg.RedisChannel)
		if err != nil {
			s.closeStores()
			return nil, err
		}
		if err := pub.Reset(ctx); err != nil {
			s.log.Warn().Err(err).Msg("failed to reset live peer hash")
		}
		s.redis = pub
		sinks = append(sinks, pub)
		s.log.Info().Str("channel", cfg.RedisChannel).Msg("presence redis mirror enabled")
	}
	if len(sinks) > 0 {
		s.dispatcher = presence.NewDispatcher(log, 0, sinks...)
	}

	s.hub = NewHub(Options{
		Validator:         validator,
		HeartbeatInterval: cfg.HeartbeatInterval,
		StaleAfter:        cfg.StaleAfter,
		PeersInterval:     cfg.PeersInterval,
		SendBuffer:        cfg.SendBuffer,
		MaxMessageSize:    cfg.MaxMessageSize,
		AllowedOrigins:    cfg.AllowedOrigins,
		Presence:          s.dispatcher,
		Logger:            log,
	})
	return s, nil
}

// Hub returns the hub.
func (s *Service) Hub() *Hub {
	return s.hub
}

// Presence returns the audit repository, or nil when no database is configured.
func (s *Service) Presence() *repository.PresenceRepository {
	return s.repo
}

// Start runs the hub in the background.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.errCh = make(chan error, 1)
	go func() {
		s.errCh <- s.hub.Run(ctx)
	}()

	if s.repo != nil && s.retention > 0 {
		s.pruned = make(chan struct{})
		go s.pruneLoop(ctx, pruneInterval)
	}
}

// pruneLoop trims the audit log to the retention window until ctx is done.
func (s *Service) pruneLoop(ctx context.Context, interval time.Duration) {
	defer close(s.pruned)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.prune(ctx, time.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.prune(ctx, now)
		}
	}
}

func (s *Service) prune(ctx context.Context, now time.Time) {
	n, err := s.repo.Prune(ctx, now.Add(-s.retention))
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to prune presence history")
		return
	}
	if n > 0 {
		s.log.Info().Int64("removed", n).Msg("presence history pruned")
	}
}

// Close stops the hub, flushes presence events and closes the stores.
func (s *Service) Close() {
	if s.cancel != nil {
		s.cancel()
		if err := <-s.errCh; err != nil {
			s.log.Error().Err(err).Msg("hub stopped with error")
		}
		if s.pruned != nil {
			<-s.pruned
		}
		s.cancel = nil
	}
	s.dispatcher.Close()
	s.closeStores()
}

func (s *Service) closeStores() {
	if s.redis != nil {
		s.redis.Close()
		s.redis = nil
	}
	if s.database != nil {
		s.database.Close()
		s.database = nil
		s.repo = nil
	}
}
