package app

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-sync/internal/chatsync"
	"github.com/vovakirdan/wirechat-sync/internal/config"
	"github.com/vovakirdan/wirechat-sync/internal/core"
	"github.com/vovakirdan/wirechat-sync/internal/metrics"
	"github.com/vovakirdan/wirechat-sync/internal/remote"
)

// Client is a sync engine connected to a remote server.
type Client struct {
	Engine *chatsync.Engine
	feed   *remote.Bus
	log    *zerolog.Logger
}

// NewClient wires the engine to the server named in cfg.Client. onChange is
// forwarded to the engine and may be nil.
func NewClient(cfg config.Config, onChange func(core.ChannelKey), logger *zerolog.Logger) (*Client, error) {
	if err := cfg.ValidateClient(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cc := cfg.Client

	feed, err := remote.NewBus(cc.ServerURL, cc.UserID, logger)
	if err != nil {
		return nil, fmt.Errorf("init feed: %w", err)
	}
	persistence := remote.NewPersistence(cc.ServerURL, cc.UserID, cc.RequestTimeout, logger)
	if cc.Token != "" {
		feed.WithToken(cc.Token)
		persistence.WithToken(cc.Token)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	engine := chatsync.New(persistence, feed, chatsync.Options{
		UserID:            cc.UserID,
		PageSize:          cc.PageSize,
		FetchRetries:      cc.FetchRetries,
		FetchRetryDelay:   cc.FetchRetryDelay,
		ReconnectAttempts: cc.ReconnectAttempts,
		ReconnectDelay:    cc.ReconnectDelay,
		OnChange:          onChange,
		Logger:            logger,
		Metrics:           m,
	})

	logger.Info().Str("server", cc.ServerURL).Str("user", cc.UserID).Msg("client initialized")
	return &Client{Engine: engine, feed: feed, log: logger}, nil
}

// Close disposes every channel and the feed connection.
func (c *Client) Close() {
	c.Engine.Close()
	if err := c.feed.Close(); err != nil {
		c.log.Debug().Err(err).Msg("feed close")
	}
}
