package atlas

import (
	"context"
	"time"

	"github.com/atlas-command/edge-agent/internal/logger"
)

// Poller drains the backend command queue on a fixed interval. It runs
// beside the pipeline and never blocks it; handlers execute on the poller
// goroutine. Every fetched command is acknowledged, expired ones are acked
// without running.
type Poller struct {
	client  *Client
	every   time.Duration
	handler func(Command)
}

// NewPoller builds a poller calling handler for each live command.
func NewPoller(client *Client, every time.Duration, handler func(Command)) *Poller {
	return &Poller{client: client, every: every, handler: handler}
}

// Run polls until the context is canceled.
func (p *Poller) Run(ctx context.Context) {
	t := time.NewTicker(p.every)
	defer t.Stop()

	logger.Info("atlas", "command poller running every %v", p.every)
	for {
		select {
		case <-ctx.Done():
			logger.Info("atlas", "command poller stopped")
			return
		case <-t.C:
			p.poll(ctx)
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	cmds, err := p.client.FetchCommands(ctx)
	if err != nil {
		logger.Warn("atlas", "command poll: %v", err)
		return
	}

	for _, cmd := range cmds {
		if cmd.Expired(time.Now()) {
			logger.Debug("atlas", "command %d (%s) expired, acking unhandled", cmd.Index, cmd.Type)
		} else {
			p.handler(cmd)
		}
		if err := p.client.AckCommand(ctx, cmd.Index); err != nil {
			logger.Warn("atlas", "ack command %d: %v", cmd.Index, err)
		}
	}
}
