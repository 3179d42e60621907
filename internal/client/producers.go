package client

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/taskgate/internal/broadcast"
	"github.com/basket/taskgate/internal/task"
)

// Producer feeds server-side change events to a handler until the
// context ends. The WebSocket producer and the poller are
// interchangeable; the reconciler does not care which one runs.
type Producer interface {
	Run(ctx context.Context, fn func(broadcast.Event)) error
}

// WSProducer streams events from the gateway's /ws endpoint.
type WSProducer struct {
	BaseURL string
	APIKey  string
	Logger  *slog.Logger
}

func (p *WSProducer) Run(ctx context.Context, fn func(broadcast.Event)) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	wsURL := strings.Replace(p.BaseURL, "http", "ws", 1) + "/ws"
	header := http.Header{}
	if p.APIKey != "" {
		header.Set("Authorization", "Bearer "+p.APIKey)
	}

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	for {
		var ev broadcast.Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Debug("ws producer: read failed", "error", err)
			return err
		}
		fn(ev)
	}
}

// Poller approximates the event stream by listing tasks periodically
// and emitting synthetic events for anything that changed. It is the
// fallback for environments where a WebSocket cannot be held open.
type Poller struct {
	Client   *Client
	Interval time.Duration
	Logger   *slog.Logger

	seen map[string]time.Time
}

func (p *Poller) Run(ctx context.Context, fn func(broadcast.Event)) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := p.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	p.seen = make(map[string]time.Time)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := p.poll(ctx, fn); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Debug("poller: list failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Poller) poll(ctx context.Context, fn func(broadcast.Event)) error {
	// Fetch every page before diffing. Deletions are inferred from
	// absence, so a partial listing would report live tasks that merely
	// fell off page one as deleted.
	const pageSize = 200
	var tasks []task.Task
	for page := 1; ; page++ {
		batch, total, err := p.Client.ListTasks(ctx, ListOptions{Page: page, Limit: pageSize})
		if err != nil {
			return err
		}
		tasks = append(tasks, batch...)
		if len(batch) == 0 || len(tasks) >= total {
			break
		}
	}

	current := make(map[string]time.Time, len(tasks))
	for i := range tasks {
		t := tasks[i]
		current[t.ID] = t.UpdatedAt
		prev, known := p.seen[t.ID]
		switch {
		case !known:
			fn(p.syntheticEvent(broadcast.EventTaskCreated, &t))
		case t.UpdatedAt.After(prev):
			fn(p.syntheticEvent(broadcast.EventTaskUpdated, &t))
		}
	}
	for id := range p.seen {
		if _, still := current[id]; !still {
			fn(broadcast.Event{
				Type:      broadcast.EventTaskDeleted,
				TaskID:    id,
				Timestamp: time.Now().UTC(),
			})
		}
	}
	p.seen = current
	return nil
}

func (p *Poller) syntheticEvent(evType broadcast.EventType, t *task.Task) broadcast.Event {
	clone := t.Clone()
	return broadcast.Event{
		Type:      evType,
		Task:      &clone,
		TaskID:    t.ID,
		OwnerID:   t.CreatedByID,
		Timestamp: time.Now().UTC(),
	}
}
