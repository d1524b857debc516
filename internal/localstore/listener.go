package localstore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"syncbridge/internal/capture"
)

//go:embed notify_trigger.sql
var notifyFunctionSQL string

const (
	minReconnect = 10 * time.Second
	maxReconnect = time.Minute
	pingInterval = 90 * time.Second
)

// InstallTriggers creates the notify function and one row trigger per table
// publishing on channel. Existing triggers are replaced.
func InstallTriggers(ctx context.Context, db *sql.DB, channel string, tables ...string) error {
	if _, err := db.ExecContext(ctx, notifyFunctionSQL); err != nil {
		return fmt.Errorf("create notify function: %w", err)
	}
	for _, table := range tables {
		name := pq.QuoteIdentifier("syncbridge_notify_" + table)
		quotedTable := pq.QuoteIdentifier(table)
		stmt := fmt.Sprintf(`
			DROP TRIGGER IF EXISTS %s ON %s;
			CREATE TRIGGER %s AFTER INSERT OR UPDATE OR DELETE ON %s
			FOR EACH ROW EXECUTE FUNCTION syncbridge_notify(%s);
		`, name, quotedTable, name, quotedTable, pq.QuoteLiteral(channel))
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("install trigger on %s: %w", table, err)
		}
	}
	return nil
}

// Listener forwards NOTIFY payloads on one channel to a change sink.
type Listener struct {
	dsn     string
	channel string
	sink    ChangeSink
	logger  *slog.Logger
}

// NewListener constructs a listener. Call Run to start receiving.
func NewListener(dsn, channel string, sink ChangeSink, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Listener{dsn: dsn, channel: channel, sink: sink, logger: logger}
}

// Run listens until ctx ends. Connection loss is retried by the driver; the
// reconnect gap may lose notifications.
func (l *Listener) Run(ctx context.Context) error {
	listener := pq.NewListener(l.dsn, minReconnect, maxReconnect, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventDisconnected:
			l.logger.WarnContext(ctx, "change listener disconnected", "error", err)
		case pq.ListenerEventReconnected:
			l.logger.InfoContext(ctx, "change listener reconnected")
		case pq.ListenerEventConnectionAttemptFailed:
			l.logger.WarnContext(ctx, "change listener reconnect failed", "error", err)
		}
	})
	defer listener.Close()

	if err := listener.Listen(l.channel); err != nil {
		return fmt.Errorf("listen on %s: %w", l.channel, err)
	}
	l.logger.InfoContext(ctx, "change listener started", "channel", l.channel)

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-listener.Notify:
			if n == nil {
				continue
			}
			l.Deliver(ctx, n.Extra)
		case <-ping.C:
			if err := listener.Ping(); err != nil {
				l.logger.WarnContext(ctx, "change listener ping failed", "error", err)
			}
		}
	}
}

// Deliver decodes one notification payload and hands it to the sink.
func (l *Listener) Deliver(ctx context.Context, payload string) bool {
	var ev capture.Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		l.logger.WarnContext(ctx, "malformed change notification",
			"channel", l.channel,
			"error", err,
		)
		return false
	}
	return l.sink.Notify(ctx, ev)
}
