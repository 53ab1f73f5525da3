package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/relaychat/internal/relaychat"
)

const notifyWriteTimeout = 5 * time.Second

// Notifier pushes banners to agent dashboards over websockets. Delivery is
// best-effort: a dashboard that is not connected simply misses the banner.
type Notifier struct {
	logger *slog.Logger

	mu   sync.Mutex
	next int
	subs map[int]*subscriber
}

type subscriber struct {
	tenantID string
	conn     *websocket.Conn
}

func NewNotifier(logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		logger: logger,
		subs:   map[int]*subscriber{},
	}
}

// Serve upgrades the request and holds the connection open until the client
// goes away. tenantID scopes which banners this subscriber receives.
func (n *Notifier) Serve(w http.ResponseWriter, r *http.Request, tenantID string) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		n.logger.Warn("notification stream accept failed", slog.Any("error", err))
		return
	}

	n.mu.Lock()
	id := n.next
	n.next++
	n.subs[id] = &subscriber{tenantID: tenantID, conn: conn}
	n.mu.Unlock()

	defer func() {
		n.mu.Lock()
		delete(n.subs, id)
		n.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	// The stream is write-only; CloseRead surfaces the client hanging up.
	ctx := conn.CloseRead(r.Context())
	<-ctx.Done()
}

// NotifyBanner implements relaychat.BannerNotifier.
func (n *Notifier) NotifyBanner(ctx context.Context, banner relaychat.Banner) error {
	n.mu.Lock()
	targets := make([]*subscriber, 0, len(n.subs))
	for _, sub := range n.subs {
		if sub.tenantID == "" || sub.tenantID == banner.TenantID {
			targets = append(targets, sub)
		}
	}
	n.mu.Unlock()

	for _, sub := range targets {
		writeCtx, cancel := context.WithTimeout(ctx, notifyWriteTimeout)
		err := wsjson.Write(writeCtx, sub.conn, banner)
		cancel()
		if err != nil {
			n.logger.Warn("banner delivery failed",
				slog.String("tenantId", banner.TenantID),
				slog.Any("error", err),
			)
		}
	}
	return nil
}
