package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/tOgg1/parley/internal/delivery"
	"github.com/tOgg1/parley/internal/logging"
	"github.com/tOgg1/parley/internal/models"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = streamPongWait * 9 / 10
	streamBacklog    = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// streamFrame is one server-to-client WebSocket message.
type streamFrame struct {
	Type      string           `json:"type"`
	ThreadID  string           `json:"thread_id"`
	Messages  []models.Message `json:"messages"`
	Watermark int64            `json:"watermark"`
}

// streamFeed joins a delivery subscription to the socket writer through a
// bounded queue.
type streamFeed struct {
	ctx     context.Context
	cancel  context.CancelFunc
	batches chan []models.Message
	sub     *delivery.Subscription
}

func (s *Server) openFeed(parent context.Context, threadID string, backlog int, opts ...delivery.SubscribeOption) (*streamFeed, error) {
	ctx, cancel := context.WithCancel(parent)
	f := &streamFeed{
		ctx:     ctx,
		cancel:  cancel,
		batches: make(chan []models.Message, backlog),
	}
	sub, err := s.deps.Poller.Subscribe(ctx, threadID, f.push, opts...)
	if err != nil {
		cancel()
		return nil, err
	}
	f.sub = sub
	return f, nil
}

// push runs on the subscription goroutine and gives up once the feed closes.
func (f *streamFeed) push(msgs []models.Message) {
	select {
	case f.batches <- msgs:
	case <-f.ctx.Done():
	}
}

// close releases a push blocked on a full queue, then waits for the
// subscription to exit.
func (f *streamFeed) close() {
	f.cancel()
	f.sub.Cancel()
}

// stream upgrades to a WebSocket and pushes every batch the viewer's
// subscription merges. Closing the socket cancels the subscription.
func (s *Server) stream(c *gin.Context) {
	thread, ok := s.loadThread(c)
	if !ok {
		return
	}
	since, ok := sinceQuery(c)
	if !ok {
		return
	}
	viewer := participant(c)
	logger := logging.WithThread(logging.FromContext(c.Request.Context()), thread.ID)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	opts := []delivery.SubscribeOption{}
	if !since.IsZero() {
		opts = append(opts, delivery.WithWatermark(since))
	}
	if s.deps.Tracker != nil {
		opts = append(opts, delivery.WithReadReceipts(s.deps.Tracker, viewer))
	}
	feed, err := s.openFeed(c.Request.Context(), thread.ID, streamBacklog, opts...)
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed"), time.Now().Add(streamWriteWait))
		return
	}
	defer feed.close()

	// Reader: only control frames are expected; any error ends the stream.
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	go func() {
		defer feed.cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-feed.ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(streamWriteWait))
			return
		case msgs := <-feed.batches:
			frame := streamFrame{
				Type:      "messages",
				ThreadID:  thread.ID,
				Messages:  msgs,
				Watermark: feed.sub.Watermark().UnixNano(),
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(frame); err != nil {
				logger.Debug().Err(err).Msg("websocket write failed")
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		}
	}
}
