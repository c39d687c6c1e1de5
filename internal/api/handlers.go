package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tOgg1/parley/internal/messaging"
	"github.com/tOgg1/parley/internal/models"
	"github.com/tOgg1/parley/internal/support"
	"github.com/tOgg1/parley/internal/threads"
)

type resolveRequest struct {
	ThreadID     string `json:"thread_id"`
	Surface      string `json:"surface"`
	ParticipantA string `json:"participant_a"`
	ParticipantB string `json:"participant_b"`
	ContextKey   string `json:"context_key"`
}

type threadSummary struct {
	*models.Thread
	Unread int `json:"unread"`
}

type postMessageRequest struct {
	Body        string `json:"body"`
	ClientMsgID string `json:"client_msg_id"`
}

type transitionRequest struct {
	Status string `json:"status"`
}

func (s *Server) resolveThread(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithStatus(c, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	// Only a party to the pair may create its thread. An explicit thread id
	// is checked against the stored seats below.
	caller := participant(c)
	if req.ThreadID == "" &&
		models.CanonicalParticipantID(req.ParticipantA) != caller &&
		models.CanonicalParticipantID(req.ParticipantB) != caller {
		abortWithError(c, fmt.Errorf("%w: %w", models.ErrResolutionFailed, models.ErrNotParticipant))
		return
	}

	thread, err := s.deps.Resolver.ResolveOrCreate(c.Request.Context(), threads.ResolveRequest{
		ThreadID:     req.ThreadID,
		Surface:      models.Surface(req.Surface),
		ParticipantA: req.ParticipantA,
		ParticipantB: req.ParticipantB,
		ContextKey:   req.ContextKey,
		RequesterID:  caller,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	if _, ok := thread.Seat(caller); !ok {
		abortWithError(c, fmt.Errorf("%w: %w", models.ErrResolutionFailed, models.ErrNotParticipant))
		return
	}
	c.JSON(http.StatusOK, thread)
}

func (s *Server) listThreads(c *gin.Context) {
	ctx := c.Request.Context()
	viewer := participant(c)

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	list, err := s.deps.Store.Threads(ctx, viewer, limit)
	if err != nil {
		abortWithError(c, err)
		return
	}

	var counts map[string]int
	if s.deps.Tracker != nil {
		counts, err = s.deps.Tracker.UnreadCounts(ctx, viewer)
	} else {
		counts, err = s.deps.Store.UnreadCounts(ctx, viewer)
	}
	if err != nil {
		abortWithError(c, err)
		return
	}

	out := make([]threadSummary, 0, len(list))
	for _, thread := range list {
		out = append(out, threadSummary{Thread: thread, Unread: counts[thread.ID]})
	}
	c.JSON(http.StatusOK, gin.H{"threads": out})
}

func (s *Server) getThread(c *gin.Context) {
	thread, ok := s.loadThread(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, thread)
}

func (s *Server) listMessages(c *gin.Context) {
	thread, ok := s.loadThread(c)
	if !ok {
		return
	}

	since, ok := sinceQuery(c)
	if !ok {
		return
	}

	msgs, err := s.deps.Store.FetchSince(c.Request.Context(), thread.ID, since)
	if err != nil {
		abortWithError(c, err)
		return
	}

	watermark := int64(0)
	if !since.IsZero() {
		watermark = since.UnixNano()
	}
	if n := len(msgs); n > 0 {
		watermark = msgs[n-1].SentAt.UnixNano()
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "watermark": watermark})
}

func (s *Server) postMessage(c *gin.Context) {
	var req postMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithStatus(c, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	msg, err := s.deps.Store.Append(c.Request.Context(), messaging.AppendRequest{
		ThreadID:    c.Param("id"),
		SenderID:    participant(c),
		Body:        req.Body,
		ClientMsgID: req.ClientMsgID,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (s *Server) markRead(c *gin.Context) {
	thread, ok := s.loadThread(c)
	if !ok {
		return
	}

	var (
		n   int64
		err error
	)
	if s.deps.Tracker != nil {
		n, err = s.deps.Tracker.OnThreadOpened(c.Request.Context(), thread.ID, participant(c))
	} else {
		n, err = s.deps.Store.MarkRead(c.Request.Context(), thread.ID, participant(c))
	}
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"marked": n})
}

func (s *Server) transition(c *gin.Context) {
	if s.deps.Machine == nil {
		abortWithStatus(c, http.StatusNotImplemented, "not_implemented", "support transitions are disabled")
		return
	}
	var req transitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithStatus(c, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	thread, err := s.deps.Machine.TransitionAs(c.Request.Context(), c.Param("id"), models.ThreadStatus(req.Status), support.Actor{
		ID:    participant(c),
		Agent: isAgent(c),
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, thread)
}

// loadThread fetches the path thread and checks the caller holds a seat.
func (s *Server) loadThread(c *gin.Context) (*models.Thread, bool) {
	thread, err := s.deps.Store.Thread(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return nil, false
	}
	if _, ok := thread.Seat(participant(c)); !ok {
		abortWithError(c, fmt.Errorf("%w: %s", models.ErrNotParticipant, participant(c)))
		return nil, false
	}
	return thread, true
}

// sinceQuery reads the optional since parameter as unix nanoseconds. Zero
// and absent both mean the start of the thread. It aborts with 400 and
// returns false when the value is malformed, negative or out of range.
func sinceQuery(c *gin.Context) (time.Time, bool) {
	raw := c.Query("since")
	if raw == "" {
		return time.Time{}, true
	}
	ns, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ns < 0 {
		abortWithStatus(c, http.StatusBadRequest, "bad_request", "since must be unix nanoseconds")
		return time.Time{}, false
	}
	if ns == 0 {
		return time.Time{}, true
	}
	return time.Unix(0, ns).UTC(), true
}
