package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/aridsondez/pubsub-delivery/internal/queue"
	"github.com/aridsondez/pubsub-delivery/internal/queue/store"
)

// Endpoints records where each subscription's messages are delivered.
type Endpoints interface {
	Register(key, url string)
	Unregister(key string)
	Endpoint(key string) (string, bool)
}

type Server struct {
	registry  *queue.Registry
	store     store.Store
	endpoints Endpoints
	logger    *zap.Logger
	addr      string
	timeout   time.Duration
}

func NewServer(addr string, reg *queue.Registry, s store.Store, eps Endpoints, logger *zap.Logger) *http.Server {
	srv := &Server{
		registry:  reg,
		store:     s,
		endpoints: eps,
		logger:    logger,
		addr:      addr,
		timeout:   5 * time.Second,
	}

	return &http.Server{
		Addr:    srv.addr,
		Handler: srv.Routes(),
	}
}

// Routes returns the HTTP handler for the API.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.timeout))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		// subscribe: PUT /v1/subscriptions/{key}
		r.Put("/subscriptions/{key}", s.handleSubscribe)

		// inspect: GET /v1/subscriptions/{key}
		r.Get("/subscriptions/{key}", s.handleGetSubscription)

		// unsubscribe: DELETE /v1/subscriptions/{key}
		r.Delete("/subscriptions/{key}", s.handleUnsubscribe)

		// publish: POST /v1/publish
		r.Post("/publish", s.handlePublish)
	})

	return r
}

type subscribeRequest struct {
	Endpoint string `json:"endpoint"`
}

type subscriptionResponse struct {
	Key      string `json:"sub_key"`
	Endpoint string `json:"endpoint,omitempty"`
	Pending  int    `json:"pending"`
	State    string `json:"state"`
}

type publishMessage struct {
	ID              string          `json:"pub_msg_id,omitempty"`
	InReplyTo       string          `json:"in_reply_to,omitempty"`
	ExtClientID     string          `json:"ext_client_id,omitempty"`
	GroupID         string          `json:"group_id,omitempty"`
	PositionInGroup int             `json:"position_in_group,omitempty"`
	ExtPubTime      *time.Time      `json:"ext_pub_time,omitempty"`
	Data            json.RawMessage `json:"data"`
	MimeType        string          `json:"mime_type,omitempty"`
	Priority        *int            `json:"priority,omitempty"`
	ExpirationMS    int64           `json:"expiration,omitempty"` // milliseconds
}

type publishRequest struct {
	CorrelID         string           `json:"pub_correl_id,omitempty"`
	SubscriptionKeys []string         `json:"subscription_keys"`
	Durable          bool             `json:"durable"`
	Messages         []publishMessage `json:"messages"`
}

type publishResponse struct {
	CorrelID string      `json:"pub_correl_id"`
	Messages []queue.Ack `json:"messages"`
}

// ---------- Handlers ----------

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if key == "" {
		httpError(w, http.StatusBadRequest, "missing key path param")
		return
	}
	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	if u, err := url.Parse(req.Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
		httpError(w, http.StatusBadRequest, "`endpoint` must be an absolute URL")
		return
	}

	s.endpoints.Register(key, req.Endpoint)
	created := s.registry.AddSubscription(key)

	// Pick up anything published for this key while nobody was listening.
	if err := s.registry.FetchDurable(r.Context(), key, nil); err != nil {
		s.logger.Warn("could not load durable backlog", zap.String("sub_key", key), zap.Error(err))
	}

	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	writeJSON(w, code, s.describe(key))
}

func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if !s.registry.Has(key) {
		httpError(w, http.StatusNotFound, "subscription not found")
		return
	}
	writeJSON(w, http.StatusOK, s.describe(key))
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if !s.registry.Has(key) {
		httpError(w, http.StatusNotFound, "subscription not found")
		return
	}

	s.registry.RemoveSubscription(key)
	s.endpoints.Unregister(key)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	if len(req.SubscriptionKeys) == 0 {
		httpError(w, http.StatusBadRequest, "`subscription_keys` is required")
		return
	}
	if len(req.Messages) == 0 {
		httpError(w, http.StatusBadRequest, "`messages` is required")
		return
	}
	if req.CorrelID == "" {
		req.CorrelID = uuid.NewString()
	}

	now := time.Now().UTC()
	payloads := make([]queue.Payload, 0, len(req.Messages))
	acks := make([]queue.Ack, 0, len(req.Messages))

	for i, m := range req.Messages {
		p := toPayload(req.CorrelID, now, m)
		if err := p.Validate(); err != nil {
			httpError(w, http.StatusBadRequest, "message %d: %v", i, err)
			return
		}
		payloads = append(payloads, p)
		acks = append(acks, queue.Ack{ID: p.ID, HasGD: req.Durable})
	}

	ctx := r.Context()

	if req.Durable {
		for _, p := range payloads {
			if err := s.store.Publish(ctx, p.Record(), req.SubscriptionKeys); err != nil {
				httpError(w, http.StatusInternalServerError, "publish failed: %v", err)
				return
			}
		}
		payloads = nil
	}

	err := s.registry.NotifyNewMessages(ctx, req.CorrelID, req.Durable, req.SubscriptionKeys, payloads)
	if errors.Is(err, queue.ErrInvalidPayload) {
		httpError(w, http.StatusBadRequest, "%v", err)
		return
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, "notify failed: %v", err)
		return
	}

	writeJSON(w, http.StatusAccepted, &publishResponse{
		CorrelID: req.CorrelID,
		Messages: acks,
	})
}

// ---------- helpers ----------

func (s *Server) describe(key string) subscriptionResponse {
	resp := subscriptionResponse{Key: key}
	resp.Endpoint, _ = s.endpoints.Endpoint(key)
	resp.Pending, _ = s.registry.Pending(key)
	state, _ := s.registry.TaskState(key)
	resp.State = state.String()
	return resp
}

func toPayload(cid string, now time.Time, m publishMessage) queue.Payload {
	p := queue.Payload{
		ID:              m.ID,
		CorrelID:        cid,
		InReplyTo:       m.InReplyTo,
		ExtClientID:     m.ExtClientID,
		GroupID:         m.GroupID,
		PositionInGroup: m.PositionInGroup,
		PubTime:         now,
		ExtPubTime:      now,
		Data:            []byte(m.Data),
		MimeType:        m.MimeType,
		Priority:        queue.DefaultPriority,
		Expiration:      m.ExpirationMS,
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if m.ExtPubTime != nil {
		p.ExtPubTime = *m.ExtPubTime
	}
	if p.MimeType == "" {
		p.MimeType = "application/json"
	}
	if m.Priority != nil {
		p.Priority = *m.Priority
	}
	if m.ExpirationMS > 0 {
		p.ExpirationTime = now.Add(time.Duration(m.ExpirationMS) * time.Millisecond)
	}
	return p
}

func httpError(w http.ResponseWriter, code int, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
