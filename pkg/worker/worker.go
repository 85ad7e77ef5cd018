package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// HandlerFunc processes a delivered message and returns an error if processing failed.
// Returning nil means success (the delivery is confirmed).
// Returning an error means failure (the server backs off and delivers again).
type HandlerFunc func(ctx context.Context, msg *Message) error

// Message represents a message delivered by the pub/sub server
type Message struct {
	SubKey         string          `json:"sub_key"`
	ID             string          `json:"pub_msg_id"`
	CorrelID       string          `json:"pub_correl_id,omitempty"`
	InReplyTo      string          `json:"in_reply_to,omitempty"`
	ExtClientID    string          `json:"ext_client_id,omitempty"`
	PubTime        time.Time       `json:"pub_time"`
	ExtPubTime     *time.Time      `json:"ext_pub_time,omitempty"`
	Data           json.RawMessage `json:"-"`
	MimeType       string          `json:"mime_type,omitempty"`
	Priority       int             `json:"priority"`
	ExpirationTime *time.Time      `json:"expiration_time,omitempty"`
	HasGD          bool            `json:"has_gd"`
}

// Worker receives deliveries over HTTP and dispatches them per subscription key
type Worker struct {
	addr     string
	path     string
	timeout  time.Duration
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// Config for creating a new worker
type Config struct {
	Addr    string        // Listen address (default: :9090)
	Path    string        // Delivery path (default: /deliver)
	Timeout time.Duration // Handler timeout (default: 30s)
}

// New creates a new Worker with the given configuration
func New(cfg Config) *Worker {
	if cfg.Addr == "" {
		cfg.Addr = ":9090"
	}
	if cfg.Path == "" {
		cfg.Path = "/deliver"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &Worker{
		addr:     cfg.Addr,
		path:     cfg.Path,
		timeout:  cfg.Timeout,
		handlers: make(map[string]HandlerFunc),
	}
}

// Handle registers a handler function for a specific subscription key
func (w *Worker) Handle(subKey string, handler HandlerFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[subKey] = handler
	log.Printf("Registered handler for subscription: %s", subKey)
}

// Handler returns the HTTP handler that receives deliveries.
func (w *Worker) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Post(w.path, w.handleDelivery)
	return r
}

// Run serves deliveries and blocks until context is cancelled
func (w *Worker) Run(ctx context.Context) error {
	w.mu.RLock()
	n := len(w.handlers)
	w.mu.RUnlock()
	if n == 0 {
		return fmt.Errorf("no handlers registered")
	}

	srv := &http.Server{Addr: w.addr, Handler: w.Handler()}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Worker listening on %s%s with %d subscription(s)", w.addr, w.path, n)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Println("Worker shutting down...")
	return srv.Shutdown(context.Background())
}

// handleDelivery decodes one delivery and runs its handler with panic recovery
func (w *Worker) handleDelivery(rw http.ResponseWriter, r *http.Request) {
	var wire struct {
		Message
		Data []byte `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		http.Error(rw, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	msg := wire.Message
	msg.Data = json.RawMessage(wire.Data)

	w.mu.RLock()
	handler, ok := w.handlers[msg.SubKey]
	w.mu.RUnlock()
	if !ok {
		http.Error(rw, "no handler for "+msg.SubKey, http.StatusNotFound)
		return
	}

	if err := w.process(r.Context(), &msg, handler); err != nil {
		log.Printf("Error processing message %s from %s: %v", msg.ID, msg.SubKey, err)
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}

	log.Printf("✓ Successfully processed message %s from %s", msg.ID, msg.SubKey)
	rw.WriteHeader(http.StatusNoContent)
}

func (w *Worker) process(ctx context.Context, msg *Message, handler HandlerFunc) (err error) {
	handlerCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	// Recover from panics; the server will deliver the message again
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	return handler(handlerCtx, msg)
}
