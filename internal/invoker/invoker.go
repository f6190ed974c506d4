// Package invoker executes dispatched stage attempts against their worker
// endpoints and reports exactly one terminal event per attempt.
package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"conveyor/internal/bus"
	"conveyor/internal/ledger"
	"conveyor/internal/logging"
	"conveyor/internal/registry"
)

const consumerGroup = "invoker"

// workerRequest is the payload POSTed to a stage worker.
type workerRequest struct {
	RequestID   string      `json:"request_id"`
	PayloadRef  string      `json:"payload_ref"`
	StageConfig stageConfig `json:"stage_config"`
}

type stageConfig struct {
	Name           string `json:"name"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	MaxRetries     int    `json:"max_retries"`
}

// workerResponse is the body a stage worker returns.
type workerResponse struct {
	Status    string `json:"status"`
	OutputRef string `json:"output_ref,omitempty"`
	Error     string `json:"error,omitempty"`
	Permanent bool   `json:"permanent,omitempty"`
}

// Invoker consumes dispatch events, calls the stage worker over HTTP, and
// publishes the attempt outcome. Workers are required to be idempotent, so a
// redelivered dispatch simply re-invokes; the ledger deduplicates the
// terminal event.
type Invoker struct {
	store  *ledger.Store
	reg    *registry.Registry
	bus    bus.Bus
	client *http.Client
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	subs    []bus.Subscription
}

// New builds an invoker over the given registry and bus.
func New(store *ledger.Store, reg *registry.Registry, b bus.Bus, logger *slog.Logger) *Invoker {
	inv := &Invoker{
		store:  store,
		reg:    reg,
		bus:    b,
		client: &http.Client{},
		logger: logging.NewComponentLogger(logger, "invoker"),
	}
	reg.Watch(inv.onStageRegistered)
	return inv
}

// Start subscribes to every stage's dispatch subject.
func (inv *Invoker) Start() error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.running {
		return errors.New("invoker already running")
	}
	for _, name := range inv.reg.Names() {
		sub, err := inv.bus.Subscribe(bus.DispatchSubject(name), consumerGroup, inv.handle)
		if err != nil {
			inv.unsubscribeLocked()
			return fmt.Errorf("subscribe dispatch for %s: %w", name, err)
		}
		inv.subs = append(inv.subs, sub)
	}
	inv.running = true
	return nil
}

// Stop unsubscribes all dispatch consumers.
func (inv *Invoker) Stop() {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.unsubscribeLocked()
	inv.running = false
}

func (inv *Invoker) unsubscribeLocked() {
	for _, sub := range inv.subs {
		_ = sub.Unsubscribe()
	}
	inv.subs = nil
}

// onStageRegistered begins consuming dispatches for a stage appended to the
// registry at runtime.
func (inv *Invoker) onStageRegistered(desc registry.Descriptor) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if !inv.running {
		return
	}
	sub, err := inv.bus.Subscribe(bus.DispatchSubject(desc.Name), consumerGroup, inv.handle)
	if err != nil {
		inv.logger.Error("subscribe dispatch for registered stage",
			logging.String(logging.FieldStage, desc.Name),
			logging.Error(err))
		return
	}
	inv.subs = append(inv.subs, sub)
}

func (inv *Invoker) handle(ctx context.Context, evt bus.Event) error {
	desc, err := inv.reg.Resolve(evt.Stage)
	if err != nil {
		inv.logger.Warn("dispatch for unknown stage",
			logging.String(logging.FieldRequestID, evt.RequestID),
			logging.String(logging.FieldStage, evt.Stage))
		return nil
	}

	result := inv.invoke(ctx, desc, evt)

	first, err := inv.store.ResolveAttempt(ctx, evt.RequestID, evt.Stage, evt.Attempt, string(result.Type))
	if err != nil {
		return fmt.Errorf("resolve attempt: %w", err)
	}
	if !first {
		inv.logger.Debug("terminal event already recorded for attempt",
			logging.String(logging.FieldRequestID, evt.RequestID),
			logging.String(logging.FieldStage, evt.Stage),
			logging.Int(logging.FieldAttempt, evt.Attempt))
		return nil
	}

	if err := inv.bus.Publish(ctx, bus.ResultSubject(evt.Stage), result); err != nil {
		return fmt.Errorf("publish result: %w", err)
	}
	inv.logger.Info("stage attempt finished",
		logging.String(logging.FieldRequestID, evt.RequestID),
		logging.String(logging.FieldStage, evt.Stage),
		logging.Int(logging.FieldAttempt, evt.Attempt),
		logging.String(logging.FieldEventType, string(result.Type)))
	return nil
}

// invoke runs one worker call and classifies the outcome. Transport errors
// and 5xx responses are transient failures; only an explicit permanent flag
// from the worker rules out a retry.
func (inv *Invoker) invoke(ctx context.Context, desc registry.Descriptor, evt bus.Event) bus.Event {
	result := bus.Event{
		RequestID:  evt.RequestID,
		Stage:      evt.Stage,
		Attempt:    evt.Attempt,
		PayloadRef: evt.PayloadRef,
		Timestamp:  time.Now().UTC(),
	}

	body, err := json.Marshal(workerRequest{
		RequestID:  evt.RequestID,
		PayloadRef: evt.PayloadRef,
		StageConfig: stageConfig{
			Name:           desc.Name,
			TimeoutSeconds: int(desc.Timeout / time.Second),
			MaxRetries:     desc.MaxRetries,
		},
	})
	if err != nil {
		result.Type = bus.EventFailed
		result.Error = fmt.Sprintf("encode worker request: %v", err)
		return result
	}

	callCtx, cancel := context.WithTimeout(ctx, desc.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, desc.Endpoint, bytes.NewReader(body))
	if err != nil {
		result.Type = bus.EventFailed
		result.Error = fmt.Sprintf("build worker request: %v", err)
		return result
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := inv.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() != nil {
			result.Type = bus.EventTimedOut
			result.Error = fmt.Sprintf("worker timed out after %s", desc.Timeout)
			return result
		}
		result.Type = bus.EventFailed
		result.Error = fmt.Sprintf("worker unreachable: %v", err)
		return result
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		result.Type = bus.EventFailed
		result.Error = fmt.Sprintf("worker returned %d", resp.StatusCode)
		return result
	}
	if resp.StatusCode != http.StatusOK {
		// Protocol violations from the worker will not heal on retry.
		result.Type = bus.EventFailed
		result.Permanent = true
		result.Error = fmt.Sprintf("worker returned unexpected status %d", resp.StatusCode)
		return result
	}

	var workerResp workerResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&workerResp); err != nil {
		result.Type = bus.EventFailed
		result.Error = fmt.Sprintf("decode worker response: %v", err)
		return result
	}

	switch workerResp.Status {
	case "success":
		result.Type = bus.EventSucceeded
		result.OutputRef = workerResp.OutputRef
	case "failure":
		result.Type = bus.EventFailed
		result.Error = workerResp.Error
		result.Permanent = workerResp.Permanent
	default:
		result.Type = bus.EventFailed
		result.Permanent = true
		result.Error = fmt.Sprintf("worker returned unknown status %q", workerResp.Status)
	}
	return result
}
