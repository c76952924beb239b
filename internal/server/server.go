// Package server implements gofpvlink's ConnectRPC control surface: a
// small service exposing Start/Stop/Status on the active radio link's
// Orchestrator and a StreamStats server-streaming feed of its
// LinkController/StreamDispatcher counters (spec.md §11.1).
//
// Request/response messages are plain Go structs rather than
// protoc-generated types: connect-go's JSON codec marshals any exported
// struct with encoding/json when the type does not implement
// proto.Message, so the control surface gets connect-go's HTTP routing,
// interceptors, and h2c/HTTP2 transport without a protobuf code-generation
// step. See DESIGN.md for the rationale.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"connectrpc.com/grpchealth"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/wfb-go/gofpvlink/internal/dispatch"
)

// serviceName is the ConnectRPC service name the control surface is
// registered under (spec.md §11.1: "a small gofpvlink.v1 ConnectRPC
// service").
const serviceName = "gofpvlink.v1.LinkControlService"

const (
	procStart       = "/" + serviceName + "/Start"
	procStop        = "/" + serviceName + "/Stop"
	procStatus      = "/" + serviceName + "/Status"
	procStreamStats = "/" + serviceName + "/StreamStats"
)

// DefaultStreamInterval is the cadence StreamStats polls at when the
// caller does not specify one.
const DefaultStreamInterval = 200 * time.Millisecond

// LinkSupervisor is the minimal surface the control service needs from the
// active link's lifecycle owner. It is borrowed at construction time,
// mirroring internal/link's PowerSink/ReportSink and
// internal/orchestrator's Injector pattern, so this package never imports
// internal/orchestrator directly (spec.md §9's redesign note).
type LinkSupervisor interface {
	// Start begins running the link's orchestrator tasks, returning once
	// they are underway (or immediately if already running).
	Start(ctx context.Context) error
	// Stop halts the link's orchestrator tasks, returning once they have
	// stopped (or immediately if already stopped).
	Stop(ctx context.Context) error
	// Running reports whether the link's orchestrator tasks are active.
	Running() bool
	// LinkStats reports the LinkController's latest quality-formula
	// results.
	LinkStats() LinkStats
}

// LinkStats is the LinkController's latest tick results, independent of
// the Prometheus metrics.Collector so this package has no dependency on
// internal/metrics.
type LinkStats struct {
	Quality  int
	ReportQ  int
	FecLevel int
	TXPower  int
}

// -------------------------------------------------------------------------
// Request/response messages
// -------------------------------------------------------------------------

// StartRequest carries no parameters; the active link is implicit (one
// Handler serves exactly one link).
type StartRequest struct{}

// StartResponse reports whether Start changed the link's running state.
type StartResponse struct {
	Started bool `json:"started"`
}

// StopRequest carries no parameters.
type StopRequest struct{}

// StopResponse reports whether Stop changed the link's running state.
type StopResponse struct {
	Stopped bool `json:"stopped"`
}

// StatusRequest carries no parameters.
type StatusRequest struct{}

// StatusResponse is one snapshot of the link's running state, quality
// metrics, and per-stream delivery counters.
type StatusResponse struct {
	Running  bool           `json:"running"`
	Quality  int            `json:"quality"`
	ReportQ  int            `json:"report_q"`
	FecLevel int            `json:"fec_level"`
	TXPower  int            `json:"tx_power"`
	Streams  []StreamCounts `json:"streams"`
}

// StreamCounts is one StreamDispatcher route's delivered/dropped counters.
type StreamCounts struct {
	Name      string `json:"name"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
}

// StreamStatsRequest configures the StreamStats polling cadence.
// IntervalMillis <= 0 uses DefaultStreamInterval.
type StreamStatsRequest struct {
	IntervalMillis int64 `json:"interval_millis"`
}

// StreamStatsResponse is one StreamStats tick: a timestamped StatusResponse.
type StreamStatsResponse struct {
	UnixMillis int64 `json:"unix_millis"`
	StatusResponse
}

// -------------------------------------------------------------------------
// Handler
// -------------------------------------------------------------------------

// ChannelStream names one StreamDispatcher route for reporting purposes.
type ChannelStream struct {
	ChannelID uint32
	Name      string
}

// Handler implements the gofpvlink.v1.LinkControlService procedures for one
// active radio link.
type Handler struct {
	link       LinkSupervisor
	dispatcher *dispatch.Dispatcher
	channels   []ChannelStream
	logger     *slog.Logger
}

// New creates a Handler for link, reporting dispatcher's delivery counters
// for the given channel streams, and mounts it, together with a grpchealth
// handler, on a fresh *http.ServeMux alongside opts (typically
// LoggingInterceptorOption/RecoveryInterceptorOption).
func New(
	link LinkSupervisor,
	dispatcher *dispatch.Dispatcher,
	channels []ChannelStream,
	logger *slog.Logger,
	opts ...connect.HandlerOption,
) (*http.ServeMux, error) {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		link:       link,
		dispatcher: dispatcher,
		channels:   channels,
		logger:     logger.With(slog.String("component", "server")),
	}

	mux := http.NewServeMux()
	mux.Handle(procStart, connect.NewUnaryHandler(procStart, h.Start, opts...))
	mux.Handle(procStop, connect.NewUnaryHandler(procStop, h.Stop, opts...))
	mux.Handle(procStatus, connect.NewUnaryHandler(procStatus, h.Status, opts...))
	mux.Handle(procStreamStats, connect.NewServerStreamHandler(procStreamStats, h.StreamStats, opts...))

	// gRPC health check handler (grpc.health.v1), reporting SERVING for the
	// overall server and the control service.
	checker := grpchealth.NewStaticChecker(grpchealth.HealthV1ServiceName, serviceName)
	mux.Handle(grpchealth.NewHandler(checker))

	return mux, nil
}

// NewHTTPServer wraps mux in an *http.Server that speaks H2C, so gRPC/
// ConnectRPC clients (gofpvlinkctl included) can use HTTP/2 without TLS.
func NewHTTPServer(addr string, mux *http.ServeMux) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h2c.NewHandler(mux, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// -------------------------------------------------------------------------
// Client
// -------------------------------------------------------------------------

// Client is a ConnectRPC client for the control surface, used by
// gofpvlinkctl instead of generated stubs, matching New's hand-rolled
// handler registration.
type Client struct {
	start       *connect.Client[StartRequest, StartResponse]
	stop        *connect.Client[StopRequest, StopResponse]
	status      *connect.Client[StatusRequest, StatusResponse]
	streamStats *connect.Client[StreamStatsRequest, StreamStatsResponse]
}

// NewClient builds a Client against baseURL (e.g. "http://localhost:9090").
func NewClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *Client {
	return &Client{
		start:       connect.NewClient[StartRequest, StartResponse](httpClient, baseURL+procStart, opts...),
		stop:        connect.NewClient[StopRequest, StopResponse](httpClient, baseURL+procStop, opts...),
		status:      connect.NewClient[StatusRequest, StatusResponse](httpClient, baseURL+procStatus, opts...),
		streamStats: connect.NewClient[StreamStatsRequest, StreamStatsResponse](httpClient, baseURL+procStreamStats, opts...),
	}
}

// Start calls the Start procedure.
func (c *Client) Start(ctx context.Context) (*StartResponse, error) {
	resp, err := c.start.CallUnary(ctx, connect.NewRequest(&StartRequest{}))
	if err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}
	return resp.Msg, nil
}

// Stop calls the Stop procedure.
func (c *Client) Stop(ctx context.Context) (*StopResponse, error) {
	resp, err := c.stop.CallUnary(ctx, connect.NewRequest(&StopRequest{}))
	if err != nil {
		return nil, fmt.Errorf("stop: %w", err)
	}
	return resp.Msg, nil
}

// Status calls the Status procedure.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	resp, err := c.status.CallUnary(ctx, connect.NewRequest(&StatusRequest{}))
	if err != nil {
		return nil, fmt.Errorf("status: %w", err)
	}
	return resp.Msg, nil
}

// StreamStats opens the StreamStats server stream, polling at intervalMillis
// (DefaultStreamInterval if <= 0). The caller must Close the returned stream.
func (c *Client) StreamStats(ctx context.Context, intervalMillis int64) (*connect.ServerStreamForClient[StreamStatsResponse], error) {
	stream, err := c.streamStats.CallServerStream(ctx, connect.NewRequest(&StreamStatsRequest{IntervalMillis: intervalMillis}))
	if err != nil {
		return nil, fmt.Errorf("stream stats: %w", err)
	}
	return stream, nil
}

// Start starts the active link, if it is not already running.
func (h *Handler) Start(ctx context.Context, req *connect.Request[StartRequest]) (*connect.Response[StartResponse], error) {
	wasRunning := h.link.Running()
	if err := h.link.Start(ctx); err != nil {
		return nil, connect.NewError(connect.CodeInternal, fmt.Errorf("start: %w", err))
	}
	return connect.NewResponse(&StartResponse{Started: !wasRunning}), nil
}

// Stop stops the active link, if it is running.
func (h *Handler) Stop(ctx context.Context, req *connect.Request[StopRequest]) (*connect.Response[StopResponse], error) {
	wasRunning := h.link.Running()
	if err := h.link.Stop(ctx); err != nil {
		return nil, connect.NewError(connect.CodeInternal, fmt.Errorf("stop: %w", err))
	}
	return connect.NewResponse(&StopResponse{Stopped: wasRunning}), nil
}

// Status reports the active link's current running state, quality
// metrics, and per-stream delivery counters.
func (h *Handler) Status(ctx context.Context, req *connect.Request[StatusRequest]) (*connect.Response[StatusResponse], error) {
	return connect.NewResponse(h.snapshot()), nil
}

// StreamStats sends a StatusResponse snapshot on the requested cadence
// until the client disconnects or the context is canceled (spec.md §11.1:
// "StreamStats (server-streaming counters ...)").
func (h *Handler) StreamStats(
	ctx context.Context,
	req *connect.Request[StreamStatsRequest],
	stream *connect.ServerStream[StreamStatsResponse],
) error {
	interval := time.Duration(req.Msg.IntervalMillis) * time.Millisecond
	if interval <= 0 {
		interval = DefaultStreamInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			resp := &StreamStatsResponse{
				UnixMillis:     now.UnixMilli(),
				StatusResponse: *h.snapshot(),
			}
			if err := stream.Send(resp); err != nil {
				return fmt.Errorf("stream stats: %w", err)
			}
		}
	}
}

// snapshot assembles one StatusResponse from the link supervisor and
// dispatcher.
func (h *Handler) snapshot() *StatusResponse {
	stats := h.link.LinkStats()

	resp := &StatusResponse{
		Running:  h.link.Running(),
		Quality:  stats.Quality,
		ReportQ:  stats.ReportQ,
		FecLevel: stats.FecLevel,
		TXPower:  stats.TXPower,
	}

	for _, ch := range h.channels {
		delivered, dropped, ok := h.dispatcher.Stats(ch.ChannelID)
		if !ok {
			continue
		}
		resp.Streams = append(resp.Streams, StreamCounts{Name: ch.Name, Delivered: delivered, Dropped: dropped})
	}

	return resp
}
