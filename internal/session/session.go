// Package session runs the line-delimited JSON-RPC loop between one client and
// a capability registry.
//
// Frames are handled strictly one at a time: a line is decoded, dispatched and
// its response written and flushed before the next line is read. Responses
// therefore leave in request order.
package session

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/rickchristie/dbmcp/internal/errprompt"
	"github.com/rickchristie/dbmcp/internal/jsonrpc"
	"github.com/rickchristie/dbmcp/internal/meta"
	"github.com/rickchristie/dbmcp/internal/registry"
)

const instrumentationName = "github.com/rickchristie/dbmcp/internal/session"

// Config is the session's own config type.
type Config struct {
	Registry *registry.Registry
	// Instructions is returned from initialize and mcp/getInstructions.
	Instructions string
	// ErrPrompts annotates tool and resource error messages. May be nil.
	ErrPrompts *errprompt.Matcher
	Logger     zerolog.Logger

	// Nil providers fall back to the otel globals.
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
}

// Session is one client conversation. Serve must not be called concurrently.
type Session struct {
	id         string
	registry   *registry.Registry
	instr      string
	errPrompts *errprompt.Matcher
	logger     zerolog.Logger

	tracer          trace.Tracer
	requestCounter  metric.Int64Counter
	requestDuration metric.Float64Histogram
	errorCounter    metric.Int64Counter

	writeMu sync.Mutex
	out     *bufio.Writer

	initialized bool
}

// New creates a Session. Panics on a nil registry.
func New(config Config) *Session {
	if config.Registry == nil {
		panic("session: registry must be non-nil")
	}
	tp := config.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	mp := config.MeterProvider
	if mp == nil {
		mp = otel.GetMeterProvider()
	}

	id := uuid.NewString()
	s := &Session{
		id:         id,
		registry:   config.Registry,
		instr:      config.Instructions,
		errPrompts: config.ErrPrompts,
		logger:     config.Logger.With().Str("session_id", id).Logger(),
		tracer:     tp.Tracer(instrumentationName, trace.WithInstrumentationVersion(meta.Version)),
	}

	meter := mp.Meter(instrumentationName, metric.WithInstrumentationVersion(meta.Version))
	// Instrument creation only fails on invalid names; the noop fallbacks
	// returned alongside the error are still usable.
	s.requestCounter, _ = meter.Int64Counter("mcp.server.requests",
		metric.WithDescription("Total number of MCP requests"),
		metric.WithUnit("{request}"))
	s.requestDuration, _ = meter.Float64Histogram("mcp.server.request.duration",
		metric.WithDescription("Duration of MCP requests"),
		metric.WithUnit("ms"))
	s.errorCounter, _ = meter.Int64Counter("mcp.server.errors",
		metric.WithDescription("Total number of MCP error responses"),
		metric.WithUnit("{error}"))
	return s
}

// ID returns the session's unique id, also attached to every log line.
func (s *Session) ID() string {
	return s.id
}

// Serve reads frames from in and writes responses to out until in is
// exhausted, ctx is cancelled, or out fails. EOF returns nil.
func (s *Session) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	s.out = bufio.NewWriter(out)
	s.logger.Info().Msg("session started")
	defer s.logger.Info().Msg("session ended")

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	readCtx, stopReading := context.WithCancel(ctx)
	defer stopReading()

	go func() {
		defer close(lines)
		r := bufio.NewReader(in)
		for {
			line, err := r.ReadBytes('\n')
			if len(line) > 0 {
				select {
				case lines <- line:
				case <-readCtx.Done():
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					readErr <- err
				}
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					return fmt.Errorf("session: read: %w", err)
				default:
					return nil
				}
			}
			if err := s.handleLine(ctx, line); err != nil {
				return err
			}
		}
	}
}

// handleLine processes one raw line. Only output failures are returned.
func (s *Session) handleLine(ctx context.Context, line []byte) error {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil
	}

	req, err := jsonrpc.Decode(line)
	if err != nil {
		s.logger.Warn().Err(err).Int("frame_bytes", len(line)).Msg("dropping undecodable frame")
		return nil
	}

	if req.IsNotification() {
		s.handleNotification(req)
		return nil
	}

	if req.Method == "" {
		return s.write(jsonrpc.NewErrorResponse(req.ID, jsonrpc.NewInvalidRequest("missing method")))
	}

	return s.write(s.handleRequest(ctx, req))
}

func (s *Session) handleNotification(req *jsonrpc.Request) {
	switch req.Method {
	case "notifications/initialized":
		s.initialized = true
		s.logger.Info().Msg("client initialized")
	default:
		s.logger.Debug().Str("method", req.Method).Msg("ignoring notification")
	}
}

// handleRequest dispatches one request and always returns a response. Panics
// raised by tools or resources are converted to internal errors here.
func (s *Session) handleRequest(ctx context.Context, req *jsonrpc.Request) (resp *jsonrpc.Response) {
	ctx, span := s.tracer.Start(ctx, "mcp."+req.Method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("mcp.method", req.Method),
			attribute.String("mcp.session_id", s.id),
		),
	)
	defer span.End()

	startTime := time.Now()
	attrs := metric.WithAttributes(attribute.String("mcp.method", req.Method))
	s.requestCounter.Add(ctx, 1, attrs)

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("method", req.Method).
				Interface("panic", r).
				Msg("recovered panic in request handler")
			resp = jsonrpc.NewErrorResponse(req.ID, jsonrpc.NewInternalError(fmt.Sprintf("internal error: %v", r)))
		}

		s.requestDuration.Record(ctx, float64(time.Since(startTime).Milliseconds()), attrs)
		if resp.Error != nil {
			span.SetStatus(codes.Error, resp.Error.Message)
			span.SetAttributes(attribute.Int("mcp.error_code", resp.Error.Code))
			s.errorCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("mcp.method", req.Method),
				attribute.Int("mcp.error_code", resp.Error.Code),
			))
		} else {
			span.SetStatus(codes.Ok, "")
		}
		s.logger.Debug().
			Str("method", req.Method).
			Dur("duration", time.Since(startTime)).
			Bool("error", resp.Error != nil).
			Msg("request handled")
	}()

	result, rpcErr := s.dispatch(ctx, req)
	if rpcErr != nil {
		return jsonrpc.NewErrorResponse(req.ID, rpcErr)
	}
	return jsonrpc.NewResult(req.ID, result)
}

func (s *Session) write(resp *jsonrpc.Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		// The result could not be encoded; the client still gets an answer.
		s.logger.Error().Err(err).Msg("failed to marshal response")
		data, err = json.Marshal(jsonrpc.NewErrorResponse(resp.ID,
			jsonrpc.NewInternalError(fmt.Sprintf("failed to marshal result: %v", err))))
		if err != nil {
			return fmt.Errorf("session: marshal: %w", err)
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(data); err != nil {
		return fmt.Errorf("session: write: %w", err)
	}
	if err := s.out.WriteByte('\n'); err != nil {
		return fmt.Errorf("session: write: %w", err)
	}
	if err := s.out.Flush(); err != nil {
		return fmt.Errorf("session: flush: %w", err)
	}
	return nil
}
