package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/shortlinker/shortlinker/internal/clicks"
	"github.com/shortlinker/shortlinker/internal/metrics"
	"github.com/shortlinker/shortlinker/internal/model"
	"github.com/shortlinker/shortlinker/internal/reload"
	"github.com/shortlinker/shortlinker/internal/runtimecfg"
	"github.com/shortlinker/shortlinker/internal/service"
	"github.com/shortlinker/shortlinker/internal/storage"
	"github.com/shortlinker/shortlinker/internal/version"
)

const (
	// DefaultIdleTimeout closes control connections that go quiet.
	DefaultIdleTimeout = 5 * time.Minute

	// defaultRequestTimeout bounds a single command execution.
	defaultRequestTimeout = 30 * time.Second

	// writeTimeout bounds a single response write.
	writeTimeout = 10 * time.Second
)

// Deps carries the collaborators the control server dispatches to.
type Deps struct {
	Links    *service.LinkService
	Reloader *reload.Coordinator
	Clicks   *clicks.Manager
	Runtime  *runtimecfg.Config
	Store    storage.Store

	// RequestShutdown asks the process to begin graceful shutdown. The
	// server flushes the shutting_down reply before invoking it.
	RequestShutdown func()
}

// Server accepts control connections and dispatches framed commands.
// Each connection is served by one goroutine and handles one request
// at a time.
type Server struct {
	deps           Deps
	logger         *slog.Logger
	metrics        metrics.Recorder
	idleTimeout    time.Duration
	requestTimeout time.Duration
	startedAt      time.Time

	runCtx    context.Context
	cancelRun context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewServer creates a control server. A nil recorder disables metrics.
func NewServer(deps Deps, logger *slog.Logger, recorder metrics.Recorder) *Server {
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		deps:           deps,
		logger:         logger.With("component", "ipc"),
		metrics:        recorder,
		idleTimeout:    DefaultIdleTimeout,
		requestTimeout: defaultRequestTimeout,
		startedAt:      time.Now(),
		runCtx:         ctx,
		cancelRun:      cancel,
		conns:          make(map[net.Conn]struct{}),
	}
}

// SetIdleTimeout overrides how long a silent connection is kept open.
// Zero disables the idle check.
func (s *Server) SetIdleTimeout(d time.Duration) {
	s.idleTimeout = d
}

// Serve accepts connections until the listener closes. It returns nil
// when the server was shut down and the accept error otherwise.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("ipc: server is closed")
	}
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("control channel listening", "endpoint", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return nil
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Shutdown stops accepting connections, cancels in-flight commands,
// and waits for connection goroutines to finish. Connections still
// open when ctx expires are closed forcibly.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.listener
	s.mu.Unlock()

	s.cancelRun()
	if ln != nil {
		_ = ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.mu.Lock()
		for conn := range s.conns {
			_ = conn.Close()
		}
		s.mu.Unlock()
		<-done
		s.logger.Warn("control channel closed connections forcibly")
	}

	s.logger.Info("control channel stopped")
	return nil
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) handleConn(conn net.Conn) {
	logger := s.logger.With("conn_id", ulid.Make().String())
	s.metrics.IncIPCConnection()
	logger.Debug("connection accepted")

	defer func() {
		s.untrack(conn)
		_ = conn.Close()
		logger.Debug("connection closed")
	}()

	for {
		if s.idleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		}

		payload, err := ReadFrame(conn)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				return
			case errors.Is(err, ErrFrameTooLarge):
				s.reply(conn, logger, NewErrorResponse(CodeProtocol, ErrFrameTooLarge.Error()))
				return
			default:
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					logger.Debug("closing idle connection")
					return
				}
				logger.Debug("read failed", "error", err)
				return
			}
		}

		var req Request
		if err := json.Unmarshal(payload, &req); err != nil {
			s.reply(conn, logger, NewErrorResponse(CodeProtocol, "malformed request: "+err.Error()))
			return
		}

		resp := s.dispatch(&req, logger)
		if !s.reply(conn, logger, resp) {
			return
		}

		// The shutting_down reply is on the wire; now stop the process.
		if req.Command == CmdShutdown && resp.Type == TypeShuttingDown {
			if s.deps.RequestShutdown != nil {
				s.deps.RequestShutdown()
			}
			return
		}
	}
}

// reply writes resp, falling back to an error frame when the payload
// alone exceeds the frame limit. It reports whether the connection is
// still usable.
func (s *Server) reply(conn net.Conn, logger *slog.Logger, resp *Response) bool {
	raw, err := json.Marshal(resp)
	if err != nil {
		logger.Error("marshal response", "error", err)
		raw, _ = json.Marshal(NewErrorResponse(CodeInternal, "response marshal failed"))
	} else if len(raw) > MaxFrameSize {
		logger.Warn("response exceeds frame limit", "type", resp.Type, "bytes", len(raw))
		raw, _ = json.Marshal(NewErrorResponse(CodeInternal, "response exceeds frame limit"))
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := WriteFrame(conn, raw); err != nil {
		logger.Debug("write response failed", "error", err)
		return false
	}
	return true
}

func (s *Server) dispatch(req *Request, logger *slog.Logger) *Response {
	s.metrics.IncIPCCommand(req.Command)

	ctx, cancel := context.WithTimeout(s.runCtx, s.requestTimeout)
	defer cancel()

	start := time.Now()
	resp := s.handleCommand(ctx, req)
	logger.Debug("command handled",
		"command", req.Command,
		"response_type", resp.Type,
		"duration_ms", float64(time.Since(start).Microseconds())/1000)
	return resp
}

func (s *Server) handleCommand(ctx context.Context, req *Request) *Response {
	if s.isClosed() {
		return NewErrorResponse(CodeUnavailable, "server is shutting down")
	}

	switch req.Command {
	case CmdPing:
		return s.pong()
	case CmdGetStatus:
		return s.status(ctx)
	case CmdShutdown:
		return NewResponse(TypeShuttingDown, nil)
	case CmdReload:
		return s.reload(ctx, req.Data)
	case CmdAddLink:
		return s.addLink(ctx, req.Data)
	case CmdRemoveLink:
		return s.removeLink(ctx, req.Data)
	case CmdUpdateLink:
		return s.updateLink(ctx, req.Data)
	case CmdGetLink:
		return s.getLink(ctx, req.Data)
	case CmdListLinks:
		return s.listLinks(ctx, req.Data)
	case CmdGetLinkStats:
		return s.stats(ctx)
	case CmdImportLinks:
		return s.importLinks(ctx, req.Data)
	case CmdExportLinks:
		return s.exportLinks(ctx)
	case CmdGetConfig:
		return s.getConfig(req.Data)
	case CmdSetConfig:
		return s.setConfig(ctx, req.Data)
	default:
		return NewErrorResponse(CodeUnknownCommand, fmt.Sprintf("unknown command %q", req.Command))
	}
}

// decodeData unmarshals a command payload. An empty payload leaves the
// zero value so commands with all-optional fields work without data.
func decodeData(raw json.RawMessage, v any) *Response {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return NewErrorResponse(CodeValidation, "invalid payload: "+err.Error())
	}
	return nil
}

// errorResponse maps service and storage errors onto wire error codes.
func errorResponse(err error) *Response {
	switch {
	case errors.Is(err, service.ErrLinkNotFound), errors.Is(err, storage.ErrNotFound):
		return NewErrorResponse(CodeNotFound, err.Error())
	case errors.Is(err, service.ErrCodeExists), errors.Is(err, storage.ErrAlreadyExists):
		return NewErrorResponse(CodeAlreadyExists, err.Error())
	case errors.Is(err, service.ErrInvalidTarget),
		errors.Is(err, service.ErrTargetTooLong),
		errors.Is(err, service.ErrInvalidCode),
		errors.Is(err, service.ErrExpiresInPast):
		return NewErrorResponse(CodeValidation, err.Error())
	case errors.Is(err, storage.ErrConfigNotFound):
		return NewErrorResponse(CodeConfigNotFound, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return NewErrorResponse(CodeUnavailable, err.Error())
	default:
		return NewErrorResponse(CodeStorage, err.Error())
	}
}

func (s *Server) pong() *Response {
	return NewResponse(TypePong, PongResponse{
		Version:    version.Version,
		UptimeSecs: int64(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) status(ctx context.Context) *Response {
	count, err := s.deps.Store.Count(ctx)
	if err != nil {
		return errorResponse(fmt.Errorf("count links: %w", err))
	}

	st := s.deps.Reloader.Status()
	resp := StatusResponse{
		Version:          version.Version,
		UptimeSecs:       int64(time.Since(s.startedAt).Seconds()),
		IsReloading:      st.IsReloading,
		LastDataReload:   st.LastDataReload,
		LastConfigReload: st.LastConfigReload,
		LinksCount:       count,
	}
	if s.deps.Clicks != nil {
		resp.PendingClicks = s.deps.Clicks.Pending()
	}
	return NewResponse(TypeStatus, resp)
}

func (s *Server) reload(ctx context.Context, raw json.RawMessage) *Response {
	var in ReloadRequest
	if resp := decodeData(raw, &in); resp != nil {
		return resp
	}
	if in.Target == "" {
		in.Target = string(reload.TargetAll)
	}

	target, err := reload.ParseTarget(strings.ToLower(in.Target))
	if err != nil {
		return NewErrorResponse(CodeValidation, err.Error())
	}

	res, err := s.deps.Reloader.Reload(ctx, target)
	if res == nil {
		if err != nil {
			return errorResponse(err)
		}
		return NewErrorResponse(CodeInternal, "reload produced no result")
	}

	return NewResponse(TypeReloadResult, ReloadResponse{
		Success:    res.Success,
		Target:     string(res.Target),
		DurationMs: res.DurationMs,
		Message:    res.Error,
	})
}

func (s *Server) addLink(ctx context.Context, raw json.RawMessage) *Response {
	var in AddLinkRequest
	if resp := decodeData(raw, &in); resp != nil {
		return resp
	}

	out, err := s.deps.Links.AddLink(ctx, service.AddLinkInput{
		Code:      in.Code,
		Target:    in.Target,
		Force:     in.Force,
		ExpiresAt: in.ExpiresAt,
		Password:  in.Password,
	})
	if err != nil {
		return errorResponse(err)
	}
	return NewResponse(TypeLinkCreated, LinkCreatedResponse{
		Link:          out.Link,
		GeneratedCode: out.GeneratedCode,
	})
}

func (s *Server) removeLink(ctx context.Context, raw json.RawMessage) *Response {
	var in RemoveLinkRequest
	if resp := decodeData(raw, &in); resp != nil {
		return resp
	}
	if err := s.deps.Links.RemoveLink(ctx, in.Code); err != nil {
		return errorResponse(err)
	}
	return NewResponse(TypeLinkDeleted, LinkDeletedResponse{Code: in.Code})
}

func (s *Server) updateLink(ctx context.Context, raw json.RawMessage) *Response {
	var in UpdateLinkRequest
	if resp := decodeData(raw, &in); resp != nil {
		return resp
	}

	link, err := s.deps.Links.UpdateLink(ctx, service.UpdateLinkInput{
		Code:      in.Code,
		Target:    in.Target,
		ExpiresAt: in.ExpiresAt,
		Password:  in.Password,
	})
	if err != nil {
		return errorResponse(err)
	}
	return NewResponse(TypeLinkUpdated, LinkUpdatedResponse{Link: link})
}

func (s *Server) getLink(ctx context.Context, raw json.RawMessage) *Response {
	var in GetLinkRequest
	if resp := decodeData(raw, &in); resp != nil {
		return resp
	}

	link, err := s.deps.Links.GetLink(ctx, in.Code)
	switch {
	case errors.Is(err, service.ErrLinkNotFound):
		// An unknown code is a regular answer for lookups, not an error.
		return NewResponse(TypeLinkFound, LinkFoundResponse{})
	case err != nil:
		return errorResponse(err)
	default:
		return NewResponse(TypeLinkFound, LinkFoundResponse{Link: link})
	}
}

func (s *Server) listLinks(ctx context.Context, raw json.RawMessage) *Response {
	var in ListLinksRequest
	if resp := decodeData(raw, &in); resp != nil {
		return resp
	}

	out, err := s.deps.Links.ListLinks(ctx, service.ListLinksInput{
		Page:     in.Page,
		PageSize: in.PageSize,
		Search:   in.Search,
	})
	if err != nil {
		return errorResponse(err)
	}
	return NewResponse(TypeLinkList, LinkListResponse{
		Links:    out.Links,
		Total:    out.Total,
		Page:     out.Page,
		PageSize: out.PageSize,
	})
}

func (s *Server) stats(ctx context.Context) *Response {
	stats, err := s.deps.Links.Stats(ctx)
	if err != nil {
		return errorResponse(err)
	}
	return NewResponse(TypeStats, StatsResponse{
		TotalLinks:  stats.TotalLinks,
		TotalClicks: stats.TotalClicks,
		ActiveLinks: stats.ActiveLinks,
	})
}

func (s *Server) importLinks(ctx context.Context, raw json.RawMessage) *Response {
	var in ImportLinksRequest
	if resp := decodeData(raw, &in); resp != nil {
		return resp
	}

	res, err := s.deps.Links.ImportLinks(ctx, in.Links, in.Overwrite)
	if err != nil {
		return errorResponse(err)
	}

	out := ImportResponse{Success: res.Success, Failed: res.Failed}
	for _, issue := range res.Issues {
		out.Errors = append(out.Errors, ImportError{Code: issue.Code, Error: issue.Reason})
	}
	return NewResponse(TypeImportResult, out)
}

func (s *Server) exportLinks(ctx context.Context) *Response {
	links, err := s.deps.Links.ExportLinks(ctx)
	if err != nil {
		return errorResponse(err)
	}
	return NewResponse(TypeExportResult, ExportResponse{Links: links})
}

func (s *Server) getConfig(raw json.RawMessage) *Response {
	var in GetConfigRequest
	if resp := decodeData(raw, &in); resp != nil {
		return resp
	}
	if s.deps.Runtime == nil {
		return NewResponse(TypeConfigResult, ConfigResponse{})
	}

	if in.Key != "" {
		entry, ok := s.deps.Runtime.Get(in.Key)
		if !ok {
			return NewErrorResponse(CodeConfigNotFound, fmt.Sprintf("config key %q not found", in.Key))
		}
		return NewResponse(TypeConfigResult, ConfigResponse{
			Entries: []model.RuntimeConfigEntry{entry.Redacted()},
		})
	}

	entries := s.deps.Runtime.Entries()
	for i := range entries {
		entries[i] = entries[i].Redacted()
	}
	return NewResponse(TypeConfigResult, ConfigResponse{Entries: entries})
}

func (s *Server) setConfig(ctx context.Context, raw json.RawMessage) *Response {
	var in SetConfigRequest
	if resp := decodeData(raw, &in); resp != nil {
		return resp
	}
	if s.deps.Runtime == nil {
		return NewErrorResponse(CodeUnavailable, "runtime config not initialized")
	}

	entry := model.RuntimeConfigEntry{
		Key:         in.Key,
		Value:       in.Value,
		ValueType:   model.ConfigValueType(in.ValueType),
		IsSensitive: in.IsSensitive,
	}
	if entry.Key == "" {
		return NewErrorResponse(CodeValidation, "config key must not be empty")
	}
	if !entry.ValueType.IsValid() {
		return NewErrorResponse(CodeValidation, fmt.Sprintf("unknown value type %q", in.ValueType))
	}

	if err := s.deps.Runtime.Set(ctx, entry); err != nil {
		return errorResponse(err)
	}

	stored, _ := s.deps.Runtime.Get(entry.Key)
	return NewResponse(TypeConfigResult, ConfigResponse{
		Entries: []model.RuntimeConfigEntry{stored.Redacted()},
	})
}
