package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	somaarrow "github.com/jdblischak/TileDB-SOMA/arrow"
	"github.com/jdblischak/TileDB-SOMA/engine"
	"github.com/jdblischak/TileDB-SOMA/soma"
)

// EventPublisher receives array change notifications: committed writes,
// schema evolutions and consolidation passes. network.Notifier implements it.
type EventPublisher interface {
	NotifyWrite(uri string, cells int) error
	NotifyEvolution(uri, detail string) error
	NotifyConsolidate(uri string) error
}

// ArrowServer is a TCP server that serves array reads and writes as
// Arrow IPC payloads behind a JSON command header.
type ArrowServer struct {
	ctx      *soma.Context
	codec    *somaarrow.Codec
	auth     *Authenticator
	metrics  *Metrics
	events   EventPublisher
	logger   log.Logger
	listener net.Listener
	running  bool
	mu       sync.Mutex
	quit     chan struct{}
}

// NewArrowServer creates a new ArrowServer around an array context. metrics
// and events may be nil.
func NewArrowServer(ctx *soma.Context, auth *Authenticator, metrics *Metrics, events EventPublisher, logger log.Logger) *ArrowServer {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &ArrowServer{
		ctx:     ctx,
		codec:   somaarrow.NewCodec(),
		auth:    auth,
		metrics: metrics,
		events:  events,
		logger:  logger,
		quit:    make(chan struct{}),
	}
}

// Start starts the Arrow server on the specified address.
// This method blocks until the server is stopped or fails.
func (s *ArrowServer) Start(address string) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}

	lis, err := net.Listen("tcp", address)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	s.listener = lis
	s.running = true
	s.mu.Unlock()

	defer s.Stop()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return nil
			default:
				continue
			}
		}

		go s.handleConnection(conn)
	}
}

// StartAsync starts the server in a background goroutine.
func (s *ArrowServer) StartAsync(address string) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}

	lis, err := net.Listen("tcp", address)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	s.listener = lis
	s.running = true
	s.mu.Unlock()

	go func() {
		for {
			conn, err := lis.Accept()
			if err != nil {
				select {
				case <-s.quit:
					return
				default:
					continue
				}
			}
			go s.handleConnection(conn)
		}
	}()

	return nil
}

// Addr returns the bound listener address.
func (s *ArrowServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop stops the server.
func (s *ArrowServer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	s.running = false
	close(s.quit)
	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			level.Warn(s.logger).Log("msg", "listener close failed", "err", err)
		}
	}
}

// handleConnection handles a single client connection. When auth is
// enabled the first message must be an AuthMessage; after that each
// iteration reads one Request header and dispatches it.
func (s *ArrowServer) handleConnection(conn net.Conn) {
	defer conn.Close()

	if s.auth != nil && s.auth.IsEnabled() {
		if err := s.authenticate(conn); err != nil {
			level.Debug(s.logger).Log("msg", "auth rejected", "remote", conn.RemoteAddr(), "err", err)
			return
		}
	}

	for {
		data, err := ReadMessage(conn)
		if err != nil {
			if err != io.EOF {
				level.Debug(s.logger).Log("msg", "read failed", "remote", conn.RemoteAddr(), "err", err)
			}
			return
		}

		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			s.writeError(conn, fmt.Errorf("bad request: %w", err))
			return
		}

		start := time.Now()
		err = s.dispatch(conn, &req)
		status := "ok"
		if err != nil {
			status = "error"
		}
		if s.metrics != nil {
			s.metrics.RecordRequest(req.Op, status, time.Since(start))
		}
		if err != nil {
			// Per-request errors are reported to the client; the
			// connection stays usable.
			if werr := s.writeError(conn, err); werr != nil {
				return
			}
		}
	}
}

// authenticate runs the token handshake.
func (s *ArrowServer) authenticate(conn net.Conn) error {
	data, err := ReadMessage(conn)
	if err != nil {
		return err
	}

	var msg AuthMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type != "auth" {
		s.writeAuthResponse(conn, false, ErrAuthTokenMismatch.Error())
		return ErrAuthTokenMismatch
	}

	if err := s.auth.ValidateToken(msg.Token); err != nil {
		s.writeAuthResponse(conn, false, err.Error())
		return err
	}

	return s.writeAuthResponse(conn, true, "")
}

func (s *ArrowServer) writeAuthResponse(conn net.Conn, success bool, errMsg string) error {
	payload, err := json.Marshal(AuthResponse{Success: success, Error: errMsg})
	if err != nil {
		return err
	}
	return WriteMessage(conn, payload)
}

func (s *ArrowServer) writeResponse(conn net.Conn, resp *Response) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return WriteMessage(conn, payload)
}

func (s *ArrowServer) writeError(conn net.Conn, err error) error {
	return s.writeResponse(conn, &Response{OK: false, Error: err.Error()})
}

func (s *ArrowServer) dispatch(conn net.Conn, req *Request) error {
	switch req.Op {
	case "read":
		return s.handleRead(conn, req)
	case "write":
		return s.handleWrite(conn, req)
	case "nnz":
		return s.handleNNZ(conn, req)
	case "shape":
		return s.handleShape(conn, req)
	case "metadata":
		return s.handleMetadata(conn, req)
	case "consolidate":
		return s.handleConsolidate(conn, req)
	default:
		return fmt.Errorf("unknown op %q", req.Op)
	}
}

func (s *ArrowServer) openArray(req *Request, mode soma.OpenMode) (*soma.Array, error) {
	cfg := soma.DefaultOpenConfig()
	cfg.Columns = req.Columns
	if req.Timestamp != nil {
		cfg.Timestamp = &engine.TimestampRange{Start: req.Timestamp[0], End: req.Timestamp[1]}
	}
	switch req.Order {
	case "", "auto":
		cfg.ResultOrder = soma.ResultOrderAuto
	case "row-major":
		cfg.ResultOrder = soma.ResultOrderRowMajor
	case "col-major":
		cfg.ResultOrder = soma.ResultOrderColMajor
	default:
		return nil, fmt.Errorf("unknown result order %q", req.Order)
	}
	a, err := soma.Open(s.ctx, req.URI, mode, cfg)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.ArrayOpened()
	}
	return a, nil
}

// closeArray closes a handle opened by openArray and keeps the open-handle
// gauge in step.
func (s *ArrowServer) closeArray(a *soma.Array) {
	if a.IsOpen() {
		if err := a.Close(); err != nil {
			level.Warn(s.logger).Log("msg", "array close failed", "uri", a.URI(), "err", err)
		}
	}
	if s.metrics != nil {
		s.metrics.ArrayClosed()
	}
}

// handleRead drains the query, then sends the header followed by one IPC
// payload message per batch.
func (s *ArrowServer) handleRead(conn net.Conn, req *Request) error {
	start := time.Now()
	a, err := s.openArray(req, soma.OpenRead)
	if err != nil {
		return err
	}
	defer s.closeArray(a)

	mem := memory.NewGoAllocator()
	var payloads [][]byte
	cells := 0
	for {
		rec, err := a.ReadNextRecord(mem)
		if err != nil {
			if s.metrics != nil {
				s.metrics.RecordRead(0, false, time.Since(start))
			}
			return err
		}
		if rec == nil {
			break
		}
		cells += int(rec.NumRows())
		payload, err := s.codec.EncodeBatch(rec)
		rec.Release()
		if err != nil {
			return err
		}
		payloads = append(payloads, payload)
	}

	if s.metrics != nil {
		s.metrics.RecordRead(cells, true, time.Since(start))
	}

	if err := s.writeResponse(conn, &Response{OK: true, Batches: len(payloads)}); err != nil {
		return err
	}
	for _, p := range payloads {
		if err := WriteMessage(conn, p); err != nil {
			return err
		}
	}
	return nil
}

// handleWrite reads one IPC payload message following the header and
// writes every record it carries as a single batch.
func (s *ArrowServer) handleWrite(conn net.Conn, req *Request) error {
	start := time.Now()
	payload, err := ReadMessage(conn)
	if err != nil {
		return err
	}

	records, err := s.codec.DecodeBatches(payload)
	if err != nil {
		return err
	}
	defer func() {
		for _, r := range records {
			r.Release()
		}
	}()

	a, err := s.openArray(req, soma.OpenWrite)
	if err != nil {
		return err
	}
	defer s.closeArray(a)

	cells := 0
	extended := 0
	for _, rec := range records {
		if err := a.SetArrayData(rec); err != nil {
			if s.metrics != nil {
				s.metrics.RecordWrite(0, false, time.Since(start))
			}
			return err
		}
		cells += int(rec.NumRows())
		extended += a.StagedEnumExtensions()
		if err := a.Write(req.SortCoords); err != nil {
			if s.metrics != nil {
				s.metrics.RecordWrite(0, false, time.Since(start))
			}
			return err
		}
	}

	if s.metrics != nil {
		s.metrics.RecordWrite(cells, true, time.Since(start))
		if extended > 0 {
			s.metrics.EnumExtensions.Add(float64(extended))
		}
	}
	if s.events != nil {
		if err := s.events.NotifyWrite(req.URI, cells); err != nil {
			level.Warn(s.logger).Log("msg", "write notification failed", "uri", req.URI, "err", err)
		}
		if extended > 0 {
			detail := fmt.Sprintf("enumerations extended: %d", extended)
			if err := s.events.NotifyEvolution(req.URI, detail); err != nil {
				level.Warn(s.logger).Log("msg", "evolution notification failed", "uri", req.URI, "err", err)
			}
		}
	}
	return s.writeResponse(conn, &Response{OK: true})
}

func (s *ArrowServer) handleNNZ(conn net.Conn, req *Request) error {
	a, err := s.openArray(req, soma.OpenRead)
	if err != nil {
		return err
	}
	defer s.closeArray(a)

	n, fast, err := a.NNZInfo()
	if err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.RecordNNZ(fast)
	}
	return s.writeResponse(conn, &Response{OK: true, NNZ: n})
}

func (s *ArrowServer) handleShape(conn net.Conn, req *Request) error {
	a, err := s.openArray(req, soma.OpenRead)
	if err != nil {
		return err
	}
	defer s.closeArray(a)

	shape, err := a.Shape()
	if err != nil {
		return err
	}
	return s.writeResponse(conn, &Response{OK: true, Shape: shape})
}

func (s *ArrowServer) handleMetadata(conn net.Conn, req *Request) error {
	a, err := s.openArray(req, soma.OpenRead)
	if err != nil {
		return err
	}
	defer s.closeArray(a)

	meta := make(map[string]string)
	for key, entry := range a.Metadata() {
		meta[key] = string(entry.Value)
	}
	return s.writeResponse(conn, &Response{OK: true, Meta: meta})
}

func (s *ArrowServer) handleConsolidate(conn net.Conn, req *Request) error {
	a, err := s.openArray(req, soma.OpenWrite)
	if err != nil {
		return err
	}
	defer s.closeArray(a)

	if err := a.ConsolidateAndVacuum(); err != nil {
		return err
	}
	if s.events != nil {
		if err := s.events.NotifyConsolidate(req.URI); err != nil {
			level.Warn(s.logger).Log("msg", "consolidate notification failed", "uri", req.URI, "err", err)
		}
	}
	return s.writeResponse(conn, &Response{OK: true})
}
