package api

import (
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	somaarrow "github.com/jdblischak/TileDB-SOMA/arrow"
	"github.com/jdblischak/TileDB-SOMA/engine"
	"github.com/jdblischak/TileDB-SOMA/soma"
)

func testContext() *soma.Context {
	return soma.NewContext(engine.NewStore(), nil)
}

// seedArray creates a one-dimensional sparse array and writes ids 0..n-1
// with counts 10*i.
func seedArray(t *testing.T, ctx *soma.Context, uri string, n int) {
	t.Helper()

	schema := engine.NewArraySchema(engine.Sparse, []engine.Dimension{
		{Name: soma.SOMAJoinIDName, Type: engine.TypeInt64, Domain: engine.IntRange(0, 1<<20)},
	})
	if err := schema.AddAttribute(engine.Attribute{Name: "count", Type: engine.TypeInt32}); err != nil {
		t.Fatalf("AddAttribute: %v", err)
	}
	if err := soma.Create(ctx, uri, schema, "SOMASparseNDArray", nil); err != nil {
		t.Fatalf("Create: %v", err)
	}

	a, err := soma.Open(ctx, uri, soma.OpenWrite, soma.DefaultOpenConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()

	mem := memory.NewGoAllocator()
	ib := array.NewInt64Builder(mem)
	defer ib.Release()
	cb := array.NewInt32Builder(mem)
	defer cb.Release()
	for i := 0; i < n; i++ {
		ib.Append(int64(i))
		cb.Append(int32(10 * i))
	}
	ids := ib.NewArray()
	defer ids.Release()
	counts := cb.NewArray()
	defer counts.Release()

	if err := a.SetColumnData(soma.SOMAJoinIDName, ids); err != nil {
		t.Fatalf("SetColumnData: %v", err)
	}
	if err := a.SetColumnData("count", counts); err != nil {
		t.Fatalf("SetColumnData: %v", err)
	}
	if err := a.Write(true); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

func startServer(t *testing.T, ctx *soma.Context, auth *Authenticator) (*ArrowServer, net.Conn) {
	t.Helper()
	return startServerWithEvents(t, ctx, auth, nil)
}

func startServerWithEvents(t *testing.T, ctx *soma.Context, auth *Authenticator, events EventPublisher) (*ArrowServer, net.Conn) {
	t.Helper()

	server := NewArrowServer(ctx, auth, nil, events, nil)
	if err := server.StartAsync("127.0.0.1:0"); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(server.Stop)

	time.Sleep(100 * time.Millisecond)

	conn, err := net.Dial("tcp", server.Addr().String())
	if err != nil {
		t.Fatalf("Failed to connect to server: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return server, conn
}

func sendRequest(t *testing.T, conn net.Conn, req *Request) *Response {
	t.Helper()

	payload, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := WriteMessage(conn, payload); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	data, err := ReadMessage(conn)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	return &resp
}

func TestServerNNZAndShape(t *testing.T) {
	ctx := testContext()
	seedArray(t, ctx, "mem://counts", 5)
	_, conn := startServer(t, ctx, nil)

	resp := sendRequest(t, conn, &Request{Op: "nnz", URI: "mem://counts"})
	if !resp.OK {
		t.Fatalf("nnz failed: %s", resp.Error)
	}
	if resp.NNZ != 5 {
		t.Errorf("Expected nnz 5, got %d", resp.NNZ)
	}

	resp = sendRequest(t, conn, &Request{Op: "shape", URI: "mem://counts"})
	if !resp.OK {
		t.Fatalf("shape failed: %s", resp.Error)
	}
	if len(resp.Shape) != 1 || resp.Shape[0] != 1<<20+1 {
		t.Errorf("Unexpected shape: %v", resp.Shape)
	}
}

func TestServerReadStreamsBatches(t *testing.T) {
	ctx := testContext()
	seedArray(t, ctx, "mem://counts", 5)
	_, conn := startServer(t, ctx, nil)

	resp := sendRequest(t, conn, &Request{Op: "read", URI: "mem://counts", Order: "row-major"})
	if !resp.OK {
		t.Fatalf("read failed: %s", resp.Error)
	}
	if resp.Batches < 1 {
		t.Fatalf("Expected at least one batch, got %d", resp.Batches)
	}

	codec := somaarrow.NewCodec()
	rows := int64(0)
	for i := 0; i < resp.Batches; i++ {
		payload, err := ReadMessage(conn)
		if err != nil {
			t.Fatalf("Batch %d: %v", i, err)
		}
		rec, err := codec.DecodeBatch(payload)
		if err != nil {
			t.Fatalf("Batch %d decode: %v", i, err)
		}
		rows += rec.NumRows()
		if rec.NumCols() != 2 {
			t.Errorf("Batch %d: expected 2 columns, got %d", i, rec.NumCols())
		}
		rec.Release()
	}
	if rows != 5 {
		t.Errorf("Expected 5 rows across batches, got %d", rows)
	}
}

func TestServerErrorKeepsConnectionUsable(t *testing.T) {
	ctx := testContext()
	seedArray(t, ctx, "mem://counts", 3)
	_, conn := startServer(t, ctx, nil)

	resp := sendRequest(t, conn, &Request{Op: "nnz", URI: "mem://missing"})
	if resp.OK {
		t.Error("Expected error for unknown array")
	}

	resp = sendRequest(t, conn, &Request{Op: "nnz", URI: "mem://counts"})
	if !resp.OK || resp.NNZ != 3 {
		t.Errorf("Connection unusable after error: %+v", resp)
	}
}

func TestServerAuthHandshake(t *testing.T) {
	ctx := testContext()
	seedArray(t, ctx, "mem://counts", 2)
	auth := NewAuthenticator(AuthConfig{Enabled: true, Token: "secret"})
	_, conn := startServer(t, ctx, auth)

	payload, _ := json.Marshal(AuthMessage{Type: "auth", Token: "secret"})
	if err := WriteMessage(conn, payload); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	data, err := ReadMessage(conn)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var authResp AuthResponse
	if err := json.Unmarshal(data, &authResp); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !authResp.Success {
		t.Fatalf("Auth rejected: %s", authResp.Error)
	}

	resp := sendRequest(t, conn, &Request{Op: "nnz", URI: "mem://counts"})
	if !resp.OK || resp.NNZ != 2 {
		t.Errorf("Request after auth failed: %+v", resp)
	}
}

func TestServerAuthRejectsBadToken(t *testing.T) {
	ctx := testContext()
	auth := NewAuthenticator(AuthConfig{Enabled: true, Token: "secret"})
	_, conn := startServer(t, ctx, auth)

	payload, _ := json.Marshal(AuthMessage{Type: "auth", Token: "wrong"})
	if err := WriteMessage(conn, payload); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	data, err := ReadMessage(conn)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var authResp AuthResponse
	if err := json.Unmarshal(data, &authResp); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if authResp.Success {
		t.Error("Expected auth rejection for wrong token")
	}
}

func TestValidateToken(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{Enabled: true, Token: "secret"})

	if err := auth.ValidateToken("secret"); err != nil {
		t.Errorf("Valid token rejected: %v", err)
	}
	if err := auth.ValidateToken(""); err != ErrAuthRequired {
		t.Errorf("Expected ErrAuthRequired, got %v", err)
	}
	if err := auth.ValidateToken("nope"); err != ErrAuthTokenMismatch {
		t.Errorf("Expected ErrAuthTokenMismatch, got %v", err)
	}

	disabled := NewAuthenticator(AuthConfig{Enabled: false})
	if err := disabled.ValidateToken(""); err != nil {
		t.Errorf("Disabled auth should allow all, got %v", err)
	}
}

// recordingPublisher captures change notifications for assertions.
type recordingPublisher struct {
	mu     sync.Mutex
	writes []string
	evos   []string
	consos []string
	cells  int
}

func (p *recordingPublisher) NotifyWrite(uri string, cells int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes = append(p.writes, uri)
	p.cells += cells
	return nil
}

func (p *recordingPublisher) NotifyEvolution(uri, detail string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evos = append(p.evos, uri+": "+detail)
	return nil
}

func (p *recordingPublisher) NotifyConsolidate(uri string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consos = append(p.consos, uri)
	return nil
}

func TestServerWritePublishesChangeEvents(t *testing.T) {
	ctx := testContext()
	seedArray(t, ctx, "mem://counts", 3)
	events := &recordingPublisher{}
	_, conn := startServerWithEvents(t, ctx, nil, events)

	mem := memory.NewGoAllocator()
	schema := arrow.NewSchema([]arrow.Field{
		{Name: soma.SOMAJoinIDName, Type: arrow.PrimitiveTypes.Int64},
		{Name: "count", Type: arrow.PrimitiveTypes.Int32},
	}, nil)
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()
	b.Field(0).(*array.Int64Builder).AppendValues([]int64{100, 101}, nil)
	b.Field(1).(*array.Int32Builder).AppendValues([]int32{7, 8}, nil)
	rec := b.NewRecord()
	defer rec.Release()

	codec := somaarrow.NewCodec()
	payload, err := codec.EncodeBatches([]arrow.Record{rec})
	if err != nil {
		t.Fatalf("EncodeBatches: %v", err)
	}

	header, _ := json.Marshal(&Request{Op: "write", URI: "mem://counts", SortCoords: true})
	if err := WriteMessage(conn, header); err != nil {
		t.Fatalf("WriteMessage header: %v", err)
	}
	if err := WriteMessage(conn, payload); err != nil {
		t.Fatalf("WriteMessage payload: %v", err)
	}
	data, err := ReadMessage(conn)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !resp.OK {
		t.Fatalf("write failed: %s", resp.Error)
	}

	events.mu.Lock()
	writes, cells := len(events.writes), events.cells
	events.mu.Unlock()
	if writes != 1 || cells != 2 {
		t.Errorf("Expected 1 write event for 2 cells, got %d events for %d cells", writes, cells)
	}

	resp2 := sendRequest(t, conn, &Request{Op: "consolidate", URI: "mem://counts"})
	if !resp2.OK {
		t.Fatalf("consolidate failed: %s", resp2.Error)
	}
	events.mu.Lock()
	consos := len(events.consos)
	events.mu.Unlock()
	if consos != 1 {
		t.Errorf("Expected 1 consolidate event, got %d", consos)
	}

	resp3 := sendRequest(t, conn, &Request{Op: "nnz", URI: "mem://counts"})
	if !resp3.OK || resp3.NNZ != 5 {
		t.Errorf("Expected nnz 5 after write and consolidation, got %+v", resp3)
	}
}

func TestAuthenticatorFromEnv(t *testing.T) {
	t.Setenv("SOMA_AUTH_ENABLED", "true")
	t.Setenv("SOMA_AUTH_TOKEN", "secret")
	auth, err := NewAuthenticatorFromEnv(nil)
	if err != nil {
		t.Fatalf("NewAuthenticatorFromEnv: %v", err)
	}
	if !auth.IsEnabled() || auth.GetToken() != "secret" {
		t.Errorf("Expected enabled auth with configured token, got enabled=%v token=%q",
			auth.IsEnabled(), auth.GetToken())
	}

	t.Setenv("SOMA_AUTH_TOKEN", "")
	auth, err = NewAuthenticatorFromEnv(nil)
	if err != nil {
		t.Fatalf("NewAuthenticatorFromEnv: %v", err)
	}
	if !auth.IsEnabled() || auth.GetToken() == "" {
		t.Error("Expected a generated token when auth is enabled without one")
	}

	t.Setenv("SOMA_AUTH_ENABLED", "false")
	auth, err = NewAuthenticatorFromEnv(nil)
	if err != nil {
		t.Fatalf("NewAuthenticatorFromEnv: %v", err)
	}
	if auth.IsEnabled() {
		t.Error("Expected auth disabled when SOMA_AUTH_ENABLED is false")
	}
	if err := auth.ValidateToken(""); err != nil {
		t.Errorf("Disabled auth should accept any token, got %v", err)
	}
}
