// Package conn provides integration tests for framed listeners over loopback.
package conn

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/salahayoub/restfleet/pkg/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// echoHandler answers every request frame with a response carrying the same body.
type echoHandler struct {
	mu      sync.Mutex
	batches []int
}

func (h *echoHandler) HandleBatch(ctx context.Context, c *Connection, batch []*wire.Frame) error {
	h.mu.Lock()
	h.batches = append(h.batches, len(batch))
	h.mu.Unlock()
	for _, f := range batch {
		if err := c.Reply(wire.MethodResponse, f.Body); err != nil {
			return err
		}
	}
	return nil
}

func startServer(t *testing.T, cfg ServerConfig, h Handler) *Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	srv := NewServer(cfg, ln, NewPool(), h, testLogger())

	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background()) }()
	t.Cleanup(func() {
		srv.Close()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("Server did not stop after Close")
		}
	})
	return srv
}

func selfSignedConfig(t *testing.T) *tls.Config {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "restfleet-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("Failed to create certificate: %v", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
	}
}

// exchange writes all bodies in one burst and reads back the same number of frames.
func exchange(t *testing.T, c net.Conn, bodies ...string) []*wire.Frame {
	t.Helper()
	var out []byte
	for _, b := range bodies {
		var err error
		out, err = wire.AppendFrame(out, wire.MethodRequest, []byte(b), wire.CompressionNone)
		if err != nil {
			t.Fatalf("AppendFrame failed: %v", err)
		}
	}
	c.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.Write(out); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	rd := wire.NewReader(c, nil, 0)
	frames := make([]*wire.Frame, 0, len(bodies))
	for len(frames) < len(bodies) {
		f, err := rd.ReadFrame()
		if err != nil {
			t.Fatalf("ReadFrame failed after %d frames: %v", len(frames), err)
		}
		frames = append(frames, f)
	}
	return frames
}

func checkEcho(t *testing.T, frames []*wire.Frame, bodies ...string) {
	t.Helper()
	for i, f := range frames {
		if f.Method() != wire.MethodResponse {
			t.Errorf("Frame %d: expected response, got %v", i, f.Method())
		}
		if !bytes.Equal(f.Body, []byte(bodies[i])) {
			t.Errorf("Frame %d: expected %q, got %q", i, bodies[i], f.Body)
		}
	}
}

// TestPlainServerEcho verifies framed request/response over a plain listener.
func TestPlainServerEcho(t *testing.T) {
	srv := startServer(t, ServerConfig{Name: "plain", AppBufferSize: 256, Workers: 4, Waiters: 2}, &echoHandler{})

	c, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer c.Close()

	bodies := []string{"GET /a", "GET /b", "POST /c"}
	checkEcho(t, exchange(t, c, bodies...), bodies...)
}

// TestEncryptedServerEcho verifies framed traffic through a TLS session.
func TestEncryptedServerEcho(t *testing.T) {
	cfg := selfSignedConfig(t)
	srv := startServer(t, ServerConfig{
		Name:                "ssl",
		Encrypted:           true,
		TLS:                 cfg,
		AppBufferSize:       1024,
		TransportBufferSize: 17 * 1024,
	}, &echoHandler{})

	c, err := tls.Dial("tcp", srv.Addr().String(), &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("TLS dial failed: %v", err)
	}
	defer c.Close()

	bodies := []string{"one", "two"}
	checkEcho(t, exchange(t, c, bodies...), bodies...)
}

// burstBodies returns n bodies that each fill a 128-byte frame.
func burstBodies(n int) []string {
	body := string(bytes.Repeat([]byte("x"), 128-wire.HeaderSize))
	bodies := make([]string, n)
	for i := range bodies {
		bodies[i] = body
	}
	return bodies
}

func checkBatches(t *testing.T, h *echoHandler, want []int) {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.batches) != len(want) {
		t.Fatalf("Expected batches %v, got %v", want, h.batches)
	}
	for i := range want {
		if h.batches[i] != want[i] {
			t.Fatalf("Expected batches %v, got %v", want, h.batches)
		}
	}
}

// TestPlainBurstIsOneBatch verifies that frames written in one burst reach
// the handler together even when they span several buffer fills.
func TestPlainBurstIsOneBatch(t *testing.T) {
	h := &echoHandler{}
	srv := startServer(t, ServerConfig{Name: "plain", AppBufferSize: 256}, h)

	c, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer c.Close()

	bodies := burstBodies(3)
	checkEcho(t, exchange(t, c, bodies...), bodies...)
	checkBatches(t, h, []int{3})
}

// TestEncryptedBurstIsOneBatch verifies that plaintext already decrypted by
// the TLS layer counts as available, so a burst that ends the app buffer on
// a frame boundary is still delivered as one batch.
func TestEncryptedBurstIsOneBatch(t *testing.T) {
	h := &echoHandler{}
	srv := startServer(t, ServerConfig{
		Name:                "ssl",
		Encrypted:           true,
		TLS:                 selfSignedConfig(t),
		AppBufferSize:       256,
		TransportBufferSize: 17 * 1024,
	}, h)

	c, err := tls.Dial("tcp", srv.Addr().String(), &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("TLS dial failed: %v", err)
	}
	defer c.Close()

	// One Write on the client is one TLS record.
	bodies := burstBodies(3)
	checkEcho(t, exchange(t, c, bodies...), bodies...)
	checkBatches(t, h, []int{3})

	// The connection keeps working after the staged bytes drain.
	checkEcho(t, exchange(t, c, "after"), "after")
}

// TestEncryptedServerDowngrade verifies plaintext peers on the ssl listener
// when TLS is not required.
func TestEncryptedServerDowngrade(t *testing.T) {
	srv := startServer(t, ServerConfig{
		Name:                "ssl",
		Encrypted:           true,
		TLS:                 selfSignedConfig(t),
		TransportBufferSize: 4096,
	}, &echoHandler{})

	c, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer c.Close()

	bodies := []string{"plaintext", "still plaintext"}
	checkEcho(t, exchange(t, c, bodies...), bodies...)
}

// TestEncryptedServerRequireTLS verifies plaintext peers are dropped when TLS is required.
func TestEncryptedServerRequireTLS(t *testing.T) {
	srv := startServer(t, ServerConfig{
		Name:       "ssl",
		Encrypted:  true,
		TLS:        selfSignedConfig(t),
		RequireTLS: true,
	}, &echoHandler{})

	c, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer c.Close()

	frame, _ := wire.AppendFrame(nil, wire.MethodPing, nil, wire.CompressionNone)
	c.Write(frame)
	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := c.Read(make([]byte, 1))
	if err == nil || n != 0 {
		t.Errorf("Expected the server to close the connection, read %d bytes", n)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		t.Error("Expected the server to close the connection, read timed out")
	}
}

// TestServerCloseReclaimsStalledPeers verifies that Close unblocks idle connections.
func TestServerCloseReclaimsStalledPeers(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	srv := NewServer(ServerConfig{Name: "plain"}, ln, nil, &echoHandler{}, testLogger())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background()) }()

	c, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer c.Close()

	deadline := time.Now().Add(2 * time.Second)
	for srv.Connections() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if srv.Connections() != 1 {
		t.Fatalf("Expected 1 open connection, got %d", srv.Connections())
	}

	srv.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Close")
	}
}

// TestProtocolErrorClosesOnlyThatConnection verifies error isolation.
func TestProtocolErrorClosesOnlyThatConnection(t *testing.T) {
	srv := startServer(t, ServerConfig{Name: "plain", Workers: 4}, &echoHandler{})

	good, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer good.Close()
	bad, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer bad.Close()

	bad.Write([]byte("this is not a frame header"))
	bad.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = bad.Read(make([]byte, 1))
	var ne net.Error
	if err == nil || (errors.As(err, &ne) && ne.Timeout()) {
		t.Errorf("Expected the malformed connection to be closed, got %v", err)
	}

	checkEcho(t, exchange(t, good, "ok"), "ok")
}
