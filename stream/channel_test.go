package stream

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/go-securechan/securechan/frame"
	"github.com/go-securechan/securechan/handshake"
)

// newPipePair builds a connected client/server channel pair over an
// in-memory pipe. The client's role is fixed by its first send; the
// server's is fixed at construction.
func newPipePair(opts Options) (*Channel, *Channel) {
	clientConn, serverConn := net.Pipe()
	client := NewChannel(clientConn, opts)
	server := NewServerChannel(serverConn, opts)
	return client, server
}

func TestRoundTripInOrder(t *testing.T) {
	ctx := context.Background()
	client, server := newPipePair(Options{})
	defer func() { _ = client.Close() }()
	defer func() { _ = server.Close() }()

	wantStr := "你好123ABbc"
	wantBytes := []byte{3, 4, 5, 6, 7}
	const wantInt = int32(11223344)

	errCh := make(chan error, 1)
	go func() {
		s := wantStr
		if _, err := client.SendString(ctx, &s); err != nil {
			errCh <- fmt.Errorf("SendString: %w", err)
			return
		}
		if _, err := client.SendBytes(ctx, wantBytes); err != nil {
			errCh <- fmt.Errorf("SendBytes: %w", err)
			return
		}
		if _, err := client.SendInt32(ctx, wantInt); err != nil {
			errCh <- fmt.Errorf("SendInt32: %w", err)
			return
		}
		if _, err := client.SendString(ctx, nil); err != nil {
			errCh <- fmt.Errorf("SendString(nil): %w", err)
			return
		}
		if _, err := client.SendBytes(ctx, nil); err != nil {
			errCh <- fmt.Errorf("SendBytes(nil): %w", err)
			return
		}
		errCh <- nil
	}()

	gotStr, err := server.ReceiveString(ctx)
	if err != nil {
		t.Fatalf("ReceiveString failed: %v", err)
	}
	if gotStr == nil || *gotStr != wantStr {
		t.Errorf("String mismatch: got %v, want %q", gotStr, wantStr)
	}

	gotBytes, err := server.ReceiveBytes(ctx)
	if err != nil {
		t.Fatalf("ReceiveBytes failed: %v", err)
	}
	if !bytes.Equal(gotBytes, wantBytes) {
		t.Errorf("Bytes mismatch: got %v, want %v", gotBytes, wantBytes)
	}

	gotInt, err := server.ReceiveInt32(ctx)
	if err != nil {
		t.Fatalf("ReceiveInt32 failed: %v", err)
	}
	if gotInt != wantInt {
		t.Errorf("Int mismatch: got %d, want %d", gotInt, wantInt)
	}

	// Both sentinels must surface as nil.
	if got, err := server.ReceiveString(ctx); err != nil || got != nil {
		t.Errorf("String sentinel: got (%v, %v), want (nil, nil)", got, err)
	}
	if got, err := server.ReceiveBytes(ctx); err != nil || got != nil {
		t.Errorf("Byte sentinel: got (%v, %v), want (nil, nil)", got, err)
	}

	if err := <-errCh; err != nil {
		t.Fatalf("Client side failed: %v", err)
	}

	if client.Role() != handshake.RoleClient {
		t.Errorf("Expected client role, got %v", client.Role())
	}
	if server.Role() != handshake.RoleServer {
		t.Errorf("Expected server role, got %v", server.Role())
	}
	if client.State() != handshake.StateEstablished {
		t.Errorf("Client state: got %v, want established", client.State())
	}
}

func TestEmptyAndNonNilMessagesSurvive(t *testing.T) {
	ctx := context.Background()
	client, server := newPipePair(Options{})
	defer func() { _ = client.Close() }()
	defer func() { _ = server.Close() }()

	go func() {
		empty := ""
		_, _ = client.SendString(ctx, &empty)
		_, _ = client.SendBytes(ctx, []byte{})
	}()

	gotStr, err := server.ReceiveString(ctx)
	if err != nil {
		t.Fatalf("ReceiveString failed: %v", err)
	}
	if gotStr == nil || *gotStr != "" {
		t.Errorf("Empty string did not survive: got %v", gotStr)
	}

	gotBytes, err := server.ReceiveBytes(ctx)
	if err != nil {
		t.Fatalf("ReceiveBytes failed: %v", err)
	}
	if gotBytes == nil || len(gotBytes) != 0 {
		t.Errorf("Empty byte slice did not survive: got %v", gotBytes)
	}
}

func TestPSKAuthenticatedRoundTrip(t *testing.T) {
	ctx := context.Background()
	psk := make([]byte, 16)
	if _, err := rand.Read(psk); err != nil {
		t.Fatalf("Failed to generate PSK: %v", err)
	}

	client, server := newPipePair(Options{PSK: psk})
	defer func() { _ = client.Close() }()
	defer func() { _ = server.Close() }()

	go func() {
		ping := "ping"
		_, _ = client.SendString(ctx, &ping)
	}()

	got, err := server.ReceiveString(ctx)
	if err != nil {
		t.Fatalf("ReceiveString failed: %v", err)
	}
	if got == nil || *got != "ping" {
		t.Errorf("Expected ping, got %v", got)
	}
}

func TestPSKMismatchRejectsHandshake(t *testing.T) {
	ctx := context.Background()
	clientConn, serverConn := net.Pipe()
	client := NewChannel(clientConn, Options{PSK: []byte("pskA-pskA-pskA-A")})
	server := NewServerChannel(serverConn, Options{PSK: []byte("pskB-pskB-pskB-B")})
	defer func() { _ = client.Close() }()
	defer func() { _ = server.Close() }()

	clientErr := make(chan error, 1)
	go func() {
		msg := "should not arrive"
		_, err := client.SendString(ctx, &msg)
		clientErr <- err
	}()

	start := time.Now()
	_, err := server.ReceiveString(ctx)
	if !errors.Is(err, handshake.ErrHandshakeAuthFailed) {
		t.Fatalf("Server: expected ErrHandshakeAuthFailed, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > DefaultZombieDefenseTimeout+time.Second {
		t.Errorf("Rejection took %v, want under the defense window", elapsed)
	}
	if !server.IsClosed() {
		t.Error("Server channel should be closed after auth failure")
	}

	if err := <-clientErr; !errors.Is(err, handshake.ErrHandshakeAuthFailed) {
		t.Errorf("Client: expected ErrHandshakeAuthFailed, got %v", err)
	}
}

func TestConcurrentSendersProduceWholeFrames(t *testing.T) {
	ctx := context.Background()
	client, server := newPipePair(Options{})
	defer func() { _ = client.Close() }()
	defer func() { _ = server.Close() }()

	const perSender = 25
	var wg sync.WaitGroup
	for _, prefix := range []string{"alpha", "beta"} {
		wg.Add(1)
		go func(prefix string) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				msg := fmt.Sprintf("%s-%d", prefix, i)
				if _, err := client.SendString(ctx, &msg); err != nil {
					t.Errorf("SendString(%s): %v", msg, err)
					return
				}
			}
		}(prefix)
	}

	// Every frame must decrypt cleanly and parse as one of the expected
	// messages; an interleaved frame would fail authentication.
	seen := make(map[string]bool)
	for i := 0; i < 2*perSender; i++ {
		got, err := server.ReceiveString(ctx)
		if err != nil {
			t.Fatalf("ReceiveString %d failed: %v", i, err)
		}
		if got == nil {
			t.Fatalf("Unexpected sentinel at message %d", i)
		}
		if seen[*got] {
			t.Errorf("Duplicate message %q", *got)
		}
		seen[*got] = true
	}
	wg.Wait()
	if len(seen) != 2*perSender {
		t.Errorf("Received %d distinct messages, want %d", len(seen), 2*perSender)
	}
}

func TestBrokenPipeCoalescing(t *testing.T) {
	ctx := context.Background()
	client, server := newPipePair(Options{})
	defer func() { _ = client.Close() }()

	// Establish the session first.
	go func() {
		hello := "hello"
		_, _ = client.SendString(ctx, &hello)
	}()
	if _, err := server.ReceiveString(ctx); err != nil {
		t.Fatalf("Setup receive failed: %v", err)
	}

	// Kill the server side; the client's next send hits a closed pipe.
	_ = server.Close()

	msg := "into the void"
	n, err := client.SendString(ctx, &msg)
	if err != nil {
		t.Fatalf("Broken send should not error, got %v", err)
	}
	if n != -1 {
		t.Errorf("Broken send returned %d, want -1", n)
	}
	if !client.IsBroken() {
		t.Error("Channel should be marked broken")
	}

	// Subsequent operations stay silent no-ops.
	if n, err := client.SendString(ctx, &msg); n != -1 || err != nil {
		t.Errorf("Second broken send: got (%d, %v), want (-1, nil)", n, err)
	}
	if got, err := client.ReceiveString(ctx); got != nil || err != nil {
		t.Errorf("Broken receive: got (%v, %v), want (nil, nil)", got, err)
	}
	if n, err := client.ReceiveInt32(ctx); n != -1 || err != nil {
		t.Errorf("Broken int receive: got (%d, %v), want (-1, nil)", n, err)
	}
}

func TestPeerCloseSurfacesPeerClosed(t *testing.T) {
	ctx := context.Background()
	client, server := newPipePair(Options{})
	defer func() { _ = client.Close() }()

	go func() {
		hello := "hello"
		_, _ = client.SendString(ctx, &hello)
	}()
	if _, err := server.ReceiveString(ctx); err != nil {
		t.Fatalf("Setup receive failed: %v", err)
	}

	// A clean close from the client is end-of-stream, not corruption.
	_ = client.Close()
	_, err := server.ReceiveString(ctx)
	if !errors.Is(err, frame.ErrPeerClosed) {
		t.Fatalf("Expected ErrPeerClosed, got %v", err)
	}
	if server.IsBroken() {
		t.Error("Clean EOF must not mark the channel broken")
	}
	if !server.IsClosed() {
		t.Error("Channel should close itself on peer EOF")
	}
}

func TestSendTooLargeRejectedBeforeWire(t *testing.T) {
	ctx := context.Background()
	client, server := newPipePair(Options{MaxFrameSize: 256})
	defer func() { _ = client.Close() }()
	defer func() { _ = server.Close() }()

	go func() {
		tiny := "establish"
		_, _ = client.SendString(ctx, &tiny)
	}()
	if _, err := server.ReceiveString(ctx); err != nil {
		t.Fatalf("Setup receive failed: %v", err)
	}

	_, err := client.SendBytes(ctx, make([]byte, 300))
	if !errors.Is(err, frame.ErrFrameTooLarge) {
		t.Fatalf("Expected ErrFrameTooLarge, got %v", err)
	}
	if client.IsBroken() {
		t.Error("Oversized send must not break the channel: nothing hit the wire")
	}

	// The channel stays usable.
	go func() {
		still := "still here"
		_, _ = client.SendString(ctx, &still)
	}()
	got, err := server.ReceiveString(ctx)
	if err != nil || got == nil || *got != "still here" {
		t.Errorf("Channel unusable after rejected send: got (%v, %v)", got, err)
	}
}

func TestReceiveTooLargeAborts(t *testing.T) {
	ctx := context.Background()
	clientConn, serverConn := net.Pipe()
	// Asymmetric limits: the client may send what the server must
	// refuse to allocate.
	client := NewChannel(clientConn, Options{MaxFrameSize: 1024})
	server := NewServerChannel(serverConn, Options{MaxFrameSize: 64})
	defer func() { _ = client.Close() }()
	defer func() { _ = server.Close() }()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = client.SendBytes(ctx, make([]byte, 100))
	}()

	_, err := server.ReceiveBytes(ctx)
	if !errors.Is(err, frame.ErrFrameTooLarge) {
		t.Fatalf("Expected ErrFrameTooLarge, got %v", err)
	}
	if !server.IsBroken() {
		t.Error("Oversized inbound frame must mark the channel broken")
	}
	<-done
}

func TestRecoverableTimeoutBeforeHeader(t *testing.T) {
	ctx := context.Background()
	client, server := newPipePair(Options{})
	defer func() { _ = client.Close() }()
	defer func() { _ = server.Close() }()

	go func() {
		hello := "hello"
		_, _ = client.SendString(ctx, &hello)
	}()
	if _, err := server.ReceiveString(ctx); err != nil {
		t.Fatalf("Setup receive failed: %v", err)
	}

	// No data pending: the receive times out cleanly and the channel
	// survives.
	server.SetTimeout(50 * time.Millisecond)
	_, err := server.ReceiveString(ctx)
	if err == nil || !frame.IsTimeout(err) {
		t.Fatalf("Expected a timeout, got %v", err)
	}
	if server.IsBroken() {
		t.Error("Pre-header timeout must not break the channel")
	}

	// A later message still goes through.
	server.SetTimeout(0)
	go func() {
		later := "later"
		_, _ = client.SendString(ctx, &later)
	}()
	got, err := server.ReceiveString(ctx)
	if err != nil || got == nil || *got != "later" {
		t.Errorf("Post-timeout receive: got (%v, %v)", got, err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	client, server := newPipePair(Options{})
	defer func() { _ = server.Close() }()

	for i := 0; i < 3; i++ {
		if err := client.Close(); err != nil && i > 0 {
			t.Errorf("Close call %d returned %v, want nil", i, err)
		}
	}
	if client.State() != handshake.StateClosed {
		t.Errorf("State after close: got %v, want closed", client.State())
	}
	if !client.IsClosed() {
		t.Error("IsClosed should report true")
	}
}

func TestSecretRoundTrip(t *testing.T) {
	ctx := context.Background()
	client, server := newPipePair(Options{})
	defer func() { _ = client.Close() }()
	defer func() { _ = server.Close() }()

	go func() {
		_ = client.SendSecret(ctx, "hunter2")
	}()
	got, err := server.ReceiveSecret(ctx)
	if err != nil {
		t.Fatalf("ReceiveSecret failed: %v", err)
	}
	if got != "hunter2" {
		t.Errorf("Secret mismatch: got %q", got)
	}
}

func TestIdentityAssertion(t *testing.T) {
	ctx := context.Background()
	psk := make([]byte, 32)
	if _, err := rand.Read(psk); err != nil {
		t.Fatalf("Failed to generate PSK: %v", err)
	}
	client, server := newPipePair(Options{PSK: psk})
	defer func() { _ = client.Close() }()
	defer func() { _ = server.Close() }()

	go func() {
		_ = client.AssertIdentity(ctx, "alice", time.Minute)
	}()
	subject, err := server.VerifyIdentity(ctx)
	if err != nil {
		t.Fatalf("VerifyIdentity failed: %v", err)
	}
	if subject != "alice" {
		t.Errorf("Subject mismatch: got %q, want alice", subject)
	}
}

func TestFileTransfer(t *testing.T) {
	ctx := context.Background()
	client, server := newPipePair(Options{})
	defer func() { _ = client.Close() }()
	defer func() { _ = server.Close() }()

	dir := t.TempDir()
	srcPath := filepath.Join(dir, "src.bin")
	dstPath := filepath.Join(dir, "dst.bin")

	// Three chunks: two full, one partial.
	content := make([]byte, fileChunkSize*2+1234)
	if _, err := rand.Read(content); err != nil {
		t.Fatalf("Failed to generate content: %v", err)
	}
	if err := os.WriteFile(srcPath, content, 0644); err != nil {
		t.Fatalf("Failed to write source file: %v", err)
	}

	sendErr := make(chan error, 1)
	go func() {
		_, err := client.SendFile(ctx, srcPath)
		sendErr <- err
	}()

	received, err := server.ReceiveFile(ctx, dstPath)
	if err != nil {
		t.Fatalf("ReceiveFile failed: %v", err)
	}
	if err := <-sendErr; err != nil {
		t.Fatalf("SendFile failed: %v", err)
	}
	if received != int64(len(content)) {
		t.Errorf("Received %d bytes, want %d", received, len(content))
	}

	got, err := os.ReadFile(dstPath)
	if err != nil {
		t.Fatalf("Failed to read destination file: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Error("File content mismatch after transfer")
	}
}

func TestStatisticsAccumulate(t *testing.T) {
	ctx := context.Background()
	client, server := newPipePair(Options{})
	defer func() { _ = client.Close() }()
	defer func() { _ = server.Close() }()

	sent := make(chan struct{})
	go func() {
		defer close(sent)
		msg := "count me"
		_, _ = client.SendString(ctx, &msg)
	}()
	if _, err := server.ReceiveString(ctx); err != nil {
		t.Fatalf("ReceiveString failed: %v", err)
	}
	// The sender counts a frame only once its write has returned.
	<-sent

	// Handshake plus one data frame in each tracked direction.
	if client.FramesSent() < 2 {
		t.Errorf("Client FramesSent = %d, want at least 2", client.FramesSent())
	}
	if server.FramesReceived() < 2 {
		t.Errorf("Server FramesReceived = %d, want at least 2", server.FramesReceived())
	}
	if client.BytesSent() == 0 || server.BytesReceived() == 0 {
		t.Error("Byte counters should be non-zero after traffic")
	}
}
