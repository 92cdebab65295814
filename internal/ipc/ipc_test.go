package ipc

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/HerbHall/netsweep/internal/testutil"
)

func TestSerializeRoundTrip(t *testing.T) {
	var b []byte
	b = AppendUint8(b, 2)
	b = AppendUint16(b, 5)
	b = AppendUint32(b, 70000)
	b = AppendUint64(b, 1<<40)
	b = AppendInt32(b, -1)
	b = AppendFloat64(b, 0.25)
	b = AppendString(b, "60s")

	r := NewReader(b)
	if got := r.Uint8(); got != 2 {
		t.Errorf("Uint8 = %d", got)
	}
	if got := r.Uint16(); got != 5 {
		t.Errorf("Uint16 = %d", got)
	}
	if got := r.Uint32(); got != 70000 {
		t.Errorf("Uint32 = %d", got)
	}
	if got := r.Uint64(); got != 1<<40 {
		t.Errorf("Uint64 = %d", got)
	}
	if got := r.Int32(); got != -1 {
		t.Errorf("Int32 = %d", got)
	}
	if got := r.Float64(); got != 0.25 {
		t.Errorf("Float64 = %f", got)
	}
	if got := r.String(); got != "60s" {
		t.Errorf("String = %q", got)
	}
	if err := r.Err(); err != nil {
		t.Errorf("Err() = %v", err)
	}
	if r.Remaining() != 0 {
		t.Errorf("Remaining() = %d", r.Remaining())
	}
}

func TestSerializeLittleEndian(t *testing.T) {
	b := AppendUint32(nil, 0x01020304)
	want := []byte{0x04, 0x03, 0x02, 0x01}
	if !bytes.Equal(b, want) {
		t.Errorf("u32 encoding = %x, want %x", b, want)
	}
}

func TestReaderShortPayload(t *testing.T) {
	r := NewReader([]byte{0x01, 0x02})
	_ = r.Uint64()
	if r.Err() == nil {
		t.Error("reading u64 from 2 bytes should error")
	}
	// Subsequent reads keep returning zero values without panic.
	if got := r.Uint32(); got != 0 {
		t.Errorf("Uint32 after error = %d", got)
	}
}

func TestServiceRequestReply(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.sock")
	svc, err := NewService(path, testutil.Logger())
	require.NoError(t, err)
	defer svc.Close()

	conn, err := Dial(path, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Send(7, AppendUint64(nil, 42)))

	client, msg, err := svc.Recv(2 * time.Second)
	require.NoError(t, err)
	if msg.Code != 7 {
		t.Fatalf("code = %d, want 7", msg.Code)
	}
	if got := NewReader(msg.Data).Uint64(); got != 42 {
		t.Fatalf("payload = %d, want 42", got)
	}

	require.NoError(t, client.Send(7, AppendUint64(nil, 43)))

	reply, err := conn.Recv(2 * time.Second)
	require.NoError(t, err)
	if got := NewReader(reply.Data).Uint64(); got != 43 {
		t.Fatalf("reply payload = %d, want 43", got)
	}
}

func TestServiceRecvTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.sock")
	svc, err := NewService(path, testutil.Logger())
	require.NoError(t, err)
	defer svc.Close()

	start := time.Now()
	_, _, err = svc.Recv(50 * time.Millisecond)
	if err != ErrTimeout {
		t.Fatalf("Recv error = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
}

func TestServiceMultipleClients(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.sock")
	svc, err := NewService(path, testutil.Logger())
	require.NoError(t, err)
	defer svc.Close()

	for i := uint64(0); i < 3; i++ {
		conn, err := Dial(path, time.Second)
		require.NoError(t, err)
		require.NoError(t, conn.Send(1, AppendUint64(nil, i)))
		defer conn.Close()
	}

	seen := make(map[uint64]bool)
	for i := 0; i < 3; i++ {
		_, msg, err := svc.Recv(2 * time.Second)
		require.NoError(t, err)
		seen[NewReader(msg.Data).Uint64()] = true
	}
	if len(seen) != 3 {
		t.Errorf("received %d distinct payloads, want 3", len(seen))
	}
}

func TestServiceRebindsStaleSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.sock")

	svc, err := NewService(path, testutil.Logger())
	require.NoError(t, err)
	svc.Close()

	// Leave a stale file at the path; a second bind must replace it.
	require.NoError(t, os.WriteFile(path, nil, 0o600))
	svc2, err := NewService(path, testutil.Logger())
	require.NoError(t, err)
	svc2.Close()
}
