package session

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowgen/internal/model"
)

// respServer answers the handful of RESP2 commands RedisKV issues from an
// in-memory map. Everything else gets an error reply, which go-redis
// tolerates during its connection handshake.
type respServer struct {
	ln   net.Listener
	mu   sync.Mutex
	data map[string]string
}

func startRESP(t *testing.T) *respServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &respServer{ln: ln, data: map[string]string{}}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.serve(conn)
		}
	}()
	return s
}

func (s *respServer) url() string {
	return "redis://" + s.ln.Addr().String() + "/0"
}

func (s *respServer) keys() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}
	return out
}

func (s *respServer) serve(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		args, err := readCommand(r)
		if err != nil {
			return
		}
		if _, err := io.WriteString(conn, s.exec(args)); err != nil {
			return
		}
	}
}

func (s *respServer) exec(args []string) string {
	if len(args) == 0 {
		return "-ERR empty command\r\n"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch strings.ToUpper(args[0]) {
	case "PING":
		return "+PONG\r\n"
	case "GET":
		v, ok := s.data[args[1]]
		if !ok {
			return "$-1\r\n"
		}
		return fmt.Sprintf("$%d\r\n%s\r\n", len(v), v)
	case "SET":
		s.data[args[1]] = args[2]
		return "+OK\r\n"
	case "DEL":
		n := 0
		for _, k := range args[1:] {
			if _, ok := s.data[k]; ok {
				delete(s.data, k)
				n++
			}
		}
		return fmt.Sprintf(":%d\r\n", n)
	default:
		return "-ERR unknown command '" + args[0] + "'\r\n"
	}
}

func readCommand(r *bufio.Reader) ([]string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, "*") {
		return strings.Fields(line), nil
	}
	n, err := strconv.Atoi(line[1:])
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, n)
	for i := 0; i < n; i++ {
		head, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		size, err := strconv.Atoi(strings.TrimRight(head, "\r\n")[1:])
		if err != nil {
			return nil, err
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		args = append(args, string(buf[:size]))
	}
	return args, nil
}

func TestRedisKVNamespacesKeys(t *testing.T) {
	srv := startRESP(t)
	ctx := context.Background()

	kv, err := NewRedisKV(ctx, srv.url(), "flowgen")
	require.NoError(t, err)
	defer kv.Close()

	_, ok, err := kv.Get(ctx, "session")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, kv.Set(ctx, "session", []byte(`{"prompts":"a"}`)))
	assert.Equal(t, map[string]string{"flowgen:session": `{"prompts":"a"}`}, srv.keys())

	v, ok, err := kv.Get(ctx, "session")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"prompts":"a"}`, string(v))

	require.NoError(t, kv.Delete(ctx, "session"))
	require.NoError(t, kv.Delete(ctx, "session"))
	assert.Empty(t, srv.keys())
}

func TestStoreRoundTripsThroughRedis(t *testing.T) {
	srv := startRESP(t)
	ctx := context.Background()

	kv, err := NewRedisKV(ctx, srv.url(), "")
	require.NoError(t, err)
	defer kv.Close()

	s := NewStore(kv, nil)
	require.NoError(t, s.Save(ctx, model.PersistedSession{Prompts: "cat\ndog", Delay: 7, Repeat: 2}))
	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "cat\ndog", got.Prompts)
	assert.Equal(t, 7, got.Delay)
	assert.Equal(t, 2, got.Repeat)

	require.NoError(t, s.Clear(ctx))
	assert.Empty(t, srv.keys())
}
