package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowgen/internal/model"
)

func TestLoadDefaultsWhenMissing(t *testing.T) {
	s := NewStore(NewFileKV(filepath.Join(t.TempDir(), "state.json")), nil)
	sess, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.DefaultDelay, sess.Delay)
	assert.Equal(t, model.DefaultRepeat, sess.Repeat)
	assert.Empty(t, sess.Prompts)
}

func TestSaveLoadClear(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	s := NewStore(NewFileKV(path), nil)

	in := model.PersistedSession{Prompts: "cat\ndog", Delay: 5, Repeat: 3, Generated: 2, Downloaded: 1}
	require.NoError(t, s.Save(ctx, in))

	out, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"flowAutoState"`)

	require.NoError(t, s.Clear(ctx))
	out, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.PersistedSession{}.Normalized(), out)
}

func TestLoadFillsAbsentFields(t *testing.T) {
	ctx := context.Background()
	kv := NewFileKV(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, kv.Set(ctx, model.SessionKey, []byte(`{"prompts":"a","generated":7}`)))

	out, err := NewStore(kv, nil).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 20, out.Delay)
	assert.Equal(t, 1, out.Repeat)
	assert.Equal(t, 7, out.Generated)
}

func TestFileKVKeepsOtherKeys(t *testing.T) {
	ctx := context.Background()
	kv := NewFileKV(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, kv.Set(ctx, "settings", []byte(`{"autoDownload":true}`)))
	require.NoError(t, NewStore(kv, nil).Save(ctx, model.PersistedSession{Prompts: "x"}))

	v, ok, err := kv.Get(ctx, "settings")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"autoDownload":true}`, string(v))

	assert.Error(t, kv.Set(ctx, "bad", []byte("{")))
}

func TestNewRedisKVRejectsBadURL(t *testing.T) {
	_, err := NewRedisKV(context.Background(), "not a url", "flowgen")
	assert.Error(t, err)
}
