package storage

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	logx "boostd/pkg/logx"
)

func TestOpen_UnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := Open(Config{Driver: "etcd"}, logx.Nop())
	require.Error(t, err)
}

func TestKV_RoundTrip(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		open func(t *testing.T) KV
	}{
		{"memory", func(t *testing.T) KV { return NewMemory() }},
		{"file", func(t *testing.T) KV {
			kv, err := Open(Config{Driver: "file", Path: t.TempDir()}, logx.Nop())
			require.NoError(t, err)
			return kv
		}},
		{"sqlite", func(t *testing.T) KV {
			kv, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "boostd.db")}, logx.Nop())
			require.NoError(t, err)
			return kv
		}},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			kv := tc.open(t)
			defer kv.Close()

			_, ok, err := kv.Get(ctx, "timers")
			require.NoError(t, err)
			require.False(t, ok)

			require.NoError(t, kv.Set(ctx, "timers", []byte(`{"v":1}`)))
			require.NoError(t, kv.Set(ctx, "timers", []byte(`{"v":2}`)))

			got, ok, err := kv.Get(ctx, "timers")
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, `{"v":2}`, string(got))

			require.ErrorIs(t, kv.Set(ctx, "../escape", []byte("x")), ErrInvalidKey)
		})
	}
}

func TestFile_RemovesStaleTemp(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	stale := filepath.Join(dir, "timers.json.tmp")
	require.NoError(t, os.WriteFile(stale, []byte("half"), 0o600))

	kv, err := Open(Config{Driver: "file", Path: dir}, logx.Nop())
	require.NoError(t, err)
	defer kv.Close()

	_, err = os.Stat(stale)
	require.True(t, os.IsNotExist(err))
	_, ok, err := kv.Get(context.Background(), "timers")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemory_Closed(t *testing.T) {
	t.Parallel()
	kv := NewMemory()
	require.NoError(t, kv.Close())
	require.ErrorIs(t, kv.Set(context.Background(), "k", nil), ErrClosed)
}

func TestSQLite_SetUsesUpsert(t *testing.T) {
	t.Parallel()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS kv")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO kv(key, value, updated_at)")).
		WithArgs("wakes", []byte("[]"), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT value FROM kv WHERE key = ?")).
		WithArgs("wakes").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow([]byte("[]")))

	st, err := newSQLiteStore(context.Background(), db, logx.Nop())
	require.NoError(t, err)

	require.NoError(t, st.Set(context.Background(), "wakes", []byte("[]")))
	v, ok, err := st.Get(context.Background(), "wakes")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "[]", string(v))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLite_GetMissing(t *testing.T) {
	t.Parallel()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT value FROM kv").
		WithArgs("timers").
		WillReturnRows(sqlmock.NewRows([]string{"value"}))

	st, err := newSQLiteStore(context.Background(), db, logx.Nop())
	require.NoError(t, err)
	_, ok, err := st.Get(context.Background(), "timers")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}
