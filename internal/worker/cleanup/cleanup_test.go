package cleanup

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/cfpman/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// fakeDB はsql.DBのExecContextをモックするための構造体。
// テストではPostgreSQLを使わず、SQLクエリの内容と引数を検証する。
type fakeResult struct {
	rowsAffected int64
}

func (r *fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r *fakeResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

// Executor インターフェースに対するモック実装
type mockExecutor struct {
	execCalled bool
	query      string
	args       []any
	result     sql.Result
	err        error
}

func (m *mockExecutor) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	m.execCalled = true
	m.query = query
	m.args = args
	return m.result, m.err
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func findLogField(t *testing.T, buf *bytes.Buffer, key string) (any, bool) {
	t.Helper()
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if v, ok := entry[key]; ok {
			return v, true
		}
	}
	return nil, false
}

func TestNewSessionReaper_ReturnsNonNil(t *testing.T) {
	var buf bytes.Buffer
	job := NewSessionReaper(&mockExecutor{result: &fakeResult{}}, newTestLogger(&buf), nil)

	if job == nil {
		t.Fatal("NewSessionReaper は nil を返してはならない")
	}
	if job.GracePeriod != 0 {
		t.Errorf("GracePeriod = %v, want 0", job.GracePeriod)
	}
}

func TestSessionReaper_Run_ExecutesDeleteQuery(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockExecutor{result: &fakeResult{rowsAffected: 5}}
	job := NewSessionReaper(mock, newTestLogger(&buf), nil)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() がエラーを返した: %v", err)
	}

	if !mock.execCalled {
		t.Fatal("ExecContext が呼び出されなかった")
	}
	if !strings.Contains(mock.query, "DELETE FROM sessions") {
		t.Errorf("クエリに 'DELETE FROM sessions' が含まれていない: %s", mock.query)
	}
	if !strings.Contains(mock.query, "expires_at") {
		t.Errorf("クエリに 'expires_at' 条件が含まれていない: %s", mock.query)
	}
}

func TestSessionReaper_Run_UsesGracePeriodParameter(t *testing.T) {
	tests := []struct {
		name  string
		grace time.Duration
		want  string
	}{
		{"デフォルト", 0, "0 seconds"},
		{"1時間", time.Hour, "3600 seconds"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			mock := &mockExecutor{result: &fakeResult{}}
			job := NewSessionReaper(mock, newTestLogger(&buf), nil)
			job.GracePeriod = tt.grace

			_ = job.Run(context.Background())

			if len(mock.args) < 1 {
				t.Fatal("ExecContext に引数が渡されなかった")
			}
			argStr, ok := mock.args[0].(string)
			if !ok {
				t.Fatalf("第1引数が string ではない: %T", mock.args[0])
			}
			if argStr != tt.want {
				t.Errorf("interval引数 = %q, want %q", argStr, tt.want)
			}
		})
	}
}

func TestSessionReaper_Run_LogsDeletedCount(t *testing.T) {
	var buf bytes.Buffer
	job := NewSessionReaper(&mockExecutor{result: &fakeResult{rowsAffected: 42}}, newTestLogger(&buf), nil)

	_ = job.Run(context.Background())

	count, ok := findLogField(t, &buf, "deleted_count")
	if !ok || count != float64(42) {
		t.Errorf("ログに deleted_count=42 が記録されていない。ログ出力: %s", buf.String())
	}
	if _, ok := findLogField(t, &buf, "duration_ms"); !ok {
		t.Errorf("ログに duration_ms が記録されていない。ログ出力: %s", buf.String())
	}
}

func TestSessionReaper_Run_RecordsMetrics(t *testing.T) {
	var buf bytes.Buffer
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	job := NewSessionReaper(&mockExecutor{result: &fakeResult{rowsAffected: 7}}, newTestLogger(&buf), collector)

	_ = job.Run(context.Background())

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	found := false
	for _, mf := range families {
		if mf.GetName() == "cfpman_sessions_reaped_total" {
			found = true
			if got := mf.GetMetric()[0].GetCounter().GetValue(); got != 7 {
				t.Errorf("sessions_reaped_total = %v, want 7", got)
			}
		}
	}
	if !found {
		t.Error("cfpman_sessions_reaped_total metric not found")
	}
}

func TestSessionReaper_Run_ReturnsErrorOnDBFailure(t *testing.T) {
	var buf bytes.Buffer
	job := NewSessionReaper(&mockExecutor{err: sql.ErrConnDone}, newTestLogger(&buf), nil)

	err := job.Run(context.Background())
	if err == nil {
		t.Fatal("DBエラー時に Run() は nil でないエラーを返すべき")
	}
	if !strings.Contains(err.Error(), "sql: connection is already closed") {
		t.Errorf("エラーメッセージが期待と異なる: %v", err)
	}
	if !strings.Contains(buf.String(), "ERROR") {
		t.Errorf("エラー時にERRORレベルのログが記録されていない。ログ出力: %s", buf.String())
	}
}

func TestSessionReaper_Run_Idempotent_ZeroRows(t *testing.T) {
	var buf bytes.Buffer
	job := NewSessionReaper(&mockExecutor{result: &fakeResult{rowsAffected: 0}}, newTestLogger(&buf), nil)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("1回目の Run() がエラーを返した: %v", err)
	}
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("2回目の Run() がエラーを返した: %v", err)
	}

	count, ok := findLogField(t, &buf, "deleted_count")
	if !ok || count != float64(0) {
		t.Errorf("0件削除時にもログに deleted_count=0 が記録されるべき。ログ出力: %s", buf.String())
	}
}

// キャンセルされるとRunEveryが戻ること
func TestSessionReaper_RunEvery_StopsOnCancel(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockExecutor{result: &fakeResult{}}
	job := NewSessionReaper(mock, newTestLogger(&buf), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		job.RunEvery(ctx, time.Hour)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunEvery がキャンセル後に終了しなかった")
	}
}

// signalExecutor は呼び出しごとにcallsへ通知し、常にerrを返す。
type signalExecutor struct {
	calls chan struct{}
	err   error
}

func (e *signalExecutor) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	e.calls <- struct{}{}
	return nil, e.err
}

// 1回の実行が失敗してもループ側で警告を記録し、次の周期で再実行すること
func TestSessionReaper_RunEvery_LogsCycleFailureAndContinues(t *testing.T) {
	var buf bytes.Buffer
	exec := &signalExecutor{calls: make(chan struct{}, 4), err: sql.ErrConnDone}
	job := NewSessionReaper(exec, newTestLogger(&buf), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		job.RunEvery(ctx, 10*time.Millisecond)
		close(done)
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-exec.calls:
		case <-time.After(2 * time.Second):
			t.Fatalf("%d回目の実行が行われなかった", i+1)
		}
	}
	cancel()
	// 終了までに走る実行がブロックしないよう読み捨てる
	go func() {
		for range exec.calls {
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunEvery がキャンセル後に終了しなかった")
	}
	close(exec.calls)

	if !strings.Contains(buf.String(), "session reaper cycle failed") {
		t.Errorf("ループ側の警告ログが記録されていない。ログ出力: %s", buf.String())
	}
	if !strings.Contains(buf.String(), `"level":"WARN"`) {
		t.Errorf("WARNレベルのログが記録されていない。ログ出力: %s", buf.String())
	}
}
