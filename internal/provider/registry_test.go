package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	apperrors "github.com/scripton/scripton/internal/common/errors"
	"github.com/scripton/scripton/internal/common/logger"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "json",
	})
	return log
}

// fakeProvider is a scriptable Provider for registry tests.
type fakeProvider struct {
	kind        Kind
	initialized bool
	initErr     error
	cleanupErr  error

	executeFn func(ctx context.Context, task *Task) (*Response, error)
	streamFn  func(ctx context.Context, task *Task) (<-chan StreamChunk, error)
	cancelled []string
}

func (f *fakeProvider) Kind() Kind { return f.kind }

func (f *fakeProvider) Initialize(ctx context.Context) error {
	if f.initErr != nil {
		return f.initErr
	}
	f.initialized = true
	return nil
}

func (f *fakeProvider) Initialized() bool { return f.initialized }

func (f *fakeProvider) HealthCheck(ctx context.Context) map[string]interface{} {
	return map[string]interface{}{"healthy": f.initialized, "kind": string(f.kind)}
}

func (f *fakeProvider) ListModels(ctx context.Context) ([]string, error) {
	return []string{"fake-model"}, nil
}

func (f *fakeProvider) Execute(ctx context.Context, task *Task) (*Response, error) {
	if f.executeFn != nil {
		return f.executeFn(ctx, task)
	}
	return &Response{Content: "ok"}, nil
}

func (f *fakeProvider) Stream(ctx context.Context, task *Task) (<-chan StreamChunk, error) {
	if f.streamFn != nil {
		return f.streamFn(ctx, task)
	}
	out := make(chan StreamChunk, 2)
	out <- StreamChunk{Content: "chunk"}
	out <- StreamChunk{Done: true}
	close(out)
	return out, nil
}

func (f *fakeProvider) Cancel(ctx context.Context, taskID string) bool {
	f.cancelled = append(f.cancelled, taskID)
	return true
}

func (f *fakeProvider) Cleanup(ctx context.Context) error { return f.cleanupErr }

func (f *fakeProvider) RequiredConfigKeys() []string { return nil }

func (f *fakeProvider) ConfigSchema() map[string]interface{} {
	return map[string]interface{}{
		"endpoint": map[string]interface{}{"type": "string"},
	}
}

func TestRegistryExecuteUnknownProvider(t *testing.T) {
	r := NewRegistry(newTestLogger())
	task := NewTask(KindOllama, "hi", "m", 0, 0, 0)

	_, err := r.ExecuteTask(context.Background(), task)
	var unknown *UnknownProviderError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownProviderError, got %v", err)
	}
}

func TestRegistryExecuteUninitialized(t *testing.T) {
	r := NewRegistry(newTestLogger())
	r.Register(&fakeProvider{kind: KindOllama})

	task := NewTask(KindOllama, "hi", "m", 0, 0, 0)
	_, err := r.ExecuteTask(context.Background(), task)
	var uninit *NotInitializedError
	if !errors.As(err, &uninit) {
		t.Fatalf("expected NotInitializedError, got %v", err)
	}
}

func TestRegistryExecuteTask(t *testing.T) {
	r := NewRegistry(newTestLogger())
	fp := &fakeProvider{kind: KindOllama, initialized: true}
	r.Register(fp)

	task := NewTask(KindOllama, "hi", "m", 0, 0, 0)
	resp, err := r.ExecuteTask(context.Background(), task)
	if err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.TaskID != task.ID {
		t.Errorf("response task id = %q, want %q", resp.TaskID, task.ID)
	}
	if task.Status != TaskCompleted {
		t.Errorf("task status = %s, want %s", task.Status, TaskCompleted)
	}
	if got := len(r.ActiveTasks()); got != 0 {
		t.Errorf("active tasks after completion = %d, want 0", got)
	}
}

func TestRegistryExecuteRemovesTaskOnFailure(t *testing.T) {
	r := NewRegistry(newTestLogger())
	fp := &fakeProvider{
		kind:        KindOllama,
		initialized: true,
		executeFn: func(ctx context.Context, task *Task) (*Response, error) {
			return nil, errors.New("backend exploded")
		},
	}
	r.Register(fp)

	task := NewTask(KindOllama, "hi", "m", 0, 0, 0)
	if _, err := r.ExecuteTask(context.Background(), task); err == nil {
		t.Fatal("expected error")
	}
	if task.Status != TaskFailed {
		t.Errorf("task status = %s, want %s", task.Status, TaskFailed)
	}
	if got := len(r.ActiveTasks()); got != 0 {
		t.Errorf("failed task still active: %d", got)
	}
}

func TestRegistryStreamTask(t *testing.T) {
	r := NewRegistry(newTestLogger())
	r.Register(&fakeProvider{kind: KindOllama, initialized: true})

	task := NewTask(KindOllama, "hi", "m", 0, 0, 0)
	chunks, err := r.StreamTask(context.Background(), task)
	if err != nil {
		t.Fatalf("StreamTask: %v", err)
	}

	var got []StreamChunk
	for chunk := range chunks {
		got = append(got, chunk)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(got))
	}
	if got[0].Content != "chunk" || !got[1].Done {
		t.Errorf("unexpected chunks: %+v", got)
	}
	if task.Status != TaskCompleted {
		t.Errorf("task status = %s, want %s", task.Status, TaskCompleted)
	}

	// Active entry removed once the stream is drained.
	deadline := time.After(time.Second)
	for len(r.ActiveTasks()) != 0 {
		select {
		case <-deadline:
			t.Fatal("stream task never left the active map")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestRegistryCancelTask(t *testing.T) {
	r := NewRegistry(newTestLogger())
	fp := &fakeProvider{kind: KindOllama, initialized: true}
	r.Register(fp)

	// Absent task is a benign false.
	if r.CancelTask(context.Background(), "nope") {
		t.Error("cancel of unknown task returned true")
	}

	task := NewTask(KindOllama, "hi", "m", 0, 0, 0)
	started := make(chan struct{})
	release := make(chan struct{})
	fp.executeFn = func(ctx context.Context, tk *Task) (*Response, error) {
		close(started)
		<-release
		return &Response{Content: "late"}, nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = r.ExecuteTask(context.Background(), task)
	}()
	<-started

	if !r.CancelTask(context.Background(), task.ID) {
		t.Error("cancel of active task returned false")
	}
	if len(fp.cancelled) != 1 || fp.cancelled[0] != task.ID {
		t.Errorf("provider cancel calls = %v", fp.cancelled)
	}
	close(release)
	<-done
}

func TestRegistryExecuteTimeout(t *testing.T) {
	r := NewRegistry(newTestLogger())
	fp := &fakeProvider{
		kind:        KindOllama,
		initialized: true,
		executeFn: func(ctx context.Context, task *Task) (*Response, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	r.Register(fp)

	task := NewTask(KindOllama, "hi", "m", 0, 0, 0)
	task.Timeout = 1

	start := time.Now()
	_, err := r.ExecuteTask(context.Background(), task)
	if err == nil {
		t.Fatal("expected error")
	}
	if !apperrors.IsTimeout(err) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if task.Status != TaskFailed {
		t.Errorf("task status = %s, want %s", task.Status, TaskFailed)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout took %s, want about 1s", elapsed)
	}
}

func TestRegistryProvidersInfo(t *testing.T) {
	r := NewRegistry(newTestLogger())
	r.Register(&fakeProvider{kind: KindOllama, initialized: true})

	info := r.ProvidersInfo(context.Background())
	entry, ok := info[string(KindOllama)]
	if !ok {
		t.Fatalf("no entry for %s: %v", KindOllama, info)
	}
	if entry["initialized"] != true {
		t.Errorf("initialized = %v", entry["initialized"])
	}
	status, ok := entry["status"].(map[string]interface{})
	if !ok || status["healthy"] != true {
		t.Errorf("status = %v", entry["status"])
	}
	models, ok := entry["models"].([]string)
	if !ok || len(models) != 1 || models[0] != "fake-model" {
		t.Errorf("models = %v", entry["models"])
	}
	schema, ok := entry["schema"].(map[string]interface{})
	if !ok || schema["endpoint"] == nil {
		t.Errorf("schema = %v", entry["schema"])
	}
}

func TestRegistryInitializeAll(t *testing.T) {
	r := NewRegistry(newTestLogger())
	r.Register(&fakeProvider{kind: KindOllama})
	r.Register(&fakeProvider{kind: KindOpenAI, initErr: errors.New("no api key")})

	results := r.InitializeAll(context.Background())
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[KindOllama] != nil {
		t.Errorf("ollama init failed: %v", results[KindOllama])
	}
	if results[KindOpenAI] == nil {
		t.Error("openai init error swallowed")
	}
}

func TestRegistryUnregister(t *testing.T) {
	r := NewRegistry(newTestLogger())
	r.Register(&fakeProvider{kind: KindOllama, initialized: true})

	if err := r.Unregister(context.Background(), KindOllama); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if _, err := r.Get(KindOllama); err == nil {
		t.Error("provider still registered")
	}
	if err := r.Unregister(context.Background(), KindOllama); err == nil {
		t.Error("second Unregister did not error")
	}
}

func TestRegistryShutdownAbsorbsFailures(t *testing.T) {
	r := NewRegistry(newTestLogger())
	r.Register(&fakeProvider{kind: KindOllama, cleanupErr: errors.New("stuck")})
	r.Register(&fakeProvider{kind: KindOpenAI})

	// Must not panic or stop at the failing provider.
	r.Shutdown(context.Background())

	if got := len(r.Kinds()); got != 0 {
		t.Errorf("providers remain after shutdown: %d", got)
	}
}
