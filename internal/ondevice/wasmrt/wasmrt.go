// Package wasmrt hosts streaming speech models compiled to WebAssembly.
//
// A guest module imports two host functions from the "env" module:
//
//	host_log(ptr, len i32)
//	host_emit(final, ptr, len i32)
//
// and exports memory plus:
//
//	alloc(size i32) i32
//	stt_init(sample_rate, channels i32) i32
//	stt_feed(ptr, len i32) i32
//	stt_flush() i32
//
// Non-zero results are guest error codes. Model files are mounted read-only
// at /model.
package wasmrt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/loqalabs/loqa-capture/internal/audio"
	"github.com/loqalabs/loqa-capture/internal/speech"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

const (
	exportAlloc = "alloc"
	exportInit  = "stt_init"
	exportFeed  = "stt_feed"
	exportFlush = "stt_flush"

	// ModelMount is where the model directory appears inside the guest.
	ModelMount = "/model"
)

var ErrStopped = errors.New("wasm transcriber stopped")

// Transcriber runs one guest instance over one audio stream.
type Transcriber struct {
	modulePath string
	modelDir   string
	logger     *slog.Logger

	mu      sync.Mutex
	rt      wazero.Runtime
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

func New(modulePath, modelDir string, logger *slog.Logger) *Transcriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transcriber{
		modulePath: modulePath,
		modelDir:   modelDir,
		logger:     logger.With(slog.String("component", "wasm-transcriber")),
	}
}

type guest struct {
	mod   api.Module
	alloc api.Function
	init  api.Function
	feed  api.Function
	flush api.Function
	buf   uint32
	cap   uint32
}

// Start compiles and instantiates the guest, initializes it for the stream
// format and begins feeding frames. emit is called from a single goroutine
// in emission order. fail reports a guest failure after Start returned.
func (t *Transcriber) Start(ctx context.Context, stream audio.Stream, emit func(speech.TranscriptUpdate), fail func(error)) error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return ErrStopped
	}
	if t.rt != nil {
		t.mu.Unlock()
		return speech.ErrAlreadyActive
	}
	t.mu.Unlock()

	wasmBytes, err := os.ReadFile(t.modulePath)
	if err != nil {
		return fmt.Errorf("read wasm module: %w", err)
	}

	// The guest outlives ctx, which only bounds startup.
	runCtx, cancel := context.WithCancel(context.Background())
	rt := wazero.NewRuntimeWithConfig(runCtx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))
	g, err := t.instantiate(ctx, runCtx, rt, wasmBytes, emit)
	if err != nil {
		cancel()
		_ = rt.Close(context.Background())
		return err
	}
	format := stream.Format()
	if err := call(runCtx, g.init, uint64(format.SampleRate), uint64(format.Channels)); err != nil {
		cancel()
		_ = rt.Close(context.Background())
		return fmt.Errorf("init guest: %w", err)
	}

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		cancel()
		_ = rt.Close(context.Background())
		return ErrStopped
	}
	t.rt = rt
	t.cancel = cancel
	t.done = make(chan struct{})
	done := t.done
	t.mu.Unlock()

	go t.pump(runCtx, g, stream, fail, done)
	return nil
}

func (t *Transcriber) instantiate(ctx, runCtx context.Context, rt wazero.Runtime, wasmBytes []byte, emit func(speech.TranscriptUpdate)) (*guest, error) {
	if err := instantiateHostModule(ctx, rt, t.logger, emit); err != nil {
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}
	compiled, err := rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("compile module: %w", err)
	}
	moduleConfig := wazero.NewModuleConfig().
		WithName("stt").
		WithStartFunctions("_initialize").
		WithEnv("MODEL_DIR", ModelMount)
	if t.modelDir != "" {
		moduleConfig = moduleConfig.WithFSConfig(wazero.NewFSConfig().WithReadOnlyDirMount(t.modelDir, ModelMount))
	}
	mod, err := rt.InstantiateModule(runCtx, compiled, moduleConfig)
	if err != nil {
		return nil, fmt.Errorf("instantiate module: %w", err)
	}
	g := &guest{
		mod:   mod,
		alloc: mod.ExportedFunction(exportAlloc),
		init:  mod.ExportedFunction(exportInit),
		feed:  mod.ExportedFunction(exportFeed),
		flush: mod.ExportedFunction(exportFlush),
	}
	for name, fn := range map[string]api.Function{exportAlloc: g.alloc, exportInit: g.init, exportFeed: g.feed, exportFlush: g.flush} {
		if fn == nil {
			return nil, fmt.Errorf("export %q not found", name)
		}
	}
	if mod.Memory() == nil {
		return nil, fmt.Errorf("module exports no memory")
	}
	return g, nil
}

func (t *Transcriber) pump(ctx context.Context, g *guest, stream audio.Stream, fail func(error), done chan struct{}) {
	defer close(done)
	frames := stream.Frames()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				if err := call(ctx, g.flush); err != nil && ctx.Err() == nil {
					t.report(fail, fmt.Errorf("flush guest: %w", err))
				}
				return
			}
			if err := g.write(ctx, frame); err != nil {
				if ctx.Err() == nil {
					t.report(fail, err)
				}
				return
			}
		}
	}
}

func (t *Transcriber) report(fail func(error), err error) {
	t.logger.Error("guest failed", slog.String("error", err.Error()))
	if fail != nil {
		fail(err)
	}
}

func (g *guest) write(ctx context.Context, frame []byte) error {
	if len(frame) == 0 {
		return nil
	}
	size := uint32(len(frame))
	if size > g.cap {
		res, err := g.alloc.Call(ctx, uint64(size))
		if err != nil {
			return fmt.Errorf("alloc guest buffer: %w", err)
		}
		g.buf = api.DecodeU32(res[0])
		g.cap = size
	}
	if !g.mod.Memory().Write(g.buf, frame) {
		return fmt.Errorf("write guest memory (ptr=%d len=%d)", g.buf, size)
	}
	if err := call(ctx, g.feed, uint64(g.buf), uint64(size)); err != nil {
		return fmt.Errorf("feed guest: %w", err)
	}
	return nil
}

// Stop halts the guest and releases the runtime. It is idempotent.
func (t *Transcriber) Stop() error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	rt, cancel, done := t.rt, t.cancel, t.done
	t.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	if err := rt.Close(context.Background()); err != nil {
		return fmt.Errorf("close wasm runtime: %w", err)
	}
	return nil
}

// call invokes fn and treats a non-zero first result as a guest error code.
func call(ctx context.Context, fn api.Function, params ...uint64) error {
	res, err := fn.Call(ctx, params...)
	if err != nil {
		return err
	}
	if len(res) > 0 {
		if code := api.DecodeI32(res[0]); code != 0 {
			return fmt.Errorf("guest returned code %d", code)
		}
	}
	return nil
}

func instantiateHostModule(ctx context.Context, rt wazero.Runtime, logger *slog.Logger, emit func(speech.TranscriptUpdate)) error {
	builder := rt.NewHostModuleBuilder("env")

	hostLogFn := api.GoModuleFunc(func(_ context.Context, mod api.Module, stack []uint64) {
		ptr := api.DecodeU32(stack[0])
		length := api.DecodeU32(stack[1])
		if length == 0 {
			return
		}
		data, ok := mod.Memory().Read(ptr, length)
		if !ok {
			logger.Warn("host_log: unable to read memory", slog.Uint64("ptr", uint64(ptr)), slog.Uint64("len", uint64(length)))
			return
		}
		logger.Debug("guest log", slog.String("message", string(data)))
	})
	builder.NewFunctionBuilder().
		WithGoModuleFunction(hostLogFn, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, nil).
		WithName("host_log").
		Export("host_log")

	hostEmitFn := api.GoModuleFunc(func(_ context.Context, mod api.Module, stack []uint64) {
		final := api.DecodeU32(stack[0]) != 0
		ptr := api.DecodeU32(stack[1])
		length := api.DecodeU32(stack[2])
		if length == 0 {
			return
		}
		data, ok := mod.Memory().Read(ptr, length)
		if !ok {
			logger.Warn("host_emit: unable to read memory", slog.Uint64("ptr", uint64(ptr)), slog.Uint64("len", uint64(length)))
			return
		}
		text := string(data)
		if final {
			emit(speech.TranscriptUpdate{Final: text})
		} else {
			emit(speech.TranscriptUpdate{Interim: text})
		}
	})
	builder.NewFunctionBuilder().
		WithGoModuleFunction(hostEmitFn, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32}, nil).
		WithName("host_emit").
		Export("host_emit")

	_, err := builder.Instantiate(ctx)
	return err
}
