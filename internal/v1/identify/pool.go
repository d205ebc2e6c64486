// Package identify runs music-recognition jobs on a fixed pool of workers
// with a bounded queue. The recognizer itself is an opaque subprocess; the
// pool only manages back-pressure, waiters, and temp-file lifecycle.
package identify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/luminavis/relay/internal/v1/logging"
	"github.com/luminavis/relay/internal/v1/metrics"
)

// ErrOverloaded is returned when the queue is at capacity. The HTTP layer
// maps it to a 503.
var ErrOverloaded = errors.New("identify queue full")

const (
	// maxQueueDepth bounds outstanding jobs across all workers.
	maxQueueDepth = 50

	// jobTimeout caps one recognition run.
	jobTimeout = 30 * time.Second
)

// Executor processes one audio file and returns the recognizer's JSON output,
// or nil when nothing was recognized. Executors own cleanup of the file.
type Executor func(ctx context.Context, audioPath string) (json.RawMessage, error)

type job struct {
	requestID string
	audioPath string
	reply     chan outcome
}

type outcome struct {
	raw json.RawMessage
	err error
}

// Pool is the fixed-size identify worker pool.
type Pool struct {
	workers int
	exec    Executor
	jobs    chan job

	mu    sync.Mutex
	depth int

	wg       sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once
}

// NewPool builds a pool of n workers running cmdline against submitted audio
// files. cmdline is an argv prefix such as
// "songrec audio-file-to-recognized-song".
func NewPool(n int, cmdline string) *Pool {
	return &Pool{
		workers: n,
		exec:    commandExecutor(cmdline, jobTimeout),
		jobs:    make(chan job, maxQueueDepth),
		done:    make(chan struct{}),
	}
}

// NewPoolWithExecutor builds a pool around a custom executor, for tests.
func NewPoolWithExecutor(n int, exec Executor) *Pool {
	return &Pool{
		workers: n,
		exec:    exec,
		jobs:    make(chan job, maxQueueDepth),
		done:    make(chan struct{}),
	}
}

// Start launches the workers.
func (p *Pool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Stop shuts the pool down. Jobs already picked up by a worker finish; jobs
// still queued fail fast, and new submits fail.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.done) })
	p.wg.Wait()

	for {
		select {
		case j := <-p.jobs:
			p.release()
			j.reply <- outcome{err: errors.New("identify pool stopped")}
		default:
			return
		}
	}
}

// QueueDepth reports outstanding jobs.
func (p *Pool) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.depth
}

// Submit queues one recognition job and waits for its result. Returns
// ErrOverloaded synchronously when the queue is full; a nil result with a nil
// error means the recognizer found nothing.
func (p *Pool) Submit(ctx context.Context, audioPath string) (json.RawMessage, error) {
	p.mu.Lock()
	if p.depth >= maxQueueDepth {
		p.mu.Unlock()
		metrics.IdentifyRejected.Inc()
		return nil, ErrOverloaded
	}
	p.depth++
	metrics.IdentifyQueueDepth.Set(float64(p.depth))
	p.mu.Unlock()

	select {
	case <-p.done:
		p.release()
		return nil, errors.New("identify pool stopped")
	default:
	}

	j := job{
		requestID: uuid.New().String(),
		audioPath: audioPath,
		reply:     make(chan outcome, 1),
	}

	select {
	case p.jobs <- j:
	case <-p.done:
		p.release()
		return nil, errors.New("identify pool stopped")
	}

	select {
	case out := <-j.reply:
		return out.raw, out.err
	case <-ctx.Done():
		// The worker still runs the job and releases the slot; only the
		// waiter gives up.
		return nil, ctx.Err()
	}
}

func (p *Pool) release() {
	p.mu.Lock()
	p.depth--
	metrics.IdentifyQueueDepth.Set(float64(p.depth))
	p.mu.Unlock()
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		select {
		case <-p.done:
			return
		case j := <-p.jobs:
			start := time.Now()
			raw, err := p.exec(context.Background(), j.audioPath)
			metrics.IdentifyDuration.Observe(time.Since(start).Seconds())
			if err != nil {
				logging.Warn(context.Background(), "Identify job failed",
					zap.String("requestId", j.requestID), zap.Error(err))
			}
			p.release()
			j.reply <- outcome{raw: raw, err: err}
		}
	}
}

// commandExecutor runs the recognizer subprocess against the audio file and
// parses its stdout. The temp file is removed whatever happens.
func commandExecutor(cmdline string, timeout time.Duration) Executor {
	argv := strings.Fields(cmdline)

	return func(ctx context.Context, audioPath string) (json.RawMessage, error) {
		defer func() { _ = os.Remove(audioPath) }()

		if len(argv) == 0 {
			return nil, errors.New("no recognizer command configured")
		}

		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		args := append(append([]string{}, argv[1:]...), audioPath)
		cmd := exec.CommandContext(ctx, argv[0], args...)

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			return nil, fmt.Errorf("recognizer failed: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
		}

		out := bytes.TrimSpace(stdout.Bytes())
		if len(out) == 0 || bytes.Equal(out, []byte("null")) {
			return nil, nil // Clip not recognized
		}
		if !json.Valid(out) {
			return nil, fmt.Errorf("recognizer produced invalid JSON")
		}
		return json.RawMessage(out), nil
	}
}
