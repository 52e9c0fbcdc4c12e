package pose

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"gocv.io/x/gocv"
)

const (
	maxStderrBytes = 8 * 1024 // tail of worker stderr kept for diagnostics
	maxMessageSize = 64 << 20

	msgReady    = "ready"
	msgDetect   = "detect"
	msgResult   = "result"
	msgError    = "error"
	msgShutdown = "shutdown"
)

// WorkerConfig describes how to launch a landmark worker process.
//
// The worker speaks length-prefixed msgpack on stdin/stdout: every message is
// a 4-byte big-endian length followed by the encoded body. On start it must
// emit {"type":"ready"}; afterwards each {"type":"detect"} request carrying a
// JPEG frame is answered by exactly one {"type":"result"} or {"type":"error"}.
type WorkerConfig struct {
	Command      string
	Args         []string
	StartTimeout time.Duration
	CallTimeout  time.Duration
	StopTimeout  time.Duration
	// World asks the worker for world-space landmarks as well.
	World  bool
	Logger *slog.Logger
}

// DefaultWorkerConfig returns production timeouts for command.
func DefaultWorkerConfig(command string, logger *slog.Logger) WorkerConfig {
	return WorkerConfig{
		Command:      command,
		StartTimeout: 30 * time.Second,
		CallTimeout:  10 * time.Second,
		StopTimeout:  2 * time.Second,
		Logger:       logger,
	}
}

// WorkerFactory returns a ModelFactory that spawns one worker per model.
func WorkerFactory(ctx context.Context, cfg WorkerConfig) ModelFactory {
	return func() (LandmarkModel, error) {
		return StartWorker(ctx, cfg)
	}
}

type workerRequest struct {
	Type   string `msgpack:"type"`
	Seq    uint64 `msgpack:"seq,omitempty"`
	Image  []byte `msgpack:"image,omitempty"`
	Width  int    `msgpack:"width,omitempty"`
	Height int    `msgpack:"height,omitempty"`
	World  bool   `msgpack:"world,omitempty"`
}

type workerReply struct {
	Type      string     `msgpack:"type"`
	Seq       uint64     `msgpack:"seq"`
	Model     string     `msgpack:"model"`
	Landmarks []Landmark `msgpack:"landmarks"`
	World     []Landmark `msgpack:"world_landmarks"`
	Error     string     `msgpack:"error"`
}

// SubprocessModel is a LandmarkModel backed by an external worker process.
type SubprocessModel struct {
	cfg    WorkerConfig
	logger *slog.Logger

	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdin  io.WriteCloser
	stdout *bufio.Reader

	stderrMu  sync.Mutex
	stderrBuf bytes.Buffer
	wg        sync.WaitGroup
	exited    chan struct{}

	mu        sync.Mutex
	seq       uint64
	modelName string
	// broken latches the first transport failure; the stream position is
	// unknown after it, so every later call fails fast.
	broken error

	closeOnce sync.Once
	closeErr  error
}

// StartWorker spawns the worker and waits for its ready message.
func StartWorker(ctx context.Context, cfg WorkerConfig) (*SubprocessModel, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("landmark worker command is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	defaults := DefaultWorkerConfig(cfg.Command, cfg.Logger)
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = defaults.StartTimeout
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaults.CallTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaults.StopTimeout
	}

	ctx, cancel := context.WithCancel(ctx)
	m := &SubprocessModel{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "landmark_worker"),
		cancel: cancel,
		exited: make(chan struct{}),
	}

	m.cmd = exec.CommandContext(ctx, cfg.Command, cfg.Args...)

	stdin, err := m.cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := m.cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := m.cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	m.stdin = stdin
	m.stdout = bufio.NewReader(stdout)

	if err := m.cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start landmark worker: %w", err)
	}

	m.logger.Info("landmark worker spawned", "command", cfg.Command, "pid", m.cmd.Process.Pid)

	m.wg.Add(1)
	go m.logStderr(stderr)

	go func() {
		err := m.cmd.Wait()
		if err != nil && ctx.Err() == nil {
			m.logger.Error("landmark worker exited unexpectedly", "error", err, "stderr_tail", m.StderrTail())
		}
		close(m.exited)
	}()

	var ready workerReply
	if err := m.roundTrip(nil, &ready, cfg.StartTimeout); err != nil {
		m.Close()
		return nil, fmt.Errorf("landmark worker not ready: %w", err)
	}
	if ready.Type != msgReady {
		m.Close()
		return nil, fmt.Errorf("landmark worker sent %q before ready", ready.Type)
	}
	m.modelName = ready.Model

	m.logger.Info("landmark worker ready", "model", ready.Model)
	return m, nil
}

// Model returns the model name announced by the worker.
func (m *SubprocessModel) Model() string {
	return m.modelName
}

// Detect encodes img as JPEG, sends it to the worker and waits for the reply.
func (m *SubprocessModel) Detect(img gocv.Mat) (*Detection, error) {
	if img.Empty() {
		return nil, fmt.Errorf("empty frame")
	}

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, img)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	jpeg := append([]byte(nil), buf.GetBytes()...)
	buf.Close()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.broken != nil {
		return nil, m.broken
	}

	m.seq++
	req := workerRequest{
		Type:   msgDetect,
		Seq:    m.seq,
		Image:  jpeg,
		Width:  img.Cols(),
		Height: img.Rows(),
		World:  m.cfg.World,
	}

	var reply workerReply
	if err := m.roundTrip(&req, &reply, m.cfg.CallTimeout); err != nil {
		m.broken = err
		return nil, err
	}

	switch reply.Type {
	case msgResult:
	case msgError:
		return nil, fmt.Errorf("landmark worker error: %s", reply.Error)
	default:
		return nil, fmt.Errorf("unexpected worker message %q", reply.Type)
	}
	if reply.Seq != req.Seq {
		return nil, fmt.Errorf("worker reply out of order: got seq %d, want %d", reply.Seq, req.Seq)
	}
	if len(reply.Landmarks) == 0 {
		return nil, nil
	}
	return &Detection{Landmarks: reply.Landmarks, World: reply.World}, nil
}

// roundTrip writes req (if any) and reads one reply, bounded by timeout.
func (m *SubprocessModel) roundTrip(req *workerRequest, reply *workerReply, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		if req != nil {
			if err := writeMessage(m.stdin, req); err != nil {
				done <- err
				return
			}
		}
		done <- readMessage(m.stdout, reply)
	}()

	select {
	case err := <-done:
		return err
	case <-m.exited:
		select {
		case err := <-done:
			return err
		default:
		}
		return fmt.Errorf("landmark worker exited: %s", truncate(m.StderrTail(), 512))
	case <-time.After(timeout):
		return fmt.Errorf("landmark worker timed out after %v", timeout)
	}
}

// Close asks the worker to exit and kills it if it does not comply in time.
func (m *SubprocessModel) Close() error {
	m.closeOnce.Do(func() {
		writeMessage(m.stdin, &workerRequest{Type: msgShutdown})
		m.stdin.Close()

		select {
		case <-m.exited:
		case <-time.After(m.cfg.StopTimeout):
			m.logger.Warn("landmark worker did not stop in time, killing")
			m.cancel()
			<-m.exited
		}
		m.cancel()
		m.wg.Wait()
		m.logger.Info("landmark worker stopped")
	})
	return m.closeErr
}

// StderrTail returns the last bytes the worker wrote to stderr.
func (m *SubprocessModel) StderrTail() string {
	m.stderrMu.Lock()
	defer m.stderrMu.Unlock()
	return m.stderrBuf.String()
}

// logStderr maps the worker's log lines onto slog levels and keeps a tail.
func (m *SubprocessModel) logStderr(r io.Reader) {
	defer m.wg.Done()

	tail := &limitedWriter{w: &m.stderrBuf, limit: maxStderrBytes}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()

		m.stderrMu.Lock()
		tail.Write([]byte(line + "\n"))
		m.stderrMu.Unlock()

		switch {
		case strings.Contains(line, "[ERROR]"), strings.Contains(line, "[CRITICAL]"):
			m.logger.Error("landmark worker error", "log", line)
		case strings.Contains(line, "[WARNING]"), strings.Contains(line, "[WARN]"):
			m.logger.Warn("landmark worker warning", "log", line)
		default:
			m.logger.Debug("landmark worker log", "log", line)
		}
	}
}

func writeMessage(w io.Writer, v any) error {
	body, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("failed to write length prefix: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func readMessage(r io.Reader, v any) error {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("worker closed stdout: %w", err)
		}
		return fmt.Errorf("failed to read length prefix: %w", err)
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size > maxMessageSize {
		return fmt.Errorf("worker message too large: %d bytes", size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("failed to read message body: %w", err)
	}
	if err := msgpack.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen:]
}

// limitedWriter is an io.Writer that keeps only the last `limit` bytes.
type limitedWriter struct {
	w     *bytes.Buffer
	limit int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	lw.w.Write(p)
	if lw.w.Len() > lw.limit {
		b := lw.w.Bytes()
		lw.w.Reset()
		lw.w.Write(b[len(b)-lw.limit:])
	}
	return n, nil
}
