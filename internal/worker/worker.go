package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/andresmejia3/facesweep/internal/detect"
	"github.com/andresmejia3/facesweep/internal/imageproc"
	"github.com/andresmejia3/facesweep/internal/utils" // Using the SafeCommand wrapper
)

const (
	statusOK    = 0
	statusError = 1

	// maxResponseSize guards against a corrupt length header.
	maxResponseSize = 64 * 1024 * 1024

	// defaultReadyTimeout bounds model loading when no engine timeout is set.
	defaultReadyTimeout = 60 * time.Second
	// waitDelay caps how long Close waits on pipes still held by engine children.
	waitDelay = 500 * time.Millisecond
)

// DefaultCommand runs the bundled OpenCV engine.
var DefaultCommand = []string{"python3", "-u", "python/detect_worker.py"}

// Config describes how to spawn an engine process.
type Config struct {
	Command []string
	// ModelPath is handed to the engine as FACESWEEP_CASCADE when set.
	ModelPath string
	Timeout   time.Duration
	Threshold float64
}

// Engine is a detection process speaking the length-prefixed protocol:
// requests go to stdin, responses come back on FD 3 so engine logging on
// stdout/stderr can't corrupt the stream.
type Engine struct {
	ID        int
	Cmd       *utils.SafeCommand
	Stdin     io.WriteCloser
	DataPipe  io.ReadCloser
	Timeout   time.Duration
	Threshold float64

	config Config
	// broken is set once a call was abandoned; the next Detect restarts the process.
	broken bool
}

func init() {
	detect.Register("process", func(opts detect.Options) (detect.Factory, error) {
		command := opts.Command
		if len(command) == 0 {
			command = DefaultCommand
		}
		if _, err := exec.LookPath(command[0]); err != nil {
			return nil, err
		}
		cfg := Config{Command: command, ModelPath: opts.ModelPath, Timeout: opts.Timeout, Threshold: opts.Threshold}
		return func(id int) (detect.Detector, error) {
			return NewEngine(context.Background(), id, cfg)
		}, nil
	})
}

// NewEngine starts the engine process for worker id and waits for it to report
// that its model is loaded. An engine that exits, times out or reports an error
// before that is never returned.
func NewEngine(ctx context.Context, id int, cfg Config) (*Engine, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("empty engine command")
	}
	proc := utils.NewSafeCommand(ctx, cfg.Command[0], cfg.Command[1:]...)
	proc.Cmd.WaitDelay = waitDelay
	if cfg.ModelPath != "" {
		proc.Cmd.Env = append(os.Environ(), "FACESWEEP_CASCADE="+cfg.ModelPath)
	}

	// Side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	proc.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := proc.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := proc.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("engine %d failed to start: %w", id, err)
	}

	// Only the child holds the write end now.
	w.Close()

	e := &Engine{
		ID:        id,
		Cmd:       proc,
		Stdin:     stdin,
		DataPipe:  r,
		Timeout:   cfg.Timeout,
		Threshold: cfg.Threshold,
		config:    cfg,
	}
	if err := e.awaitReady(); err != nil {
		e.kill()
		e.shutdown()
		if logs := proc.Stderr.String(); logs != "" {
			return nil, fmt.Errorf("engine %d not ready: %w\n%s", id, err, logs)
		}
		return nil, fmt.Errorf("engine %d not ready: %w", id, err)
	}
	return e, nil
}

// awaitReady reads the single status frame the engine sends once its model is loaded.
func (e *Engine) awaitReady() error {
	timeout := e.config.Timeout
	if timeout <= 0 {
		timeout = defaultReadyTimeout
	}

	done := make(chan error, 1)
	go func() {
		resp, err := readFrame(e.DataPipe)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				err = fmt.Errorf("engine exited before reporting ready: %w", err)
			}
			done <- err
			return
		}
		done <- decodeReady(resp)
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		// Closing the pipe unblocks the reader.
		e.DataPipe.Close()
		<-done
		return fmt.Errorf("engine did not report ready within %s", timeout)
	}
}

// decodeReady parses [Status:0] or [Status:1][MsgLen uint32][Msg].
func decodeReady(resp []byte) error {
	if len(resp) == 0 {
		return errors.New("empty ready frame")
	}
	switch resp[0] {
	case statusOK:
		return nil
	case statusError:
		_, err := decodeResponse(resp)
		return err
	}
	return fmt.Errorf("unknown engine status %d", resp[0])
}

// Communicate sends one [Length][Data] frame and reads one back.
func (e *Engine) Communicate(data []byte) ([]byte, error) {
	if err := binary.Write(e.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := e.Stdin.Write(data); err != nil {
		return nil, err
	}

	return readFrame(e.DataPipe)
}

// readFrame reads one [Length][Data] frame.
func readFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err // engine died before answering (import error, OOM, ...)
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxResponseSize {
		return nil, fmt.Errorf("engine response too large: %d bytes", respLen)
	}
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(r, respBody)
	return respBody, err
}

// ProcessRaster sends the raster as [width][height][RGB...] and decodes the faces.
func (e *Engine) ProcessRaster(img *image.RGBA) ([]detect.Face, error) {
	b := img.Bounds()
	req := new(bytes.Buffer)
	binary.Write(req, binary.BigEndian, uint32(b.Dx()))
	binary.Write(req, binary.BigEndian, uint32(b.Dy()))
	req.Write(imageproc.RGB(img))

	resp, err := e.Communicate(req.Bytes())
	if err != nil {
		return nil, err
	}
	faces, err := decodeResponse(resp)
	if err != nil {
		return nil, err
	}
	return detect.FilterConfidence(faces, e.Threshold), nil
}

// decodeResponse parses
//
//	[Status:0] [NumFaces uint32] ([4]int32 x,y,w,h + float32 conf)*
//	[Status:1] [MsgLen uint32] [Msg]
//
// A negative confidence means the engine didn't report one.
func decodeResponse(resp []byte) ([]detect.Face, error) {
	rd := bytes.NewReader(resp)
	status, err := rd.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("empty engine response")
	}

	if status == statusError {
		var msgLen uint32
		if err := binary.Read(rd, binary.BigEndian, &msgLen); err != nil {
			return nil, fmt.Errorf("malformed engine error: %w", err)
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(rd, msg); err != nil {
			return nil, fmt.Errorf("malformed engine error: %w", err)
		}
		return nil, fmt.Errorf("engine error: %s", msg)
	}
	if status != statusOK {
		return nil, fmt.Errorf("unknown engine status %d", status)
	}

	var count uint32
	if err := binary.Read(rd, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("malformed engine response: %w", err)
	}
	// 20 bytes per face
	if int64(count)*20 > int64(rd.Len()) {
		return nil, fmt.Errorf("engine reported %d faces but sent %d bytes", count, rd.Len())
	}

	faces := make([]detect.Face, 0, count)
	for i := uint32(0); i < count; i++ {
		var box [4]int32
		var conf float32
		if err := binary.Read(rd, binary.BigEndian, &box); err != nil {
			return nil, fmt.Errorf("malformed face %d: %w", i, err)
		}
		if err := binary.Read(rd, binary.BigEndian, &conf); err != nil {
			return nil, fmt.Errorf("malformed face %d: %w", i, err)
		}
		f := detect.Face{Rect: image.Rect(int(box[0]), int(box[1]), int(box[0]+box[2]), int(box[1]+box[3]))}
		if conf >= 0 {
			c := conf
			f.Confidence = &c
		}
		faces = append(faces, f)
	}
	return faces, nil
}

// Detect runs one raster through the engine, bounded by ctx and the engine timeout.
// A call that runs out of time kills the engine; the next call starts a fresh one.
func (e *Engine) Detect(ctx context.Context, img *image.RGBA) ([]detect.Face, error) {
	if e.broken {
		if err := e.restart(); err != nil {
			return nil, &detect.InferenceError{Err: fmt.Errorf("engine %d: restart: %w", e.ID, err)}
		}
	}

	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	type reply struct {
		faces []detect.Face
		err   error
	}
	done := make(chan reply, 1)
	go func() {
		faces, err := e.ProcessRaster(img)
		done <- reply{faces, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, &detect.InferenceError{Err: fmt.Errorf("engine %d: %w", e.ID, r.err)}
		}
		return r.faces, nil
	case <-ctx.Done():
		e.kill()
		// The pipes are in an unknown state; release them and let the
		// in-flight call return before anything else touches them.
		e.shutdown()
		<-done
		e.broken = true
		return nil, &detect.InferenceError{Err: fmt.Errorf("engine %d: %w", e.ID, ctx.Err())}
	}
}

// restart replaces an abandoned process with a fresh one from the same config.
func (e *Engine) restart() error {
	if len(e.config.Command) == 0 {
		return errors.New("no command to restart from")
	}
	fresh, err := NewEngine(context.Background(), e.ID, e.config)
	if err != nil {
		return err
	}
	e.Cmd, e.Stdin, e.DataPipe = fresh.Cmd, fresh.Stdin, fresh.DataPipe
	e.broken = false
	return nil
}

func (e *Engine) kill() {
	if e.Cmd != nil && e.Cmd.Process != nil {
		e.Cmd.Process.Kill()
	}
}

// shutdown closes the pipes and reaps the process.
func (e *Engine) shutdown() error {
	e.Stdin.Close()
	e.DataPipe.Close()
	if e.Cmd == nil {
		return nil
	}
	return e.Cmd.Wait()
}

// Close shuts the pipes and waits for the process to exit. An engine that was
// already abandoned has nothing left to release.
func (e *Engine) Close() error {
	if e.broken {
		return nil
	}
	return e.shutdown()
}
