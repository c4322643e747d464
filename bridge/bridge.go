// Package bridge relays bytes between a sandbox's streams and a remote client.
//
// Output policy: sandbox output goes into a bounded replay buffer addressed by
// absolute byte offsets. A client attaching at offset N receives everything
// still retained after N; bytes that were overwritten before it saw them are
// reported with a single "dropped" frame carrying the count. While a client is
// attached and behind, the output pump waits up to Config.DropAfter for it to
// catch up before overwriting, so the sandbox is never held longer than that.
//
// Input policy: client input is queued for the sandbox in order. A full queue
// rejects the frame with a "rejected" reply; input after the sandbox's input
// closed gets an "eof" reply.
package bridge

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"gamebattle-orchestrator/metrics"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	ErrInputClosed  = errors.New("bridge: sandbox input closed")
	ErrBackpressure = errors.New("bridge: sandbox input queue full")
	errEnded        = errors.New("bridge: session ended")
)

type Config struct {
	ReplayBytes int
	DropAfter   time.Duration
	InputQueue  int
	// DrainTimeout bounds how long Close waits for remaining output and for
	// the attached client to receive its bye.
	DrainTimeout time.Duration
	// MaxFrame caps the data carried by one stdout frame.
	MaxFrame int
}

func DefaultConfig() Config {
	return Config{
		ReplayBytes:  256 << 10,
		DropAfter:    2 * time.Second,
		InputQueue:   64,
		DrainTimeout: 2 * time.Second,
		MaxFrame:     32 << 10,
	}
}

// Streams are the sandbox-side endpoints.
type Streams struct {
	Stdin  io.WriteCloser
	Stdout io.ReadCloser
	// OnResize is called for client resize frames.
	OnResize func(rows, cols uint)
}

type Bridge struct {
	cfg     Config
	log     logrus.FieldLogger
	streams Streams
	ring    *RingBuffer

	input     chan []byte
	inputDone chan struct{}
	pumpDone  chan struct{}

	mu         sync.Mutex
	changed    chan struct{}
	att        *attachment
	detachedAt time.Time
	lastInput  time.Time
	dropped    uint64
	ended      bool
	end        End

	closeOnce sync.Once
	closed    chan struct{}
}

type attachment struct {
	conn    ClientConn
	sent    uint64 // guarded by Bridge.mu
	cancel  context.CancelFunc
	writeMu sync.Mutex
	done    chan struct{}
}

func (a *attachment) write(f Frame) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return a.conn.WriteFrame(f)
}

// Open starts relaying the sandbox streams. Clients come and go via Attach.
func Open(streams Streams, cfg Config, log logrus.FieldLogger) *Bridge {
	def := DefaultConfig()
	if cfg.ReplayBytes <= 0 {
		cfg.ReplayBytes = def.ReplayBytes
	}
	if cfg.InputQueue <= 0 {
		cfg.InputQueue = def.InputQueue
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}
	if cfg.MaxFrame <= 0 {
		cfg.MaxFrame = def.MaxFrame
	}
	now := time.Now()
	b := &Bridge{
		cfg:        cfg,
		log:        log,
		streams:    streams,
		ring:       NewRingBuffer(cfg.ReplayBytes),
		input:      make(chan []byte, cfg.InputQueue),
		inputDone:  make(chan struct{}),
		pumpDone:   make(chan struct{}),
		changed:    make(chan struct{}),
		detachedAt: now,
		lastInput:  now,
		closed:     make(chan struct{}),
	}
	go b.pump()
	go b.feed()
	return b
}

func (b *Bridge) broadcastLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

// pump copies sandbox output into the replay buffer until end of stream.
func (b *Bridge) pump() {
	defer close(b.pumpDone)
	buf := make([]byte, 32<<10)
	for {
		n, err := b.streams.Stdout.Read(buf)
		if n > 0 {
			b.waitForRoom(n)
			b.ring.Write(buf[:n])
			b.mu.Lock()
			b.broadcastLocked()
			b.mu.Unlock()
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				b.log.WithError(err).Debug("sandbox output ended")
			}
			return
		}
	}
}

// waitForRoom holds the pump while an attached client has not yet received
// bytes that the next write would overwrite, up to DropAfter.
func (b *Bridge) waitForRoom(n int) {
	if b.cfg.DropAfter <= 0 {
		return
	}
	capacity := uint64(b.ring.Capacity())
	need := uint64(n)
	if need > capacity {
		need = capacity
	}
	var timer *time.Timer
	for {
		b.mu.Lock()
		att := b.att
		ok := att == nil || b.ring.Offset()-att.sent+need <= capacity
		ch := b.changed
		b.mu.Unlock()
		if ok {
			return
		}
		if timer == nil {
			timer = time.NewTimer(b.cfg.DropAfter)
			defer timer.Stop()
		}
		select {
		case <-ch:
		case <-timer.C:
			return
		case <-b.closed:
			return
		}
	}
}

// feed writes queued client input to the sandbox in arrival order.
func (b *Bridge) feed() {
	for {
		select {
		case p := <-b.input:
			if _, err := b.streams.Stdin.Write(p); err != nil {
				close(b.inputDone)
				lost := len(p) + b.drainInput()
				b.log.WithError(err).WithField("lost_bytes", lost).Debug("sandbox input closed")
				b.notify(Frame{Type: FrameEOF, Bytes: uint64(lost)})
				return
			}
		case <-b.closed:
			close(b.inputDone)
			return
		}
	}
}

func (b *Bridge) drainInput() int {
	n := 0
	for {
		select {
		case q := <-b.input:
			n += len(q)
		default:
			return n
		}
	}
}

func (b *Bridge) notify(f Frame) {
	b.mu.Lock()
	att := b.att
	b.mu.Unlock()
	if att != nil {
		_ = att.write(f)
	}
}

// Send queues client input for the sandbox.
func (b *Bridge) Send(p []byte) error {
	select {
	case <-b.inputDone:
		return ErrInputClosed
	case <-b.closed:
		return ErrInputClosed
	default:
	}
	chunk := append([]byte(nil), p...)
	select {
	case b.input <- chunk:
		b.mu.Lock()
		b.lastInput = time.Now()
		b.mu.Unlock()
		return nil
	case <-b.inputDone:
		return ErrInputClosed
	default:
		metrics.BridgeRejectedInput.Inc()
		return ErrBackpressure
	}
}

// Attach connects conn, replaying retained output from offset, and blocks
// until the client disconnects, is replaced by a newer attachment, or the
// bridge closes and the client has been sent its bye. Any previous client is
// sent a "replaced" bye and disconnected.
func (b *Bridge) Attach(ctx context.Context, conn ClientConn, offset uint64) error {
	attCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cur := b.ring.Offset(); offset > cur {
		offset = cur
	}
	a := &attachment{conn: conn, sent: offset, cancel: cancel, done: make(chan struct{})}
	defer close(a.done)

	b.mu.Lock()
	prev := b.att
	b.att = a
	b.broadcastLocked()
	b.mu.Unlock()

	if prev != nil {
		_ = prev.write(Frame{Type: FrameBye, Reason: ByeReplaced})
		prev.cancel()
		_ = prev.conn.Close()
	}

	g, gctx := errgroup.WithContext(attCtx)
	g.Go(func() error { return b.readLoop(a) })
	g.Go(func() error { return b.writeLoop(gctx, a) })
	g.Go(func() error {
		<-gctx.Done()
		return conn.Close()
	})
	err := g.Wait()

	b.mu.Lock()
	if b.att == a {
		b.att = nil
		b.detachedAt = time.Now()
		b.broadcastLocked()
	}
	b.mu.Unlock()

	if err != nil && !errors.Is(err, errEnded) && !errors.Is(err, context.Canceled) {
		b.log.WithError(err).Debug("client detached")
	}
	return nil
}

func (b *Bridge) readLoop(a *attachment) error {
	for {
		f, err := a.conn.ReadFrame()
		if err != nil {
			return err
		}
		switch f.Type {
		case FrameStdin:
			switch err := b.Send(f.Data); {
			case errors.Is(err, ErrInputClosed):
				_ = a.write(Frame{Type: FrameEOF})
			case errors.Is(err, ErrBackpressure):
				_ = a.write(Frame{Type: FrameRejected, Reason: "backpressure", Bytes: uint64(len(f.Data))})
			}
		case FrameResize:
			if b.streams.OnResize != nil && f.Rows > 0 && f.Cols > 0 {
				b.streams.OnResize(f.Rows, f.Cols)
			}
		}
	}
}

func (b *Bridge) writeLoop(ctx context.Context, a *attachment) error {
	for {
		b.mu.Lock()
		ch := b.changed
		sent := a.sent
		ended := b.ended
		end := b.end
		b.mu.Unlock()

		data, start := b.ring.ReadFrom(sent, b.cfg.MaxFrame)
		if start > sent {
			gap := start - sent
			if err := a.write(Frame{Type: FrameDropped, Bytes: gap, Offset: start}); err != nil {
				return err
			}
			b.recordDrop(a, gap, start)
		}
		if len(data) > 0 {
			next := start + uint64(len(data))
			if err := a.write(Frame{Type: FrameStdout, Data: data, Offset: next}); err != nil {
				return err
			}
			b.mu.Lock()
			a.sent = next
			b.broadcastLocked()
			b.mu.Unlock()
			continue
		}
		if ended {
			_ = a.write(Frame{Type: FrameBye, Reason: end.Reason, Code: end.Code})
			return errEnded
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (b *Bridge) recordDrop(a *attachment, gap, start uint64) {
	b.mu.Lock()
	a.sent = start
	b.dropped += gap
	b.broadcastLocked()
	b.mu.Unlock()
	metrics.BridgeDroppedBytes.Add(float64(gap))
	b.log.WithField("bytes", gap).Warn("Client missed output overwritten in the replay buffer")
}

// Close ends the bridge: remaining output is flushed to the attached client,
// followed by a bye carrying end. Only the first call has any effect.
func (b *Bridge) Close(end End) {
	b.closeOnce.Do(func() {
		close(b.closed)

		timer := time.NewTimer(b.cfg.DrainTimeout)
		defer timer.Stop()
		select {
		case <-b.pumpDone:
		case <-timer.C:
			_ = b.streams.Stdout.Close()
			<-b.pumpDone
		}
		_ = b.streams.Stdin.Close()
		<-b.inputDone

		b.mu.Lock()
		b.ended = true
		b.end = end
		att := b.att
		b.broadcastLocked()
		b.mu.Unlock()

		if att == nil {
			return
		}
		byeTimer := time.NewTimer(b.cfg.DrainTimeout)
		defer byeTimer.Stop()
		select {
		case <-att.done:
		case <-byeTimer.C:
			att.cancel()
			_ = att.conn.Close()
			<-att.done
		}
	})
}

// Closed reports whether Close has been called.
func (b *Bridge) Closed() bool {
	select {
	case <-b.closed:
		return true
	default:
		return false
	}
}

// DetachedSince returns when the last client left; ok is false while a
// client is attached.
func (b *Bridge) DetachedSince() (since time.Time, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.att != nil {
		return time.Time{}, false
	}
	return b.detachedAt, true
}

// Attached reports whether a client is currently connected.
func (b *Bridge) Attached() bool {
	_, detached := b.DetachedSince()
	return !detached
}

func (b *Bridge) LastInput() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastInput
}

// Dropped is the total number of bytes clients missed.
func (b *Bridge) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Offset is the current end of the output stream.
func (b *Bridge) Offset() uint64 { return b.ring.Offset() }

// Transcript returns the retained output.
func (b *Bridge) Transcript() []byte { return b.ring.Snapshot() }
