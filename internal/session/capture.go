package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/MrWong99/voicelink/internal/observe"
	"github.com/MrWong99/voicelink/pkg/audio"
	"github.com/MrWong99/voicelink/pkg/provider/s2s"
)

// capture is the microphone half of a session: frames are resampled,
// compressed, encoded, and queued by one goroutine, and a second goroutine
// sends the queue to the peer in order. Sends are fire-and-forget; the queue
// is unbounded so a slow transport never stalls the microphone.
type capture struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
	queue  chunkQueue
	mic    audio.Microphone
	log    *slog.Logger
}

type captureConfig struct {
	mic        audio.Microphone
	stream     s2s.SessionHandle
	rate       int
	compressor *audio.Compressor // nil disables compression
	metrics    *observe.Metrics
	provider   string
	log        *slog.Logger

	// lost is called once when the microphone stream ends before the
	// capture is disconnected.
	lost func()
}

func startCapture(parent context.Context, cfg captureConfig) *capture {
	ctx, cancel := context.WithCancel(parent)
	c := &capture{
		cancel: cancel,
		queue:  chunkQueue{ready: make(chan struct{}, 1)},
		mic:    cfg.mic,
		log:    cfg.log,
	}
	c.wg.Add(2)
	go c.read(ctx, cfg)
	go c.send(ctx, cfg)
	return c
}

func (c *capture) read(ctx context.Context, cfg captureConfig) {
	defer c.wg.Done()

	conv := audio.FrameConverter{TargetRate: cfg.rate}
	frames := cfg.mic.Frames()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				if ctx.Err() != nil {
					c.log.Debug("session: microphone stream ended")
					return
				}
				c.log.Warn("session: microphone stream ended unexpectedly")
				if cfg.lost != nil {
					cfg.lost()
				}
				return
			}
			frame = conv.Convert(frame)
			samples := frame.Samples
			if cfg.compressor != nil {
				samples = cfg.compressor.Process(samples)
			}
			c.queue.push(audio.Encode(samples, cfg.rate))
			cfg.metrics.FramesCaptured.Add(ctx, 1)
		}
	}
}

func (c *capture) send(ctx context.Context, cfg captureConfig) {
	defer c.wg.Done()

	var failures int
	for {
		chunk, ok := c.queue.pop(ctx)
		if !ok {
			return
		}
		err := cfg.stream.SendAudio(ctx, chunk)
		cfg.metrics.RecordChunkSent(context.WithoutCancel(ctx), cfg.provider, err)
		if err == nil {
			continue
		}
		if errors.Is(err, s2s.ErrSessionClosed) || ctx.Err() != nil {
			return
		}
		failures++
		if failures == 1 {
			c.log.Warn("session: send audio failed", "err", err)
		} else {
			c.log.Debug("session: send audio failed", "err", err, "failures", failures)
		}
	}
}

// disconnect stops both goroutines and discards queued chunks. The
// microphone keeps being drained until its owner closes it.
func (c *capture) disconnect() {
	c.cancel()
	c.wg.Wait()
	if n := c.queue.len(); n > 0 {
		c.log.Debug("session: dropped queued audio on disconnect", "chunks", n)
	}
	go audio.Drain(c.mic.Frames())
}

// chunkQueue is an unbounded FIFO with a coalescing wake-up signal.
type chunkQueue struct {
	mu    sync.Mutex
	items []audio.EncodedChunk
	ready chan struct{}
}

func (q *chunkQueue) push(c audio.EncodedChunk) {
	q.mu.Lock()
	q.items = append(q.items, c)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// pop blocks until a chunk is available or ctx ends.
func (q *chunkQueue) pop(ctx context.Context) (audio.EncodedChunk, bool) {
	for ctx.Err() == nil {
		q.mu.Lock()
		if len(q.items) > 0 {
			c := q.items[0]
			q.items[0] = audio.EncodedChunk{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return c, true
		}
		q.mu.Unlock()

		select {
		case <-q.ready:
		case <-ctx.Done():
		}
	}
	return audio.EncodedChunk{}, false
}

func (q *chunkQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
