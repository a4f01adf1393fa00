package audio

import (
	"log"
	"sync"
)

// Player renders one buffer of samples to the output device. Play blocks
// until the buffer has been handed to the device in full, which is what
// serializes playback.
type Player interface {
	Play(pcm []int16) error
	Close() error
}

// Queue plays decoded agent audio strictly in arrival order, never
// overlapping two buffers. Enqueue never blocks; a slow device only grows
// the queue, it does not drop audio.
type Queue struct {
	player Player
	dec    *Decoder
	rate   int // player rate; decoded buffers are resampled to it

	mu      sync.Mutex
	pending [][]byte
	playing bool
	closed  bool
}

// NewQueue builds a playback queue draining into player at playerRate.
func NewQueue(player Player, dec *Decoder, playerRate int) *Queue {
	return &Queue{player: player, dec: dec, rate: playerRate}
}

// Enqueue appends a wire audio payload. If nothing is playing, draining
// starts; otherwise the payload waits its turn.
func (q *Queue) Enqueue(payload []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.pending = append(q.pending, payload)
	if !q.playing {
		q.playing = true
		go q.drain()
	}
}

// Clear drops all pending payloads. A buffer already at the device finishes
// naturally.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.pending = nil
	q.mu.Unlock()
}

// Pending reports the number of queued, not-yet-played payloads.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close drops pending audio and releases the output device. Idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.pending = nil
	q.mu.Unlock()
	if err := q.player.Close(); err != nil {
		log.Printf("playback: close device: %v", err)
	}
}

func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if q.closed || len(q.pending) == 0 {
			q.playing = false
			q.mu.Unlock()
			return
		}
		payload := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		pcm, rate, err := q.dec.Decode(payload)
		if err != nil {
			// A bad buffer must not abort the queue; skip and keep draining.
			log.Printf("playback: decode: %v", err)
			continue
		}
		if rate != q.rate {
			pcm = Resample(pcm, rate, q.rate)
		}
		// Close may have run while this payload was being decoded; a closed
		// queue must never touch the device again.
		q.mu.Lock()
		if q.closed {
			q.playing = false
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()
		if err := q.player.Play(pcm); err != nil {
			log.Printf("playback: play: %v", err)
		}
	}
}
