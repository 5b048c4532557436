package chat

import (
	"errors"
	"strings"
	"sync"
)

// ErrDone is returned by Stream.Next when the stream finished normally.
var ErrDone = errors.New("chat: stream done")

// ErrStreamClosed is returned after the consumer closed the stream early.
var ErrStreamClosed = errors.New("chat: stream closed")

// End is the terminal error of a finished stream. It unwraps to ErrDone and
// carries the token usage reported by the model, when available.
type End struct {
	Usage Usage
}

func (*End) Error() string { return ErrDone.Error() }

func (*End) Unwrap() error { return ErrDone }

// Fragment is one incremental unit of a streamed response: a chunk of text,
// or one fully accumulated tool call.
type Fragment struct {
	Text     string
	ToolCall *ToolCall
}

// Stream is a lazy, finite, non-restartable sequence of response fragments.
//
// Next blocks until a fragment is available and returns a terminal error
// when the stream ends: an *End (errors.Is ErrDone) on normal completion,
// or the abort error otherwise. A consumer may stop early with Close;
// doing so must not corrupt the producing client for subsequent calls.
type Stream interface {
	Next() (*Fragment, error)
	Close() error
	CloseWithError(error) error
}

// Collect drains a stream and assembles the assistant message it denotes.
// The result equals what Complete would have returned for the same request.
// The stream is closed before returning.
func Collect(s Stream) (*Message, error) {
	defer s.Close()

	var (
		text  strings.Builder
		calls []*ToolCall
		usage Usage
	)
	for {
		frag, err := s.Next()
		if err != nil {
			if errors.Is(err, ErrDone) {
				var end *End
				if errors.As(err, &end) {
					usage = end.Usage
				}
				break
			}
			return nil, err
		}
		if frag.Text != "" {
			text.WriteString(frag.Text)
		}
		if frag.ToolCall != nil {
			calls = append(calls, frag.ToolCall)
		}
	}

	msg := &Message{Role: RoleAssistant, ToolCalls: calls, Usage: usage}
	if text.Len() > 0 {
		msg.Content = Contents{Text(text.String())}
	}
	return msg, nil
}

// streamEvent is one slot in the builder's pipe: a fragment, or the
// terminal error ending the stream.
type streamEvent struct {
	frag *Fragment
	err  error
}

// StreamBuilder is the producer side of a Stream. A generating goroutine
// calls Add for each fragment and finishes with Done or Abort; the consumer
// reads through the Stream returned by Stream().
//
// Terminal errors travel through the same pipe as fragments, so a consumer
// always drains buffered fragments before seeing the end of the stream.
// Once the consumer closes the stream, Add unblocks and reports the close
// error so the producer can stop promptly.
type StreamBuilder struct {
	pipe *eventPipe

	mu     sync.Mutex
	endErr error // terminal error observed by the consumer, or close error
}

// NewStreamBuilder creates a builder whose stream buffers up to size
// fragments between producer and consumer. Size is clamped to at least one
// slot so the terminal event always fits.
func NewStreamBuilder(size int) *StreamBuilder {
	if size < 1 {
		size = 1
	}
	return &StreamBuilder{
		pipe: newEventPipe(size),
	}
}

// Add appends a fragment to the stream. It blocks while the buffer is full
// and fails once the stream has been closed or finished.
func (sb *StreamBuilder) Add(frag *Fragment) error {
	if err := sb.pipe.put(&streamEvent{frag: frag}); err != nil {
		return sb.terminalErr()
	}
	return nil
}

// Done finishes the stream normally, attaching the final usage.
func (sb *StreamBuilder) Done(usage Usage) error {
	return sb.finish(&End{Usage: usage})
}

// Abort finishes the stream with an error. The consumer's Next returns err
// after draining buffered fragments.
func (sb *StreamBuilder) Abort(err error) error {
	if err == nil {
		err = ErrDone
	}
	return sb.finish(err)
}

func (sb *StreamBuilder) finish(err error) error {
	if perr := sb.pipe.put(&streamEvent{err: err}); perr != nil {
		return sb.terminalErr()
	}
	sb.pipe.closeSend()
	return nil
}

func (sb *StreamBuilder) setEnd(err error) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.endErr == nil {
		sb.endErr = err
	}
	return sb.endErr
}

func (sb *StreamBuilder) terminalErr() error {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.endErr != nil {
		return sb.endErr
	}
	return ErrStreamClosed
}

// Stream returns the consumer side of the builder.
func (sb *StreamBuilder) Stream() Stream {
	return (*builtStream)(sb)
}

type builtStream StreamBuilder

func (s *builtStream) Next() (*Fragment, error) {
	sb := (*StreamBuilder)(s)
	evt, err := sb.pipe.next()
	if err != nil {
		if errors.Is(err, errPipeDrained) {
			// Producer closed without a terminal event; treat as done.
			return nil, sb.setEnd(ErrDone)
		}
		return nil, sb.terminalErr()
	}
	if evt.err != nil {
		err = sb.setEnd(evt.err)
		sb.pipe.close(err)
		return nil, err
	}
	return evt.frag, nil
}

func (s *builtStream) Close() error {
	return s.CloseWithError(nil)
}

func (s *builtStream) CloseWithError(err error) error {
	sb := (*StreamBuilder)(s)
	if err == nil {
		err = ErrStreamClosed
	}
	sb.setEnd(err)
	sb.pipe.close(err)
	return nil
}
