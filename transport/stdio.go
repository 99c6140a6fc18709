package transport

import (
	"bufio"
	"context"
	"io"
	"sync"
)

// StdioTransport speaks newline-delimited JSON-RPC over a reader/writer
// pair, usually stdin and stdout.
type StdioTransport struct {
	*pipe
	reader io.Reader
	writer io.Writer

	wmu sync.Mutex
}

var _ Transport = (*StdioTransport)(nil)

// NewStdioTransport creates a new stdio transport.
func NewStdioTransport(r io.Reader, w io.Writer, cfg Config) *StdioTransport {
	return &StdioTransport{
		pipe:   newPipe(cfg),
		reader: r,
		writer: w,
	}
}

// Run pumps messages until ctx is done or Close is called. Queued sends
// are flushed before it returns. The reader may outlive Run while it is
// blocked on input.
func (t *StdioTransport) Run(ctx context.Context) error {
	go t.readLoop(ctx)

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		t.pump(ctx, t.writeMessage, nil, nil)
	}()

	// End of input does not stop the transport: replies to requests
	// already read still have to go out.
	select {
	case <-ctx.Done():
	case <-t.done:
	}
	t.shut()
	<-writeDone
	return ctx.Err()
}

// Close initiates graceful shutdown.
func (t *StdioTransport) Close() error {
	t.shut()
	return nil
}

func (t *StdioTransport) readLoop(ctx context.Context) {
	defer close(t.recv)

	scanner := bufio.NewScanner(t.reader)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		// The scanner reuses its buffer.
		data := append([]byte(nil), line...)

		msg, err := ParseInbound(data)
		if err != nil {
			t.Send(parseFailure(data, err))
			continue
		}
		if !t.deliver(ctx, msg) {
			return
		}
	}
}

func (t *StdioTransport) writeMessage(msg *OutboundMessage) {
	data, err := MarshalOutbound(msg)
	if err != nil {
		return
	}
	t.wmu.Lock()
	defer t.wmu.Unlock()
	t.writer.Write(append(data, '\n'))
}
