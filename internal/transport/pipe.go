package transport

import (
	"io"
	"sync"

	"github.com/ilnaes/padsync/internal/common"
)

const pipeBuffer = 256

type pipeConn struct {
	in   <-chan common.Frame
	out  chan<- common.Frame
	done chan struct{}
	once *sync.Once
}

// Pipe returns the two ends of an in-memory Conn. Closing either end
// closes both.
func Pipe() (Conn, Conn) {
	a := make(chan common.Frame, pipeBuffer)
	b := make(chan common.Frame, pipeBuffer)
	done := make(chan struct{})
	once := new(sync.Once)
	return &pipeConn{in: a, out: b, done: done, once: once},
		&pipeConn{in: b, out: a, done: done, once: once}
}

func (p *pipeConn) ReadFrame(f *common.Frame) error {
	select {
	case fr := <-p.in:
		*f = fr
		return nil
	case <-p.done:
		return io.EOF
	}
}

func (p *pipeConn) WriteFrame(f common.Frame) error {
	select {
	case <-p.done:
		return io.ErrClosedPipe
	default:
	}
	select {
	case p.out <- f:
		return nil
	case <-p.done:
		return io.ErrClosedPipe
	}
}

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
