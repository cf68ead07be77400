package server

import (
	"sync"

	"github.com/ilnaes/padsync/internal/common"
	"github.com/ilnaes/padsync/internal/transport"
)

const sendBuffer = 256

// Client is one connection to the backbone. Frames from a client are
// handled in the order they are read.
type Client struct {
	s        *Server
	conn     transport.Conn
	identity common.Identity

	send      chan common.Frame
	done      chan struct{}
	closeOnce sync.Once

	rooms map[string]bool // protected by s.mu
}

func (s *Server) newClient(conn transport.Conn, id common.Identity) *Client {
	return &Client{
		s:        s,
		conn:     conn,
		identity: id,
		send:     make(chan common.Frame, sendBuffer),
		done:     make(chan struct{}),
		rooms:    make(map[string]bool),
	}
}

// write queues f for the writer. A client that cannot keep up is dropped
// instead of stalling the room.
func (c *Client) write(f common.Frame) {
	select {
	case <-c.done:
	case c.send <- f:
	default:
		c.s.logger.Printf("%s: send buffer full, closing", c.identity.UserID)
		c.close()
	}
}

func (c *Client) writer() {
	for {
		select {
		case f := <-c.send:
			if err := c.conn.WriteFrame(f); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *Client) interact() {
	for {
		var f common.Frame
		if err := c.conn.ReadFrame(&f); err != nil {
			return
		}
		if f.Room == "" {
			continue
		}

		switch f.Op {
		case common.OpJoin:
			c.s.join(c, f.Room)
		case common.OpLeave:
			c.s.leave(c, f.Room)
		case common.OpEmit:
			c.s.handle(c, f)
		}
	}
}
