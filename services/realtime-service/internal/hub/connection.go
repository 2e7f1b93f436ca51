package hub

import (
	"errors"
	"sync"
	"time"
)

type Role string

const (
	RoleNormal Role = "normal"
	RoleAdmin  Role = "admin"
)

var (
	ErrConnClosed  = errors.New("connection closed")
	ErrSendTimeout = errors.New("send timed out")
)

// Conn is one live realtime session. Outbound delivery goes through a
// bounded buffer with a send timeout so a stalled client cannot stall a
// whole group broadcast.
type Conn struct {
	identity     string
	role         Role
	primaryGroup string
	sendTimeout  time.Duration

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func NewConn(identity string, role Role, primaryGroup string, buffer int, sendTimeout time.Duration) *Conn {
	if buffer <= 0 {
		buffer = 16
	}
	if sendTimeout <= 0 {
		sendTimeout = time.Second
	}
	return &Conn{
		identity:     identity,
		role:         role,
		primaryGroup: primaryGroup,
		sendTimeout:  sendTimeout,
		send:         make(chan []byte, buffer),
		done:         make(chan struct{}),
	}
}

func (c *Conn) Identity() string     { return c.identity }
func (c *Conn) Role() Role           { return c.role }
func (c *Conn) PrimaryGroup() string { return c.primaryGroup }

// Send queues msg for the write pump. It fails fast when the connection
// is closed and gives up after the send timeout when the buffer is full.
func (c *Conn) Send(msg []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	timer := time.NewTimer(c.sendTimeout)
	defer timer.Stop()
	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return ErrConnClosed
	case <-timer.C:
		return ErrSendTimeout
	}
}

// Outbound is consumed by the connection's write pump.
func (c *Conn) Outbound() <-chan []byte { return c.send }

func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}
