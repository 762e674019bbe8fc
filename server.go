package main

import (
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"
)

// Receiver handles the outcome of a request: either the matching reply or a
// timeout when no reply arrives within OperationTimeout
type Receiver interface {
	Receive(msg Message, correlationID uint32)
	Timeout(correlationID uint32)
}

// Handler processes one incoming request message. It may send a reply with
// Server.Reply, reusing the correlation id so the peer can correlate.
type Handler func(msg Message, correlationID uint32)

// pendingReply tracks one outbound request awaiting its reply
type pendingReply struct {
	receiver Receiver
	contact  Contact
	deadline time.Time
}

// Server owns the UDP socket and multiplexes request/reply traffic.
// Replies are routed to the Receiver registered at send time by correlation
// id; requests are routed to the handler registered for their message code.
type Server struct {
	conn     *net.UDPConn
	handlers map[byte]Handler

	pending   map[uint32]*pendingReply
	nextID    uint32
	closed    bool
	pendingMu sync.Mutex

	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewServer binds the UDP socket. Handlers are fixed at construction.
// Port 0 binds an ephemeral port. Call Start to begin serving.
func NewServer(port uint16, handlers map[byte]Handler) (*Server, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: int(port)})
	if err != nil {
		return nil, fmt.Errorf("failed to bind UDP port %d: %w", port, err)
	}

	return &Server{
		conn:     conn,
		handlers: handlers,
		pending:  make(map[uint32]*pendingReply),
		shutdown: make(chan struct{}),
	}, nil
}

// Start launches the receive and timeout loops
func (s *Server) Start() {
	s.wg.Add(2)
	go s.receiveLoop()
	go s.sweepLoop()
}

// Port returns the port the socket is bound to
func (s *Server) Port() uint16 {
	return uint16(s.conn.LocalAddr().(*net.UDPAddr).Port)
}

// SendMessage serializes a request, writes it to the contact and registers
// the receiver for the reply. A nil receiver sends fire-and-forget. Returns
// the allocated correlation id.
func (s *Server) SendMessage(to Contact, msg Message, recv Receiver) (uint32, error) {
	s.pendingMu.Lock()
	if s.closed {
		s.pendingMu.Unlock()
		return 0, ErrServerDown
	}

	// Correlation ids increase monotonically and wrap; an id still live in
	// the pending table is skipped
	cid := s.nextID
	for {
		if _, live := s.pending[cid]; !live {
			break
		}
		cid++
	}
	s.nextID = cid + 1

	if recv != nil {
		s.pending[cid] = &pendingReply{
			receiver: recv,
			contact:  to,
			deadline: time.Now().Add(OperationTimeout),
		}
	}
	s.pendingMu.Unlock()

	if err := s.write(to, msg, cid); err != nil {
		s.pendingMu.Lock()
		delete(s.pending, cid)
		s.pendingMu.Unlock()
		return 0, err
	}
	return cid, nil
}

// Reply sends a reply message reusing the request's correlation id
func (s *Server) Reply(to Contact, msg Message, correlationID uint32) error {
	return s.write(to, msg, correlationID)
}

func (s *Server) write(to Contact, msg Message, correlationID uint32) error {
	data, err := encodeDatagram(correlationID, msg)
	if err != nil {
		return err
	}
	if _, err := s.conn.WriteToUDP(data, to.UDPAddr()); err != nil {
		return fmt.Errorf("send to %s: %w", to.UDPAddr(), err)
	}
	return nil
}

// receiveLoop reads and dispatches one datagram at a time
func (s *Server) receiveLoop() {
	defer s.wg.Done()

	buf := make([]byte, MaxDatagramSize+1)
	for {
		n, _, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("Server receive error: %v", err)
			return
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		s.dispatch(data)
	}
}

// dispatch decodes a datagram and routes it: replies to the pending
// receiver, requests to the registered handler. Faulty datagrams are
// dropped here and never surface to operations.
func (s *Server) dispatch(data []byte) {
	correlationID, msg, err := decodeDatagram(data)
	if err != nil {
		log.Printf("Dropping datagram: %v", err)
		return
	}

	if isReplyCode(msg.Code()) {
		s.pendingMu.Lock()
		p, ok := s.pending[correlationID]
		delete(s.pending, correlationID)
		s.pendingMu.Unlock()

		if !ok {
			// Late or forged reply; nothing is waiting for it
			log.Printf("Dropping reply 0x%02x with unknown correlation id %d", msg.Code(), correlationID)
			return
		}
		p.receiver.Receive(msg, correlationID)
		return
	}

	handler, ok := s.handlers[msg.Code()]
	if !ok {
		log.Printf("No handler for message code 0x%02x", msg.Code())
		return
	}
	handler(msg, correlationID)
}

// sweepLoop expires pending replies past their deadline
func (s *Server) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(TimeoutSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case now := <-ticker.C:
			type expired struct {
				cid      uint32
				receiver Receiver
			}
			var timedOut []expired

			s.pendingMu.Lock()
			for cid, p := range s.pending {
				if now.After(p.deadline) {
					timedOut = append(timedOut, expired{cid, p.receiver})
					delete(s.pending, cid)
				}
			}
			s.pendingMu.Unlock()

			for _, e := range timedOut {
				e.receiver.Timeout(e.cid)
			}
		}
	}
}

// Shutdown stops the loops, closes the socket and fires a timeout for every
// request still awaiting a reply so no operation blocks forever
func (s *Server) Shutdown() {
	s.pendingMu.Lock()
	if s.closed {
		s.pendingMu.Unlock()
		return
	}
	s.closed = true
	s.pendingMu.Unlock()

	close(s.shutdown)
	s.conn.Close()
	s.wg.Wait()

	s.pendingMu.Lock()
	remaining := s.pending
	s.pending = make(map[uint32]*pendingReply)
	s.pendingMu.Unlock()

	for cid, p := range remaining {
		p.receiver.Timeout(cid)
	}
}
