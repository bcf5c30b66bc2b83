// Package openpipe implements C10 and the external transport from
// spec section 6: a newline-delimited JSON duplex connection between
// the annunciator and one external controller process. Each
// connection's ingress loop (reading incoming tag/alarm updates) and
// egress loop (writing outgoing tag-set requests) are joined with
// golang.org/x/sync/errgroup, the same join primitive the action tree
// uses for Parallel, so a read or write failure on either side tears
// down the whole connection cleanly.
package openpipe

import (
	"bufio"
	"context"
	"encoding/json"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openpipe-hmi/annunciator/internal/alarmfilter"
	"github.com/openpipe-hmi/annunciator/internal/alarms"
	"github.com/openpipe-hmi/annunciator/internal/annerr"
	"github.com/openpipe-hmi/annunciator/internal/tags"
)

// messageType names the vocabulary of the Open Pipe protocol.
type messageType string

const (
	msgTag         messageType = "tag"
	msgAlarm       messageType = "alarm"
	msgWriteTag    messageType = "write_tag"
	msgWriteTagAck messageType = "write_tag_ack"
)

// message is the wire shape: one JSON object per line. ErrorCode and
// ErrorDescription carry a write_tag_ack's outcome: zero ErrorCode
// means the write succeeded.
type message struct {
	Type             messageType `json:"type"`
	Tag              string      `json:"tag,omitempty"`
	Value            string      `json:"value,omitempty"`
	ID               int         `json:"id,omitempty"`
	InstanceID       int         `json:"instance_id,omitempty"`
	Priority         int         `json:"priority,omitempty"`
	State            int         `json:"state,omitempty"`
	ClassName        string      `json:"class_name,omitempty"`
	Name             string      `json:"name,omitempty"`
	ErrorCode        int         `json:"error_code,omitempty"`
	ErrorDescription string      `json:"error_description,omitempty"`
}

// Server accepts the single external controller connection Open Pipe
// expects and keeps the tag and alarm dispatchers synchronized with
// it for as long as it stays up, reconnecting on drop.
type Server struct {
	Tags   *tags.Dispatcher
	Alarms *alarms.Dispatcher

	egress chan message

	mu      sync.Mutex
	pending map[string][]chan error
}

// Listen parses a bind address of the form "tcp://host:port" or
// "unix:///path/to/socket" and starts listening.
func Listen(bind string) (net.Listener, error) {
	network, address, err := splitBind(bind)
	if err != nil {
		return nil, err
	}
	l, err := net.Listen(network, address)
	if err != nil {
		return nil, annerr.Wrap(annerr.Configuration, "listen on "+bind, err)
	}
	return l, nil
}

func splitBind(bind string) (network, address string, err error) {
	switch {
	case strings.HasPrefix(bind, "tcp://"):
		return "tcp", strings.TrimPrefix(bind, "tcp://"), nil
	case strings.HasPrefix(bind, "unix://"):
		return "unix", strings.TrimPrefix(bind, "unix://"), nil
	default:
		return "", "", annerr.Configf("bind address %q must start with tcp:// or unix://", bind)
	}
}

// NewServer builds a Server over the given dispatchers. Publish can be
// called as soon as the server exists; messages queue until a
// connection is live.
func NewServer(tagsD *tags.Dispatcher, alarmsD *alarms.Dispatcher) *Server {
	return &Server{
		Tags:    tagsD,
		Alarms:  alarmsD,
		egress:  make(chan message, 64),
		pending: make(map[string][]chan error),
	}
}

// Publish queues an outgoing tag-write message for the next connected
// peer and returns a channel that receives the external controller's
// acknowledgment -- the egress half of C10's tag-write confirmation
// (spec section 4.7). One value is sent, then the channel is closed,
// when the acknowledgment arrives or the write cannot be queued; if no
// acknowledgment ever arrives, nothing is sent. Satisfies
// internal/tagwriter.Writer.
func (s *Server) Publish(tag, value string) <-chan error {
	ch := make(chan error, 1)

	s.mu.Lock()
	s.pending[tag] = append(s.pending[tag], ch)
	s.mu.Unlock()

	select {
	case s.egress <- message{Type: msgWriteTag, Tag: tag, Value: value}:
	default:
		s.mu.Lock()
		s.removePending(tag, ch)
		s.mu.Unlock()
		log.Printf("openpipe: egress queue full, dropping set_tag %s", tag)
		ch <- annerr.Transientf("openpipe: egress queue full for tag %q", tag)
		close(ch)
	}
	return ch
}

// removePending drops ch from tag's pending list, called when a
// queued write never reached the wire. Caller holds s.mu.
func (s *Server) removePending(tag string, ch chan error) {
	q := s.pending[tag]
	for i, c := range q {
		if c == ch {
			s.pending[tag] = append(q[:i], q[i+1:]...)
			return
		}
	}
}

// Serve accepts connections on l one at a time until ctx is cancelled,
// handling each to completion (or failure) before accepting the next.
// A real deployment has exactly one controller; serializing connection
// handling this way keeps the ingress/egress state simple without an
// internal per-connection registry.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return annerr.Wrap(annerr.Transient, "accept open pipe connection", err)
		}
		log.Printf("openpipe: controller connected from %s", conn.RemoteAddr())
		if err := s.handle(ctx, conn); err != nil && ctx.Err() == nil {
			log.Printf("openpipe: connection closed: %v", err)
		}
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) error {
	defer conn.Close()
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(cctx)
	// Closing the connection once either loop is done unblocks the
	// other: a peer's disconnect ends ingress, which cancels egress,
	// and an egress failure ends ingress's blocked read.
	go func() {
		<-gctx.Done()
		conn.Close()
	}()
	g.Go(func() error {
		defer cancel()
		return s.ingress(gctx, conn)
	})
	g.Go(func() error { return s.egressLoop(gctx, conn) })
	return g.Wait()
}

func (s *Server) ingress(ctx context.Context, conn net.Conn) error {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), 1<<20)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var m message
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			log.Printf("openpipe: malformed message %q: %v", line, err)
			continue
		}
		s.dispatch(m)
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return nil
}

func (s *Server) dispatch(m message) {
	switch m.Type {
	case msgTag:
		if err := s.Tags.Set(m.Tag, m.Value); err != nil {
			log.Printf("openpipe: tag update for %q: %v", m.Tag, err)
		}
	case msgAlarm:
		s.Alarms.OnAlarm(alarmfilter.AlarmRecord{
			ID:         m.ID,
			InstanceID: m.InstanceID,
			Priority:   m.Priority,
			State:      alarmfilter.AlarmState(m.State),
			ClassName:  m.ClassName,
			Name:       m.Name,
		})
	case msgWriteTagAck:
		s.resolveWriteAck(m)
	default:
		log.Printf("openpipe: unknown message type %q", m.Type)
	}
}

// resolveWriteAck delivers a write_tag_ack to the oldest still-pending
// Publish call for its tag, FIFO, since a controller is expected to
// acknowledge writes in the order it received them.
func (s *Server) resolveWriteAck(m message) {
	s.mu.Lock()
	q := s.pending[m.Tag]
	var ch chan error
	if len(q) > 0 {
		ch = q[0]
		s.pending[m.Tag] = q[1:]
	}
	s.mu.Unlock()

	if ch == nil {
		log.Printf("openpipe: write ack for %q with no pending write", m.Tag)
		return
	}
	if m.ErrorCode != 0 {
		ch <- annerr.Transientf("tag %q write failed: %s (code %d)", m.Tag, m.ErrorDescription, m.ErrorCode)
	} else {
		ch <- nil
	}
	close(ch)
}

func (s *Server) egressLoop(ctx context.Context, conn net.Conn) error {
	enc := json.NewEncoder(conn)
	for {
		select {
		case m := <-s.egress:
			if err := writeWithDeadline(conn, enc, m); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func writeWithDeadline(conn net.Conn, enc *json.Encoder, m message) error {
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	defer conn.SetWriteDeadline(time.Time{})
	return enc.Encode(m)
}
