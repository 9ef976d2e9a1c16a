package mailbox

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/quercusdb/quercus/pkg/query/block"
	"github.com/quercusdb/quercus/pkg/query/plan"
)

// Remote channels cross the network as length-prefixed frames:
//
//	[4-byte big-endian frame length]
//	[2-byte big-endian mailbox id length][mailbox id]
//	[encoded block]
//
// One connection carries one sending mailbox; the server side decodes frames
// and enqueues them into its local registry, from where the receiving
// operator polls them exactly like a local channel.

// remoteSender dials the receiving worker lazily on first send.
type remoteSender struct {
	svc      *Service
	addr     plan.MailboxAddr
	deadline time.Time

	mu           sync.Mutex
	conn         net.Conn
	bw           *bufio.Writer
	terminalSent bool
	closed       bool
}

func (s *remoteSender) Send(b *block.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.terminalSent {
		return ErrClosed
	}
	if s.conn == nil {
		conn, err := net.DialTimeout("tcp", s.addr.Receiver.HostPort(), s.svc.cfg.DialTimeout)
		if err != nil {
			return errors.Wrapf(err, "dialing mailbox %s", s.addr.ID())
		}
		s.conn = conn
		s.bw = bufio.NewWriter(conn)
	}

	payload, err := encodeFrame(s.addr.ID(), b)
	if err != nil {
		return err
	}
	if !s.deadline.IsZero() {
		_ = s.conn.SetWriteDeadline(s.deadline)
	}
	if err := writeFrame(s.bw, payload); err != nil {
		_ = s.conn.Close()
		s.conn = nil
		return errors.Wrapf(err, "sending to mailbox %s", s.addr.ID())
	}
	if err := s.bw.Flush(); err != nil {
		_ = s.conn.Close()
		s.conn = nil
		return errors.Wrapf(err, "sending to mailbox %s", s.addr.ID())
	}
	if b.IsTerminal() {
		s.terminalSent = true
	}
	s.svc.metrics.sendsTotal.WithLabelValues(transportRemote).Inc()
	return nil
}

func (s *remoteSender) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

func (s *Service) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() == nil {
				level.Warn(s.logger).Log("msg", "mailbox accept failed", "err", err)
			}
			return
		}
		s.metrics.connsTotal.Inc()
		s.trackConn(conn)
		s.wg.Add(1)
		go s.serveConn(ctx, conn)
	}
}

func (s *Service) serveConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer s.untrackConn(conn)
	defer conn.Close()

	br := bufio.NewReader(conn)
	for {
		payload, err := readFrame(br, s.cfg.MaxFrameSize)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) {
				level.Warn(s.logger).Log("msg", "mailbox frame read failed", "err", err)
			}
			return
		}
		id, b, err := decodeFrame(payload)
		if err != nil {
			level.Error(s.logger).Log("msg", "dropping malformed mailbox frame", "err", err)
			return
		}
		addr, err := plan.ParseID(id)
		if err != nil {
			level.Error(s.logger).Log("msg", "dropping frame with malformed mailbox id", "mailbox", id, "err", err)
			return
		}
		s.metrics.framesTotal.Inc()

		// Frames may arrive before the receiving operator references the
		// channel; creation is lazy from either side.
		q := s.getOrCreate(addr, s.clock.Now().Add(s.cfg.ReleaseGrace))
		if err := q.sendCtx(ctx, s.clock, s.cfg.SendPollInterval, b); err != nil {
			if errors.Is(err, ErrClosed) {
				// Receiver already terminated (cancellation or error); the
				// remaining stream is dropped by contract.
				level.Debug(s.logger).Log("msg", "dropping frame for released mailbox", "mailbox", id)
				continue
			}
			level.Warn(s.logger).Log("msg", "failed to enqueue remote block", "mailbox", id, "err", err)
			return
		}
	}
}

func encodeFrame(id string, b *block.Block) ([]byte, error) {
	body, err := block.Encode(b)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, 2+len(id)+len(body))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(id)))
	buf = append(buf, id...)
	return append(buf, body...), nil
}

func decodeFrame(payload []byte) (string, *block.Block, error) {
	if len(payload) < 2 {
		return "", nil, errors.New("truncated mailbox frame")
	}
	idLen := int(binary.BigEndian.Uint16(payload))
	if len(payload) < 2+idLen {
		return "", nil, errors.New("truncated mailbox frame")
	}
	id := string(payload[2 : 2+idLen])
	b, err := block.Decode(payload[2+idLen:])
	if err != nil {
		return "", nil, err
	}
	return id, b, nil
}

func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader, maxSize int) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if int(length) > maxSize {
		return nil, errors.Errorf("frame size %d exceeds maximum %d", length, maxSize)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
