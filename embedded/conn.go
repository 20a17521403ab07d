package embedded

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

const maxCommandLength = 224

// Listen binds addr and serves connections in the background until Close.
func (s *Server) Listen(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if err := s.register(l); err != nil {
		return err
	}
	go s.acceptLoop(l)
	return nil
}

// Addr returns the listening address, or nil before Listen/Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections on l until the server is closed.
func (s *Server) Serve(l net.Listener) error {
	if err := s.register(l); err != nil {
		return err
	}
	return s.acceptLoop(l)
}

func (s *Server) register(l net.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = l.Close()
		return ErrServerClosed
	}
	if s.listener != nil {
		_ = l.Close()
		return fmt.Errorf("server already listening on %s", s.listener.Addr())
	}
	s.listener = l
	s.wg.Add(1)
	return nil
}

func (s *Server) acceptLoop(l net.Listener) error {
	defer s.wg.Done()

	s.logger.Debug("embedded server listening", "addr", l.Addr().String())
	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-s.done:
				return ErrServerClosed
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			s.logger.Error("accept failed", "error", err)
			return err
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return ErrServerClosed
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	client, err := s.DirectClient()
	if err != nil {
		return
	}
	defer func() {
		if err := client.Close(); err != nil {
			s.logger.Error("failed to close session", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	for {
		line, err := readLine(r)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("connection read failed", "error", err)
			}
			return
		}
		if line == "quit" {
			return
		}
		reply, body, quit := client.dispatch(ctx, r, line)
		if quit {
			return
		}
		w.WriteString(reply)
		w.WriteString("\r\n")
		if body != nil {
			w.Write(body)
			w.WriteString("\r\n")
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

// readLine reads one CRLF terminated command line.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// dispatch executes one protocol command and returns the reply line and optional data block.
func (c *Client) dispatch(ctx context.Context, r *bufio.Reader, line string) (string, []byte, bool) {
	if len(line) > maxCommandLength {
		return "BAD_FORMAT", nil, false
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "UNKNOWN_COMMAND", nil, false
	}
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "put":
		if len(args) != 4 {
			return "BAD_FORMAT", nil, false
		}
		pri, err1 := parseUint32(args[0])
		delay, err2 := parseSeconds(args[1])
		ttr, err3 := parseSeconds(args[2])
		size, err4 := strconv.Atoi(args[3])
		if err := errors.Join(err1, err2, err3, err4); err != nil || size < 0 {
			return "BAD_FORMAT", nil, false
		}
		if size > c.s.jobSizeLimit() {
			// The body is skipped unread so that an oversized size is never allocated.
			if _, err := io.CopyN(io.Discard, r, int64(size)); err != nil {
				return "", nil, true
			}
			if _, err := io.CopyN(io.Discard, r, 2); err != nil {
				return "", nil, true
			}
			return "JOB_TOO_BIG", nil, false
		}
		body := make([]byte, size+2)
		if _, err := io.ReadFull(r, body); err != nil {
			return "", nil, true
		}
		if !bytes.HasSuffix(body, []byte("\r\n")) {
			return "EXPECTED_CRLF", nil, false
		}
		id, err := c.Put(ctx, body[:size], pri, delay, ttr)
		if err != nil {
			return replyError(err), nil, false
		}
		return fmt.Sprintf("INSERTED %d", id), nil, false

	case "use":
		if len(args) != 1 {
			return "BAD_FORMAT", nil, false
		}
		if err := c.Use(ctx, args[0]); err != nil {
			return replyError(err), nil, false
		}
		return "USING " + args[0], nil, false

	case "reserve", "reserve-with-timeout":
		timeout := time.Duration(-1)
		if cmd == "reserve-with-timeout" {
			if len(args) != 1 {
				return "BAD_FORMAT", nil, false
			}
			d, err := parseSeconds(args[0])
			if err != nil {
				return "BAD_FORMAT", nil, false
			}
			timeout = d
		}
		id, body, err := c.Reserve(ctx, timeout)
		if err != nil {
			if errors.Is(err, ErrServerClosed) || errors.Is(err, context.Canceled) {
				return "", nil, true
			}
			return replyError(err), nil, false
		}
		return fmt.Sprintf("RESERVED %d %d", id, len(body)), nonNil(body), false

	case "reserve-job":
		id, ok := singleID(args)
		if !ok {
			return "BAD_FORMAT", nil, false
		}
		body, err := c.ReserveJob(ctx, id)
		if err != nil {
			return replyError(err), nil, false
		}
		return fmt.Sprintf("RESERVED %d %d", id, len(body)), nonNil(body), false

	case "delete":
		id, ok := singleID(args)
		if !ok {
			return "BAD_FORMAT", nil, false
		}
		if err := c.Delete(ctx, id); err != nil {
			return replyError(err), nil, false
		}
		return "DELETED", nil, false

	case "release":
		if len(args) != 3 {
			return "BAD_FORMAT", nil, false
		}
		id, err1 := strconv.ParseUint(args[0], 10, 64)
		pri, err2 := parseUint32(args[1])
		delay, err3 := parseSeconds(args[2])
		if errors.Join(err1, err2, err3) != nil {
			return "BAD_FORMAT", nil, false
		}
		if err := c.Release(ctx, id, pri, delay); err != nil {
			return replyError(err), nil, false
		}
		return "RELEASED", nil, false

	case "bury":
		if len(args) != 2 {
			return "BAD_FORMAT", nil, false
		}
		id, err1 := strconv.ParseUint(args[0], 10, 64)
		pri, err2 := parseUint32(args[1])
		if errors.Join(err1, err2) != nil {
			return "BAD_FORMAT", nil, false
		}
		if err := c.Bury(ctx, id, pri); err != nil {
			return replyError(err), nil, false
		}
		return "BURIED", nil, false

	case "touch":
		id, ok := singleID(args)
		if !ok {
			return "BAD_FORMAT", nil, false
		}
		if err := c.Touch(ctx, id); err != nil {
			return replyError(err), nil, false
		}
		return "TOUCHED", nil, false

	case "watch", "ignore":
		if len(args) != 1 {
			return "BAD_FORMAT", nil, false
		}
		var count int
		var err error
		if cmd == "watch" {
			count, err = c.Watch(ctx, args[0])
		} else {
			count, err = c.Ignore(ctx, args[0])
		}
		if err != nil {
			return replyError(err), nil, false
		}
		return fmt.Sprintf("WATCHING %d", count), nil, false

	case "peek":
		id, ok := singleID(args)
		if !ok {
			return "BAD_FORMAT", nil, false
		}
		body, err := c.Peek(ctx, id)
		if err != nil {
			return replyError(err), nil, false
		}
		return fmt.Sprintf("FOUND %d %d", id, len(body)), nonNil(body), false

	case "peek-ready", "peek-delayed", "peek-buried":
		if len(args) != 0 {
			return "BAD_FORMAT", nil, false
		}
		id, body, err := c.PeekState(ctx, State(strings.TrimPrefix(cmd, "peek-")))
		if err != nil {
			return replyError(err), nil, false
		}
		return fmt.Sprintf("FOUND %d %d", id, len(body)), nonNil(body), false

	case "kick":
		if len(args) != 1 {
			return "BAD_FORMAT", nil, false
		}
		bound, err := strconv.Atoi(args[0])
		if err != nil {
			return "BAD_FORMAT", nil, false
		}
		kicked, err := c.Kick(ctx, bound)
		if err != nil {
			return replyError(err), nil, false
		}
		return fmt.Sprintf("KICKED %d", kicked), nil, false

	case "kick-job":
		id, ok := singleID(args)
		if !ok {
			return "BAD_FORMAT", nil, false
		}
		if err := c.KickJob(ctx, id); err != nil {
			return replyError(err), nil, false
		}
		return "KICKED", nil, false

	case "stats-job":
		id, ok := singleID(args)
		if !ok {
			return "BAD_FORMAT", nil, false
		}
		st, err := c.StatsJob(ctx, id)
		if err != nil {
			return replyError(err), nil, false
		}
		return okReply(formatJobStats(st))

	case "stats-tube":
		if len(args) != 1 {
			return "BAD_FORMAT", nil, false
		}
		st, err := c.StatsTube(ctx, args[0])
		if err != nil {
			return replyError(err), nil, false
		}
		return okReply(formatTubeStats(st))

	case "stats":
		st, err := c.Stats(ctx)
		if err != nil {
			return replyError(err), nil, false
		}
		return okReply(formatServerStats(st))

	case "list-tubes":
		names, err := c.ListTubes(ctx)
		if err != nil {
			return replyError(err), nil, false
		}
		return okReply(formatList(names))

	case "list-tube-used":
		return "USING " + c.Used(), nil, false

	case "list-tubes-watched":
		return okReply(formatList(c.Watched()))

	case "pause-tube":
		if len(args) != 2 {
			return "BAD_FORMAT", nil, false
		}
		delay, err := parseSeconds(args[1])
		if err != nil {
			return "BAD_FORMAT", nil, false
		}
		if err := c.PauseTube(ctx, args[0], delay); err != nil {
			return replyError(err), nil, false
		}
		return "PAUSED", nil, false
	}
	return "UNKNOWN_COMMAND", nil, false
}

func okReply(data []byte) (string, []byte, bool) {
	return fmt.Sprintf("OK %d", len(data)), data, false
}

func replyError(err error) string {
	switch {
	case IsNotFound(err):
		return "NOT_FOUND"
	case errors.Is(err, ErrTimedOut):
		return "TIMED_OUT"
	case errors.Is(err, ErrNotIgnored):
		return "NOT_IGNORED"
	case errors.Is(err, ErrJobTooBig):
		return "JOB_TOO_BIG"
	case errors.Is(err, ErrBadFormat):
		return "BAD_FORMAT"
	default:
		return "INTERNAL_ERROR"
	}
}

func singleID(args []string) (uint64, bool) {
	if len(args) != 1 {
		return 0, false
	}
	id, err := strconv.ParseUint(args[0], 10, 64)
	return id, err == nil
}

func parseUint32(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	return uint32(n), err
}

func parseSeconds(s string) (time.Duration, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	return time.Duration(n) * time.Second, err
}

// nonNil keeps empty bodies distinguishable from replies without a data block.
func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
