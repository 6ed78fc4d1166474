// sshtest provides an in-process SSH server for tests.
//
// The server accepts 'exec' requests on 'session' channels, records the
// command and everything the client writes to stdin, writes a canned stdout,
// then replies with a configurable exit status. No command is ever executed.
package sshtest

import (
	"bytes"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// Server is an SSH server listening on a random loopback port.
//
// 'Stdout' and 'ExitCode' may be set before the first connection.
type Server struct {
	Stdout   string
	ExitCode uint32

	t        *testing.T
	listener net.Listener
	config   *ssh.ServerConfig
	wg       sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	execs []string
	lines []string
}

// Start begins serving on 127.0.0.1, authenticating clients against
// 'authorized'. The server is shut down when the test ends.
func Start(t *testing.T, hostKey ssh.Signer, authorized ...ssh.PublicKey) *Server {
	t.Helper()
	config := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			for _, allowed := range authorized {
				if bytes.Equal(allowed.Marshal(), key.Marshal()) {
					return nil, nil
				}
			}
			return nil, ErrUnauthorized
		},
	}
	config.AddHostKey(hostKey)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &Server{
		t:        t,
		listener: listener,
		config:   config,
		conns:    make(map[net.Conn]struct{}),
	}
	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

// Host is the address the server listens on.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.listener.Addr().String())
	return host
}

// Port is the TCP port the server listens on.
func (s *Server) Port() uint16 {
	_, port, _ := net.SplitHostPort(s.listener.Addr().String())
	p, _ := strconv.ParseUint(port, 10, 16)
	return uint16(p)
}

// Execs returns the commands requested through 'exec', in order.
func (s *Server) Execs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.execs...)
}

// Lines returns the non-blank lines the clients wrote to stdin, in order.
func (s *Server) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

// Close stops accepting, closes every open connection and waits for all
// handlers to return.
func (s *Server) Close() {
	_ = s.listener.Close()
	s.mu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		_ = conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		s.t.Logf("sshtest: handshake failed: %v", err)
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, channelReqs, err := newChannel.Accept()
		if err != nil {
			continue
		}
		s.wg.Add(1)
		go s.handleSession(channel, channelReqs)
	}
}

func (s *Server) handleSession(channel ssh.Channel, reqs <-chan *ssh.Request) {
	defer s.wg.Done()
	defer channel.Close()
	for req := range reqs {
		if req.Type != "exec" {
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
			continue
		}
		var payload struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			_ = req.Reply(false, nil)
			continue
		}
		if req.WantReply {
			_ = req.Reply(true, nil)
		}
		// Block until the client closes stdin.
		stdin, _ := io.ReadAll(channel)

		s.mu.Lock()
		s.execs = append(s.execs, payload.Command)
		for line := range strings.SplitSeq(string(stdin), "\n") {
			if line = strings.TrimSpace(line); line != "" {
				s.lines = append(s.lines, line)
			}
		}
		s.mu.Unlock()

		if s.Stdout != "" {
			_, _ = channel.Write([]byte(s.Stdout))
		}
		_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(struct {
			Status uint32
		}{s.ExitCode}))
		return
	}
}
