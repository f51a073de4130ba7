// Copyright 2026 encprobe project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package oracle provides access to the instruction classification
// oracle. The real oracle is a privileged service on a probing machine;
// it is reached over a narrow classify-instruction RPC interface so the
// engine never assumes in-process execution. The package also contains
// a deterministic table-driven oracle used in tests and local runs.
package oracle

import (
	"compress/flate"
	"fmt"
	"io"
	"net"
	"net/rpc"
	"time"

	"github.com/encprobe/encprobe/pkg/enum"
	"github.com/encprobe/encprobe/pkg/instr"
	"github.com/encprobe/encprobe/pkg/log"
)

type ClassifyArgs struct {
	Instr instr.Instruction
}

type ClassifyReply struct {
	Outcome enum.Outcome
	// Err carries oracle-side probe failures (fault, timeout, hardware
	// rejection); transport errors surface as rpc call errors instead.
	Err string
}

// Server exposes a local Oracle implementation over TCP.
type Server struct {
	ln net.Listener
	s  *rpc.Server
}

type service struct {
	impl enum.Oracle
}

func (s *service) Classify(args *ClassifyArgs, reply *ClassifyReply) error {
	out, err := s.impl.Classify(args.Instr)
	if err != nil {
		reply.Err = err.Error()
		return nil
	}
	reply.Outcome = *out
	return nil
}

func NewServer(addr string, impl enum.Oracle) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %v: %w", addr, err)
	}
	s := rpc.NewServer()
	if err := s.RegisterName("Oracle", &service{impl: impl}); err != nil {
		return nil, err
	}
	return &Server{ln: ln, s: s}, nil
}

func (serv *Server) Serve() {
	for {
		conn, err := serv.ln.Accept()
		if err != nil {
			log.Logf(0, "failed to accept an rpc connection: %v", err)
			return
		}
		setupKeepAlive(conn, time.Minute)
		go serv.s.ServeConn(newFlateConn(conn))
	}
}

func (serv *Server) Addr() net.Addr {
	return serv.ln.Addr()
}

func (serv *Server) Close() error {
	return serv.ln.Close()
}

// Client is an enum.Oracle talking to a remote Server. It is not safe
// for concurrent use; each worker dials its own connection.
type Client struct {
	conn net.Conn
	c    *rpc.Client
}

func Dial(addr string) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, time.Minute)
	if err != nil {
		return nil, err
	}
	setupKeepAlive(conn, time.Minute)
	return &Client{
		conn: conn,
		c:    rpc.NewClient(newFlateConn(conn)),
	}, nil
}

func (cli *Client) Classify(ins instr.Instruction) (*enum.Outcome, error) {
	cli.conn.SetDeadline(time.Now().Add(3 * time.Minute))
	defer cli.conn.SetDeadline(time.Time{})
	reply := new(ClassifyReply)
	if err := cli.c.Call("Oracle.Classify", &ClassifyArgs{Instr: ins}, reply); err != nil {
		return nil, &enum.TransportError{Err: err}
	}
	if reply.Err != "" {
		return nil, fmt.Errorf("oracle: %v", reply.Err)
	}
	return &reply.Outcome, nil
}

func (cli *Client) Close() error {
	return cli.c.Close()
}

func setupKeepAlive(conn net.Conn, keepAlive time.Duration) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetKeepAlive(true)
		tcp.SetKeepAlivePeriod(keepAlive)
	}
}

// flateConn wraps net.Conn in flate.Reader/Writer for compressed traffic.
type flateConn struct {
	r io.ReadCloser
	w *flate.Writer
	c io.Closer
}

func newFlateConn(conn io.ReadWriteCloser) io.ReadWriteCloser {
	w, err := flate.NewWriter(conn, 9)
	if err != nil {
		panic(err)
	}
	return &flateConn{
		r: flate.NewReader(conn),
		w: w,
		c: conn,
	}
}

func (fc *flateConn) Read(data []byte) (int, error) {
	return fc.r.Read(data)
}

func (fc *flateConn) Write(data []byte) (int, error) {
	n, err := fc.w.Write(data)
	if err != nil {
		return n, err
	}
	if err := fc.w.Flush(); err != nil {
		return n, err
	}
	return n, nil
}

func (fc *flateConn) Close() error {
	var err0 error
	if err := fc.r.Close(); err != nil {
		err0 = err
	}
	if err := fc.w.Close(); err != nil {
		err0 = err
	}
	if err := fc.c.Close(); err != nil {
		err0 = err
	}
	return err0
}
