package gateway

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/gluk-w/sshdash/internal/logutil"
	"github.com/gluk-w/sshdash/internal/protocol"
	"github.com/gluk-w/sshdash/internal/session"
)

var writeTimeout = 10 * time.Second

// peer is one client websocket. It owns at most one attached Session.
type peer struct {
	srv     *Server
	conn    *websocket.Conn
	hint    string
	limiter *RateLimiter

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	mu   sync.Mutex
	sess *Session
	// commands tracks in-flight execute and batch goroutines.
	commands sync.WaitGroup
}

func newPeer(srv *Server, conn *websocket.Conn, hint string) *peer {
	ctx, cancel := context.WithCancel(context.Background())
	return &peer{
		srv:     srv,
		conn:    conn,
		hint:    hint,
		limiter: NewRateLimiter(MessageRate, MessageBurst),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Deliver implements Attachment.
func (p *peer) Deliver(f protocol.Frame) {
	p.send(f)
}

func (p *peer) send(f protocol.Frame) {
	b, err := protocol.Encode(f)
	if err != nil {
		log.Printf("[gateway] encode %s: %v", f.Type, err)
		return
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(p.ctx, writeTimeout)
	defer cancel()
	if err := p.conn.Write(ctx, websocket.MessageText, b); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("[gateway] write %s: %v", f.Type, err)
	}
}

func (p *peer) sendError(msg string) {
	p.send(protocol.Frame{Type: protocol.TypeError, Message: msg})
}

// errNoSession is the reply text when the socket has no session bound.
const errNoSession = "no active session"

func (p *peer) sendNotAttached() {
	p.send(protocol.Frame{Type: protocol.TypeError, Message: errNoSession, Code: protocol.CodeNotAttached})
}

func (p *peer) current() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sess
}

func (p *peer) run(ctx context.Context) {
	defer func() {
		p.cancel()
		p.commands.Wait()
		if s := p.current(); s != nil {
			s.Detach(p)
			log.Printf("[gateway] socket detached from session %s", s.ID)
		}
	}()

	for {
		_, data, err := p.conn.Read(ctx)
		if err != nil {
			return
		}
		if !p.limiter.Allow() {
			continue
		}
		f, err := protocol.Decode(data)
		if err != nil {
			p.sendError("malformed frame")
			continue
		}
		p.handle(f)
	}
}

func (p *peer) handle(f protocol.Frame) {
	switch f.Type {
	case protocol.TypeAuthenticate:
		p.authenticate(f)
	case protocol.TypeInput:
		p.input(f)
	case protocol.TypeResize:
		if s := p.current(); s != nil {
			if err := s.Resize(f.Cols, f.Rows); err != nil {
				log.Printf("[gateway] resize session %s: %v", s.ID, err)
			}
		}
	case protocol.TypeExecute:
		p.execute(f)
	case protocol.TypeExecuteBatch:
		p.executeBatch(f)
	case protocol.TypeCheckSession:
		id := f.SessionID
		if id == "" {
			if s := p.current(); s != nil {
				id = s.ID
			}
		}
		p.send(protocol.Frame{Type: protocol.TypeSessionStatus, SessionID: id, Alive: p.srv.registry.Alive(id)})
	case protocol.TypeTeardown:
		p.teardown(f)
	case protocol.TypeRestartShell:
		s := p.current()
		if s == nil {
			p.sendNotAttached()
			return
		}
		if err := p.srv.registry.RestartShell(s.ID); err != nil {
			p.sendError(err.Error())
		}
	case protocol.TypePing:
		p.send(protocol.Frame{Type: protocol.TypePong})
	default:
		log.Printf("[gateway] ignoring frame type %q", logutil.SanitizeForLog(string(f.Type)))
	}
}

func (p *peer) authenticate(f protocol.Frame) {
	id := f.SessionID
	if id == "" {
		id = p.hint
	}
	if s := p.srv.registry.Get(id); s != nil {
		history, err := s.Attach(p)
		if err == nil {
			p.bind(s)
			p.send(protocol.Frame{Type: protocol.TypeResumed, SessionID: s.ID})
			if len(history) > 0 {
				p.send(protocol.Frame{Type: protocol.TypeOutput, SessionID: s.ID, Data: history})
			}
			log.Printf("[gateway] session %s resumed", s.ID)
			return
		}
	}

	cfg := session.ConnectionConfig{
		Host:       f.Host,
		Port:       f.Port,
		Username:   f.Username,
		PrivateKey: f.PrivateKey,
		Passphrase: f.Passphrase,
	}
	ctx, cancel := context.WithTimeout(p.ctx, p.srv.dialTimeout)
	defer cancel()
	s, err := p.srv.registry.Create(ctx, cfg, f.Cols, f.Rows)
	if err != nil {
		log.Printf("[gateway] session for %s@%s failed: %v",
			logutil.SanitizeForLog(cfg.Username), logutil.SanitizeForLog(cfg.Host), err)
		p.send(protocol.Frame{Type: protocol.TypeError, Message: err.Error()})
		return
	}
	if _, err := s.Attach(p); err != nil {
		p.sendError(err.Error())
		return
	}
	p.bind(s)
	p.send(protocol.Frame{Type: protocol.TypeEstablished, SessionID: s.ID})
}

func (p *peer) bind(s *Session) {
	p.mu.Lock()
	prev := p.sess
	p.sess = s
	p.mu.Unlock()
	if prev != nil && prev != s {
		prev.Detach(p)
	}
}

func (p *peer) input(f protocol.Frame) {
	s := p.current()
	if s == nil {
		p.sendNotAttached()
		return
	}
	if len(f.Data) > MaxInputSize {
		log.Printf("[gateway] input too large: session=%s size=%d limit=%d", s.ID, len(f.Data), MaxInputSize)
		return
	}
	if err := s.WriteInput(f.Data); err != nil {
		log.Printf("[gateway] session %s: %v", s.ID, err)
	}
}

func (p *peer) execute(f protocol.Frame) {
	s := p.current()
	if s == nil {
		p.send(protocol.Frame{Type: protocol.TypeCommandResult, ExecutionID: f.ExecutionID, Error: errNoSession, Code: protocol.CodeNotAttached})
		return
	}
	p.commands.Add(1)
	go func() {
		defer p.commands.Done()
		var partial func(string)
		if f.Stream {
			partial = func(chunk string) {
				p.send(protocol.Frame{Type: protocol.TypeCommandResult, ExecutionID: f.ExecutionID, Output: chunk, Partial: true})
			}
		}
		out, err := s.Run(p.ctx, f.Command, partial)
		res := protocol.Frame{Type: protocol.TypeCommandResult, ExecutionID: f.ExecutionID, Output: out}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			res.Error = err.Error()
		}
		p.send(res)
	}()
}

func (p *peer) executeBatch(f protocol.Frame) {
	s := p.current()
	if s == nil {
		p.send(protocol.Frame{Type: protocol.TypeBatchResult, BatchID: f.BatchID, Error: errNoSession, Code: protocol.CodeNotAttached})
		return
	}
	p.commands.Add(1)
	go func() {
		defer p.commands.Done()
		results := make([]protocol.BatchEntry, len(f.Commands))
		for i, c := range f.Commands {
			out, err := s.Run(p.ctx, c, nil)
			if errors.Is(err, context.Canceled) {
				return
			}
			results[i] = protocol.BatchEntry{Command: c, Output: out}
			if err != nil {
				results[i].Error = err.Error()
			}
		}
		p.send(protocol.Frame{Type: protocol.TypeBatchResult, BatchID: f.BatchID, Results: results})
	}()
}

func (p *peer) teardown(f protocol.Frame) {
	id := f.SessionID
	if s := p.current(); id == "" && s != nil {
		id = s.ID
	}
	p.mu.Lock()
	if p.sess != nil && p.sess.ID == id {
		p.sess = nil
	}
	p.mu.Unlock()
	if err := p.srv.registry.Close(id); err != nil {
		log.Printf("[gateway] teardown: %v", err)
	}
	p.send(protocol.Frame{Type: protocol.TypeClosed, SessionID: id, Message: "session closed"})
}
