// Package jsonlink is a minimal management link for the agent runtime:
// JSON datagrams over one connected UDP socket. The agent registers its
// objects with the server, renews the registration at half its lifetime
// and answers read, discover and reset requests.
package jsonlink

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/nimdanitro/airquality-agent/pkg/lwm2m"
	"github.com/nimdanitro/airquality-agent/pkg/poll"
)

const (
	DefaultLifetime = 60 * time.Second
	DefaultReadWait = 10 * time.Millisecond

	maxDatagram = 4096
)

var (
	ErrClosed   = errors.New("jsonlink: link closed")
	ErrBadPath  = errors.New("jsonlink: bad path")
	ErrNotReady = errors.New("jsonlink: not connected")
)

type state uint8

const (
	stateUnregistered state = iota
	stateRegistering
	stateRegistered
	stateUpdating
)

type socket int

func (s socket) Fd() int { return int(s) }

type Engine struct {
	endpoint string
	server   string
	lifetime time.Duration
	readWait time.Duration
	log      *zap.Logger
	now      func() time.Time

	conn  *net.UDPConn
	sock  socket
	buf   []byte
	objs  map[lwm2m.ObjectID]*lwm2m.Object
	state state
	next  time.Time
	retry backoff.BackOff
	msgID uint32
	ackID uint32
}

type Option func(e *Engine) error

func New(opts ...Option) (*Engine, error) {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = 2 * time.Second
	retry.MaxInterval = time.Minute
	retry.MaxElapsedTime = 0

	e := &Engine{
		lifetime: DefaultLifetime,
		readWait: DefaultReadWait,
		log:      zap.L(),
		now:      time.Now,
		buf:      make([]byte, maxDatagram),
		objs:     make(map[lwm2m.ObjectID]*lwm2m.Object),
		retry:    retry,
	}
	for _, o := range opts {
		if err := o(e); err != nil {
			return nil, err
		}
	}
	if e.endpoint == "" {
		return nil, errors.New("jsonlink: endpoint name is required")
	}
	if e.server == "" {
		return nil, errors.New("jsonlink: server address is required")
	}
	return e, nil
}

func WithEndpoint(name string) Option {
	return func(e *Engine) error {
		e.endpoint = name
		return nil
	}
}

// WithServer sets the management server as host:port.
func WithServer(addr string) Option {
	return func(e *Engine) error {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("jsonlink: server address %q: %w", addr, err)
		}
		e.server = addr
		return nil
	}
}

func WithLifetime(d time.Duration) Option {
	return func(e *Engine) error {
		if d < 2*time.Second {
			return fmt.Errorf("jsonlink: lifetime %v too short", d)
		}
		e.lifetime = d
		return nil
	}
}

// WithReadWait bounds how long Serve waits for a datagram the poller reported.
func WithReadWait(d time.Duration) Option {
	return func(e *Engine) error {
		e.readWait = d
		return nil
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) error {
		e.log = l
		return nil
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) error {
		e.now = now
		return nil
	}
}

// WithRetry replaces the registration retry policy.
func WithRetry(b backoff.BackOff) Option {
	return func(e *Engine) error {
		e.retry = b
		return nil
	}
}

// Connect opens the socket and schedules registration immediately.
func (e *Engine) Connect() error {
	raddr, err := net.ResolveUDPAddr("udp", e.server)
	if err != nil {
		return fmt.Errorf("jsonlink: resolve %s: %w", e.server, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return fmt.Errorf("jsonlink: dial %s: %w", e.server, err)
	}
	raw, err := conn.SyscallConn()
	if err != nil {
		conn.Close()
		return fmt.Errorf("jsonlink: raw conn: %w", err)
	}
	var fd int
	if err := raw.Control(func(f uintptr) { fd = int(f) }); err != nil {
		conn.Close()
		return fmt.Errorf("jsonlink: socket descriptor: %w", err)
	}

	e.conn, e.sock = conn, socket(fd)
	e.state = stateUnregistered
	e.next = e.now()
	e.retry.Reset()
	e.log.Info("management link connected",
		zap.String("server", e.server),
		zap.String("local", conn.LocalAddr().String()),
		zap.String("endpoint", e.endpoint),
	)
	return nil
}

func (e *Engine) Close() error {
	if e.conn == nil {
		return nil
	}
	err := e.conn.Close()
	e.conn = nil
	return err
}

// LocalAddr is the address the server sees the agent at.
func (e *Engine) LocalAddr() net.Addr {
	if e.conn == nil {
		return nil
	}
	return e.conn.LocalAddr()
}

// Registered reports whether the server acknowledged the latest registration.
func (e *Engine) Registered() bool {
	return e.state == stateRegistered || e.state == stateUpdating
}

// RegisterObject adds obj to the registration. A registered object set
// change triggers a fresh registration.
func (e *Engine) RegisterObject(obj *lwm2m.Object) error {
	if _, dup := e.objs[obj.OID()]; dup {
		return fmt.Errorf("jsonlink: object %d already registered", obj.OID())
	}
	e.objs[obj.OID()] = obj
	if e.Registered() {
		e.state = stateUnregistered
		e.next = e.now()
	}
	return nil
}

func (e *Engine) Sockets() []poll.Socket {
	if e.conn == nil {
		return nil
	}
	return []poll.Socket{e.sock}
}

func (e *Engine) TimeToNext() (time.Duration, bool) {
	if e.conn == nil {
		return 0, false
	}
	return e.next.Sub(e.now()), true
}

// SchedRun sends the registration or its renewal when due. An update
// left unacknowledged until its retry falls back to a full registration.
func (e *Engine) SchedRun() error {
	if e.conn == nil {
		return nil
	}
	now := e.now()
	if now.Before(e.next) {
		return nil
	}

	op := opRegister
	switch e.state {
	case stateRegistered:
		op = opUpdate
		e.state = stateUpdating
	case stateUpdating:
		e.log.Warn("registration update not acknowledged, registering again")
		e.state = stateRegistering
	default:
		e.state = stateRegistering
	}

	msg := message{Op: op, ID: e.nextID(), Endpoint: e.endpoint, Lifetime: int(e.lifetime / time.Second)}
	if op == opRegister {
		msg.Objects = e.objectLinks()
	}
	e.ackID = msg.ID
	e.next = now.Add(e.retry.NextBackOff())
	if err := e.send(msg); err != nil {
		e.log.Warn("cannot send registration", zap.String("op", op), zap.Error(err))
	}
	return nil
}

// Serve reads and handles one datagram. Malformed or unexpected
// datagrams are logged and dropped; only a closed socket is an error.
func (e *Engine) Serve(s poll.Socket) error {
	if e.conn == nil {
		return ErrNotReady
	}
	if s.Fd() != e.sock.Fd() {
		return fmt.Errorf("jsonlink: unknown socket %d", s.Fd())
	}

	if err := e.conn.SetReadDeadline(time.Now().Add(e.readWait)); err != nil {
		return fmt.Errorf("jsonlink: set read deadline: %w", err)
	}
	n, err := e.conn.Read(e.buf)
	if err != nil {
		var nerr net.Error
		switch {
		case errors.Is(err, net.ErrClosed):
			return fmt.Errorf("%w: %w", ErrClosed, err)
		case errors.As(err, &nerr) && nerr.Timeout():
			return nil
		default:
			e.log.Warn("management link read failed", zap.Error(err))
			return nil
		}
	}

	var msg message
	if err := json.Unmarshal(e.buf[:n], &msg); err != nil {
		e.log.Warn("dropping malformed datagram", zap.Int("size", n), zap.Error(err))
		return nil
	}
	e.handle(msg)
	return nil
}

func (e *Engine) handle(msg message) {
	e.log.Debug("management request", zap.String("op", msg.Op), zap.Uint32("id", msg.ID), zap.String("path", msg.Path))

	switch msg.Op {
	case opAck:
		e.handleAck(msg)
	case opRead:
		e.reply(e.handleRead(msg))
	case opDiscover:
		e.reply(e.handleDiscover(msg))
	case opReset:
		e.reply(e.handleReset(msg))
	default:
		e.reply(errorReply(msg, CodeUnsupported))
	}
}

func (e *Engine) handleAck(msg message) {
	if msg.ID != e.ackID || (e.state != stateRegistering && e.state != stateUpdating) {
		e.log.Debug("ignoring stale ack", zap.Uint32("id", msg.ID))
		return
	}
	e.state = stateRegistered
	e.retry.Reset()
	e.next = e.now().Add(e.lifetime / 2)
	e.log.Info("registered with management server", zap.String("endpoint", e.endpoint), zap.Duration("lifetime", e.lifetime))
}

func (e *Engine) handleRead(msg message) message {
	p, obj, code := e.resolve(msg.Path)
	if code != "" {
		return errorReply(msg, code)
	}
	if !p.hasRID {
		return errorReply(msg, CodeBadRequest)
	}
	v, err := obj.Read(p.iid, p.rid)
	if err != nil {
		return errorReply(msg, codeFor(err))
	}
	return message{Op: opContent, ID: msg.ID, Path: p.String(), Value: v.Interface()}
}

func (e *Engine) handleDiscover(msg message) message {
	p, obj, code := e.resolve(msg.Path)
	if code != "" {
		return errorReply(msg, code)
	}
	if p.hasRID {
		return errorReply(msg, CodeBadRequest)
	}
	iid := lwm2m.DefaultInstance
	if p.hasIID {
		iid = p.iid
	}
	infos, err := obj.Resources(iid)
	if err != nil {
		return errorReply(msg, codeFor(err))
	}
	out := message{Op: opDiscovered, ID: msg.ID, Path: p.String()}
	for _, info := range infos {
		out.Resources = append(out.Resources, resourceEntry{ID: info.ID, Ops: info.Ops.String(), Present: info.Present})
	}
	return out
}

func (e *Engine) handleReset(msg message) message {
	p, obj, code := e.resolve(msg.Path)
	if code != "" {
		return errorReply(msg, code)
	}
	if !p.hasIID || p.hasRID {
		return errorReply(msg, CodeBadRequest)
	}
	if err := obj.ResetInstance(p.iid); err != nil {
		return errorReply(msg, codeFor(err))
	}
	e.log.Info("instance reset by server", zap.String("path", p.String()))
	return message{Op: opChanged, ID: msg.ID, Path: p.String()}
}

func (e *Engine) resolve(raw string) (path, *lwm2m.Object, string) {
	p, err := parsePath(raw)
	if err != nil {
		return path{}, nil, CodeBadRequest
	}
	obj, ok := e.objs[p.oid]
	if !ok {
		return path{}, nil, CodeNotFound
	}
	return p, obj, ""
}

func codeFor(err error) string {
	switch {
	case errors.Is(err, lwm2m.ErrValueNotPresent):
		return CodeNotPresent
	case errors.Is(err, lwm2m.ErrResourceNotFound), errors.Is(err, lwm2m.ErrInstanceNotFound):
		return CodeNotFound
	default:
		return CodeBadRequest
	}
}

func errorReply(req message, code string) message {
	return message{Op: opError, ID: req.ID, Path: req.Path, Code: code}
}

func (e *Engine) reply(msg message) {
	if err := e.send(msg); err != nil {
		e.log.Warn("cannot send reply", zap.String("op", msg.Op), zap.Uint32("id", msg.ID), zap.Error(err))
	}
}

func (e *Engine) send(msg message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("jsonlink: marshal %s: %w", msg.Op, err)
	}
	if _, err := e.conn.Write(data); err != nil {
		return fmt.Errorf("jsonlink: write %s: %w", msg.Op, err)
	}
	return nil
}

func (e *Engine) objectLinks() []string {
	oids := make([]lwm2m.ObjectID, 0, len(e.objs))
	for oid := range e.objs {
		oids = append(oids, oid)
	}
	slices.Sort(oids)

	var links []string
	for _, oid := range oids {
		for _, iid := range e.objs[oid].Instances() {
			links = append(links, fmt.Sprintf("/%d/%d", oid, iid))
		}
	}
	return links
}

func (e *Engine) nextID() uint32 {
	e.msgID++
	return e.msgID
}
