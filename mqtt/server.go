// Package mqtt is a small embedded MQTT broker: QOS 0/1, retained messages,
// wildcard subscriptions, no sessions. The beamline simulator embeds it so a
// console can subscribe without external infrastructure; tests use it as an
// in-process peer.
package mqtt

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/topic"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"

	"github.com/beamline/console/helpers"
	"github.com/beamline/console/log2"
)

const defaultReadLimit = 1 << 20

var (
	ErrClosing       = fmt.Errorf("broker is closing")
	ErrSameClient    = fmt.Errorf("clientid overtake")
	ErrNoSubscribers = fmt.Errorf("no subscribers")
)

type ConnectFunc = func(opt *ListenOptions, pkt *packet.Connect) (bool, error)
type MessageFunc = func(clientID string, msg *packet.Message) error
type CloseFunc = func(clientID string, clean bool, e error)

type ServerOptions struct {
	Log *log2.Log
	// OnConnect authorizes clients; nil allows everyone.
	OnConnect ConnectFunc
	// OnPublish observes every inbound publish before relay; returning an
	// error rejects the message and drops the publisher.
	OnPublish MessageFunc
	OnClose   CloseFunc
}

type ListenOptions struct {
	URL string
	TLS *tls.Config

	AckTimeout     time.Duration
	NetworkTimeout time.Duration // connect handshake receive timeout
	ReadLimit      int64
}

// subscription is one entry in the pattern tree.
type subscription struct {
	pattern string
	client  string
	qos     packet.QOS
}

type Server struct {
	sync.RWMutex

	alive    *alive.Alive
	backends struct {
		sync.RWMutex
		m map[string]*backend
	}
	listens map[string]*transport.NetServer
	log     *log2.Log
	nextid  uint32 // atomic packet.ID
	opt     ServerOptions
	retain  *topic.Tree // *packet.Message
	subs    *topic.Tree // *subscription
}

func NewServer(opt ServerOptions) *Server {
	s := &Server{
		alive:  alive.NewAlive(),
		log:    opt.Log,
		opt:    opt,
		retain: topic.NewStandardTree(),
		subs:   topic.NewStandardTree(),
	}
	s.backends.m = make(map[string]*backend)
	return s
}

func (s *Server) Listen(lopts []*ListenOptions) error {
	s.Lock()
	defer s.Unlock()

	s.listens = make(map[string]*transport.NetServer, len(lopts))
	errs := make([]error, 0)
	for _, opt := range lopts {
		if opt.NetworkTimeout == 0 {
			opt.NetworkTimeout = 30 * time.Second
		}
		if opt.AckTimeout == 0 {
			opt.AckTimeout = 2 * opt.NetworkTimeout
		}
		if opt.ReadLimit == 0 {
			opt.ReadLimit = defaultReadLimit
		}
		s.log.Debugf("mqtt listen url=%s timeout=%v", opt.URL, opt.NetworkTimeout)

		ns, err := s.listen(opt)
		if err != nil {
			errs = append(errs, errors.Annotatef(err, "mqtt listen url=%s", opt.URL))
			continue
		}
		if !s.alive.Add(1) {
			errs = append(errs, errors.Errorf("Listen after Close"))
			break
		}
		s.listens[opt.URL] = ns
		go s.acceptLoop(ns, opt)
	}
	return helpers.FoldErrors(errs)
}

func (s *Server) Addrs() []string {
	s.RLock()
	defer s.RUnlock()
	addrs := make([]string, 0, len(s.listens))
	for _, l := range s.listens {
		addrs = append(addrs, l.Addr().String())
	}
	return addrs
}

func (s *Server) Close() error {
	s.alive.Stop()
	errs := make([]error, 0)
	helpers.WithLock(s, func() {
		for key, ns := range s.listens {
			if err := ns.Close(); err != nil {
				errs = append(errs, err)
			}
			delete(s.listens, key)
		}
	})
	helpers.WithLock(s.backends.RLocker(), func() {
		for _, b := range s.backends.m {
			switch err := b.die(nil); err {
			case nil, ErrClosing, io.EOF:

			default:
				errs = append(errs, err)
			}
		}
	})
	s.alive.Wait()
	return helpers.FoldErrors(errs)
}

// Publish routes one message to all matching subscribers and stores it when
// retained. Safe for concurrent use; this is also the path for broker-origin
// messages (simulator telemetry, test frames).
func (s *Server) Publish(msg *packet.Message) error {
	s.log.Debugf("broker publish topic=%s payload=%x", msg.Topic, msg.Payload)
	id := s.NextID()

	if msg.Retain {
		if len(msg.Payload) != 0 {
			s.retain.Set(msg.Topic, msg.Copy())
		} else {
			s.retain.Empty(msg.Topic)
		}
	}

	var _a [8]*subscription
	subs := _a[:0]
	uniq := make(map[string]struct{})
	for _, x := range s.subs.Match(msg.Topic) {
		xsub := x.(*subscription)
		if _, ok := uniq[xsub.client]; !ok {
			uniq[xsub.client] = struct{}{}
			subs = append(subs, xsub)
		}
	}
	if len(subs) == 0 {
		return ErrNoSubscribers
	}

	errch := make(chan error, len(subs))
	wg := sync.WaitGroup{}
	helpers.WithLock(s.backends.RLocker(), func() {
		for _, sub := range subs {
			b, ok := s.backends.m[sub.client]
			if !ok {
				continue
			}
			wg.Add(1)
			bmsg := msg.Copy()
			if bmsg.QOS > sub.qos {
				bmsg.QOS = sub.qos
			}
			go func(b *backend, bmsg *packet.Message) {
				defer wg.Done()
				if err := b.Publish(id, bmsg); err != nil {
					errch <- err
				}
			}(b, bmsg)
		}
	})
	wg.Wait()
	close(errch)
	return helpers.FoldErrChan(errch)
}

func (s *Server) NextID() packet.ID {
	u32 := atomic.AddUint32(&s.nextid, 1)
	return packet.ID(u32 % (1 << 16))
}

func (s *Server) listen(opt *ListenOptions) (*transport.NetServer, error) {
	u, err := url.ParseRequestURI(opt.URL)
	if err != nil {
		return nil, errors.Annotate(err, "parse url")
	}

	var ns *transport.NetServer
	switch u.Scheme {
	case "tls":
		if ns, err = transport.CreateSecureNetServer(u.Host, opt.TLS); err != nil {
			return nil, errors.Annotate(err, "CreateSecureNetServer")
		}

	case "tcp", "unix":
		listener, err := net.Listen(u.Scheme, u.Host)
		if err != nil {
			return nil, errors.Annotatef(err, "net.Listen network=%s address=%s", u.Scheme, u.Host)
		}
		ns = transport.NewNetServer(listener)
	}
	if ns == nil {
		return nil, errors.Errorf("unsupported listen url=%s", opt.URL)
	}
	return ns, nil
}

func (s *Server) acceptLoop(ns *transport.NetServer, opt *ListenOptions) {
	defer s.alive.Done()
	for {
		conn, err := ns.Accept()
		if !s.alive.IsRunning() {
			return
		}
		if err != nil {
			s.log.Error(errors.Annotatef(err, "accept listen=%s", opt.URL))
			s.alive.Stop()
			return
		}
		if !s.alive.Add(1) {
			_ = conn.Close()
			return
		}
		go s.processConn(conn, opt)
	}
}

// onAccept performs the CONNECT handshake and returns the new backend.
func (s *Server) onAccept(conn transport.Conn, opt *ListenOptions) (*backend, error) {
	addr := addrString(conn.RemoteAddr())
	pkt, err := conn.Receive()
	if err != nil {
		return nil, errors.Annotatef(err, "handshake addr=%s", addr)
	}
	pktConnect, ok := pkt.(*packet.Connect)
	if !ok {
		return nil, errors.Errorf("handshake addr=%s expected CONNECT pkt=%s", addr, packetString(pkt))
	}

	connack := packet.NewConnack()
	connack.SessionPresent = false

	if pktConnect.ClientID == "" {
		connack.ReturnCode = packet.IdentifierRejected
		_ = conn.Send(connack, false)
		return nil, errors.Errorf("handshake addr=%s empty clientid", addr)
	}
	if s.opt.OnConnect != nil {
		ok, err = s.opt.OnConnect(opt, pktConnect)
		if err != nil {
			return nil, errors.Annotatef(err, "handshake addr=%s OnConnect", addr)
		}
		if !ok {
			connack.ReturnCode = packet.NotAuthorized
			_ = conn.Send(connack, false)
			return nil, errors.Errorf("handshake addr=%s client=%s not authorized", addr, pktConnect.ClientID)
		}
	}
	s.log.Debugf("mqtt CONNECT addr=%s client=%s keepalive=%d", addr, pktConnect.ClientID, pktConnect.KeepAlive)

	connack.ReturnCode = packet.ConnectionAccepted
	conn.SetReadTimeout(keepaliveReadTimeout(pktConnect.KeepAlive))
	if err = conn.Send(connack, false); err != nil {
		return nil, errors.Annotatef(err, "handshake addr=%s CONNACK", addr)
	}
	return newBackend(conn, opt, s.log, pktConnect), nil
}

func (s *Server) processConn(conn transport.Conn, opt *ListenOptions) {
	defer s.alive.Done()

	addr := addrString(conn.RemoteAddr())
	conn.SetMaxWriteDelay(0)
	conn.SetReadLimit(opt.ReadLimit)
	conn.SetReadTimeout(opt.NetworkTimeout)
	b, err := s.onAccept(conn, opt)
	if err != nil {
		s.log.Infof("mqtt accept addr=%s err=%v", addr, err)
		_ = conn.Close()
		return
	}

	helpers.WithLock(&s.backends, func() {
		if ex, ok := s.backends.m[b.id]; ok {
			s.log.Infof("mqtt client overtake id=%s new=%s", b.id, addr)
			_ = ex.die(ErrSameClient)
		}
		s.backends.m[b.id] = b
	})

	wg := sync.WaitGroup{}
	for {
		var pkt packet.Generic
		pkt, err = b.Receive()
		if !b.alive.IsRunning() || !s.alive.IsRunning() {
			_ = b.die(ErrClosing)
			break
		}
		if err != nil {
			break
		}
		wg.Add(1)
		go s.processPacket(b, pkt, &wg)
	}
	wg.Wait()

	_ = b.acks.Await(b.opt.AckTimeout)
	b.acks.Clear()
	b.alive.WaitTasks()

	closeErr := b.die(ErrClosing)
	will, clean := b.getWill()
	helpers.WithLock(&s.backends, func() {
		if ex := s.backends.m[b.id]; b == ex {
			delete(s.backends.m, b.id)
		}
		for _, value := range s.subs.All() {
			if sub := value.(*subscription); sub.client == b.id {
				s.subs.Remove(sub.pattern, value)
			}
		}
	})
	if !clean && will != nil {
		_ = s.Publish(will)
	}
	if s.opt.OnClose != nil {
		s.opt.OnClose(b.id, clean, closeErr)
	}
}

func (s *Server) processPacket(b *backend, pkt packet.Generic, wg *sync.WaitGroup) {
	defer wg.Done()

	var err error
	switch pt := pkt.(type) {
	case *packet.Pingreq:
		err = b.Send(packet.NewPingresp())

	case *packet.Publish:
		err = s.onIncomingPublish(b, pt)

	case *packet.Puback:
		err = b.fulfillAck(pt.ID)

	case *packet.Subscribe:
		err = s.onSubscribe(b, pt)

	case *packet.Unsubscribe:
		err = s.onUnsubscribe(b, pt)

	case *packet.Pubrec, *packet.Pubrel, *packet.Pubcomp:
		err = fmt.Errorf("qos2 is not supported")

	case *packet.Disconnect:
		b.onDisconnect()
		_ = b.die(nil)
		return

	default:
		err = fmt.Errorf("unexpected packet pkt=%s", packetString(pkt))
	}
	if err != nil {
		_ = b.die(err)
	}
}

func (s *Server) onIncomingPublish(b *backend, pt *packet.Publish) error {
	if pt.Message.QOS > packet.QOSAtLeastOnce {
		return fmt.Errorf("qos %d is not supported", pt.Message.QOS)
	}
	if s.opt.OnPublish != nil {
		if err := s.opt.OnPublish(b.id, &pt.Message); err != nil {
			return errors.Annotatef(err, "publish rejected client=%s topic=%s", b.id, pt.Message.Topic)
		}
	}
	switch err := s.Publish(&pt.Message); err {
	case nil, ErrNoSubscribers: // no subscribers is fine for the publisher

	default:
		s.log.Errorf("mqtt relay topic=%s err=%v", pt.Message.Topic, err)
	}

	if pt.Message.QOS == packet.QOSAtLeastOnce {
		puback := packet.NewPuback()
		puback.ID = pt.ID
		return b.Send(puback)
	}
	return nil
}

func (s *Server) onSubscribe(b *backend, pkt *packet.Subscribe) error {
	// [MQTT-3.8.3-3] SUBSCRIBE with no filters is a protocol violation.
	if len(pkt.Subscriptions) == 0 {
		return fmt.Errorf("subscribe with empty filter list client=%s", b.id)
	}
	suback := packet.NewSuback()
	suback.ID = pkt.ID
	suback.ReturnCodes = make([]packet.QOS, 0, len(pkt.Subscriptions))

	for _, sub := range pkt.Subscriptions {
		granted := sub.QOS
		if granted > packet.QOSAtLeastOnce {
			granted = packet.QOSAtLeastOnce
		}
		s.subs.Add(sub.Topic, &subscription{
			pattern: sub.Topic,
			client:  b.id,
			qos:     granted,
		})
		suback.ReturnCodes = append(suback.ReturnCodes, granted)

		for _, v := range s.retain.Search(sub.Topic) {
			pid := s.NextID()
			msg := v.(*packet.Message)
			go func() { _ = b.Publish(pid, msg) }()
		}
	}
	return errors.Annotate(b.Send(suback), "suback")
}

func (s *Server) onUnsubscribe(b *backend, pkt *packet.Unsubscribe) error {
	for _, filter := range pkt.Topics {
		for _, value := range s.subs.Search(filter) {
			if sub := value.(*subscription); sub.client == b.id && sub.pattern == filter {
				s.subs.Remove(filter, value)
			}
		}
	}
	unsuback := packet.NewUnsuback()
	unsuback.ID = pkt.ID
	return errors.Annotate(b.Send(unsuback), "unsuback")
}
