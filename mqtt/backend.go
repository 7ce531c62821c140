package mqtt

import (
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/256dpi/gomqtt/client/future"
	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"

	"github.com/beamline/console/helpers"
	"github.com/beamline/console/log2"
)

// backend is the broker-side state of one accepted client connection,
// a relatively thin transport.Conn wrapper.
type backend struct {
	alive    *alive.Alive
	acks     *future.Store
	conn     transport.Conn
	connmu   sync.RWMutex
	disco    uint32
	err      helpers.AtomicError
	id       string
	opt      *ListenOptions
	log      *log2.Log
	username string
	will     *packet.Message
	willmu   sync.Mutex
}

func newBackend(conn transport.Conn, opt *ListenOptions, log *log2.Log, pktConnect *packet.Connect) *backend {
	b := &backend{
		alive:    alive.NewAlive(),
		acks:     future.NewStore(),
		conn:     conn,
		id:       pktConnect.ClientID,
		opt:      opt,
		log:      log,
		username: pktConnect.Username,
	}
	if pktConnect.Will != nil {
		b.will = pktConnect.Will.Copy()
	}
	return b
}

// Publish delivers one message to this client honoring QOS 0/1.
// QOS 1 waits for PUBACK within AckTimeout.
func (b *backend) Publish(id packet.ID, msg *packet.Message) error {
	if !b.alive.Add(1) {
		return ErrClosing
	}
	defer b.alive.Done()

	pub := packet.NewPublish()
	pub.ID = id
	pub.Message = *msg
	switch msg.QOS {
	case packet.QOSAtMostOnce:
		pub.ID = 0
		return b.Send(pub)

	case packet.QOSAtLeastOnce:
		if pub.ID == 0 {
			return errors.Errorf("broker publish QOS1 requires non-zero packet id message=%s", pub.Message.String())
		}
		f := b.expectAck(pub.ID)
		if err := b.Send(pub); err != nil {
			f.Cancel(err)
		}
		err := f.Wait(b.opt.AckTimeout)
		if err == nil {
			return nil
		}
		if err == future.ErrCanceled {
			if err, _ = f.Result().(error); err == nil {
				err = errors.Errorf("ack future canceled with nil")
			}
		}
		return b.die(errors.Annotatef(err, "expect puback id=%d", pub.ID))

	default:
		return errors.Errorf("broker publish QOS=%d is not supported", msg.QOS)
	}
}

func (b *backend) Receive() (packet.Generic, error) {
	conn := b.getConn()
	if conn == nil {
		return nil, ErrClosing
	}
	pkt, err := conn.Receive()
	b.log.Debugf("mqtt recv id=%s pkt=%s err=%v", b.id, packetString(pkt), err)
	switch err {
	case nil:
		return pkt, nil

	case io.EOF: // remote closed the connection
		_ = b.die(err)
		return nil, err

	default:
		if !b.alive.IsRunning() && isClosedConn(err) {
			// conn.Close was used to interrupt a blocking Receive
			return nil, ErrClosing
		}
		_ = b.die(err)
		return nil, err
	}
}

func (b *backend) Send(pkt packet.Generic) error {
	conn := b.getConn()
	if conn == nil {
		return ErrClosing
	}
	b.log.Debugf("mqtt send id=%s pkt=%s", b.id, packetString(pkt))
	if err := conn.Send(pkt, false); err != nil {
		if !b.alive.IsRunning() && isClosedConn(err) {
			return ErrClosing
		}
		return b.die(errors.Annotatef(err, "send clientid=%s", b.id))
	}
	return nil
}

func (b *backend) expectAck(id packet.ID) *future.Future {
	f := future.New()
	if !b.alive.Add(1) {
		f.Cancel(ErrClosing)
		return f
	}
	go func() {
		defer b.alive.Done()
		if err := f.Wait(b.opt.AckTimeout); err == future.ErrTimeout {
			f.Cancel(err)
		}
		b.acks.Delete(id)
	}()

	if ex := b.acks.Get(id); ex != nil {
		err := errors.Errorf("duplicate in-flight packet id=%d client=%s", id, b.id)
		b.log.Error(err)
		ex.Cancel(err)
		f.Cancel(err)
		return f
	}
	b.acks.Put(id, f)
	return f
}

func (b *backend) fulfillAck(id packet.ID) error {
	f := b.acks.Get(id)
	if f == nil {
		return fmt.Errorf("unexpected ack for packet id=%d", id)
	}
	if !f.Complete(nil) {
		return future.ErrCanceled
	}
	return nil
}

func (b *backend) die(e error) error {
	err, found := b.err.StoreOnce(e)
	if found {
		return err
	}
	b.log.Debugf("mqtt die id=%s e=%v", b.id, e)
	b.alive.Stop()
	helpers.WithLock(&b.connmu, func() {
		if b.conn != nil {
			_ = b.conn.Close()
			b.conn = nil
		}
	})
	return e
}

func (b *backend) getConn() transport.Conn {
	b.connmu.RLock()
	c := b.conn
	b.connmu.RUnlock()
	return c
}

// getWill reports the will message (nil after clean DISCONNECT) and whether
// the client disconnected cleanly.
func (b *backend) getWill() (m *packet.Message, clean bool) {
	b.willmu.Lock()
	if b.will != nil {
		m = b.will.Copy()
	}
	b.willmu.Unlock()
	clean = atomic.LoadUint32(&b.disco) == 1
	return m, clean
}

func (b *backend) onDisconnect() {
	atomic.StoreUint32(&b.disco, 1)
	b.willmu.Lock()
	b.will = nil
	b.willmu.Unlock()
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

func isClosedConn(e error) bool {
	return e != nil && strings.HasSuffix(e.Error(), "use of closed network connection")
}

func packetString(p packet.Generic) string {
	if p == nil {
		return "<nil>"
	}
	return p.String()
}

// [MQTT-3.1.2-24] control packets must arrive at most KeepAlive*1.5 apart.
func keepaliveReadTimeout(sec uint16) time.Duration {
	if sec == 0 {
		// client opted out of keepalive pings, do not kill idle connections
		return 0
	}
	d := time.Duration(sec) * time.Second
	return d + d/2
}
