package sim

import (
	"bufio"
	"encoding/json"
	"net"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"

	"github.com/beamline/console/internal/control"
	"github.com/beamline/console/log2"
)

// Responder serves the control channel: one JSON request per line, exactly
// one JSON reply per request, connections handled independently.
type Responder struct {
	alive  *alive.Alive
	handle func(control.Request) control.Reply
	ln     net.Listener
	log    *log2.Log
}

func NewResponder(addr string, log *log2.Log, handle func(control.Request) control.Reply) (*Responder, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Annotatef(err, "control listen addr=%s", addr)
	}
	r := &Responder{
		alive:  alive.NewAlive(),
		handle: handle,
		ln:     ln,
		log:    log,
	}
	r.alive.Add(1)
	go r.acceptLoop()
	return r, nil
}

func (r *Responder) Addr() string { return r.ln.Addr().String() }

func (r *Responder) Close() error {
	r.alive.Stop()
	err := r.ln.Close()
	r.alive.Wait()
	return err
}

func (r *Responder) acceptLoop() {
	defer r.alive.Done()
	for {
		conn, err := r.ln.Accept()
		if err != nil {
			if r.alive.IsRunning() {
				r.log.Errorf("control accept err=%v", err)
				r.alive.Stop()
			}
			return
		}
		if !r.alive.Add(1) {
			_ = conn.Close()
			return
		}
		go r.serve(conn)
	}
}

func (r *Responder) serve(conn net.Conn) {
	defer r.alive.Done()
	defer conn.Close()

	addr := conn.RemoteAddr().String()
	r.log.Debugf("control peer connected %s", addr)
	rd := bufio.NewReader(conn)
	for r.alive.IsRunning() {
		line, err := rd.ReadBytes('\n')
		if err != nil {
			r.log.Debugf("control peer gone %s err=%v", addr, err)
			return
		}

		var reply control.Reply
		var req control.Request
		if err = json.Unmarshal(line, &req); err != nil || req.Cmd == "" {
			reply = control.Reply{OK: false, Error: "Invalid command format"}
		} else {
			reply = r.handle(req)
		}

		bs, err := json.Marshal(&reply)
		if err != nil {
			r.log.Errorf("control marshal reply err=%v", err)
			return
		}
		bs = append(bs, '\n')
		if _, err = conn.Write(bs); err != nil {
			r.log.Debugf("control write %s err=%v", addr, err)
			return
		}
	}
}
