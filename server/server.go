// Package server accepts device simulators over TCP, admits them to the bus
// and keeps them in lockstep: an epoch runs only once every device has
// reported.
package server

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/pkg/errors"
	"github.com/sarchlab/simbus/bus"
	"github.com/sarchlab/simbus/config"
	"github.com/sarchlab/simbus/monitoring"
	"github.com/sarchlab/simbus/protocol"
	"github.com/sarchlab/simbus/signal"
	"github.com/sarchlab/simbus/tracing"
	"github.com/sarchlab/simbus/wire"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrDesync is returned when a device breaks the lockstep, for example by
// disconnecting or sending a message that is not expected at that point.
var ErrDesync = errors.New("device out of sync")

// Server runs one bus.
type Server struct {
	id     string
	config *config.Config
	bus    *bus.Bus
	sink   tracing.Sink
	log    logrus.FieldLogger

	listener  net.Listener
	closeOnce sync.Once

	monitor    *monitoring.Monitor
	monitorURL string
	joinBar    *monitoring.ProgressBar

	pendingLock sync.Mutex
	pending     map[net.Conn]struct{}
	closing     bool

	readers []deviceReader
	started bool
}

type deviceReader struct {
	ident int
	r     *wire.Reader
}

type join struct {
	conn  net.Conn
	r     *wire.Reader
	hello wire.Hello
}

type report struct {
	ident int
	msg   wire.Message
	err   error
}

// Bus returns the bus run by the server.
func (s *Server) Bus() *bus.Bus {
	return s.bus
}

// Addr returns the address devices connect to.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Monitor returns the web monitor, or nil if monitoring is off.
func (s *Server) Monitor() *monitoring.Monitor {
	return s.monitor
}

// MonitorURL returns the address of the web monitor.
func (s *Server) MonitorURL() string {
	return s.monitorURL
}

// Run admits the devices of the roster, starts the protocol once all of them
// have joined and runs epochs until the bus terminates. Cancelling ctx
// terminates the bus and makes Run return nil.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	joins := make(chan join)
	reports := make(chan report)

	s.log.WithField("addr", s.Addr().String()).Info("waiting for devices")

	g.Go(func() error {
		return s.accept(gctx, g, joins)
	})

	g.Go(func() error {
		<-gctx.Done()
		s.closeListener()
		s.closePending()

		return nil
	})

	g.Go(func() error {
		defer cancel()
		return s.serve(gctx, g, joins, reports)
	})

	err := g.Wait()

	if s.monitor != nil {
		if shutdownErr := s.monitor.Shutdown(context.Background()); shutdownErr != nil {
			s.log.WithError(shutdownErr).Warn("stopping monitor")
		}
	}

	return err
}

func (s *Server) accept(
	ctx context.Context,
	g *errgroup.Group,
	joins chan<- join,
) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}

			return errors.Wrap(err, "accept")
		}

		if !s.track(conn) {
			conn.Close()
			return nil
		}

		g.Go(func() error {
			s.handshake(ctx, conn, joins)
			return nil
		})
	}
}

// handshake waits for the HELLO of a new connection and hands it to the
// scheduler, which owns the bus.
func (s *Server) handshake(ctx context.Context, conn net.Conn, joins chan<- join) {
	log := s.log.WithField("remote", conn.RemoteAddr().String())
	r := wire.NewReader(conn)

	msg, err := r.ReadMessage()
	if err != nil {
		log.WithError(err).Warn("handshake failed")
		s.drop(conn)

		return
	}

	hello, ok := msg.(wire.Hello)
	if !ok {
		log.WithField("command", msg.Command()).Warn("expected HELLO")

		if err := wire.WriteMessage(conn, wire.Nak{}); err != nil {
			log.WithError(err).Debug("cannot send NAK")
		}

		s.drop(conn)

		return
	}

	select {
	case joins <- join{conn: conn, r: r, hello: hello}:
	case <-ctx.Done():
	}
}

// serve is the only goroutine that touches the bus.
func (s *Server) serve(
	ctx context.Context,
	g *errgroup.Group,
	joins <-chan join,
	reports chan report,
) error {
	for !s.bus.Terminated() {
		if s.started && (s.bus.Finished() || s.bus.AllReady()) {
			if err := s.bus.AdvanceEpoch(); err != nil {
				return s.abort(err)
			}

			continue
		}

		var incoming <-chan report
		if s.started {
			incoming = reports
		}

		select {
		case <-ctx.Done():
			s.log.Info("shutting down")
			return s.abort(nil)
		case j := <-joins:
			if err := s.admit(ctx, g, j, reports); err != nil {
				return s.abort(err)
			}
		case r := <-incoming:
			if err := s.consume(r); err != nil {
				return s.abort(err)
			}
		}
	}

	return nil
}

func (s *Server) admit(
	ctx context.Context,
	g *errgroup.Group,
	j join,
	reports chan<- report,
) error {
	s.untrack(j.conn)

	log := s.log.WithField("name", j.hello.Name)

	entry, found := s.config.Device(j.hello.Name)
	if !found || s.started || s.joined(j.hello.Name) {
		log.WithField("known", found).Warn("device rejected")

		if err := wire.WriteMessage(j.conn, wire.Nak{}); err != nil {
			log.WithError(err).Debug("cannot send NAK")
		}

		j.conn.Close()

		return nil
	}

	d := bus.NewDevice(entry.Ident, entry.Name, entry.Role, j.conn)
	for k, v := range j.hello.Settings {
		d.Settings[k] = v
	}

	if err := s.bus.AddDevice(d); err != nil {
		j.conn.Close()
		return err
	}

	if err := wire.WriteLine(j.conn, wire.FormatYouAre(d.Ident)); err != nil {
		return errors.Wrapf(err, "device %d", d.Ident)
	}

	s.readers = append(s.readers, deviceReader{ident: d.Ident, r: j.r})

	if s.joinBar != nil {
		s.joinBar.IncrementFinished(1)
	}

	if s.bus.NumDevices() < len(s.config.Devices) {
		return nil
	}

	return s.start(ctx, g, reports)
}

func (s *Server) joined(name string) bool {
	for _, d := range s.bus.Devices() {
		if d.Name == name {
			return true
		}
	}

	return false
}

// start sets up the protocol once the roster is complete and starts reading
// the devices.
func (s *Server) start(
	ctx context.Context,
	g *errgroup.Group,
	reports chan<- report,
) error {
	s.closeListener()

	if _, err := protocol.New(s.config.Protocol, s.bus); err != nil {
		return err
	}

	if err := s.bus.Init(s.sink); err != nil {
		return err
	}

	s.started = true

	if s.monitor != nil {
		s.monitor.CompleteProgressBar(s.joinBar)
	}

	for _, dr := range s.readers {
		dr := dr
		g.Go(func() error {
			s.read(ctx, dr, reports)
			return nil
		})
	}

	s.log.WithField("protocol", s.config.Protocol).Info("all devices joined")

	return nil
}

func (s *Server) read(ctx context.Context, dr deviceReader, reports chan<- report) {
	for {
		msg, err := dr.r.ReadMessage()

		select {
		case reports <- report{ident: dr.ident, msg: msg, err: err}:
		case <-ctx.Done():
			return
		}

		if err != nil {
			return
		}
	}
}

func (s *Server) consume(r report) error {
	if r.err != nil {
		if errors.Is(r.err, io.EOF) {
			return errors.Wrapf(ErrDesync, "device %d disconnected", r.ident)
		}

		return errors.Wrapf(r.err, "device %d", r.ident)
	}

	switch m := r.msg.(type) {
	case wire.Ready:
		return s.bus.Deliver(r.ident, m)
	case wire.Finish:
		s.log.WithField("ident", r.ident).Info("device finished")

		if err := s.bus.MarkReady(r.ident); err != nil {
			return err
		}

		s.bus.Finish()

		return nil
	}

	return errors.Wrapf(ErrDesync, "device %d sent %s", r.ident, r.msg.Command())
}

// abort terminates the bus. A nil err means a requested shutdown.
func (s *Server) abort(err error) error {
	if err != nil {
		s.logError(err)
	}

	s.bus.Finish()

	if termErr := s.bus.AdvanceEpoch(); termErr != nil {
		s.log.WithError(termErr).Warn("cannot terminate bus cleanly")
	}

	return err
}

func (s *Server) logError(err error) {
	var encErr *signal.EncodingError
	if errors.As(err, &encErr) {
		s.log.WithFields(logrus.Fields{
			"ident":  encErr.Device,
			"signal": encErr.Signal,
			"bit":    encErr.Bit,
		}).WithError(err).Error("encoding error")

		return
	}

	s.log.WithError(err).Error("bus stopped")
}

func (s *Server) closeListener() {
	s.closeOnce.Do(func() {
		if err := s.listener.Close(); err != nil {
			s.log.WithError(err).Debug("closing listener")
		}
	})
}

func (s *Server) track(conn net.Conn) bool {
	s.pendingLock.Lock()
	defer s.pendingLock.Unlock()

	if s.closing {
		return false
	}

	s.pending[conn] = struct{}{}

	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.pendingLock.Lock()
	defer s.pendingLock.Unlock()

	delete(s.pending, conn)
}

func (s *Server) drop(conn net.Conn) {
	s.untrack(conn)
	conn.Close()
}

// closePending closes the connections that have not joined yet.
func (s *Server) closePending() {
	s.pendingLock.Lock()
	defer s.pendingLock.Unlock()

	s.closing = true

	for conn := range s.pending {
		conn.Close()
	}

	s.pending = make(map[net.Conn]struct{})
}
