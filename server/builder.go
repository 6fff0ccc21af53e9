package server

import (
	"fmt"
	"net"

	"github.com/pkg/errors"
	"github.com/rs/xid"
	"github.com/sarchlab/simbus/bus"
	"github.com/sarchlab/simbus/config"
	"github.com/sarchlab/simbus/monitoring"
	"github.com/sarchlab/simbus/tracing"
	"github.com/sirupsen/logrus"
)

// Builder can be used to build a Server.
type Builder struct {
	config      *config.Config
	sink        tracing.Sink
	log         logrus.FieldLogger
	listener    net.Listener
	monitorOn   bool
	monitorPort int
}

// MakeBuilder creates a new builder. Without a listener, the server listens
// on the port of the configuration.
func MakeBuilder() Builder {
	return Builder{
		sink: tracing.Discard,
		log:  logrus.StandardLogger(),
	}
}

// WithConfig sets the bus description.
func (b Builder) WithConfig(c *config.Config) Builder {
	b.config = c
	return b
}

// WithTraceSink sets where the bus signals are traced.
func (b Builder) WithTraceSink(s tracing.Sink) Builder {
	b.sink = s
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(l logrus.FieldLogger) Builder {
	b.log = l
	return b
}

// WithListener sets the listener the server accepts devices on.
func (b Builder) WithListener(l net.Listener) Builder {
	b.listener = l
	return b
}

// WithMonitorPort turns on the web monitor at the given port. Port 0 picks a
// random port.
func (b Builder) WithMonitorPort(port int) Builder {
	b.monitorOn = true
	b.monitorPort = port
	return b
}

// Build creates the server. The bus is created but protocol setup waits
// until every device has joined.
func (b Builder) Build() (*Server, error) {
	if b.config == nil {
		return nil, errors.New("server: no bus configuration")
	}

	if b.sink == nil {
		b.sink = tracing.Discard
	}

	s := &Server{
		id:      xid.New().String(),
		config:  b.config,
		sink:    b.sink,
		pending: make(map[net.Conn]struct{}),
	}
	s.log = b.log.WithFields(logrus.Fields{
		"bus":     b.config.Name,
		"session": s.id,
	})

	s.bus = bus.New(b.config.Name, b.config.Options)
	s.bus.SetLogger(b.log)

	s.listener = b.listener
	if s.listener == nil {
		l, err := net.Listen("tcp", fmt.Sprintf(":%d", b.config.Port))
		if err != nil {
			return nil, errors.Wrap(err, "server")
		}

		s.listener = l
	}

	if b.monitorOn {
		s.monitor = monitoring.NewMonitor(s.bus)
		s.joinBar = s.monitor.CreateProgressBar(
			"devices joined", uint64(len(b.config.Devices)))

		url, err := s.monitor.StartServer(b.monitorPort)
		if err != nil {
			s.listener.Close()
			return nil, err
		}

		s.monitorURL = url
	}

	return s, nil
}
