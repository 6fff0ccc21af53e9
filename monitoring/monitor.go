// Package monitoring turns a running bus into a small web server that shows
// the epoch counter, the attached devices and the state of the process.
package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"os"
	"runtime/pprof"
	"sort"
	"strconv"
	"sync"
	"time"

	// Enable profiling
	_ "net/http/pprof"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/xid"
	"github.com/sarchlab/simbus/bus"
	"github.com/sarchlab/simbus/hooking"
	"github.com/sarchlab/simbus/monitoring/web"
	"github.com/shirou/gopsutil/process"
	"github.com/sirupsen/logrus"
	"github.com/syifan/goseth"
)

// Monitor observes a bus through its hooks and serves what it sees over
// HTTP.
type Monitor struct {
	bus *bus.Bus
	log logrus.FieldLogger

	lock       sync.Mutex
	state      busSnapshot
	devices    map[int]*deviceSnapshot
	epochStart time.Time

	progressBarsLock sync.Mutex
	progressBars     []*ProgressBar

	registry      *prometheus.Registry
	epochs        prometheus.Counter
	epochDuration prometheus.Histogram
	grants        prometheus.Counter
	unknown       *prometheus.CounterVec
	numDevices    prometheus.Gauge
	simTime       prometheus.Gauge

	server *http.Server
}

type busSnapshot struct {
	Name       string `json:"name"`
	Protocol   string `json:"protocol"`
	Epoch      uint64 `json:"epoch"`
	Now        string `json:"now"`
	NumDevices int    `json:"num_devices"`
	Granted    int    `json:"granted"`
	Finished   bool   `json:"finished"`
}

type deviceSnapshot struct {
	Ident        int               `json:"ident"`
	Name         string            `json:"name"`
	Role         string            `json:"role"`
	Ready        bool              `json:"ready"`
	ReportedTime string            `json:"reported_time"`
	Settings     map[string]string `json:"settings"`
	Inbound      map[string]string `json:"inbound"`
	Outbound     map[string]string `json:"outbound"`
}

// NewMonitor creates a monitor and attaches it to the bus as a hook.
func NewMonitor(b *bus.Bus) *Monitor {
	m := &Monitor{
		bus:      b,
		log:      b.Logger().WithField("component", "monitor"),
		devices:  make(map[int]*deviceSnapshot),
		registry: prometheus.NewRegistry(),
	}

	m.state = busSnapshot{Name: b.Name(), Now: b.Now().String(), Granted: -1}
	m.createMetrics()

	b.AcceptHook(m)

	return m
}

func (m *Monitor) createMetrics() {
	labels := prometheus.Labels{"bus": m.bus.Name()}

	m.epochs = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   "simbus",
		Name:        "epochs_total",
		Help:        "Number of epochs the bus has run",
		ConstLabels: labels,
	})
	m.epochDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   "simbus",
		Name:        "epoch_duration_seconds",
		Help:        "Wall-clock time spent running the protocol and sending UNTIL",
		ConstLabels: labels,
		Buckets:     prometheus.ExponentialBuckets(1e-6, 4, 10),
	})
	m.grants = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   "simbus",
		Name:        "grant_changes_total",
		Help:        "Number of times the bus grant moved",
		ConstLabels: labels,
	})
	m.unknown = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   "simbus",
		Name:        "unknown_signals_total",
		Help:        "Reported signals the protocol does not read",
		ConstLabels: labels,
	}, []string{"device", "signal"})
	m.numDevices = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   "simbus",
		Name:        "devices",
		Help:        "Number of attached devices",
		ConstLabels: labels,
	})
	m.simTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   "simbus",
		Name:        "sim_time_seconds",
		Help:        "Current simulated time",
		ConstLabels: labels,
	})

	m.registry.MustRegister(
		m.epochs, m.epochDuration, m.grants,
		m.unknown, m.numDevices, m.simTime,
	)
}

// Registry returns the registry that holds the bus metrics.
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}

// Func updates the snapshot served by the monitor. It runs on the goroutine
// that drives the bus.
func (m *Monitor) Func(ctx hooking.HookCtx) {
	switch ctx.Pos {
	case bus.HookPosInit:
		m.takeSnapshot()
	case bus.HookPosEpochStart:
		m.lock.Lock()
		m.epochStart = time.Now()
		m.lock.Unlock()
	case bus.HookPosEpochEnd:
		m.lock.Lock()
		elapsed := time.Since(m.epochStart)
		m.lock.Unlock()

		m.epochs.Inc()
		m.epochDuration.Observe(elapsed.Seconds())
		m.takeSnapshot()
	case bus.HookPosFinish:
		m.takeSnapshot()
	case bus.HookPosGrant:
		change := ctx.Item.(bus.GrantChange)

		m.grants.Inc()
		m.lock.Lock()
		m.state.Granted = change.To
		m.lock.Unlock()
	case bus.HookPosUnknownSignal:
		d := ctx.Item.(*bus.Device)
		m.unknown.WithLabelValues(d.Name, ctx.Detail.(string)).Inc()
	}
}

func (m *Monitor) takeSnapshot() {
	b := m.bus
	now := b.Now()

	m.lock.Lock()
	defer m.lock.Unlock()

	m.state.Epoch = b.Epoch()
	m.state.Now = now.String()
	m.state.NumDevices = b.NumDevices()
	m.state.Finished = b.Terminated()
	if p := b.Protocol(); p != nil {
		m.state.Protocol = p.Name()
	}

	for _, d := range b.Devices() {
		m.devices[d.Ident] = snapshotDevice(d)
	}

	m.numDevices.Set(float64(b.NumDevices()))
	m.simTime.Set(float64(now.Mant) * math.Pow10(now.Exp))
}

func snapshotDevice(d *bus.Device) *deviceSnapshot {
	s := &deviceSnapshot{
		Ident:        d.Ident,
		Name:         d.Name,
		Role:         d.Role.String(),
		Ready:        d.Ready(),
		ReportedTime: d.ReportedTime.String(),
		Settings:     make(map[string]string, len(d.Settings)),
		Inbound:      make(map[string]string, len(d.Inbound)),
		Outbound:     make(map[string]string, len(d.Outbound)),
	}

	for k, v := range d.Settings {
		s.Settings[k] = v
	}

	for k, v := range d.Inbound {
		s.Inbound[k] = v.String()
	}

	for k, v := range d.Outbound {
		s.Outbound[k] = v.String()
	}

	return s
}

// CreateProgressBar creates a new progress bar.
func (m *Monitor) CreateProgressBar(name string, total uint64) *ProgressBar {
	bar := &ProgressBar{
		ID:        xid.New().String(),
		Name:      name,
		StartTime: time.Now(),
		Total:     total,
	}

	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	m.progressBars = append(m.progressBars, bar)

	return bar
}

// CompleteProgressBar removes a bar from the list served by the monitor.
func (m *Monitor) CompleteProgressBar(pb *ProgressBar) {
	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	newBars := make([]*ProgressBar, 0, len(m.progressBars))
	for _, b := range m.progressBars {
		if b != pb {
			newBars = append(newBars, b)
		}
	}

	m.progressBars = newBars
}

// Router returns the handler of the monitor.
func (m *Monitor) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/api/now", m.now)
	r.HandleFunc("/api/bus", m.busState)
	r.HandleFunc("/api/devices", m.listDevices)
	r.HandleFunc("/api/device/{ident}", m.deviceDetails)
	r.HandleFunc("/api/field/{ident}/{field}", m.deviceField)
	r.HandleFunc("/api/progress", m.listProgressBars)
	r.HandleFunc("/api/resource", m.listResources)
	r.HandleFunc("/api/profile", m.collectProfile)
	r.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	r.PathPrefix("/debug/pprof/").Handler(http.DefaultServeMux)
	r.HandleFunc("/", m.statusPage)
	r.PathPrefix("/").Handler(http.FileServer(web.Assets()))

	return r
}

// StartServer starts serving the monitor in the background and returns its
// URL. Port 0 picks a random port. Ports below 1000 are not allowed and are
// replaced by a random port.
func (m *Monitor) StartServer(port int) (string, error) {
	if port != 0 && port < 1000 {
		m.log.WithField("port", port).
			Warn("monitor port not allowed, using a random port instead")
		port = 0
	}

	listener, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return "", errors.Wrap(err, "monitor")
	}

	m.server = &http.Server{
		Handler:           m.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	url := fmt.Sprintf("http://localhost:%d",
		listener.Addr().(*net.TCPAddr).Port)
	m.log.WithField("url", url).Info("monitoring bus")

	go func() {
		err := m.server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.log.WithError(err).Error("monitor stopped")
		}
	}()

	return url, nil
}

// Shutdown stops the server started by StartServer.
func (m *Monitor) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}

	return m.server.Shutdown(ctx)
}

func (m *Monitor) now(w http.ResponseWriter, _ *http.Request) {
	m.lock.Lock()
	rsp := struct {
		Now   string `json:"now"`
		Epoch uint64 `json:"epoch"`
	}{m.state.Now, m.state.Epoch}
	m.lock.Unlock()

	m.writeJSON(w, rsp)
}

func (m *Monitor) busState(w http.ResponseWriter, _ *http.Request) {
	m.lock.Lock()
	rsp := m.state
	m.lock.Unlock()

	m.writeJSON(w, rsp)
}

type deviceSummary struct {
	Ident int    `json:"ident"`
	Name  string `json:"name"`
	Role  string `json:"role"`
	Ready bool   `json:"ready"`
}

func (m *Monitor) listDevices(w http.ResponseWriter, _ *http.Request) {
	m.lock.Lock()
	rsp := make([]deviceSummary, 0, len(m.devices))
	for _, s := range m.devices {
		rsp = append(rsp, deviceSummary{s.Ident, s.Name, s.Role, s.Ready})
	}
	m.lock.Unlock()

	sort.Slice(rsp, func(i, j int) bool { return rsp[i].Ident < rsp[j].Ident })

	m.writeJSON(w, rsp)
}

func (m *Monitor) deviceDetails(w http.ResponseWriter, r *http.Request) {
	s := m.findDeviceOr404(w, mux.Vars(r)["ident"])
	if s == nil {
		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(s)
	serializer.SetMaxDepth(2)

	w.Header().Set("Content-Type", "application/json")
	if err := serializer.Serialize(w); err != nil {
		m.log.WithError(err).Error("cannot serialize device")
	}
}

func (m *Monitor) deviceField(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	s := m.findDeviceOr404(w, vars["ident"])
	if s == nil {
		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(s)
	serializer.SetMaxDepth(1)

	if err := serializer.SetEntryPoint([]string{vars["field"]}); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := serializer.Serialize(w); err != nil {
		m.log.WithError(err).Error("cannot serialize device field")
	}
}

func (m *Monitor) findDeviceOr404(
	w http.ResponseWriter,
	identStr string,
) *deviceSnapshot {
	ident, err := strconv.Atoi(identStr)
	if err != nil {
		http.Error(w, "invalid device identity", http.StatusBadRequest)
		return nil
	}

	m.lock.Lock()
	s, found := m.devices[ident]
	m.lock.Unlock()

	if !found {
		http.Error(w, "device not found", http.StatusNotFound)
		return nil
	}

	return s
}

func (m *Monitor) listProgressBars(w http.ResponseWriter, _ *http.Request) {
	m.progressBarsLock.Lock()
	bars := make([]progressRsp, 0, len(m.progressBars))
	for _, b := range m.progressBars {
		bars = append(bars, b.snapshot())
	}
	m.progressBarsLock.Unlock()

	m.writeJSON(w, bars)
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		m.fail(w, err)
		return
	}

	cpuPercent, err := proc.CPUPercent()
	if err != nil {
		m.fail(w, err)
		return
	}

	memoryInfo, err := proc.MemoryInfo()
	if err != nil {
		m.fail(w, err)
		return
	}

	m.writeJSON(w, resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memoryInfo.RSS,
	})
}

func (m *Monitor) collectProfile(w http.ResponseWriter, _ *http.Request) {
	buf := bytes.NewBuffer(nil)

	if err := pprof.StartCPUProfile(buf); err != nil {
		m.fail(w, err)
		return
	}

	time.Sleep(time.Second)

	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	if err != nil {
		m.fail(w, err)
		return
	}

	m.writeJSON(w, prof)
}

func (m *Monitor) statusPage(w http.ResponseWriter, _ *http.Request) {
	page, err := web.Page(web.Assets())
	if err != nil {
		m.fail(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write(page); err != nil {
		m.log.WithError(err).Debug("monitor client went away")
	}
}

func (m *Monitor) writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		m.fail(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(data); err != nil {
		m.log.WithError(err).Debug("monitor client went away")
	}
}

func (m *Monitor) fail(w http.ResponseWriter, err error) {
	m.log.WithError(err).Error("monitor request failed")
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

var _ hooking.Hook = (*Monitor)(nil)
