package tracing

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/sarchlab/simbus/signal"
	"github.com/sarchlab/simbus/timing"
	"github.com/tebeka/atexit"
)

type vcdVar struct {
	code  string
	width int
	last  signal.Value
}

// VCDWriter writes a Value Change Dump waveform with a 1ps timescale.
type VCDWriter struct {
	w      *bufio.Writer
	closer io.Closer
	scope  string

	vars  map[string]*vcdVar
	order []string

	headerDone bool
	lastTime   timing.SimTime
	timeOpen   bool
	closed     bool
}

// NewVCDWriter creates a VCDWriter that writes to w. If w is also an
// io.Closer it is closed by Close.
func NewVCDWriter(w io.Writer, scope string) *VCDWriter {
	t := &VCDWriter{
		w:     bufio.NewWriter(w),
		scope: sanitizeVCDName(scope),
		vars:  make(map[string]*vcdVar),
	}

	if c, ok := w.(io.Closer); ok {
		t.closer = c
	}

	return t
}

// CreateVCDFile creates (or truncates) a VCD file. The file is flushed and
// closed when the process exits through atexit.
func CreateVCDFile(path string, scope string) (*VCDWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "create vcd trace")
	}

	t := NewVCDWriter(f, scope)

	atexit.Register(func() {
		_ = t.Close()
	})

	return t, nil
}

// Declare registers a signal.
func (t *VCDWriter) Declare(name string, width int) error {
	if t.headerDone {
		return errors.Errorf("vcd: cannot declare %s after the first record", name)
	}

	if width <= 0 {
		return errors.Errorf("vcd: signal %s has invalid width %d", name, width)
	}

	if _, found := t.vars[name]; found {
		return errors.Errorf("vcd: signal %s declared twice", name)
	}

	t.vars[name] = &vcdVar{code: vcdCode(len(t.order)), width: width}
	t.order = append(t.order, name)

	return nil
}

// Record writes a value change. Values equal to the last recorded one are
// skipped.
func (t *VCDWriter) Record(now timing.SimTime, name string, v signal.Value) error {
	if t.closed {
		return errors.New("vcd: record after close")
	}

	sig, found := t.vars[name]
	if !found {
		return errors.Errorf("vcd: signal %s is not declared", name)
	}

	if v.Width() != sig.width {
		return &signal.EncodingError{
			Device: -1,
			Signal: name,
			Bit:    -1,
			Reason: fmt.Sprintf("traced width %d, declared %d", v.Width(), sig.width),
		}
	}

	if sig.last != nil && sig.last.Equal(v) {
		return nil
	}

	if err := t.writeHeader(); err != nil {
		return err
	}

	if err := t.advanceTo(now); err != nil {
		return err
	}

	bits, err := v.Format()
	if err != nil {
		return err
	}

	if sig.width == 1 {
		fmt.Fprintf(t.w, "%s%s\n", bits, sig.code)
	} else {
		fmt.Fprintf(t.w, "b%s %s\n", bits, sig.code)
	}

	sig.last = v.Clone()

	return nil
}

func (t *VCDWriter) advanceTo(now timing.SimTime) error {
	if t.timeOpen && now.Equal(t.lastTime) {
		return nil
	}

	if t.timeOpen && now.Compare(t.lastTime) < 0 {
		return errors.Errorf("vcd: time %s is before %s", now, t.lastTime)
	}

	ps, err := now.Rescale(timing.PicosecondExp)
	if err != nil {
		return errors.Wrap(err, "vcd")
	}

	fmt.Fprintf(t.w, "#%d\n", ps.Mant)
	t.lastTime = now
	t.timeOpen = true

	return nil
}

func (t *VCDWriter) writeHeader() error {
	if t.headerDone {
		return nil
	}

	t.headerDone = true

	fmt.Fprintln(t.w, "$version simbus $end")
	fmt.Fprintln(t.w, "$timescale 1ps $end")
	fmt.Fprintf(t.w, "$scope module %s $end\n", t.scope)

	for _, name := range t.order {
		sig := t.vars[name]
		fmt.Fprintf(t.w, "$var wire %d %s %s $end\n",
			sig.width, sig.code, sanitizeVCDName(name))
	}

	fmt.Fprintln(t.w, "$upscope $end")
	_, err := fmt.Fprintln(t.w, "$enddefinitions $end")

	return err
}

// Flush writes buffered output.
func (t *VCDWriter) Flush() error {
	if t.closed {
		return nil
	}

	return t.w.Flush()
}

// Close flushes the trace and closes the underlying file. Calling Close more
// than once is allowed.
func (t *VCDWriter) Close() error {
	if t.closed {
		return nil
	}

	if err := t.writeHeader(); err != nil {
		return err
	}

	err := t.w.Flush()
	t.closed = true

	if t.closer != nil {
		if cerr := t.closer.Close(); err == nil {
			err = cerr
		}
	}

	return err
}

// vcdCode returns the short identifier VCD uses for the n-th variable,
// built from the printable characters '!' to '~'.
func vcdCode(n int) string {
	const first, count = 33, 94

	var sb strings.Builder
	for {
		sb.WriteByte(byte(first + n%count))
		n /= count

		if n == 0 {
			break
		}

		n--
	}

	return sb.String()
}

func sanitizeVCDName(name string) string {
	if name == "" {
		return "bus"
	}

	return strings.Map(func(r rune) rune {
		if r <= ' ' || r > '~' {
			return '_'
		}

		return r
	}, name)
}
