// Package wire implements the line-oriented text protocol spoken between the
// bus server and the device simulators. Every message is one ASCII line.
package wire

import (
	"sort"
	"strconv"
	"strings"

	"github.com/google/shlex"
	"github.com/pkg/errors"
	"github.com/sarchlab/simbus/signal"
	"github.com/sarchlab/simbus/timing"
)

// ErrMalformed is the cause of every error returned for a line that does not
// follow the protocol.
var ErrMalformed = errors.New("malformed message")

// Command is the first word of a message line.
type Command string

// The commands of the protocol.
const (
	CmdHello  Command = "HELLO"
	CmdYouAre Command = "YOU-ARE"
	CmdNak    Command = "NAK"
	CmdReady  Command = "READY"
	CmdUntil  Command = "UNTIL"
	CmdFinish Command = "FINISH"
)

// A Message is one line of the protocol.
type Message interface {
	Command() Command

	// Format renders the message without the trailing newline.
	Format() (string, error)
}

// Assignment binds a value to a signal name.
type Assignment struct {
	Name  string
	Value signal.Value
}

// Hello opens a device connection.
type Hello struct {
	Name     string
	Settings map[string]string
}

// YouAre accepts a device and tells it its identity.
type YouAre struct {
	Ident int
}

// Nak rejects a device.
type Nak struct{}

// Ready reports the values a device drives and the time it reached.
type Ready struct {
	Time    timing.SimTime
	Signals []Assignment
}

// Until carries the bus state a device must hold until the given time.
type Until struct {
	Time    timing.SimTime
	Signals []Assignment
}

// Finish ends the simulation. The server sends it to terminate the bus; a
// device sends it instead of a Ready report when it wants to stop.
type Finish struct{}

func (Hello) Command() Command  { return CmdHello }
func (YouAre) Command() Command { return CmdYouAre }
func (Nak) Command() Command    { return CmdNak }
func (Ready) Command() Command  { return CmdReady }
func (Until) Command() Command  { return CmdUntil }
func (Finish) Command() Command { return CmdFinish }

// Format renders the message. Settings are written in key order.
func (m Hello) Format() (string, error) {
	if m.Name == "" || strings.ContainsAny(m.Name, " \t\r\n") {
		return "", errors.Wrapf(ErrMalformed, "device name %q", m.Name)
	}

	var sb strings.Builder
	sb.WriteString(string(CmdHello))
	sb.WriteByte(' ')
	sb.WriteString(m.Name)

	keys := make([]string, 0, len(m.Settings))
	for k := range m.Settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		sb.WriteByte(' ')
		sb.WriteString(quoteSetting(k + "=" + m.Settings[k]))
	}

	return sb.String(), nil
}

func quoteSetting(s string) string {
	if !strings.ContainsAny(s, " \t\"'\\#") {
		return s
	}

	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s) + `"`
}

// Format renders the message.
func (m YouAre) Format() (string, error) {
	return FormatYouAre(m.Ident), nil
}

// Format renders the message.
func (Nak) Format() (string, error)    { return string(CmdNak), nil }

// Format renders the message.
func (Finish) Format() (string, error) { return string(CmdFinish), nil }

// Format renders the message with the signals in their given order.
func (m Ready) Format() (string, error) {
	return formatTimed(CmdReady, m.Time, m.Signals)
}

// Format renders the message with the signals in their given order.
func (m Until) Format() (string, error) {
	return formatTimed(CmdUntil, m.Time, m.Signals)
}

// FormatYouAre renders the handshake reply for an accepted device.
func FormatYouAre(ident int) string {
	return string(CmdYouAre) + " " + strconv.Itoa(ident)
}

// FormatUntil renders an UNTIL line carrying all the signals in name order.
func FormatUntil(t timing.SimTime, sigs map[string]signal.Value) (string, error) {
	return Until{Time: t, Signals: Sorted(sigs)}.Format()
}

// Sorted returns the signals of a map as assignments in name order.
func Sorted(sigs map[string]signal.Value) []Assignment {
	out := make([]Assignment, 0, len(sigs))
	for name, v := range sigs {
		out = append(out, Assignment{Name: name, Value: v})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out
}

func formatTimed(cmd Command, t timing.SimTime, sigs []Assignment) (string, error) {
	var sb strings.Builder
	sb.WriteString(string(cmd))
	sb.WriteByte(' ')
	sb.WriteString(t.String())

	for _, a := range sigs {
		bits, err := a.Value.Format()
		if err != nil {
			var encErr *signal.EncodingError
			if errors.As(err, &encErr) {
				encErr.Signal = a.Name
			}

			return "", err
		}

		sb.WriteByte(' ')
		sb.WriteString(a.Name)
		sb.WriteByte('=')
		sb.WriteString(bits)
	}

	return sb.String(), nil
}

// ParseMessage decodes one line. A trailing newline is ignored.
func ParseMessage(line string) (Message, error) {
	line = strings.TrimRight(line, "\r\n")

	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, errors.Wrap(ErrMalformed, "empty line")
	}

	switch Command(fields[0]) {
	case CmdHello:
		return parseHello(line)
	case CmdYouAre:
		return parseYouAre(fields)
	case CmdNak:
		return Nak{}, expectNoArgs(fields)
	case CmdFinish:
		return Finish{}, expectNoArgs(fields)
	case CmdReady:
		t, sigs, err := parseTimed(fields)
		if err != nil {
			return nil, err
		}

		return Ready{Time: t, Signals: sigs}, nil
	case CmdUntil:
		t, sigs, err := parseTimed(fields)
		if err != nil {
			return nil, err
		}

		return Until{Time: t, Signals: sigs}, nil
	}

	return nil, errors.Wrapf(ErrMalformed, "unknown command %q", fields[0])
}

func expectNoArgs(fields []string) error {
	if len(fields) != 1 {
		return errors.Wrapf(ErrMalformed, "%s takes no arguments", fields[0])
	}

	return nil
}

func parseHello(line string) (Message, error) {
	tokens, err := shlex.Split(line)
	if err != nil {
		return nil, errors.Wrapf(ErrMalformed, "HELLO: %v", err)
	}

	if len(tokens) < 2 {
		return nil, errors.Wrap(ErrMalformed, "HELLO without a device name")
	}

	m := Hello{Name: tokens[1], Settings: make(map[string]string)}
	for _, tok := range tokens[2:] {
		key, value, _ := strings.Cut(tok, "=")
		if key == "" {
			return nil, errors.Wrapf(ErrMalformed, "HELLO setting %q", tok)
		}

		m.Settings[key] = value
	}

	return m, nil
}

func parseYouAre(fields []string) (Message, error) {
	if len(fields) != 2 {
		return nil, errors.Wrap(ErrMalformed, "YOU-ARE takes one identity")
	}

	ident, err := strconv.Atoi(fields[1])
	if err != nil || ident < 0 {
		return nil, errors.Wrapf(ErrMalformed, "YOU-ARE identity %q", fields[1])
	}

	return YouAre{Ident: ident}, nil
}

func parseTimed(fields []string) (timing.SimTime, []Assignment, error) {
	cmd := fields[0]
	if len(fields) < 2 {
		return timing.SimTime{}, nil, errors.Wrapf(ErrMalformed, "%s without a time", cmd)
	}

	t, err := timing.Parse(fields[1])
	if err != nil {
		return timing.SimTime{}, nil,
			errors.Wrapf(ErrMalformed, "%s time %q: %v", cmd, fields[1], err)
	}

	sigs := make([]Assignment, 0, len(fields)-2)
	seen := make(map[string]bool, len(fields)-2)

	for _, tok := range fields[2:] {
		name, bits, found := strings.Cut(tok, "=")
		if !found || name == "" {
			return timing.SimTime{}, nil,
				errors.Wrapf(ErrMalformed, "%s assignment %q", cmd, tok)
		}

		if seen[name] {
			return timing.SimTime{}, nil,
				errors.Wrapf(ErrMalformed, "%s assigns %s twice", cmd, name)
		}
		seen[name] = true

		v, err := signal.Parse(bits)
		if err != nil {
			return timing.SimTime{}, nil,
				errors.Wrapf(ErrMalformed, "%s signal %s: %v", cmd, name, err)
		}

		sigs = append(sigs, Assignment{Name: name, Value: v})
	}

	return t, sigs, nil
}
