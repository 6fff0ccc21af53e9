package wire

import (
	"bufio"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// Reader reads messages from a connection, one line at a time.
type Reader struct {
	r *bufio.Reader
}

// NewReader creates a Reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// ReadMessage returns the next message. It returns io.EOF if the connection
// closes between two messages and io.ErrUnexpectedEOF if it closes in the
// middle of a line.
func (r *Reader) ReadMessage() (Message, error) {
	line, err := r.r.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) {
			if strings.TrimSpace(line) == "" {
				return nil, io.EOF
			}

			return nil, io.ErrUnexpectedEOF
		}

		return nil, err
	}

	return ParseMessage(line)
}

// WriteMessage writes a message followed by a newline in a single write.
func WriteMessage(w io.Writer, m Message) error {
	line, err := m.Format()
	if err != nil {
		return err
	}

	return WriteLine(w, line)
}

// WriteLine writes an already formatted line followed by a newline.
func WriteLine(w io.Writer, line string) error {
	_, err := io.WriteString(w, line+"\n")

	return errors.Wrapf(err, "write %s", firstWord(line))
}

func firstWord(line string) string {
	if i := strings.IndexByte(line, ' '); i >= 0 {
		return line[:i]
	}

	return line
}
