// Package codec selects the JSON encoding of command output and reports.
package codec

import (
	"fmt"
	"io"
)

// Codec encodes/decodes values.
// Implementations must be safe for concurrent use.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// ByName returns a built-in codec by its stable name.
func ByName(name string) (Codec, error) {
	switch name {
	case "", "go-json":
		return GoJSON{}, nil
	case "json":
		return JSON{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

// Encode writes v to w followed by a newline.
func Encode(w io.Writer, c Codec, v any) error {
	if c == nil {
		c = Default
	}
	b, err := c.Marshal(v)
	if err != nil {
		return fmt.Errorf("codec %s: %w", c.Name(), err)
	}
	_, err = w.Write(append(b, '\n'))
	return err
}
