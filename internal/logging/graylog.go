package logging

import (
	"fmt"

	"github.com/Graylog2/go-gelf/gelf"
)

// OpenGraylog dials a GELF UDP endpoint such as "localhost:12201".
func OpenGraylog(addr string) (*gelf.Writer, error) {
	w, err := gelf.NewWriter(addr)
	if err != nil {
		return nil, fmt.Errorf("error creating graylog writer: %w", err)
	}
	w.Facility = "conduit"
	return w, nil
}
