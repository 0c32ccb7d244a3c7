package rpc

import (
	"bufio"
	"encoding/json"
	"io"
)

// Codec reads and writes newline-delimited JSON-RPC messages over any
// io.Reader/io.Writer pair, for transports (stdio, tests) that aren't
// already message-framed the way a WebSocket connection is.
type Codec struct {
	r *bufio.Reader
	w io.Writer
}

// NewCodec wraps r/w for line-delimited JSON-RPC traffic.
func NewCodec(r io.Reader, w io.Writer) *Codec {
	return &Codec{r: bufio.NewReader(r), w: w}
}

// ReadRequest blocks for the next newline-terminated JSON object and
// decodes it into a Request.
func (c *Codec) ReadRequest() (Request, error) {
	line, err := c.r.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return Request{}, err
	}
	var req Request
	if decodeErr := json.Unmarshal(line, &req); decodeErr != nil {
		return Request{}, decodeErr
	}
	return req, nil
}

// WriteMessage encodes v (a Response or Notification) as one JSON
// object terminated by a newline.
func (c *Codec) WriteMessage(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = c.w.Write(data)
	return err
}
