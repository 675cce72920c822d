package storage

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// truncatedMarker replaces the remainder of a line cut by maxLineLength.
const truncatedMarker = "..."

// Preview returns the first head and last tail lines of r. When both are
// set and the file is longer than head+tail lines, the two parts are
// joined without the lines in between. maxLineLength, when positive, bounds
// each returned line.
func Preview(r io.Reader, head, tail, maxLineLength int) ([]byte, error) {
	br := bufio.NewReader(r)
	var out bytes.Buffer

	for i := 0; i < head; i++ {
		line, err := readLine(br, maxLineLength)
		out.Write(line)
		if errors.Is(err, io.EOF) {
			return out.Bytes(), nil
		}
		if err != nil {
			return nil, err
		}
	}
	if tail <= 0 {
		return out.Bytes(), nil
	}

	// Ring of the last tail lines seen.
	ring := make([][]byte, tail)
	n := 0
	for {
		line, err := readLine(br, maxLineLength)
		if len(line) > 0 {
			ring[n%tail] = line
			n++
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	start := 0
	if n > tail {
		start = n - tail
	}
	for i := start; i < n; i++ {
		out.Write(ring[i%tail])
	}
	return out.Bytes(), nil
}

// readLine reads one line including its newline. Lines longer than limit
// bytes are cut and suffixed with a marker; the rest of the line is
// discarded. It returns io.EOF when the input ends, possibly with a final
// unterminated line.
func readLine(br *bufio.Reader, limit int) ([]byte, error) {
	var line []byte
	truncated := false
	for {
		frag, err := br.ReadSlice('\n')
		body, newline := frag, false
		if err == nil {
			body, newline = frag[:len(frag)-1], true
		}
		if limit > 0 && len(line)+len(body) > limit {
			body = body[:limit-len(line)]
			truncated = true
		}
		line = append(line, body...)
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if truncated {
			line = append(line, truncatedMarker...)
		}
		if newline {
			line = append(line, '\n')
		}
		return line, err
	}
}
