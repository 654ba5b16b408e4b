package relay

import "io"

// BufferedReader is a byte stream that can report how many bytes it
// can hand out without blocking.  *bufio.Reader satisfies it.
type BufferedReader interface {
	io.Reader
	io.ByteReader
	Buffered() int
}

// Drain blocks until at least one byte is available on r and returns
// it together with every byte r already holds, as a single chunk.
//
// It never returns an empty chunk.  End of input is reported as io.EOF
// with a nil chunk.  Chunk boundaries reflect arrival timing only and
// carry no message framing.
func Drain(r BufferedReader) ([]byte, error) {
	first, err := r.ReadByte()
	if err != nil {
		return nil, err
	}

	n := r.Buffered()
	if n == 0 {
		return []byte{first}, nil
	}

	chunk := make([]byte, n+1)
	chunk[0] = first
	// A short read truncates the chunk.  Any error resurfaces on the
	// next drain; the bytes already read are still delivered.
	k, _ := r.Read(chunk[1:])
	if k < 0 {
		k = 0
	}
	return chunk[:k+1], nil
}
