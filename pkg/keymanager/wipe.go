package keymanager

// Wipe overwrites a byte buffer with zeros. Safe on nil and empty slices.
//
// Go strings are immutable and cannot be erased in place; any secret that
// must be wipeable has to live in a byte slice from creation.
func Wipe(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}

// WipeAll zeroes every supplied buffer.
func WipeAll(bufs ...[]byte) {
	for _, buf := range bufs {
		Wipe(buf)
	}
}
