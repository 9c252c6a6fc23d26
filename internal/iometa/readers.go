package iometa

import "io"

// Closifier wraps an io.Reader with a no-op Close, so it satisfies
// io.ReadCloser interfaces (section readers, mainly).
type Closifier struct {
	io.Reader
}

func (*Closifier) Close() error {
	return nil
}
