package transfer

import "io"

// ProgressFunc is called during a copy with the endpoint label, bytes
// copied so far for the current file, and its size (0 if unknown).
type ProgressFunc func(label string, transferred, total int64)

// progressWriter wraps an io.Writer and reports bytes written via a callback.
type progressWriter struct {
	w           io.Writer
	label       string
	transferred int64
	total       int64
	onProgress  ProgressFunc
}

func newProgressWriter(w io.Writer, label string, total int64, fn ProgressFunc) io.Writer {
	if fn == nil {
		return w
	}
	return &progressWriter{
		w:          w,
		label:      label,
		total:      total,
		onProgress: fn,
	}
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	n, err := pw.w.Write(p)
	pw.transferred += int64(n)
	pw.onProgress(pw.label, pw.transferred, pw.total)
	return n, err
}
