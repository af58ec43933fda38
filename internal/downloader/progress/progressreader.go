package progress

import "io"

// Reader wraps an io.Reader and calls OnProgress every time another
// interval bytes have been read, and once more at EOF.
type Reader struct {
	r          io.Reader
	total      int64
	interval   int64
	onProgress func(read, total int64)

	read       int64
	lastReport int64
	done       bool
}

// NewReader creates a progress reporting reader. total may be unknown (<= 0).
func NewReader(r io.Reader, total, interval int64, onProgress func(read, total int64)) *Reader {
	return &Reader{
		r:          r,
		total:      total,
		interval:   interval,
		onProgress: onProgress,
	}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	pr.read += int64(n)

	if n > 0 && pr.read-pr.lastReport >= pr.interval {
		pr.report()
	}

	if err == io.EOF && !pr.done {
		pr.done = true
		if pr.read != pr.lastReport {
			pr.report()
		}
	}

	return n, err
}

// BytesRead returns how many bytes have been read so far.
func (pr *Reader) BytesRead() int64 {
	return pr.read
}

func (pr *Reader) report() {
	pr.lastReport = pr.read

	if pr.onProgress != nil {
		pr.onProgress(pr.read, pr.total)
	}
}
