package progress

import "io"

// Reader wraps an io.Reader and reports absolute progress via a callback.
// A report is made every interval bytes and whenever another whole percent
// of total is crossed.
type Reader struct {
	Reader     io.Reader
	Total      int64
	OnProgress func(read int64, total int64)

	read           int64 // absolute position, including the start offset
	lastReport     int64 // bytes since last report
	reportInterval int64
}

// NewReader returns a Reader that starts counting at offset.
func NewReader(r io.Reader, offset, total, interval int64, cb func(read int64, total int64)) *Reader {
	return &Reader{
		Reader:         r,
		Total:          total,
		OnProgress:     cb,
		read:           offset,
		reportInterval: interval,
	}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.Reader.Read(p)
	if n > 0 {
		before := pr.read
		pr.read += int64(n)
		pr.lastReport += int64(n)

		if pr.lastReport >= pr.reportInterval || pr.crossedPercent(before) {
			pr.OnProgress(pr.read, pr.Total)
			pr.lastReport = 0
		}
	}

	if err == io.EOF && pr.lastReport > 0 {
		pr.OnProgress(pr.read, pr.Total)
		pr.lastReport = 0
	}

	return n, err
}

// BytesRead returns the absolute number of bytes seen so far.
func (pr *Reader) BytesRead() int64 {
	return pr.read
}

func (pr *Reader) crossedPercent(before int64) bool {
	if pr.Total <= 0 {
		return false
	}

	return pr.read*100/pr.Total > before*100/pr.Total
}
