package tilegate

import (
	"io"
	"log"
	"sync"

	"github.com/schollz/progressbar/v3"
)

// ProgressWriter creates progress trackers for long-running operations such
// as exports, seeds and extra-info scans.
type ProgressWriter interface {
	// NewCountProgress creates a progress tracker for count-based operations
	NewCountProgress(total int64, description string) Progress
	// NewBytesProgress creates a progress tracker for byte-based operations
	NewBytesProgress(total int64, description string) Progress
}

// Progress represents an active progress tracker that can be updated and written to
type Progress interface {
	io.Writer
	Add(num int)
	Close() error
}

var (
	progressWriterMu sync.RWMutex
	progressWriter   ProgressWriter = &barProgressWriter{}
	quietMode        bool
)

// SetProgressWriter sets a custom progress writer for all operations.
// Pass nil to disable all progress reporting.
func SetProgressWriter(pw ProgressWriter) {
	progressWriterMu.Lock()
	defer progressWriterMu.Unlock()
	if pw == nil {
		progressWriter = &quietProgressWriter{}
	} else {
		progressWriter = pw
	}
}

// SetQuietMode suppresses progress bars, e.g. when output is not a terminal.
func SetQuietMode(quiet bool) {
	progressWriterMu.Lock()
	defer progressWriterMu.Unlock()
	quietMode = quiet
	if quiet {
		progressWriter = &quietProgressWriter{}
	} else {
		progressWriter = &barProgressWriter{}
	}
}

func getProgressWriter() ProgressWriter {
	progressWriterMu.RLock()
	defer progressWriterMu.RUnlock()
	return progressWriter
}

// barProgressWriter renders terminal progress bars.
type barProgressWriter struct{}

func (d *barProgressWriter) NewCountProgress(total int64, description string) Progress {
	if quietMode {
		return &quietProgress{}
	}
	return &progressBarWrapper{bar: progressbar.Default(total, description)}
}

func (d *barProgressWriter) NewBytesProgress(total int64, description string) Progress {
	if quietMode {
		return &quietProgress{}
	}
	return &progressBarWrapper{bar: progressbar.DefaultBytes(total, description)}
}

type progressBarWrapper struct {
	bar *progressbar.ProgressBar
}

func (p *progressBarWrapper) Write(data []byte) (int, error) {
	return p.bar.Write(data)
}

func (p *progressBarWrapper) Add(num int) {
	p.bar.Add(num)
}

func (p *progressBarWrapper) Close() error {
	return p.bar.Close()
}

// logProgressWriter emits n/total lines to a logger instead of drawing a
// bar. The server installs it so export progress lands in the request log.
type logProgressWriter struct {
	logger *log.Logger
	every  int64
}

// NewLogProgressWriter reports progress as log lines, one every step counts.
func NewLogProgressWriter(logger *log.Logger, every int64) ProgressWriter {
	if every < 1 {
		every = 1000
	}
	return &logProgressWriter{logger: logger, every: every}
}

func (l *logProgressWriter) NewCountProgress(total int64, description string) Progress {
	return &logProgress{logger: l.logger, every: l.every, total: total, description: description}
}

func (l *logProgressWriter) NewBytesProgress(total int64, description string) Progress {
	return &logProgress{logger: l.logger, every: l.every, total: total, description: description}
}

type logProgress struct {
	mu          sync.Mutex
	logger      *log.Logger
	every       int64
	count       int64
	total       int64
	description string
}

func (l *logProgress) Write(data []byte) (int, error) {
	l.Add(len(data))
	return len(data), nil
}

func (l *logProgress) Add(num int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	before := l.count
	l.count += int64(num)
	if l.count/l.every != before/l.every || l.count == l.total {
		l.logger.Printf("%s: %d/%d", l.description, l.count, l.total)
	}
}

func (l *logProgress) Close() error {
	return nil
}

// quietProgressWriter drops all progress reporting.
type quietProgressWriter struct{}

func (q *quietProgressWriter) NewCountProgress(total int64, description string) Progress {
	return &quietProgress{}
}

func (q *quietProgressWriter) NewBytesProgress(total int64, description string) Progress {
	return &quietProgress{}
}

type quietProgress struct{}

func (q *quietProgress) Write(data []byte) (int, error) {
	return len(data), nil
}

func (q *quietProgress) Add(num int) {
}

func (q *quietProgress) Close() error {
	return nil
}
