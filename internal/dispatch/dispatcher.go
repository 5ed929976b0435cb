// Package dispatch persists generated artifacts. Names are deterministic and
// collision free: a generated name carries an instance-owned sequence number
// and an existing file or object is never overwritten.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"flowgen/internal/bus"
	"flowgen/internal/metrics"
	"flowgen/internal/model"
	"flowgen/internal/observability"
	"flowgen/internal/protocol"
)

const (
	DefaultFolder   = "flow-downloads"
	defaultMaxBytes = 64 << 20
)

var ErrDownloadFailed = errors.New("download failed")

// Sink stores artifact bytes under name, picking a disambiguated name when
// name is taken. It returns where the bytes ended up.
type Sink interface {
	Save(ctx context.Context, name string, data []byte, contentType string) (string, error)
}

// Handle identifies one saved artifact.
type Handle struct {
	Name     string
	Location string
}

type Option func(*Dispatcher)

func WithLogger(log *zap.Logger) Option {
	return func(d *Dispatcher) { d.log = observability.OrNop(log) }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) {
		if c != nil {
			d.client = c
		}
	}
}

func WithFolder(folder string) Option {
	return func(d *Dispatcher) {
		if f := strings.Trim(strings.TrimSpace(folder), "/"); f != "" {
			d.folder = f
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// Dispatcher is not safe for concurrent Dispatch calls; Run serializes them.
type Dispatcher struct {
	sink     Sink
	pub      bus.Publisher
	client   *http.Client
	folder   string
	now      func() time.Time
	counter  int
	maxBytes int64
	log      *zap.Logger
	metrics  *metrics.Metrics
}

func New(sink Sink, pub bus.Publisher, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sink:     sink,
		pub:      pub,
		client:   &http.Client{Timeout: 2 * time.Minute},
		folder:   DefaultFolder,
		now:      time.Now,
		maxBytes: defaultMaxBytes,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// NextName returns folder/flow_YYYYMMDD_HHMMSS_NNN.png and advances the
// sequence. NNN starts at 1 and widens past 999 instead of wrapping.
func (d *Dispatcher) NextName() string {
	d.counter++
	return fmt.Sprintf("%s/flow_%s_%03d.png", d.folder, d.now().Format("20060102_150405"), d.counter)
}

func (d *Dispatcher) Dispatch(ctx context.Context, art model.Artifact) (Handle, error) {
	name := cleanName(art.SuggestedName)
	if name == "" {
		name = d.NextName()
	}
	data, contentType, err := fetch(ctx, d.client, art.SourceURL, d.maxBytes)
	if err != nil {
		d.metrics.DownloadDone("failed")
		return Handle{}, fmt.Errorf("%w: %s: %w", ErrDownloadFailed, name, err)
	}
	loc, err := d.sink.Save(ctx, name, data, contentType)
	if err != nil {
		d.metrics.DownloadDone("failed")
		return Handle{}, fmt.Errorf("%w: %s: %w", ErrDownloadFailed, name, err)
	}
	d.metrics.DownloadDone("ok")
	return Handle{Name: name, Location: loc}, nil
}

// Run consumes DOWNLOAD events until ctx ends or events closes. Failures are
// logged and dropped.
func (d *Dispatcher) Run(ctx context.Context, events <-chan protocol.Message) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-events:
			if !ok {
				return nil
			}
			dl, isDownload := msg.(protocol.Download)
			if !isDownload {
				continue
			}
			h, err := d.Dispatch(ctx, dl.Artifact())
			if err != nil {
				d.log.Warn("artifact dropped", zap.String("run", dl.RunID), zap.Error(err))
				continue
			}
			d.log.Info("artifact saved", zap.String("run", dl.RunID), zap.String("location", h.Location))
			d.pub.Publish(protocol.DownloadComplete{Filename: h.Name, RunID: dl.RunID})
		}
	}
}

// cleanName keeps a suggested name relative to the sink root.
func cleanName(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	if name == "" {
		return ""
	}
	name = strings.TrimPrefix(path.Clean("/"+name), "/")
	if name == "." {
		return ""
	}
	return name
}

// candidate returns the n-th disambiguated form of name: "a.png",
// "a (1).png", "a (2).png", ...
func candidate(name string, n int) string {
	if n == 0 {
		return name
	}
	ext := path.Ext(name)
	return fmt.Sprintf("%s (%d)%s", strings.TrimSuffix(name, ext), n, ext)
}
