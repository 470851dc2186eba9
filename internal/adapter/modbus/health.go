package modbus

import (
	"sort"
	"sync/atomic"
	"time"
)

// PointDiagnostic tracks per-register read outcomes.
type PointDiagnostic struct {
	Point           string
	ReadCount       atomic.Uint64
	ErrorCount      atomic.Uint64
	LastError       atomic.Value // stores string
	LastErrorTime   atomic.Value // stores time.Time
	LastSuccessTime atomic.Value // stores time.Time
}

// PointHealth is the JSON view of a PointDiagnostic.
type PointHealth struct {
	Point       string    `json:"point"`
	Reads       uint64    `json:"reads"`
	Errors      uint64    `json:"errors"`
	LastError   string    `json:"last_error,omitempty"`
	LastErrorAt time.Time `json:"last_error_at,omitempty"`
	LastReadAt  time.Time `json:"last_read_at,omitempty"`
}

// ClientHealth summarizes a client for the status endpoint.
type ClientHealth struct {
	Session        SessionSnapshot `json:"session"`
	ReadCount      uint64          `json:"read_count"`
	WriteCount     uint64          `json:"write_count"`
	ErrorCount     uint64          `json:"error_count"`
	AvgReadTimeMs  float64         `json:"avg_read_time_ms"`
	AvgWriteTimeMs float64         `json:"avg_write_time_ms"`
	Points         []PointHealth   `json:"points,omitempty"`
}

func (c *Client) pointDiagnostic(point string) *PointDiagnostic {
	if diag, ok := c.diagnostics.Load(point); ok {
		return diag.(*PointDiagnostic)
	}
	actual, _ := c.diagnostics.LoadOrStore(point, &PointDiagnostic{Point: point})
	return actual.(*PointDiagnostic)
}

func (c *Client) recordPointSuccess(point string) {
	diag := c.pointDiagnostic(point)
	diag.ReadCount.Add(1)
	diag.LastSuccessTime.Store(time.Now())
}

func (c *Client) recordPointError(point string, err error) {
	diag := c.pointDiagnostic(point)
	diag.ErrorCount.Add(1)
	diag.LastError.Store(err.Error())
	diag.LastErrorTime.Store(time.Now())
}

// Health returns detailed statistics for this client.
func (c *Client) Health() ClientHealth {
	readCount := c.stats.ReadCount.Load()
	writeCount := c.stats.WriteCount.Load()

	h := ClientHealth{
		Session:    c.session.Snapshot(),
		ReadCount:  readCount,
		WriteCount: writeCount,
		ErrorCount: c.stats.ErrorCount.Load(),
	}
	if readCount > 0 {
		h.AvgReadTimeMs = float64(c.stats.TotalReadTime.Load()) / float64(readCount) / 1e6
	}
	if writeCount > 0 {
		h.AvgWriteTimeMs = float64(c.stats.TotalWriteTime.Load()) / float64(writeCount) / 1e6
	}

	c.diagnostics.Range(func(_, value interface{}) bool {
		d := value.(*PointDiagnostic)
		p := PointHealth{
			Point:  d.Point,
			Reads:  d.ReadCount.Load(),
			Errors: d.ErrorCount.Load(),
		}
		if v, ok := d.LastError.Load().(string); ok {
			p.LastError = v
		}
		if v, ok := d.LastErrorTime.Load().(time.Time); ok {
			p.LastErrorAt = v
		}
		if v, ok := d.LastSuccessTime.Load().(time.Time); ok {
			p.LastReadAt = v
		}
		h.Points = append(h.Points, p)
		return true
	})
	sort.Slice(h.Points, func(i, j int) bool { return h.Points[i].Point < h.Points[j].Point })
	return h
}
