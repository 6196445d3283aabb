package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

// WorkerLabel is added to every series scraped from a worker process.
const WorkerLabel = "worker"

// Target is one worker process exposing /metrics on a unix socket.
type Target struct {
	Name   string // service.id
	Socket string
}

// ChildGatherer scrapes worker sockets and merges their families.
// Unreachable workers are skipped; a worker that is restarting has no socket yet.
type ChildGatherer struct {
	Targets func() []Target
	Timeout time.Duration
}

// UnixClient returns an HTTP client that always dials socket.
func UnixClient(socket string, timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socket)
			},
		},
	}
}

// Gather implements prometheus.Gatherer.
func (g *ChildGatherer) Gather() ([]*dto.MetricFamily, error) {
	if g.Targets == nil {
		return nil, nil
	}
	timeout := g.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	byName := make(map[string]*dto.MetricFamily)
	for _, t := range g.Targets() {
		families, err := scrape(t.Socket, timeout)
		if err != nil {
			continue
		}
		for _, mf := range families {
			for _, m := range mf.Metric {
				m.Label = append(m.Label, &dto.LabelPair{
					Name:  proto.String(WorkerLabel),
					Value: proto.String(t.Name),
				})
				sort.Slice(m.Label, func(i, j int) bool {
					return m.Label[i].GetName() < m.Label[j].GetName()
				})
			}
			if have, ok := byName[mf.GetName()]; ok {
				have.Metric = append(have.Metric, mf.Metric...)
				continue
			}
			byName[mf.GetName()] = mf
		}
	}

	out := make([]*dto.MetricFamily, 0, len(byName))
	for _, mf := range byName {
		out = append(out, mf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GetName() < out[j].GetName() })
	return out, nil
}

func scrape(socket string, timeout time.Duration) ([]*dto.MetricFamily, error) {
	req, err := http.NewRequest(http.MethodGet, "http://worker/metrics", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", string(expfmt.NewFormat(expfmt.TypeProtoDelim)))

	resp, err := UnixClient(socket, timeout).Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("scrape %s: status %d", socket, resp.StatusCode)
	}

	dec := expfmt.NewDecoder(resp.Body, expfmt.ResponseFormat(resp.Header))
	var families []*dto.MetricFamily
	for {
		mf := &dto.MetricFamily{}
		if err := dec.Decode(mf); err != nil {
			if errors.Is(err, io.EOF) {
				return families, nil
			}
			return families, err
		}
		families = append(families, mf)
	}
}

// Merged combines the master registry with every worker's metrics.
func Merged(own prometheus.Gatherer, children *ChildGatherer) prometheus.Gatherer {
	return prometheus.Gatherers{own, children}
}
