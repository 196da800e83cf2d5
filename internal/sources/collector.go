// Package sources collects digest content from JSON feeds. Every request goes
// through the upstream gate, so a struggling feed costs retries and a
// deferred attempt, never the whole digest.
package sources

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"digestbot/internal/broadcast"
	"digestbot/internal/gate"
	logx "digestbot/pkg/logx"
)

type Collector struct {
	title    string
	sources  []Source
	gate     *gate.Gate
	client   *http.Client
	log      logx.Logger
	parallel int
}

func New(title string, sources []Source, g *gate.Gate, client *http.Client, log logx.Logger) *Collector {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Collector{
		title:    title,
		sources:  append([]Source(nil), sources...),
		gate:     g,
		client:   client,
		log:      log,
		parallel: 4,
	}
}

// Collect fetches every source concurrently, then gives the requests this
// pass deferred their single late attempt before assembling sections in
// source order.
func (c *Collector) Collect(ctx context.Context) (broadcast.Payload, error) {
	pass := c.gate.Begin()
	var (
		mu      sync.Mutex
		results = make([][]broadcast.Item, len(c.sources))
		got     = make([]bool, len(c.sources))
	)

	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(c.parallel)
	for i, src := range c.sources {
		eg.Go(func() error {
			err := pass.Request(ectx, src.Name, gate.Params{"url": src.URL}, func(cctx context.Context) error {
				items, err := fetch(cctx, c.client, src)
				if err != nil {
					return err
				}
				mu.Lock()
				results[i], got[i] = items, true
				mu.Unlock()
				return nil
			})
			switch {
			case err == nil, errors.Is(err, gate.ErrDeferred):
			case ctx.Err() != nil:
				return ctx.Err()
			default:
				c.log.Warn("source failed", logx.String("source", src.Name), logx.Err(err))
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return broadcast.Payload{}, err
	}

	if pass.Pending() > 0 {
		rep := pass.Drain(ctx)
		c.log.Info("deferred pass finished",
			logx.Int("attempted", rep.Attempted),
			logx.Int("recovered", rep.Recovered),
			logx.Int("failed", len(rep.Failed)),
		)
	}

	mu.Lock()
	defer mu.Unlock()
	p := broadcast.Payload{Title: c.title}
	index := map[string]int{}
	for i, src := range c.sources {
		if !got[i] {
			p.Missing = append(p.Missing, src.Name)
			continue
		}
		name := src.Section
		if name == "" {
			name = src.Name
		}
		idx, ok := index[name]
		if !ok {
			idx = len(p.Sections)
			index[name] = idx
			p.Sections = append(p.Sections, broadcast.Section{Name: name})
		}
		p.Sections[idx].Items = append(p.Sections[idx].Items, results[i]...)
	}
	return p, nil
}
