// server.go
package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vmkintr/internal/config"
	"vmkintr/internal/intrack"
	"vmkintr/internal/vmkstats"
)

const maxCommandBody = 4096

const trackerUsage = `move <vector> <pcpu>
  Route the vector to the given processor and suspend automatic management.
automate <vector>
  Return the vector to automatic management.
thresh <low> <medium> <high> <excessive>
  Set the rate classification thresholds in percent of the rebalance period.
fake <vector> <runUs> <waitUs>
  Install a synthetic interrupt source on the vector.
fake stop
  Remove all synthetic interrupt sources.
stop <vector>
  Remove the synthetic interrupt source on the vector (unfake is an alias).

Vectors are hexadecimal, with or without the 0x prefix.
`

// newServeMux wires the metrics endpoint and the admin surface. Command
// endpoints take one command per line in the POST body and answer usage
// text on GET, the way the old proc nodes behaved.
func newServeMux(cfg *config.AppConfig, tracker *intrack.Tracker, sampler *vmkstats.Sampler, reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle(cfg.Server.MetricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`<html>
            <head><title>vmkintr</title></head>
            <body>
            <h1>vmkintr v` + version + ` </h1>
            <p><a href="` + cfg.Server.MetricsPath + `">Metrics</a></p>
            <p><a href="/intr/status">Interrupt tracker status</a></p>
            <p><a href="/vmkstats/status">Sampler status</a></p>
            </body>
            </html>`))
	})

	mux.HandleFunc("/intr/status", statusHandler(tracker.Status))
	mux.HandleFunc("/intr/command", commandHandler(tracker.Exec, func() string { return trackerUsage }))

	if cfg.Sampler.Enabled {
		mux.HandleFunc("/vmkstats/status", statusHandler(sampler.Status))
		mux.HandleFunc("/vmkstats/command", commandHandler(sampler.Exec, sampler.Usage))
		mux.HandleFunc("/vmkstats/samples", samplesHandler(sampler))
		mux.HandleFunc("/vmkstats/callstack", callStackHandler(sampler))
	}

	return mux
}

func statusHandler(render func() string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		io.WriteString(w, render())
	}
}

func commandHandler(exec func(string) error, usage func() string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			io.WriteString(w, usage())
		case http.MethodPost:
			body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBody))
			if err != nil {
				http.Error(w, "failed to read body", http.StatusBadRequest)
				return
			}
			for _, line := range strings.Split(string(body), "\n") {
				line = strings.TrimSpace(line)
				if line == "" {
					continue
				}
				if err := exec(line); err != nil {
					http.Error(w, fmt.Sprintf("%s: %v", line, err), http.StatusBadRequest)
					return
				}
			}
			io.WriteString(w, "ok\n")
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

// samplesHandler dumps the aggregated buckets, one per line: sample PC,
// interned stack index, tag and count. The sampler must be stopped.
func samplesHandler(sampler *vmkstats.Sampler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		records, err := sampler.Samples()
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		for _, rec := range records {
			fmt.Fprintf(w, "0x%016x %10d %10d %10d\n", rec.PC, rec.StackIndex, rec.Tag, rec.Count)
		}
	}
}

func callStackHandler(sampler *vmkstats.Sampler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		index, err := strconv.ParseInt(r.URL.Query().Get("index"), 10, 32)
		if err != nil {
			http.Error(w, "index must be an integer", http.StatusBadRequest)
			return
		}
		stack, err := sampler.CallStack(int32(index))
		if err != nil {
			if errors.Is(err, vmkstats.ErrRunning) {
				http.Error(w, err.Error(), http.StatusConflict)
				return
			}
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		for _, pc := range stack {
			fmt.Fprintf(w, "0x%016x\n", pc)
		}
	}
}
