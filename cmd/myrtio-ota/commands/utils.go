package commands

import (
	"io"
	"os"
	"path/filepath"

	"github.com/myrtio/myrtio-ota/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/term"
)

// ensureDirectories creates the history database parent and any extra
// state directories. Empty paths are skipped.
func ensureDirectories(historyDB string, dirs ...string) error {
	if historyDB != "" {
		if err := os.MkdirAll(filepath.Dir(historyDB), 0755); err != nil {
			return errors.Wrap(err, "failed to create database directory")
		}
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrapf(err, "failed to create %s", dir)
		}
	}

	return nil
}

// progressOutput returns stderr when it is a terminal, so waiting shows
// as dots there and as log lines everywhere else.
func progressOutput() io.Writer {
	if term.IsTerminal(int(os.Stderr.Fd())) {
		return os.Stderr
	}
	return nil
}

// writeMetrics dumps the run's metrics for the node_exporter textfile
// collector. A blank path disables it.
func writeMetrics(path string, g prometheus.Gatherer) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "failed to create metrics directory")
	}
	return errors.Wrap(prometheus.WriteToTextfile(path, g), "failed to write metrics")
}
