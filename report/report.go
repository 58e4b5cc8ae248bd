// Copyright (c) 2025 The allocsampler Authors
//
// This source code is licensed under the Apache 2.0 License found in the
// LICENSE file in the root directory of this source tree.

// Package report is the offline, out-of-core consumer of a sampler run's
// output. It has two jobs: writing the end-of-run timing summary to its
// configured destination (the file named by SAMPLER_STATS_FILE if one
// was configured, otherwise the diagnostic stream), and, separately,
// parsing a previously emitted MALLOC/FREE record stream back into
// simple aggregate counts.
package report

import (
	"fmt"
	"os"

	"github.com/allocsampler/allocsampler/internal/runid"
	"github.com/allocsampler/allocsampler/samplerconfig"
	"github.com/allocsampler/allocsampler/timing"
)

// WriteSummary renders rec's snapshot using cfg's configured destination,
// prefixed with a run identifier so multiple runs appended to the same
// stats file can be told apart. If cfg.StatsFile is empty, the summary
// goes to stderr. If it is set, the file is opened for append (created if
// necessary) and closed before WriteSummary returns.
func WriteSummary(cfg samplerconfig.Config, rec *timing.Recorder) error {
	if !rec.Enabled() {
		return nil
	}

	if cfg.StatsFile == "" {
		fmt.Fprintf(os.Stderr, "run=%s\n", runid.Must())
		rec.Summary(os.Stderr)
		return nil
	}

	f, err := os.OpenFile(cfg.StatsFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	fmt.Fprintf(f, "run=%s\n", runid.Must())
	rec.Summary(f)
	return nil
}
