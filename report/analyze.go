// Copyright (c) 2025 The allocsampler Authors
//
// This source code is licensed under the Apache 2.0 License found in the
// LICENSE file in the root directory of this source tree.

package report

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Aggregate summarizes a parsed record stream: simple running totals, not
// a full live-allocation table (this package never tries to reconstruct
// which addresses are still outstanding — that is explicitly out of
// scope, the same "no full live-allocation table" non-goal the sampler
// itself carries).
type Aggregate struct {
	MallocRecords    int64
	FreeRecords      int64
	TotalActualBytes int64 // sum of actual/reported sizes across MALLOC records
	TotalWeight      int64 // sum of attributed sampling weight, where present
	PoissonSelected  int64
	HashSelected     int64
	MalformedLines   int64
}

// Analyze reads a record stream produced by emit.Writer and returns
// running totals. It tolerates any of the five record shapes
// (none/scheme/combined MALLOC, plain/combined FREE); lines it cannot
// parse are counted in MalformedLines rather than returned as an error,
// since a truncated trailing line is expected if the stream was read
// mid-write.
func Analyze(r io.Reader) (Aggregate, error) {
	var agg Aggregate
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if err := analyzeLine(line, &agg); err != nil {
			agg.MalformedLines++
		}
	}
	if err := scanner.Err(); err != nil {
		return agg, err
	}
	return agg, nil
}

func analyzeLine(line string, agg *Aggregate) error {
	fields := strings.Split(line, ", ")
	if len(fields) < 4 {
		return fmt.Errorf("report: too few fields: %q", line)
	}

	switch fields[0] {
	case "MALLOC":
		size, err := strconv.ParseInt(fields[3], 10, 64)
		if err != nil {
			return err
		}

		switch len(fields) {
		case 4:
			// scheme-none: no weight field beyond the raw size.
		case 5:
			weight, err := strconv.ParseInt(fields[4], 10, 64)
			if err != nil {
				return err
			}
			agg.TotalWeight += weight
		case 8:
			poisTracked := fields[4] == "1"
			poisWeight, err := strconv.ParseInt(fields[5], 10, 64)
			if err != nil {
				return err
			}
			hashTracked := fields[6] == "1"
			hashWeight, err := strconv.ParseInt(fields[7], 10, 64)
			if err != nil {
				return err
			}
			if poisTracked {
				agg.PoissonSelected++
				agg.TotalWeight += poisWeight
			}
			if hashTracked {
				agg.HashSelected++
				agg.TotalWeight += hashWeight
			}
		default:
			return fmt.Errorf("report: unexpected MALLOC field count %d", len(fields))
		}
		agg.MallocRecords++
		agg.TotalActualBytes += size

	case "FREE":
		agg.FreeRecords++
		if len(fields) == 8 {
			if fields[4] == "1" {
				agg.PoissonSelected++
			}
			if fields[6] == "1" {
				agg.HashSelected++
			}
		}

	default:
		return fmt.Errorf("report: unknown record kind %q", fields[0])
	}

	return nil
}
