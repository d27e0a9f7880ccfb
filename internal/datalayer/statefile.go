package datalayer

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dreamware/hyperdex/internal/space"
)

// StateFile is the content of datalayer_state.hd (spec.md §6.3): a version
// tag, the instance that wrote it, and the full coordinator config text
// that produced the on-disk layout — read on startup so reopened disks
// match the configuration that created them.
type StateFile struct {
	Version int
	Us      space.Instance
	Config  string
}

// WriteStateFile rewrites path atomically (write to a temp file in the same
// directory, then rename) so a crash mid-write never leaves a torn file.
func WriteStateFile(path string, sf StateFile) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".datalayer_state-*")
	if err != nil {
		return fmt.Errorf("datalayer: create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	w := bufio.NewWriter(tmp)
	fmt.Fprintf(w, "version %d\n", sf.Version)
	fmt.Fprintf(w, "us %s %d %d %d %d\n", sf.Us.IP, sf.Us.InPort, sf.Us.InEpoch, sf.Us.OutPort, sf.Us.OutEpoch)
	fmt.Fprintf(w, "config %s\n", sf.Config)
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("datalayer: write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("datalayer: sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("datalayer: close temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("datalayer: rename state file: %w", err)
	}
	return nil
}

// ReadStateFile parses path. Any malformed or version-mismatched file is
// treated as absent: the caller starts empty rather than fail to launch
// (spec.md §4.2 "rejecting any malformed or version-mismatched file by
// starting empty").
func ReadStateFile(path string) (*StateFile, bool) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false
	}
	defer f.Close()

	sf := &StateFile{}
	var configLines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16<<20)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "version "):
			v, err := strconv.Atoi(strings.TrimPrefix(line, "version "))
			if err != nil || v != 1 {
				return nil, false
			}
			sf.Version = v
		case strings.HasPrefix(line, "us "):
			fields := strings.Fields(strings.TrimPrefix(line, "us "))
			if len(fields) != 5 {
				return nil, false
			}
			inPort, err1 := strconv.ParseUint(fields[1], 10, 16)
			inEpoch, err2 := strconv.ParseUint(fields[2], 10, 16)
			outPort, err3 := strconv.ParseUint(fields[3], 10, 16)
			outEpoch, err4 := strconv.ParseUint(fields[4], 10, 16)
			if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
				return nil, false
			}
			sf.Us = space.Instance{
				IP: fields[0], InPort: uint16(inPort), InEpoch: uint16(inEpoch),
				OutPort: uint16(outPort), OutEpoch: uint16(outEpoch),
			}
		case strings.HasPrefix(line, "config "):
			configLines = append(configLines, strings.TrimPrefix(line, "config "))
		default:
			return nil, false
		}
	}
	if err := sc.Err(); err != nil {
		return nil, false
	}
	if sf.Version != 1 {
		return nil, false
	}
	sf.Config = strings.Join(configLines, "\n")
	return sf, true
}
