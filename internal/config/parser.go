package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/dreamware/hyperdex/internal/space"
)

// EndOfConfig is the sentinel line the coordinator sends to mark the end of
// one configuration update.
const EndOfConfig = "end\tof\tline"

// ErrTruncated is returned by ParseStream when the reader is exhausted
// before EndOfConfig arrives.
var ErrTruncated = fmt.Errorf("config: stream ended before %q", EndOfConfig)

// staged accumulates directives before they're cross-referenced and
// promoted into a Configuration. Any error encountered while staging
// invalidates the whole pending configuration, per spec.md §4/§6.1: a
// server replies BAD and keeps its previous configuration.
type staged struct {
	version   uint64
	haveVer   bool
	hosts     map[space.HostID]space.Instance
	spaces    map[uint32]*space.Space
	subspaces map[uint32]map[uint16]*space.Subspace
	regions   []*space.Region
	transfers map[uint64]Transfer
	quiesce   string
	shutdown  bool
}

func newStaged() *staged {
	return &staged{
		hosts:     map[space.HostID]space.Instance{},
		spaces:    map[uint32]*space.Space{},
		subspaces: map[uint32]map[uint16]*space.Subspace{},
		transfers: map[uint64]Transfer{},
	}
}

// ParseStream reads directive lines from r until EndOfConfig (inclusive) or
// EOF, and returns the fully resolved Configuration. On any parse or
// cross-reference error, it returns that error and the caller must not
// apply any part of the update.
func ParseStream(r io.Reader) (*Configuration, error) {
	s := newStaged()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)

	for sc.Scan() {
		line := sc.Text()
		if line == EndOfConfig {
			return s.resolve()
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		if err := s.applyLine(line); err != nil {
			return nil, err
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return nil, ErrTruncated
}

func (s *staged) applyLine(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	directive, args := fields[0], fields[1:]

	switch directive {
	case "version":
		if len(args) != 1 {
			return fmt.Errorf("config: version wants 1 field, got %d", len(args))
		}
		v, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("config: bad version: %w", err)
		}
		s.version = v
		s.haveVer = true

	case "host":
		return s.applyHost(args)
	case "space":
		return s.applySpace(args)
	case "subspace":
		return s.applySubspace(args)
	case "region":
		return s.applyRegion(args)
	case "transfer":
		return s.applyTransfer(args)
	case "quiesce":
		if len(args) != 1 {
			return fmt.Errorf("config: quiesce wants 1 field, got %d", len(args))
		}
		s.quiesce = args[0]
	case "shutdown":
		s.shutdown = true
	default:
		return fmt.Errorf("config: unknown directive %q", directive)
	}
	return nil
}

func (s *staged) applyHost(args []string) error {
	if len(args) != 6 {
		return fmt.Errorf("config: host wants 6 fields, got %d", len(args))
	}
	id, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return fmt.Errorf("config: bad host id: %w", err)
	}
	inPort, err := strconv.ParseUint(args[2], 10, 16)
	if err != nil {
		return fmt.Errorf("config: bad in_port: %w", err)
	}
	inEpoch, err := strconv.ParseUint(args[3], 10, 16)
	if err != nil {
		return fmt.Errorf("config: bad in_epoch: %w", err)
	}
	outPort, err := strconv.ParseUint(args[4], 10, 16)
	if err != nil {
		return fmt.Errorf("config: bad out_port: %w", err)
	}
	outEpoch, err := strconv.ParseUint(args[5], 10, 16)
	if err != nil {
		return fmt.Errorf("config: bad out_epoch: %w", err)
	}
	s.hosts[space.HostID(id)] = space.Instance{
		IP:       args[1],
		InPort:   uint16(inPort),
		InEpoch:  uint16(inEpoch),
		OutPort:  uint16(outPort),
		OutEpoch: uint16(outEpoch),
	}
	return nil
}

func parseAttrType(tok string) (space.AttrType, error) {
	switch tok {
	case "string":
		return space.AttrString, nil
	case "int64":
		return space.AttrInt64, nil
	case "float":
		return space.AttrFloat, nil
	case "document":
		return space.AttrDocument, nil
	case "list(string)":
		return space.AttrListString, nil
	case "list(int64)":
		return space.AttrListInt64, nil
	case "set(string)":
		return space.AttrSetString, nil
	case "set(int64)":
		return space.AttrSetInt64, nil
	case "map(string,string)":
		return space.AttrMapStringString, nil
	case "map(string,int64)":
		return space.AttrMapStringInt64, nil
	case "map(int64,string)":
		return space.AttrMapInt64String, nil
	case "map(int64,int64)":
		return space.AttrMapInt64Int64, nil
	default:
		return 0, fmt.Errorf("config: unknown attribute type %q", tok)
	}
}

func (s *staged) applySpace(args []string) error {
	// <space-id> <name> [<attr_name> <attr_type>]...
	if len(args) < 2 || len(args)%2 != 0 {
		return fmt.Errorf("config: malformed space directive")
	}
	id, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return fmt.Errorf("config: bad space id: %w", err)
	}
	sp := &space.Space{ID: uint32(id), Name: args[1]}
	for i := 2; i+1 < len(args); i += 2 {
		t, err := parseAttrType(args[i+1])
		if err != nil {
			return err
		}
		sp.Attributes = append(sp.Attributes, space.Attribute{Name: args[i], Type: t})
	}
	s.spaces[sp.ID] = sp
	return nil
}

func (s *staged) applySubspace(args []string) error {
	// <space-id> <subspace-id> [<repl_bool> <disk_bool>]... one pair per attribute
	if len(args) < 2 {
		return fmt.Errorf("config: malformed subspace directive")
	}
	spaceID, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return fmt.Errorf("config: bad subspace space id: %w", err)
	}
	subID, err := strconv.ParseUint(args[1], 10, 16)
	if err != nil {
		return fmt.Errorf("config: bad subspace id: %w", err)
	}
	sp, ok := s.spaces[uint32(spaceID)]
	if !ok {
		return fmt.Errorf("config: subspace references unknown space %d", spaceID)
	}
	rest := args[2:]
	if len(rest)%2 != 0 || len(rest)/2 != len(sp.Attributes) {
		return fmt.Errorf("config: subspace attribute mask count mismatch for space %d", spaceID)
	}
	sub := &space.Subspace{Space: uint32(spaceID), ID: uint16(subID)}
	for i := 0; i < len(rest); i += 2 {
		repl, err := strconv.ParseBool(rest[i])
		if err != nil {
			return fmt.Errorf("config: bad repl bool: %w", err)
		}
		disk, err := strconv.ParseBool(rest[i+1])
		if err != nil {
			return fmt.Errorf("config: bad disk bool: %w", err)
		}
		attrIdx := i / 2
		if (repl || disk) && !sp.Attributes[attrIdx].Type.Searchable() {
			return fmt.Errorf("config: attribute %q is not searchable, cannot hash", sp.Attributes[attrIdx].Name)
		}
		sub.Repl = append(sub.Repl, repl)
		sub.Disk = append(sub.Disk, disk)
	}
	if s.subspaces[uint32(spaceID)] == nil {
		s.subspaces[uint32(spaceID)] = map[uint16]*space.Subspace{}
	}
	s.subspaces[uint32(spaceID)][uint16(subID)] = sub
	return nil
}

func (s *staged) applyRegion(args []string) error {
	// <space-id> <subspace-id> <prefix> <mask> <host-id>...
	if len(args) < 5 {
		return fmt.Errorf("config: malformed region directive")
	}
	spaceID, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return fmt.Errorf("config: bad region space id: %w", err)
	}
	subID, err := strconv.ParseUint(args[1], 10, 16)
	if err != nil {
		return fmt.Errorf("config: bad region subspace id: %w", err)
	}
	prefix, err := strconv.ParseUint(args[2], 10, 8)
	if err != nil {
		return fmt.Errorf("config: bad region prefix: %w", err)
	}
	mask, err := strconv.ParseUint(args[3], 16, 64)
	if err != nil {
		return fmt.Errorf("config: bad region mask: %w", err)
	}
	if _, ok := s.subspaces[uint32(spaceID)][uint16(subID)]; !ok {
		return fmt.Errorf("config: region references unknown subspace %d.%d", spaceID, subID)
	}
	r := &space.Region{
		Space:    uint32(spaceID),
		Subspace: uint16(subID),
		Prefix:   uint8(prefix),
		Mask:     mask,
	}
	for _, tok := range args[4:] {
		hid, err := strconv.ParseUint(tok, 10, 32)
		if err != nil {
			return fmt.Errorf("config: bad region host id: %w", err)
		}
		if _, ok := s.hosts[space.HostID(hid)]; !ok {
			return fmt.Errorf("config: region references unknown host %d", hid)
		}
		r.Chain = append(r.Chain, space.HostID(hid))
	}
	if len(r.Chain) == 0 {
		return fmt.Errorf("config: region has empty chain")
	}
	s.regions = append(s.regions, r)
	return nil
}

func (s *staged) applyTransfer(args []string) error {
	// <xfer_id> <space-id> <subspace-id> <prefix> <mask> <host-id>
	if len(args) != 6 {
		return fmt.Errorf("config: malformed transfer directive")
	}
	xferID, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("config: bad xfer id: %w", err)
	}
	spaceID, err := strconv.ParseUint(args[1], 10, 32)
	if err != nil {
		return fmt.Errorf("config: bad transfer space id: %w", err)
	}
	subID, err := strconv.ParseUint(args[2], 10, 16)
	if err != nil {
		return fmt.Errorf("config: bad transfer subspace id: %w", err)
	}
	prefix, err := strconv.ParseUint(args[3], 10, 8)
	if err != nil {
		return fmt.Errorf("config: bad transfer prefix: %w", err)
	}
	mask, err := strconv.ParseUint(args[4], 16, 64)
	if err != nil {
		return fmt.Errorf("config: bad transfer mask: %w", err)
	}
	hostID, err := strconv.ParseUint(args[5], 10, 32)
	if err != nil {
		return fmt.Errorf("config: bad transfer host id: %w", err)
	}
	if _, ok := s.hosts[space.HostID(hostID)]; !ok {
		return fmt.Errorf("config: transfer references unknown host %d", hostID)
	}
	s.transfers[xferID] = Transfer{
		XferID: xferID,
		Region: space.RegionID{
			Space: uint32(spaceID), Subspace: uint16(subID),
			Prefix: uint8(prefix), Mask: mask,
		},
		Destination: space.HostID(hostID),
	}
	return nil
}

func (s *staged) resolve() (*Configuration, error) {
	if !s.haveVer {
		return nil, fmt.Errorf("config: stream had no version directive")
	}
	return &Configuration{
		Version:   s.version,
		Hosts:     s.hosts,
		Spaces:    s.spaces,
		Subspaces: s.subspaces,
		Regions:   s.regions,
		Transfers: s.transfers,
		Quiesce:   s.quiesce,
		Shutdown:  s.shutdown,
	}, nil
}
