package zone

import (
	"encoding/binary"
	"errors"
	"hash/fnv"
	"strings"
	"time"

	"github.com/netgrove/authdnsd/internal/dns"
)

// Record is a single resource record owned by some name within a Zone.
// RData depends on Type:
//   - A/AAAA: string (textual address)
//   - CNAME/NS/PTR: string (fqdn)
//   - MX: MX
//   - SOA: []byte (wire-format rdata; see parseSOARData)
//   - TXT: string
//   - anything else: []byte (raw rdata, passed through verbatim)
type Record struct {
	Name  string
	Type  uint16
	Class uint16
	TTL   uint32
	RData any
}

// MX is the parsed RDATA of an MX record.
type MX struct {
	Preference uint16
	Exchange   string
}

type recKey struct {
	typ   uint16
	class uint16
}

// node holds every record owned by a single name within a zone.
type node struct {
	nameWire []byte // arena-owned wire-encoded absolute owner name
	records  map[recKey][]Record
	soa      *Record
}

// Zone is an immutable-after-Finalize collection of records sharing one
// authoritative apex (origin). A Zone is built by a Source (see
// parse.go), Finalize'd, then installed into a Registry. It exclusively
// owns its arena and node graph: once installed, nothing outside the
// Zone itself mutates either.
type Zone struct {
	OriginWire  []byte // arena-owned wire-encoded apex name
	OriginText  string // lowercase apex name without trailing dot
	Fingerprint uint32 // FNV-1a of the lowercased wire-form apex name
	Serial      uint32 // SOA serial, 0 if the zone carries no SOA
	SourceMTime time.Time
	Source      string // human-readable source descriptor (e.g. file path)
	DefaultTTL  uint32

	arena     *arena
	nodes     map[string]*node // normalized relative owner name -> node; "" is the apex
	finalized bool
}

// newZone creates a detached, mutable Zone ready to accept records via
// addRecord. Call Finalize before installing it into a Registry.
func newZone(origin string, defaultTTL uint32, source string) (*Zone, error) {
	wire, err := dns.EncodeName(strings.ToLower(origin))
	if err != nil {
		return nil, err
	}
	a := newArena()
	return &Zone{
		OriginWire: a.intern(wire),
		OriginText: strings.ToLower(strings.TrimSuffix(origin, ".")),
		Source:     source,
		DefaultTTL: defaultTTL,
		arena:      a,
		nodes:      make(map[string]*node),
	}, nil
}

// containsRelative reports whether qname falls under this zone's origin
// and, if so, returns its owner name relative to the origin ("" for the
// apex itself).
func (z *Zone) containsRelative(qname string) (string, bool) {
	q := strings.ToLower(strings.TrimSuffix(qname, "."))
	if q == z.OriginText {
		return "", true
	}
	if strings.HasSuffix(q, "."+z.OriginText) {
		return strings.TrimSuffix(q, "."+z.OriginText), true
	}
	return "", false
}

// addRecord inserts a record under owner name (absolute, dot-terminated
// or not). The zone must not yet be finalized.
func (z *Zone) addRecord(owner string, typ, class uint16, ttl uint32, rdata any) error {
	if z.finalized {
		return errors.New("zone: cannot add records after Finalize")
	}
	rel, ok := z.containsRelative(owner)
	if !ok {
		return errors.New("zone: owner name outside zone origin: " + owner)
	}
	n := z.nodes[rel]
	if n == nil {
		wire, err := dns.EncodeName(owner)
		if err != nil {
			return err
		}
		n = &node{nameWire: z.arena.intern(wire), records: make(map[recKey][]Record)}
		z.nodes[rel] = n
	}
	rec := Record{Name: owner, Type: typ, Class: class, TTL: ttl, RData: rdata}
	key := recKey{typ: typ, class: class}
	n.records[key] = append(n.records[key], rec)
	if dns.RecordType(typ) == dns.TypeSOA {
		stored := rec
		n.soa = &stored
	}
	return nil
}

// Finalize locks the zone against further mutation and computes its
// fingerprint and serial. Must be called before a Zone is installed into
// a Registry. Safe to call more than once; subsequent calls are no-ops.
func (z *Zone) Finalize() {
	if z.finalized {
		return
	}
	z.Fingerprint = Fingerprint(z.OriginWire)

	if apex := z.nodes[""]; apex != nil && apex.soa != nil {
		if wire, ok := apex.soa.RData.([]byte); ok {
			z.Serial = soaSerial(wire)
		}
	}
	z.finalized = true
}

// Fingerprint computes the 32-bit fingerprint used to bucket a zone (or a
// query-name suffix) by owner name: FNV-1a over the wire-encoded,
// label-boundary-terminated name bytes. Exported so the registry can
// compute the same hash over a candidate query-name suffix without
// duplicating the algorithm.
func Fingerprint(wire []byte) uint32 {
	h := fnv.New32a()
	h.Write(wire)
	return h.Sum32()
}

// soaSerial extracts the SERIAL field from wire-format SOA rdata, which
// begins with two wire-encoded names (MNAME, RNAME) followed by a fixed
// 20-byte block whose first 4 bytes are the serial.
func soaSerial(wire []byte) uint32 {
	off := 0
	for i := 0; i < 2; i++ {
		next, ok := skipWireName(wire, off)
		if !ok {
			return 0
		}
		off = next
	}
	if len(wire) < off+4 {
		return 0
	}
	return binary.BigEndian.Uint32(wire[off : off+4])
}

func skipWireName(wire []byte, off int) (int, bool) {
	for off < len(wire) {
		l := int(wire[off])
		if l == 0 {
			return off + 1, true
		}
		off += 1 + l
	}
	return 0, false
}

// ContainsName reports whether qname falls under this zone's origin.
func (z *Zone) ContainsName(qname string) bool {
	_, ok := z.containsRelative(qname)
	return ok
}

// NameExists reports whether any record of the given class exists at
// qname within this zone.
func (z *Zone) NameExists(qname string, qclass uint16) bool {
	rel, ok := z.containsRelative(qname)
	if !ok {
		return false
	}
	n := z.nodes[rel]
	if n == nil {
		return false
	}
	for k := range n.records {
		if k.class == qclass {
			return true
		}
	}
	return false
}

// Lookup returns the records of type/class owned by qname within this
// zone, or nil if qname is not contained in the zone or carries no
// matching records.
func (z *Zone) Lookup(qname string, qtype, qclass uint16) []Record {
	rel, ok := z.containsRelative(qname)
	if !ok {
		return nil
	}
	n := z.nodes[rel]
	if n == nil {
		return nil
	}
	return n.records[recKey{typ: qtype, class: qclass}]
}

// AllRecords returns every record in the zone, in no particular order.
// Intended for diagnostics and tooling (e.g. dumping a loaded zone), not
// for the query path.
func (z *Zone) AllRecords() []Record {
	out := make([]Record, 0)
	for _, n := range z.nodes {
		for _, recs := range n.records {
			out = append(out, recs...)
		}
	}
	return out
}

// SOA returns the zone's apex SOA record for qclass, or nil if absent.
func (z *Zone) SOA(qclass uint16) *Record {
	n := z.nodes[""]
	if n == nil || n.soa == nil || n.soa.Class != qclass {
		return nil
	}
	return n.soa
}
