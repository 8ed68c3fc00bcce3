// Package dnsproc implements the concrete query-processing function behind
// the UDP and TCP I/O workers: parse a request, answer it authoritatively
// from the zone registry, and marshal the response. It has no notion of
// transport, batching, or reclamation — callers bracket a call to Process
// with their own qsr.Reader online/offline pair before dereferencing
// anything the registry hands back.
package dnsproc

import (
	"context"
	"log/slog"
	"net"
	"strings"

	"github.com/netgrove/authdnsd/internal/dns"
	"github.com/netgrove/authdnsd/internal/registry"
	"github.com/netgrove/authdnsd/internal/zone"
)

// Outcome classifies how a query was answered, for caller-side stats and
// logging without dnsproc needing to know about any particular stats type.
type Outcome int

const (
	OutcomeNoError Outcome = iota
	OutcomeNXDomain
	OutcomeFormErr
	OutcomeServFail
	OutcomeRefused
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNoError:
		return "noerror"
	case OutcomeNXDomain:
		return "nxdomain"
	case OutcomeFormErr:
		return "formerr"
	case OutcomeServFail:
		return "servfail"
	case OutcomeRefused:
		return "refused"
	default:
		return "unknown"
	}
}

// Processor answers DNS queries from a Registry. It holds no per-query
// state and is safe for concurrent use by any number of I/O workers.
type Processor struct {
	Registry *registry.Registry
	Logger   *slog.Logger
}

// New creates a Processor backed by reg.
func New(reg *registry.Registry, logger *slog.Logger) *Processor {
	return &Processor{Registry: reg, Logger: logger}
}

// Process parses reqBytes, answers it authoritatively, and returns the
// marshaled response along with the outcome classification. The caller
// must already have the calling worker's qsr.Reader online for the
// duration of this call, since the returned *zone.Zone reachable via
// Registry.Find may be retired by a concurrent reload the instant the
// reader goes offline.
//
// A request that fails to parse at all but still yields a usable header
// produces a FORMERR reply (RFC 1035 §4.1.1). A request whose name falls
// outside every installed zone is REFUSED, matching an authoritative
// server with no configured knowledge of that name.
func (p *Processor) Process(ctx context.Context, clientAddr string, reqBytes []byte) ([]byte, Outcome) {
	parsed, err := dns.ParseRequestBounded(reqBytes)
	if err != nil {
		resp := tryBuildErrorFromRaw(reqBytes, uint16(dns.RCodeFormErr))
		return resp, OutcomeFormErr
	}

	q := parsed.Questions[0]
	z, _, ok := p.Registry.Find(q.Name)
	if !ok {
		resp := mustMarshal(dns.BuildErrorResponse(parsed, uint16(dns.RCodeRefused)))
		p.logQuery(ctx, clientAddr, q, OutcomeRefused)
		return resp, OutcomeRefused
	}

	respBytes, outcome := p.buildResponse(parsed, q, z)
	p.logQuery(ctx, clientAddr, q, outcome)
	return respBytes, outcome
}

// buildResponse constructs an authoritative answer from a matched zone,
// following the teacher's CNAME-chasing and negative-response shape.
func (p *Processor) buildResponse(req dns.Packet, q dns.Question, match *zone.Zone) ([]byte, Outcome) {
	answers := lookupRecords(match, q.Name, q.Type, q.Class)
	additionals := make([]dns.Record, 0)

	if len(answers) == 0 && isAddressQuery(q.Type) {
		answers, additionals = chaseCNAME(match, q)
	}

	outcome := OutcomeNoError
	hasAnswer := len(answers) > 0
	if !hasAnswer && !match.NameExists(q.Name, q.Class) {
		outcome = OutcomeNXDomain
	}

	flags := buildResponseFlags(req.Header.Flags, hasAnswer, outcome)
	authorities := buildAuthoritySection(match, q, !hasAnswer)

	resp := dns.Packet{
		Header:      dns.Header{ID: req.Header.ID, Flags: flags},
		Questions:   []dns.Question{q},
		Answers:     answers,
		Authorities: authorities,
		Additionals: additionals,
	}

	b, err := resp.Marshal()
	if err != nil {
		errResp := mustMarshal(dns.BuildErrorResponse(req, uint16(dns.RCodeServFail)))
		return errResp, OutcomeServFail
	}
	return b, outcome
}

// lookupRecords retrieves matching records from the zone, converted to
// wire-ready dns.Record values.
func lookupRecords(match *zone.Zone, qname string, qtype, qclass uint16) []dns.Record {
	answers := make([]dns.Record, 0)
	for _, rr := range match.Lookup(qname, qtype, qclass) {
		answers = append(answers, zoneRecordToDNSRecord(rr))
	}
	return answers
}

func isAddressQuery(qtype uint16) bool {
	return qtype == uint16(dns.TypeA) || qtype == uint16(dns.TypeAAAA)
}

// chaseCNAME follows a CNAME when no direct answer exists, returning the
// CNAME itself followed by the target's records of the queried type (if
// any) in the answer section.
func chaseCNAME(match *zone.Zone, q dns.Question) (answers, additionals []dns.Record) {
	cnames := match.Lookup(q.Name, uint16(dns.TypeCNAME), q.Class)
	if len(cnames) == 0 {
		return nil, nil
	}

	rr := cnames[0]
	target, _ := rr.RData.(string)
	answers = append(answers, dns.Record{
		Name:  rr.Name,
		Type:  rr.Type,
		Class: rr.Class,
		TTL:   rr.TTL,
		Data:  target,
	})

	for _, a := range match.Lookup(target, q.Type, q.Class) {
		answers = append(answers, zoneRecordToDNSRecord(a))
	}
	return answers, additionals
}

// buildResponseFlags constructs the header flags for an authoritative
// response: QR and AA always set, RD preserved, RCODE NOERROR/NXDOMAIN.
func buildResponseFlags(reqFlags uint16, hasAnswer bool, outcome Outcome) uint16 {
	flags := reqFlags
	flags |= dns.QRFlag | dns.AAFlag
	flags |= reqFlags & dns.RDFlag

	if !hasAnswer {
		rcode := uint16(dns.RCodeNoError)
		if outcome == OutcomeNXDomain {
			rcode = uint16(dns.RCodeNXDomain)
		}
		flags = (flags &^ dns.RCodeMask) | (rcode & dns.RCodeMask)
	}
	return flags
}

// buildAuthoritySection returns the zone's SOA for negative responses
// (NODATA or NXDOMAIN), per RFC 2308.
func buildAuthoritySection(match *zone.Zone, q dns.Question, isNegative bool) []dns.Record {
	if !isNegative {
		return nil
	}
	authorities := make([]dns.Record, 0)
	if soa := match.SOA(q.Class); soa != nil {
		b, _ := soa.RData.([]byte)
		authorities = append(authorities, dns.Record{
			Name: soa.Name, Type: soa.Type, Class: soa.Class, TTL: soa.TTL, Data: b,
		})
	}
	return authorities
}

// zoneRecordToDNSRecord converts a zone.Record (as stored by the parser,
// textual addresses and structured MX/SOA data) into a dns.Record ready
// for wire marshaling.
func zoneRecordToDNSRecord(rr zone.Record) dns.Record {
	switch dns.RecordType(rr.Type) {
	case dns.TypeA:
		return convertAddressRecord(rr, 4)
	case dns.TypeAAAA:
		return convertAddressRecord(rr, 16)
	case dns.TypeMX:
		mx, _ := rr.RData.(zone.MX)
		return dns.Record{
			Name: rr.Name, Type: rr.Type, Class: rr.Class, TTL: rr.TTL,
			Data: dns.MXData{Preference: mx.Preference, Exchange: mx.Exchange},
		}
	case dns.TypeSOA:
		b, _ := rr.RData.([]byte)
		return dns.Record{Name: rr.Name, Type: rr.Type, Class: rr.Class, TTL: rr.TTL, Data: b}
	default:
		return dns.Record{Name: rr.Name, Type: rr.Type, Class: rr.Class, TTL: rr.TTL, Data: rr.RData}
	}
}

// convertAddressRecord parses the textual address a zone.Record carries
// for A/AAAA into its wire-width byte form, defaulting to the zero address
// if parsing somehow fails (the zone parser already validated it).
func convertAddressRecord(rr zone.Record, width int) dns.Record {
	s, _ := rr.RData.(string)
	ip := net.ParseIP(strings.TrimSpace(s))
	var b []byte
	if width == 4 {
		if v4 := ip.To4(); v4 != nil {
			b = []byte(v4)
		}
	} else {
		if v6 := ip.To16(); v6 != nil {
			b = []byte(v6)
		}
	}
	if b == nil {
		b = make([]byte, width)
	}
	return dns.Record{Name: rr.Name, Type: rr.Type, Class: rr.Class, TTL: rr.TTL, Data: b}
}

// logQuery logs a processed query at debug level.
func (p *Processor) logQuery(ctx context.Context, clientAddr string, q dns.Question, outcome Outcome) {
	if p.Logger == nil || !p.Logger.Enabled(ctx, slog.LevelDebug) {
		return
	}
	p.Logger.DebugContext(ctx, "dns query",
		"src", clientAddr, "qname", q.Name, "qtype", q.Type, "outcome", outcome.String())
}

// mustMarshal serializes a DNS packet, returning nil on error.
func mustMarshal(p dns.Packet) []byte {
	b, err := p.Marshal()
	if err != nil {
		return nil
	}
	return b
}

// tryBuildErrorFromRaw attempts to construct a FORMERR response from raw
// bytes when the request failed validation but its header (and possibly
// its question) can still be extracted.
func tryBuildErrorFromRaw(reqBytes []byte, rcode uint16) []byte {
	off := 0
	h, err := dns.ParseHeader(reqBytes, &off)
	if err != nil {
		return nil
	}

	var questions []dns.Question
	if h.QDCount > 0 {
		q, err := dns.ParseQuestion(reqBytes, &off)
		if err == nil {
			questions = []dns.Question{q}
		}
	}

	p := dns.Packet{Header: dns.Header{ID: h.ID, Flags: h.Flags}, Questions: questions}
	b, _ := dns.BuildErrorResponse(p, rcode).Marshal()
	return b
}
