// Package message implements the BGP-4 wire format: header framing and the
// four message types (OPEN, UPDATE, NOTIFICATION, KEEPALIVE) per RFC 4271,
// plus the RFC 4760 multiprotocol attributes needed to announce IPv6
// prefixes. There is no corpus BGP codec to adopt, so this is authored
// directly from the RFCs; its package shape (header/body split, a Clock
// seam for the FSM) follows the structuring this system's authors observed
// in BGP-adjacent reference implementations.
package message

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

// Type is a BGP message type code (RFC 4271 §4.1).
type Type uint8

const (
	TypeOpen         Type = 1
	TypeUpdate       Type = 2
	TypeNotification Type = 3
	TypeKeepalive    Type = 4
)

// MarkerLen is the fixed 16-byte all-ones marker preceding every message.
const MarkerLen = 16

const headerLen = MarkerLen + 2 /* length */ + 1 /* type */

// MaxMessageLen is RFC 4271's maximum BGP message size.
const MaxMessageLen = 4096

var marker = func() [MarkerLen]byte {
	var m [MarkerLen]byte
	for i := range m {
		m[i] = 0xff
	}
	return m
}()

// EncodeHeader writes the 19-byte BGP header for a body of the given type
// and length.
func EncodeHeader(t Type, bodyLen int) []byte {
	buf := make([]byte, headerLen)
	copy(buf[0:MarkerLen], marker[:])
	binary.BigEndian.PutUint16(buf[MarkerLen:MarkerLen+2], uint16(headerLen+bodyLen))
	buf[MarkerLen+2] = byte(t)
	return buf
}

// DecodeHeader parses a 19-byte BGP header, returning the message type and
// total message length (header + body).
func DecodeHeader(buf []byte) (Type, int, error) {
	if len(buf) < headerLen {
		return 0, 0, errors.New("bgp: header too short")
	}
	for _, b := range buf[0:MarkerLen] {
		if b != 0xff {
			return 0, 0, errors.New("bgp: invalid marker")
		}
	}
	length := int(binary.BigEndian.Uint16(buf[MarkerLen : MarkerLen+2]))
	if length < headerLen || length > MaxMessageLen {
		return 0, 0, fmt.Errorf("bgp: invalid message length %d", length)
	}
	return Type(buf[MarkerLen+2]), length, nil
}

// OptionalParam is a raw OPEN message optional parameter (type/length/value).
type OptionalParam struct {
	Type  uint8
	Value []byte
}

// Open is a parsed OPEN message (RFC 4271 §4.2).
type Open struct {
	Version       uint8
	MyAS          uint16 // 2-byte AS; 4-byte AS extension is out of scope
	HoldTime      uint16
	BGPIdentifier net.IP // always 4 bytes (IPv4-formatted, even for IPv6 sessions)
	Params        []OptionalParam
}

// EncodeOpen serializes an OPEN message body (without the 19-byte header).
func EncodeOpen(o Open) []byte {
	var paramBytes []byte
	for _, p := range o.Params {
		paramBytes = append(paramBytes, p.Type, uint8(len(p.Value)))
		paramBytes = append(paramBytes, p.Value...)
	}

	buf := make([]byte, 10+len(paramBytes))
	buf[0] = o.Version
	binary.BigEndian.PutUint16(buf[1:3], o.MyAS)
	binary.BigEndian.PutUint16(buf[3:5], o.HoldTime)
	copy(buf[5:9], o.BGPIdentifier.To4())
	buf[9] = uint8(len(paramBytes))
	copy(buf[10:], paramBytes)
	return buf
}

// DecodeOpen parses an OPEN message body.
func DecodeOpen(buf []byte) (Open, error) {
	if len(buf) < 10 {
		return Open{}, errors.New("bgp: OPEN body too short")
	}
	o := Open{
		Version:       buf[0],
		MyAS:          binary.BigEndian.Uint16(buf[1:3]),
		HoldTime:      binary.BigEndian.Uint16(buf[3:5]),
		BGPIdentifier: net.IP(append([]byte{}, buf[5:9]...)),
	}
	optLen := int(buf[9])
	rest := buf[10:]
	if len(rest) < optLen {
		return Open{}, errors.New("bgp: OPEN optional parameters truncated")
	}
	rest = rest[:optLen]
	for len(rest) > 0 {
		if len(rest) < 2 {
			return Open{}, errors.New("bgp: malformed OPEN parameter")
		}
		pt, pl := rest[0], int(rest[1])
		if len(rest) < 2+pl {
			return Open{}, errors.New("bgp: OPEN parameter value truncated")
		}
		o.Params = append(o.Params, OptionalParam{Type: pt, Value: append([]byte{}, rest[2:2+pl]...)})
		rest = rest[2+pl:]
	}
	return o, nil
}

// PathAttrType is a BGP path attribute type code (RFC 4271 §5, RFC 4760 §3).
type PathAttrType uint8

const (
	AttrOrigin          PathAttrType = 1
	AttrASPath          PathAttrType = 2
	AttrNextHop         PathAttrType = 3
	AttrMultiExitDisc   PathAttrType = 4
	AttrLocalPref       PathAttrType = 5
	AttrAtomicAggregate PathAttrType = 6
	AttrAggregator      PathAttrType = 7
	AttrCommunity       PathAttrType = 8
	AttrMPReachNLRI     PathAttrType = 14
	AttrMPUnreachNLRI   PathAttrType = 15
)

// mandatoryWellKnown are the well-known attributes RFC 4271 §5 requires on
// any UPDATE carrying IPv4/unicast NLRI.
var mandatoryWellKnown = []PathAttrType{AttrOrigin, AttrASPath, AttrNextHop}

const (
	flagOptional   = 0x80
	flagTransitive = 0x40
	flagExtLen     = 0x10
)

// PathAttr is one decoded/undecoded path attribute.
type PathAttr struct {
	Flags uint8
	Type  PathAttrType
	Value []byte
}

func encodeAttr(flags uint8, t PathAttrType, value []byte) []byte {
	var out []byte
	if len(value) > 255 {
		flags |= flagExtLen
		out = make([]byte, 4+len(value))
		out[0], out[1] = flags, uint8(t)
		binary.BigEndian.PutUint16(out[2:4], uint16(len(value)))
		copy(out[4:], value)
	} else {
		out = make([]byte, 3+len(value))
		out[0], out[1], out[2] = flags, uint8(t), uint8(len(value))
		copy(out[3:], value)
	}
	return out
}

// Origin values for the well-known ORIGIN attribute.
const (
	OriginIGP        = 0
	OriginEGP        = 1
	OriginIncomplete = 2
)

// EncodeOriginAttr builds the mandatory ORIGIN attribute.
func EncodeOriginAttr(origin uint8) []byte {
	return encodeAttr(flagTransitive, AttrOrigin, []byte{origin})
}

// ASPathSegment is one AS_PATH segment (a sequence or a set).
type ASPathSegment struct {
	Set bool // true = AS_SET, false = AS_SEQUENCE
	AS  []uint16
}

// EncodeASPathAttr builds the mandatory AS_PATH attribute.
func EncodeASPathAttr(segments []ASPathSegment) []byte {
	var value []byte
	for _, seg := range segments {
		typ := uint8(2) // AS_SEQUENCE
		if seg.Set {
			typ = 1 // AS_SET
		}
		value = append(value, typ, uint8(len(seg.AS)))
		for _, as := range seg.AS {
			b := make([]byte, 2)
			binary.BigEndian.PutUint16(b, as)
			value = append(value, b...)
		}
	}
	return encodeAttr(flagTransitive, AttrASPath, value)
}

// EncodeNextHopAttr builds the mandatory NEXT_HOP attribute for an IPv4
// session (RFC 4271 §5.1.3); IPv6 sessions carry next-hop inside
// MP_REACH_NLRI instead (RFC 4760 §3).
func EncodeNextHopAttr(nextHop net.IP) []byte {
	return encodeAttr(flagTransitive, AttrNextHop, nextHop.To4())
}

// EncodeMEDAttr builds the optional, non-transitive MULTI_EXIT_DISC attribute.
func EncodeMEDAttr(med uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, med)
	return encodeAttr(flagOptional, AttrMultiExitDisc, b)
}

// EncodeLocalPrefAttr builds the well-known discretionary LOCAL_PREF
// attribute. Only valid between peers in the same AS; this speaker never
// sends it across the eBGP sessions it forms with upstream routers, and
// nothing in this codebase calls it; it is left available for iBGP use.
func EncodeLocalPrefAttr(pref uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, pref)
	return encodeAttr(flagTransitive, AttrLocalPref, b)
}

// EncodeAtomicAggregateAttr builds the well-known discretionary
// ATOMIC_AGGREGATE attribute, which carries no value.
func EncodeAtomicAggregateAttr() []byte {
	return encodeAttr(flagTransitive, AttrAtomicAggregate, nil)
}

// EncodeAggregatorAttr builds the optional transitive AGGREGATOR attribute:
// the AS and BGP identifier of the speaker that formed the aggregate route.
func EncodeAggregatorAttr(as uint16, speaker net.IP) []byte {
	b := make([]byte, 6)
	binary.BigEndian.PutUint16(b[0:2], as)
	copy(b[2:6], speaker.To4())
	return encodeAttr(flagOptional|flagTransitive, AttrAggregator, b)
}

// EncodeCommunityAttr builds the optional transitive COMMUNITY attribute
// (RFC 1997), one 4-octet value per community.
func EncodeCommunityAttr(communities []uint32) []byte {
	value := make([]byte, 4*len(communities))
	for i, c := range communities {
		binary.BigEndian.PutUint32(value[4*i:4*i+4], c)
	}
	return encodeAttr(flagOptional|flagTransitive, AttrCommunity, value)
}

// AFI/SAFI values used by MP_REACH_NLRI for IPv6 unicast (RFC 4760 §5).
const (
	AFIIPv6     = 2
	SAFIUnicast = 1
)

// EncodeMPReachNLRIv6 builds the MP_REACH_NLRI attribute announcing one or
// more IPv6 prefixes with the given next hop, per RFC 4760 §3.
func EncodeMPReachNLRIv6(nextHop net.IP, prefixes []Prefix) []byte {
	var value []byte
	value = append(value, 0, AFIIPv6)
	value = append(value, SAFIUnicast)

	nh := nextHop.To16()
	value = append(value, uint8(len(nh)))
	value = append(value, nh...)
	value = append(value, 0) // reserved (SNPA count)

	for _, p := range prefixes {
		value = append(value, encodePrefix(p)...)
	}
	return encodeAttr(flagOptional, AttrMPReachNLRI, value)
}

// EncodeMPUnreachNLRIv6 builds the MP_UNREACH_NLRI attribute withdrawing one
// or more IPv6 prefixes, per RFC 4760 §3. Unlike MP_REACH_NLRI it carries no
// next hop.
func EncodeMPUnreachNLRIv6(prefixes []Prefix) []byte {
	var value []byte
	value = append(value, 0, AFIIPv6)
	value = append(value, SAFIUnicast)
	for _, p := range prefixes {
		value = append(value, encodePrefix(p)...)
	}
	return encodeAttr(flagOptional, AttrMPUnreachNLRI, value)
}

// MPReachNLRI is a decoded MP_REACH_NLRI attribute value (RFC 4760 §3).
type MPReachNLRI struct {
	AFI      uint16
	SAFI     uint8
	NextHop  net.IP
	Prefixes []Prefix
}

// DecodeMPReachNLRI parses an MP_REACH_NLRI attribute value.
func DecodeMPReachNLRI(value []byte) (MPReachNLRI, error) {
	if len(value) < 5 {
		return MPReachNLRI{}, errors.New("bgp: MP_REACH_NLRI too short")
	}
	afi := binary.BigEndian.Uint16(value[0:2])
	safi := value[2]
	nhLen := int(value[3])
	rest := value[4:]
	if len(rest) < nhLen+1 {
		return MPReachNLRI{}, errors.New("bgp: MP_REACH_NLRI next hop truncated")
	}
	nh := net.IP(append([]byte{}, rest[:nhLen]...))
	rest = rest[nhLen+1:] // skip SNPA count octet
	prefixes, err := decodePrefixes(rest, false)
	if err != nil {
		return MPReachNLRI{}, err
	}
	return MPReachNLRI{AFI: afi, SAFI: safi, NextHop: nh, Prefixes: prefixes}, nil
}

// MPUnreachNLRI is a decoded MP_UNREACH_NLRI attribute value.
type MPUnreachNLRI struct {
	AFI      uint16
	SAFI     uint8
	Prefixes []Prefix
}

// DecodeMPUnreachNLRI parses an MP_UNREACH_NLRI attribute value.
func DecodeMPUnreachNLRI(value []byte) (MPUnreachNLRI, error) {
	if len(value) < 3 {
		return MPUnreachNLRI{}, errors.New("bgp: MP_UNREACH_NLRI too short")
	}
	afi := binary.BigEndian.Uint16(value[0:2])
	safi := value[2]
	prefixes, err := decodePrefixes(value[3:], false)
	if err != nil {
		return MPUnreachNLRI{}, err
	}
	return MPUnreachNLRI{AFI: afi, SAFI: safi, Prefixes: prefixes}, nil
}

// Prefix is an NLRI prefix: a length in bits and the minimal prefix bytes.
type Prefix struct {
	Length uint8
	Bytes  []byte // ceil(Length/8) bytes, network byte order
}

// PrefixFromIPNet derives a wire Prefix from a net.IPNet.
func PrefixFromIPNet(n *net.IPNet) Prefix {
	ones, _ := n.Mask.Size()
	nbytes := (ones + 7) / 8
	var ip []byte
	if ip4 := n.IP.To4(); ip4 != nil && len(n.Mask) == 4 {
		ip = ip4
	} else {
		ip = n.IP.To16()
	}
	return Prefix{Length: uint8(ones), Bytes: append([]byte{}, ip[:nbytes]...)}
}

func encodePrefix(p Prefix) []byte {
	return append([]byte{p.Length}, p.Bytes...)
}

func decodePrefixes(buf []byte, v4 bool) ([]Prefix, error) {
	var out []Prefix
	for len(buf) > 0 {
		length := int(buf[0])
		nbytes := (length + 7) / 8
		if len(buf) < 1+nbytes {
			return nil, errors.New("bgp: truncated NLRI prefix")
		}
		out = append(out, Prefix{Length: uint8(length), Bytes: append([]byte{}, buf[1:1+nbytes]...)})
		buf = buf[1+nbytes:]
	}
	return out, nil
}

// Update is a parsed UPDATE message (RFC 4271 §4.3).
type Update struct {
	WithdrawnRoutes []Prefix
	PathAttrs       []PathAttr
	NLRI            []Prefix // IPv4 NLRI carried directly (no MP extension)
}

// EncodeUpdate serializes an UPDATE message body. Callers that want IPv6
// NLRI should put the MP_REACH_NLRI attribute in PathAttrs and leave NLRI
// empty, per RFC 4760 §3's "SHOULD NOT carry any other NLRI" guidance.
func EncodeUpdate(u Update) []byte {
	var withdrawn []byte
	for _, p := range u.WithdrawnRoutes {
		withdrawn = append(withdrawn, encodePrefix(p)...)
	}

	var attrs []byte
	for _, a := range u.PathAttrs {
		attrs = append(attrs, encodeAttr(a.Flags, a.Type, a.Value)...)
	}

	var nlri []byte
	for _, p := range u.NLRI {
		nlri = append(nlri, encodePrefix(p)...)
	}

	buf := make([]byte, 0, 4+len(withdrawn)+len(attrs)+len(nlri))
	wl := make([]byte, 2)
	binary.BigEndian.PutUint16(wl, uint16(len(withdrawn)))
	buf = append(buf, wl...)
	buf = append(buf, withdrawn...)

	al := make([]byte, 2)
	binary.BigEndian.PutUint16(al, uint16(len(attrs)))
	buf = append(buf, al...)
	buf = append(buf, attrs...)

	buf = append(buf, nlri...)
	return buf
}

// DecodeUpdate parses an UPDATE message body.
func DecodeUpdate(buf []byte) (Update, error) {
	if len(buf) < 4 {
		return Update{}, errors.New("bgp: UPDATE body too short")
	}
	wlen := int(binary.BigEndian.Uint16(buf[0:2]))
	buf = buf[2:]
	if len(buf) < wlen {
		return Update{}, errors.New("bgp: withdrawn routes truncated")
	}
	withdrawn, err := decodePrefixes(buf[:wlen], true)
	if err != nil {
		return Update{}, err
	}
	buf = buf[wlen:]

	if len(buf) < 2 {
		return Update{}, errors.New("bgp: UPDATE missing attr length")
	}
	alen := int(binary.BigEndian.Uint16(buf[0:2]))
	buf = buf[2:]
	if len(buf) < alen {
		return Update{}, errors.New("bgp: path attrs truncated")
	}
	attrBuf := buf[:alen]
	buf = buf[alen:]

	var attrs []PathAttr
	for len(attrBuf) > 0 {
		if len(attrBuf) < 3 {
			return Update{}, errors.New("bgp: malformed path attribute")
		}
		flags, typ := attrBuf[0], PathAttrType(attrBuf[1])
		var length int
		var rest []byte
		if flags&flagExtLen != 0 {
			if len(attrBuf) < 4 {
				return Update{}, errors.New("bgp: truncated extended-length attribute")
			}
			length = int(binary.BigEndian.Uint16(attrBuf[2:4]))
			rest = attrBuf[4:]
		} else {
			length = int(attrBuf[2])
			rest = attrBuf[3:]
		}
		if len(rest) < length {
			return Update{}, errors.New("bgp: attribute value truncated")
		}
		attrs = append(attrs, PathAttr{Flags: flags, Type: typ, Value: append([]byte{}, rest[:length]...)})
		attrBuf = rest[length:]
	}

	nlri, err := decodePrefixes(buf, true)
	if err != nil {
		return Update{}, err
	}

	return Update{WithdrawnRoutes: withdrawn, PathAttrs: attrs, NLRI: nlri}, nil
}

// UPDATE message error sub-codes (RFC 4271 §6.3).
const (
	SubMalformedAttrList    uint8 = 1
	SubUnrecognizedWellKnown uint8 = 2
	SubMissingWellKnown     uint8 = 3
	SubAttrFlagsError       uint8 = 4
	SubAttrLengthError      uint8 = 5
	SubInvalidOrigin        uint8 = 6
	SubInvalidNextHop       uint8 = 8
	SubMalformedASPath      uint8 = 11
	SubInvalidNetworkField  uint8 = 10
)

// ValidationError pairs a UPDATE validation failure with the NOTIFICATION
// sub-code and diagnostic data RFC 4271 §6.3 says it maps to, so a caller
// can drive the UpdateMsgErr event directly off it.
type ValidationError struct {
	SubCode uint8
	Data    []byte
	msg     string
}

func (e *ValidationError) Error() string { return e.msg }

func validationErr(sub uint8, data []byte, msg string) *ValidationError {
	return &ValidationError{SubCode: sub, Data: data, msg: msg}
}

// Validate checks an UPDATE against RFC 4271 §6.3's well-formedness rules
// for any UPDATE that carries IPv4/unicast NLRI (directly, not via
// MP_REACH_NLRI): the mandatory well-known attributes must all be present
// exactly once, ORIGIN must be one of the three defined values, and
// NEXT_HOP must be neither 0.0.0.0 nor a broadcast/all-ones address. UPDATEs
// that carry only MP_REACH_NLRI/MP_UNREACH_NLRI (no direct NLRI) are exempt
// from the legacy-NextHop/ASPath mandatory check, per RFC 4760 §3's
// "SHOULD NOT include the NLRI" note about the legacy fields in that case.
func Validate(u Update) error {
	seen := map[PathAttrType]int{}
	var originVal, nextHopVal []byte
	for _, a := range u.PathAttrs {
		seen[a.Type]++
		switch a.Type {
		case AttrOrigin:
			originVal = a.Value
		case AttrNextHop:
			nextHopVal = a.Value
		}
	}
	for t, n := range seen {
		if n > 1 {
			return validationErr(SubMalformedAttrList, []byte{uint8(t)}, fmt.Sprintf("bgp: attribute type %d repeated", t))
		}
	}

	if len(u.NLRI) == 0 {
		return nil
	}

	for _, want := range mandatoryWellKnown {
		if seen[want] == 0 {
			return validationErr(SubMissingWellKnown, []byte{uint8(want)}, fmt.Sprintf("bgp: missing mandatory attribute %d", want))
		}
	}

	if len(originVal) != 1 || originVal[0] > OriginIncomplete {
		return validationErr(SubInvalidOrigin, originVal, "bgp: invalid ORIGIN value")
	}

	if len(nextHopVal) != 4 {
		return validationErr(SubAttrLengthError, nextHopVal, "bgp: invalid NEXT_HOP length")
	}
	nh := net.IP(nextHopVal)
	if nh.IsUnspecified() || bytes.Equal(nextHopVal, []byte{0xff, 0xff, 0xff, 0xff}) {
		return validationErr(SubInvalidNextHop, nextHopVal, "bgp: invalid NEXT_HOP address")
	}

	for _, p := range u.NLRI {
		if p.Length > 32 {
			return validationErr(SubInvalidNetworkField, []byte{p.Length}, "bgp: invalid prefix length")
		}
		nbytes := int(p.Length+7) / 8
		if len(p.Bytes) != nbytes {
			return validationErr(SubInvalidNetworkField, encodePrefix(p), "bgp: prefix byte count mismatch")
		}
		if p.Length%8 != 0 && nbytes > 0 {
			lastByte := p.Bytes[nbytes-1]
			maskedBits := 8 - (int(p.Length) % 8)
			if lastByte&((1<<maskedBits)-1) != 0 {
				return validationErr(SubInvalidNetworkField, encodePrefix(p), "bgp: prefix has non-zero trailing bits")
			}
		}
	}

	return nil
}

// NotificationCode/SubCode are RFC 4271 §4.5's error codes.
type NotificationCode uint8

const (
	NotifyMessageHeaderError      NotificationCode = 1
	NotifyOpenMessageError        NotificationCode = 2
	NotifyUpdateMessageError      NotificationCode = 3
	NotifyHoldTimerExpired        NotificationCode = 4
	NotifyFSMError                NotificationCode = 5
	NotifyCease                   NotificationCode = 6
)

// OPEN message suberror codes (RFC 4271 §6.2).
const (
	SubUnsupportedVersion   uint8 = 1
	SubBadPeerAS            uint8 = 2
	SubBadBGPIdentifier     uint8 = 3
	SubUnsupportedOptParam  uint8 = 4
	SubUnacceptableHoldTime uint8 = 6
)

// Notification is a parsed NOTIFICATION message (RFC 4271 §4.5).
type Notification struct {
	Code    NotificationCode
	SubCode uint8
	Data    []byte
}

// EncodeNotification serializes a NOTIFICATION message body.
func EncodeNotification(n Notification) []byte {
	buf := make([]byte, 2+len(n.Data))
	buf[0] = uint8(n.Code)
	buf[1] = n.SubCode
	copy(buf[2:], n.Data)
	return buf
}

// DecodeNotification parses a NOTIFICATION message body.
func DecodeNotification(buf []byte) (Notification, error) {
	if len(buf) < 2 {
		return Notification{}, errors.New("bgp: NOTIFICATION body too short")
	}
	return Notification{Code: NotificationCode(buf[0]), SubCode: buf[1], Data: append([]byte{}, buf[2:]...)}, nil
}
