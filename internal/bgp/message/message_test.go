package message

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenRoundTrip(t *testing.T) {
	o := Open{
		Version:       4,
		MyAS:          65001,
		HoldTime:      90,
		BGPIdentifier: net.ParseIP("10.0.0.1"),
		Params:        []OptionalParam{{Type: 2, Value: []byte{1, 4, 0, 1, 0, 1}}},
	}
	body := EncodeOpen(o)
	header := EncodeHeader(TypeOpen, len(body))

	typ, length, err := DecodeHeader(header)
	require.NoError(t, err)
	assert.Equal(t, TypeOpen, typ)
	assert.Equal(t, headerLen+len(body), length)

	decoded, err := DecodeOpen(body)
	require.NoError(t, err)
	assert.Equal(t, o.Version, decoded.Version)
	assert.Equal(t, o.MyAS, decoded.MyAS)
	assert.Equal(t, o.HoldTime, decoded.HoldTime)
	assert.True(t, o.BGPIdentifier.Equal(decoded.BGPIdentifier))
	require.Len(t, decoded.Params, 1)
	assert.Equal(t, o.Params[0].Value, decoded.Params[0].Value)
}

func TestUpdateRoundTripIPv4NLRI(t *testing.T) {
	u := Update{
		PathAttrs: []PathAttr{
			{Flags: flagTransitive, Type: AttrOrigin, Value: EncodeOriginAttr(OriginIGP)[3:]},
		},
		NLRI: []Prefix{{Length: 24, Bytes: []byte{10, 0, 1}}},
	}
	body := EncodeUpdate(u)
	decoded, err := DecodeUpdate(body)
	require.NoError(t, err)
	require.Len(t, decoded.NLRI, 1)
	assert.Equal(t, uint8(24), decoded.NLRI[0].Length)
	assert.Equal(t, []byte{10, 0, 1}, decoded.NLRI[0].Bytes)
}

func TestMPReachNLRIv6RoundTrip(t *testing.T) {
	_, ipnet, err := net.ParseCIDR("2001:db8::/32")
	require.NoError(t, err)
	prefix := PrefixFromIPNet(ipnet)

	attrBytes := EncodeMPReachNLRIv6(net.ParseIP("2001:db8::1"), []Prefix{prefix})

	u := Update{PathAttrs: []PathAttr{{Flags: attrBytes[0], Type: PathAttrType(attrBytes[1]), Value: attrBytes[3:]}}}
	body := EncodeUpdate(u)
	decoded, err := DecodeUpdate(body)
	require.NoError(t, err)
	require.Len(t, decoded.PathAttrs, 1)
	assert.Equal(t, AttrMPReachNLRI, decoded.PathAttrs[0].Type)

	value := decoded.PathAttrs[0].Value
	afi := uint16(value[0])<<8 | uint16(value[1])
	assert.Equal(t, uint16(AFIIPv6), afi)
	assert.Equal(t, uint8(SAFIUnicast), value[2])
}

func TestNotificationRoundTrip(t *testing.T) {
	n := Notification{Code: NotifyHoldTimerExpired, SubCode: 0, Data: nil}
	body := EncodeNotification(n)
	decoded, err := DecodeNotification(body)
	require.NoError(t, err)
	assert.Equal(t, n.Code, decoded.Code)
}

func attrFromEncoded(encoded []byte) PathAttr {
	flags := encoded[0]
	typ := PathAttrType(encoded[1])
	if flags&flagExtLen != 0 {
		return PathAttr{Flags: flags, Type: typ, Value: encoded[4:]}
	}
	return PathAttr{Flags: flags, Type: typ, Value: encoded[3:]}
}

func validIPv4Update(t *testing.T) Update {
	t.Helper()
	return Update{
		PathAttrs: []PathAttr{
			attrFromEncoded(EncodeOriginAttr(OriginIGP)),
			attrFromEncoded(EncodeASPathAttr([]ASPathSegment{{AS: []uint16{65001}}})),
			attrFromEncoded(EncodeNextHopAttr(net.ParseIP("10.0.0.1"))),
		},
		NLRI: []Prefix{{Length: 24, Bytes: []byte{10, 0, 1}}},
	}
}

func TestValidateAcceptsWellFormedUpdate(t *testing.T) {
	assert.NoError(t, Validate(validIPv4Update(t)))
}

func TestValidateRejectsMissingWellKnown(t *testing.T) {
	u := validIPv4Update(t)
	u.PathAttrs = u.PathAttrs[1:] // drop ORIGIN
	err := Validate(u)
	require.Error(t, err)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, SubMissingWellKnown, ve.SubCode)
}

func TestValidateRejectsInvalidNextHop(t *testing.T) {
	u := validIPv4Update(t)
	for i, a := range u.PathAttrs {
		if a.Type == AttrNextHop {
			u.PathAttrs[i] = attrFromEncoded(EncodeNextHopAttr(net.ParseIP("0.0.0.0")))
		}
	}
	err := Validate(u)
	require.Error(t, err)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, SubInvalidNextHop, ve.SubCode)
}

func TestValidateRejectsTrailingPrefixBits(t *testing.T) {
	u := validIPv4Update(t)
	u.NLRI = []Prefix{{Length: 20, Bytes: []byte{10, 0, 1}}} // low 4 bits of last octet must be zero
	err := Validate(u)
	require.Error(t, err)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, SubInvalidNetworkField, ve.SubCode)
}

func TestValidateSkipsMandatoryCheckWhenNoDirectNLRI(t *testing.T) {
	u := Update{PathAttrs: []PathAttr{attrFromEncoded(EncodeMPReachNLRIv6(net.ParseIP("fe80::1"), nil))}}
	assert.NoError(t, Validate(u))
}

func TestMPUnreachNLRIv6RoundTrip(t *testing.T) {
	_, ipnet, err := net.ParseCIDR("2001:db8::/32")
	require.NoError(t, err)
	prefix := PrefixFromIPNet(ipnet)

	attr := attrFromEncoded(EncodeMPUnreachNLRIv6([]Prefix{prefix}))
	decoded, err := DecodeMPUnreachNLRI(attr.Value)
	require.NoError(t, err)
	assert.Equal(t, uint16(AFIIPv6), decoded.AFI)
	require.Len(t, decoded.Prefixes, 1)
	assert.Equal(t, uint8(32), decoded.Prefixes[0].Length)
}

func TestDecodeMPReachNLRI(t *testing.T) {
	_, ipnet, err := net.ParseCIDR("2001:db8::/32")
	require.NoError(t, err)
	prefix := PrefixFromIPNet(ipnet)

	attr := attrFromEncoded(EncodeMPReachNLRIv6(net.ParseIP("fe80::1"), []Prefix{prefix}))
	decoded, err := DecodeMPReachNLRI(attr.Value)
	require.NoError(t, err)
	assert.Equal(t, uint16(AFIIPv6), decoded.AFI)
	assert.True(t, decoded.NextHop.Equal(net.ParseIP("fe80::1")))
	require.Len(t, decoded.Prefixes, 1)
}

func TestCommunityAndAggregatorRoundTrip(t *testing.T) {
	commAttr := attrFromEncoded(EncodeCommunityAttr([]uint32{0xFFFF0001}))
	assert.Equal(t, AttrCommunity, commAttr.Type)
	assert.Len(t, commAttr.Value, 4)

	aggAttr := attrFromEncoded(EncodeAggregatorAttr(65001, net.ParseIP("10.0.0.1")))
	assert.Equal(t, AttrAggregator, aggAttr.Type)
	assert.Len(t, aggAttr.Value, 6)

	atomicAttr := attrFromEncoded(EncodeAtomicAggregateAttr())
	assert.Equal(t, AttrAtomicAggregate, atomicAttr.Type)
	assert.Empty(t, atomicAttr.Value)
}
