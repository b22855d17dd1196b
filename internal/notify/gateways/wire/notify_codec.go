package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/hexdns/notifyd/internal/notify/common/log"
	"github.com/hexdns/notifyd/internal/notify/domain"
)

const (
	qtypeSOA = 6
	classIN  = 1

	// Flag layout: QR(15) Opcode(11-14) AA(10) ... RCODE(0-3)
	flagQR = 0x8000
	flagAA = 0x0400
)

// notifyCodec implements the NotifyCodec interface for DNS over UDP.
type notifyCodec struct {
	logger log.Logger
}

// NewNotifyCodec creates and returns a new instance of notifyCodec using
// the provided logger.
func NewNotifyCodec(logger log.Logger) *notifyCodec {
	return &notifyCodec{
		logger: logger,
	}
}

// EncodeNotify serializes a NOTIFY query for apex into a binary format
// suitable for sending via UDP.
func (c *notifyCodec) EncodeNotify(apex string, id uint16, soa domain.SOA) ([]byte, error) {
	if apex == "" {
		return nil, errors.New("apex must not be empty")
	}

	var buf bytes.Buffer

	anCount := uint16(0)
	if soa.Serial != 0 {
		anCount = 1
	}

	// Header
	flags := uint16(domain.OpcodeNotify)<<11 | flagAA
	_ = binary.Write(&buf, binary.BigEndian, id)              // ID
	_ = binary.Write(&buf, binary.BigEndian, flags)           // Flags: NOTIFY query, AA=1
	_ = binary.Write(&buf, binary.BigEndian, uint16(1))       // QDCOUNT
	_ = binary.Write(&buf, binary.BigEndian, anCount)         // ANCOUNT
	_ = binary.Write(&buf, binary.BigEndian, uint16(0))       // NSCOUNT
	_ = binary.Write(&buf, binary.BigEndian, uint16(0))       // ARCOUNT

	// Question: apex SOA IN
	qname, err := encodeDomainName(apex)
	if err != nil {
		return nil, err
	}
	buf.Write(qname)
	_ = binary.Write(&buf, binary.BigEndian, uint16(qtypeSOA))
	_ = binary.Write(&buf, binary.BigEndian, uint16(classIN))

	// Answer: the current SOA, so the secondary can skip a refresh query
	// when its serial already matches. Omitted when the serial is zero.
	if anCount == 1 {
		// Name compression: pointer to the QNAME at offset 12.
		buf.Write([]byte{0xC0, 0x0C})
		_ = binary.Write(&buf, binary.BigEndian, uint16(qtypeSOA))
		_ = binary.Write(&buf, binary.BigEndian, uint16(classIN))
		_ = binary.Write(&buf, binary.BigEndian, uint32(0)) // TTL

		rdata, err := encodeSOAData(soa)
		if err != nil {
			return nil, err
		}
		if len(rdata) > 65535 {
			return nil, fmt.Errorf("SOA rdata too large: %d bytes", len(rdata))
		}
		_ = binary.Write(&buf, binary.BigEndian, uint16(len(rdata)))
		buf.Write(rdata)
	}

	c.logger.Debug(map[string]any{
		"apex":   apex,
		"id":     id,
		"serial": soa.Serial,
		"size":   buf.Len(),
	}, "Encoded NOTIFY query")

	return buf.Bytes(), nil
}

// DecodeReplyHeader parses the 12-byte DNS header of a notify reply.
func (c *notifyCodec) DecodeReplyHeader(data []byte) (domain.ReplyHeader, error) {
	if len(data) < 12 {
		return domain.ReplyHeader{}, errors.New("reply too short")
	}
	id := binary.BigEndian.Uint16(data[0:2])
	flags := binary.BigEndian.Uint16(data[2:4])

	return domain.ReplyHeader{
		ID:         id,
		Opcode:     uint8((flags >> 11) & 0x0F),
		IsResponse: flags&flagQR != 0,
		RCode:      domain.RCode(flags & 0x000F),
	}, nil
}

// encodeDomainName encodes a domain name into DNS wire format without compression.
func encodeDomainName(name string) ([]byte, error) {
	var buf bytes.Buffer
	name = strings.TrimSuffix(name, ".")
	if name == "" {
		buf.WriteByte(0)
		return buf.Bytes(), nil
	}
	labels := strings.Split(name, ".")
	for _, label := range labels {
		if len(label) == 0 {
			return nil, fmt.Errorf("empty label in name: %s", name)
		}
		if len(label) > 63 {
			return nil, fmt.Errorf("label too long: %s", label)
		}
		buf.WriteByte(byte(len(label)))
		buf.WriteString(label)
	}
	buf.WriteByte(0)
	return buf.Bytes(), nil
}

// encodeSOAData encodes an SOA record into its binary RDATA representation.
func encodeSOAData(soa domain.SOA) ([]byte, error) {
	mname, err := encodeDomainName(soa.MName)
	if err != nil {
		return nil, fmt.Errorf("invalid SOA mname: %v", err)
	}
	rname, err := encodeDomainName(soa.RName)
	if err != nil {
		return nil, fmt.Errorf("invalid SOA rname: %v", err)
	}

	u32 := make([]byte, 20)
	binary.BigEndian.PutUint32(u32[0:], soa.Serial)
	binary.BigEndian.PutUint32(u32[4:], soa.Refresh)
	binary.BigEndian.PutUint32(u32[8:], soa.Retry)
	binary.BigEndian.PutUint32(u32[12:], soa.Expire)
	binary.BigEndian.PutUint32(u32[16:], soa.Minimum)

	var encoded []byte
	encoded = append(encoded, mname...)
	encoded = append(encoded, rname...)
	encoded = append(encoded, u32...)

	return encoded, nil
}

var _ NotifyCodec = &notifyCodec{}
