package wire

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash"
	"time"

	"github.com/hexdns/notifyd/internal/notify/domain"
)

const (
	typeTSIG = 250
	classANY = 255

	// tsigFudge is the permitted clock skew in seconds (RFC 2845
	// recommends 300).
	tsigFudge = 300
)

// AppendTSIG signs msg with key and returns the message with a TSIG record
// appended and ARCOUNT incremented. The input slice is not modified.
func (c *notifyCodec) AppendTSIG(msg []byte, key domain.TSIGKey, now time.Time) ([]byte, error) {
	if len(msg) < 12 {
		return nil, fmt.Errorf("message too short to sign")
	}
	if err := key.Validate(); err != nil {
		return nil, err
	}
	secret, err := key.SecretBytes()
	if err != nil {
		return nil, err
	}

	var newHash func() hash.Hash
	switch key.Algorithm {
	case domain.TSIGHMACSHA1:
		newHash = sha1.New
	case domain.TSIGHMACSHA256:
		newHash = sha256.New
	default:
		return nil, fmt.Errorf("unsupported tsig algorithm: %s", key.Algorithm)
	}

	keyName, err := encodeDomainName(key.Name)
	if err != nil {
		return nil, fmt.Errorf("invalid tsig key name: %v", err)
	}
	algName, err := encodeDomainName(key.Algorithm)
	if err != nil {
		return nil, fmt.Errorf("invalid tsig algorithm name: %v", err)
	}

	timeSigned := uint64(now.Unix())

	// Digest input per RFC 2845 section 3.4: the unsigned message followed by
	// the TSIG variables (key name, class, TTL, algorithm, time, fudge,
	// error, other data).
	mac := hmac.New(newHash, secret)
	mac.Write(msg)
	mac.Write(keyName)
	var vars bytes.Buffer
	_ = binary.Write(&vars, binary.BigEndian, uint16(classANY))
	_ = binary.Write(&vars, binary.BigEndian, uint32(0)) // TTL
	vars.Write(algName)
	writeUint48(&vars, timeSigned)
	_ = binary.Write(&vars, binary.BigEndian, uint16(tsigFudge))
	_ = binary.Write(&vars, binary.BigEndian, uint16(0)) // error
	_ = binary.Write(&vars, binary.BigEndian, uint16(0)) // other len
	mac.Write(vars.Bytes())
	digest := mac.Sum(nil)

	// TSIG RDATA
	var rdata bytes.Buffer
	rdata.Write(algName)
	writeUint48(&rdata, timeSigned)
	_ = binary.Write(&rdata, binary.BigEndian, uint16(tsigFudge))
	_ = binary.Write(&rdata, binary.BigEndian, uint16(len(digest)))
	rdata.Write(digest)
	rdata.Write(msg[0:2]) // original message ID
	_ = binary.Write(&rdata, binary.BigEndian, uint16(0)) // error
	_ = binary.Write(&rdata, binary.BigEndian, uint16(0)) // other len

	signed := make([]byte, len(msg), len(msg)+len(keyName)+10+rdata.Len())
	copy(signed, msg)

	// Bump ARCOUNT for the appended record.
	arCount := binary.BigEndian.Uint16(signed[10:12])
	binary.BigEndian.PutUint16(signed[10:12], arCount+1)

	var rr bytes.Buffer
	rr.Write(keyName)
	_ = binary.Write(&rr, binary.BigEndian, uint16(typeTSIG))
	_ = binary.Write(&rr, binary.BigEndian, uint16(classANY))
	_ = binary.Write(&rr, binary.BigEndian, uint32(0)) // TTL
	_ = binary.Write(&rr, binary.BigEndian, uint16(rdata.Len()))
	rr.Write(rdata.Bytes())

	signed = append(signed, rr.Bytes()...)

	c.logger.Debug(map[string]any{
		"key":       key.Name,
		"algorithm": key.Algorithm,
		"mac_size":  len(digest),
	}, "Signed NOTIFY query")

	return signed, nil
}

// writeUint48 writes the low 48 bits of v in network byte order.
func writeUint48(buf *bytes.Buffer, v uint64) {
	buf.Write([]byte{
		byte(v >> 40), byte(v >> 32), byte(v >> 24),
		byte(v >> 16), byte(v >> 8), byte(v),
	})
}
