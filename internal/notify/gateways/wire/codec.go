// Package wire provides encoding of DNS NOTIFY queries and decoding of
// notify replies for UDP transport, following the wire format of RFC 1035
// with the NOTIFY extensions of RFC 1996 and TSIG signing per RFC 2845.
package wire

import (
	"time"

	"github.com/hexdns/notifyd/internal/notify/domain"
)

// NotifyCodec converts between notify domain objects and the DNS wire format.
type NotifyCodec interface {
	// EncodeNotify builds a NOTIFY query for the zone apex. The query
	// carries the SOA question, the AA bit, and, when soa.Serial is
	// non-zero, exactly one answer record with the SOA snapshot.
	EncodeNotify(apex string, id uint16, soa domain.SOA) ([]byte, error)

	// AppendTSIG signs msg with the given key, returning a new message
	// with the TSIG record appended to the additional section.
	AppendTSIG(msg []byte, key domain.TSIGKey, now time.Time) ([]byte, error)

	// DecodeReplyHeader extracts the header fields a notify reply is
	// judged by. Anything beyond the header is deliberately ignored.
	DecodeReplyHeader(data []byte) (domain.ReplyHeader, error)
}
