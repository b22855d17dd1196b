package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// SOA is a snapshot of a zone's start-of-authority record. Sessions copy
// it by value when armed so they never observe a half-updated record
// belonging to the live zone image.
type SOA struct {
	MName   string
	RName   string
	Serial  uint32
	Refresh uint32
	Retry   uint32
	Expire  uint32
	Minimum uint32
}

// ParseSOA parses the zone-file presentation form
// "mname rname serial refresh retry expire minimum".
func ParseSOA(s string) (SOA, error) {
	parts := strings.Fields(s)
	if len(parts) != 7 {
		return SOA{}, fmt.Errorf("invalid SOA format (expected 7 fields): %s", s)
	}
	var u32 [5]uint32
	for i := 0; i < 5; i++ {
		val, err := strconv.ParseUint(parts[i+2], 10, 32)
		if err != nil {
			return SOA{}, fmt.Errorf("invalid SOA field %d: %v", i+2, err)
		}
		u32[i] = uint32(val)
	}
	soa := SOA{
		MName:   parts[0],
		RName:   parts[1],
		Serial:  u32[0],
		Refresh: u32[1],
		Retry:   u32[2],
		Expire:  u32[3],
		Minimum: u32[4],
	}
	if err := soa.Validate(); err != nil {
		return SOA{}, err
	}
	return soa, nil
}

// Validate checks whether the SOA fields are structurally valid.
func (s SOA) Validate() error {
	if s.MName == "" {
		return fmt.Errorf("SOA mname must not be empty")
	}
	if s.RName == "" {
		return fmt.Errorf("SOA rname must not be empty")
	}
	return nil
}

// String returns the zone-file presentation form of the record.
func (s SOA) String() string {
	return fmt.Sprintf("%s %s %d %d %d %d %d",
		s.MName, s.RName, s.Serial, s.Refresh, s.Retry, s.Expire, s.Minimum)
}
