package driver

import (
	"fmt"
	"strings"

	"github.com/lorenzodimauro97/klipper/internal/can"
)

// EncodeSlcan renders a classic standard-ID frame as an slcan line:
// 't' + 3 hex ID digits + 1 DLC digit + 2 hex digits per payload byte + CR.
func EncodeSlcan(fr can.Frame) []byte {
	var b strings.Builder
	b.WriteByte('t')
	fmt.Fprintf(&b, "%03X", fr.ID&can.CAN_SFF_MASK)
	b.WriteByte('0' + fr.Len)
	for _, d := range fr.Data[:fr.Len] {
		fmt.Fprintf(&b, "%02X", d)
	}
	b.WriteByte('\r')
	return []byte(b.String())
}

// ParseSlcan decodes one slcan line into a frame. Extended, remote and status
// lines are ignored; this bus runs standard addressing only.
func ParseSlcan(line string) (can.Frame, bool) {
	var fr can.Frame
	if len(line) < 5 || line[0] != 't' {
		return fr, false
	}
	id, ok := parseHex(line[1:4])
	if !ok {
		return fr, false
	}
	dlc := int(line[4] - '0')
	if dlc < 0 || dlc > can.MaxDataLen || len(line) < 5+2*dlc {
		return fr, false
	}
	fr.ID = id & can.CAN_SFF_MASK
	fr.Len = uint8(dlc)
	for i := 0; i < dlc; i++ {
		b, ok := parseHex(line[5+2*i : 7+2*i])
		if !ok {
			return can.Frame{}, false
		}
		fr.Data[i] = byte(b)
	}
	return fr, true
}

func parseHex(s string) (uint32, bool) {
	var v uint32
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
			v = v<<4 | uint32(c-'0')
		case c >= 'A' && c <= 'F':
			v = v<<4 | uint32(c-'A'+10)
		case c >= 'a' && c <= 'f':
			v = v<<4 | uint32(c-'a'+10)
		default:
			return 0, false
		}
	}
	return v, true
}
