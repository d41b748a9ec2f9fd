package wire

import "strings"

// EncodeDomain DNS-label encodes name into the fixed 256-byte domain field
// carried inside an Initiate packet.
func EncodeDomain(name string) ([initiatePlainDomainLen]byte, bool) {
	var out [initiatePlainDomainLen]byte
	if name == "" {
		return out, true
	}
	labels := strings.Split(name, ".")
	pos := 0
	for _, label := range labels {
		if len(label) == 0 || len(label) > 63 {
			return out, false
		}
		if pos+1+len(label) > initiatePlainDomainLen-1 {
			return out, false
		}
		out[pos] = byte(len(label))
		copy(out[pos+1:], label)
		pos += 1 + len(label)
	}
	return out, true
}

// DecodeDomain parses a DNS-label encoded domain field back to a string,
// returning "" on any malformed encoding (oversized label, truncated
// buffer) or on a genuinely empty domain.
func DecodeDomain(d []byte) string {
	var labels []string
	for len(d) > 0 {
		l := int(d[0])
		if l == 0 {
			return strings.Join(labels, ".")
		}
		if l > 63 || l > len(d)-1 {
			return ""
		}
		labels = append(labels, string(d[1:l+1]))
		d = d[l+1:]
	}
	return strings.Join(labels, ".")
}
