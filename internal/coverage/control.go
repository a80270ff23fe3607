package coverage

import (
	"strconv"
	"strings"
)

// Control interprets buf as newline or carriage-return delimited
// command lines and applies them in order:
//
//	clear            discard all probes and stop processing
//	<hexaddr>        add a base-image probe at the absolute address
//	<unit>:<hexaddr> add a probe at the given unit-relative address
//
// A line whose address does not parse fully is skipped; remaining lines
// are still processed. A trailing fragment without a terminator is
// ignored, not buffered. Returns the number of bytes consumed,
// terminators of fully processed lines included.
func (r *Registry) Control(buf []byte) int {
	consumed := 0
	rest := string(buf)

	for {
		i := strings.IndexAny(rest, "\r\n")
		if i < 0 {
			break
		}
		line := rest[:i]
		rest = rest[i+1:]
		consumed += i + 1

		if line == "" {
			continue
		}
		if line == "clear" {
			r.Clear()
			break
		}

		unit := ""
		addrPart := line
		if c := strings.IndexByte(line, ':'); c >= 0 {
			unit = line[:c]
			addrPart = line[c+1:]
		}

		addr, ok := parseHex(addrPart)
		if !ok {
			r.logger.Debug().Str("line", line).Msg("Skipping unparsable control line")
			continue
		}

		r.AddProbe(unit, addr)
	}

	return consumed
}

// parseHex parses a hexadecimal address with an optional 0x prefix. The
// whole string must be consumed.
func parseHex(s string) (uint64, bool) {
	if len(s) >= 2 && (s[:2] == "0x" || s[:2] == "0X") {
		s = s[2:]
	}
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
