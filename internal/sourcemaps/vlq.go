package sourcemaps

import "fmt"

// segment is one decoded mapping: a compiled position and, when present,
// the original position and symbol it came from. All positions are 0-based
// as encoded in the map.
type segment struct {
	genLine int
	genCol  int
	srcIdx  int // -1 when the segment carries no source
	srcLine int
	srcCol  int
	nameIdx int // -1 when the segment carries no name
}

const vlqContinuation = 1 << 5

// base64Value maps a base64 character to its 6-bit value, or -1.
func base64Value(c byte) int {
	switch {
	case c >= 'A' && c <= 'Z':
		return int(c - 'A')
	case c >= 'a' && c <= 'z':
		return int(c-'a') + 26
	case c >= '0' && c <= '9':
		return int(c-'0') + 52
	case c == '+':
		return 62
	case c == '/':
		return 63
	}
	return -1
}

// decodeVLQ decodes one base64 VLQ value starting at pos. It returns the
// value and the position just past it.
func decodeVLQ(s string, pos int) (int, int, error) {
	result := 0
	shift := 0
	for {
		if pos >= len(s) {
			return 0, 0, fmt.Errorf("truncated VLQ sequence")
		}
		digit := base64Value(s[pos])
		if digit < 0 {
			return 0, 0, fmt.Errorf("invalid base64 character %q in mappings", s[pos])
		}
		pos++
		result |= (digit &^ vlqContinuation) << shift
		if digit&vlqContinuation == 0 {
			break
		}
		shift += 5
	}

	// The low bit is the sign.
	value := result >> 1
	if result&1 != 0 {
		value = -value
	}
	return value, pos, nil
}

// decodeMappings decodes a source map "mappings" string into absolute
// segments. Field deltas accumulate across lines except the generated
// column, which resets at each ';'.
func decodeMappings(mappings string) ([]segment, error) {
	var segs []segment

	genLine := 0
	genCol := 0
	srcIdx, srcLine, srcCol, nameIdx := 0, 0, 0, 0

	pos := 0
	for pos < len(mappings) {
		switch mappings[pos] {
		case ';':
			genLine++
			genCol = 0
			pos++
			continue
		case ',':
			pos++
			continue
		}

		start := pos
		var fields [5]int
		n := 0
		for n < 5 && pos < len(mappings) && mappings[pos] != ',' && mappings[pos] != ';' {
			v, next, err := decodeVLQ(mappings, pos)
			if err != nil {
				return nil, fmt.Errorf("segment at offset %d: %w", start, err)
			}
			fields[n] = v
			n++
			pos = next
		}

		if n != 1 && n != 4 && n != 5 {
			return nil, fmt.Errorf("segment at offset %d has %d fields", start, n)
		}

		genCol += fields[0]
		seg := segment{genLine: genLine, genCol: genCol, srcIdx: -1, nameIdx: -1}
		if n >= 4 {
			srcIdx += fields[1]
			srcLine += fields[2]
			srcCol += fields[3]
			seg.srcIdx = srcIdx
			seg.srcLine = srcLine
			seg.srcCol = srcCol
		}
		if n == 5 {
			nameIdx += fields[4]
			seg.nameIdx = nameIdx
		}
		segs = append(segs, seg)
	}

	return segs, nil
}
